package indexdb

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ClaimRow is a claim as the index stores it.
type ClaimRow struct {
	Address     string    `json:"address"`
	Realm       int       `json:"realm"`
	X           string    `json:"x"`
	Y           string    `json:"y"`
	Z           string    `json:"z"`
	Sector      [3]int64  `json:"sector"`
	Claimant    string    `json:"claimant"`
	Fingerprint string    `json:"fingerprint"`
	Work        int       `json:"work"`
	Nonce       uint64    `json:"nonce"`
	Portal      bool      `json:"portal"`
	Payload     []byte    `json:"payload,omitempty"`
	Origin      string    `json:"origin"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type EvictionRow struct {
	Seq         int64  `json:"seq"`
	Address     string `json:"address"`
	Claimant    string `json:"claimant"`
	Fingerprint string `json:"fingerprint"`
	Work        int    `json:"work"`
	EvictedBy   string `json:"evicted_by"`
	At          string `json:"at"`
}

// Reader queries an index another process may be writing.
type Reader struct {
	db *sql.DB
}

func OpenReader(path string) (*Reader, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

const claimCols = `address,realm,x,y,z,sector_x,sector_y,sector_z,claimant,fingerprint,work,nonce,portal,payload,origin,created_at,updated_at`

func (r *Reader) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM claims`).Scan(&n)
	return n, err
}

// ClaimAt returns the claim at an address (hex). ok is false when the
// address is unclaimed.
func (r *Reader) ClaimAt(address string) (row ClaimRow, ok bool, err error) {
	rows, err := r.query(`SELECT `+claimCols+` FROM claims WHERE address=?`, strings.ToLower(address))
	if err != nil || len(rows) == 0 {
		return ClaimRow{}, false, err
	}
	return rows[0], true, nil
}

// Portals lists portal claims, highest work first.
func (r *Reader) Portals(limit int) ([]ClaimRow, error) {
	return r.query(`SELECT `+claimCols+` FROM claims WHERE portal=1 ORDER BY work DESC, address LIMIT ?`, clampLimit(limit))
}

// ByClaimant lists one claimant's current claims, highest work first.
func (r *Reader) ByClaimant(claimant string, limit int) ([]ClaimRow, error) {
	return r.query(`SELECT `+claimCols+` FROM claims WHERE claimant=? ORDER BY work DESC, address LIMIT ?`, strings.ToLower(claimant), clampLimit(limit))
}

// InSector lists claims in one sector of a realm.
func (r *Reader) InSector(realm int, sector [3]int64, limit int) ([]ClaimRow, error) {
	return r.query(`SELECT `+claimCols+` FROM claims WHERE realm=? AND sector_x=? AND sector_y=? AND sector_z=? ORDER BY address LIMIT ?`,
		realm, sector[0], sector[1], sector[2], clampLimit(limit))
}

// Evictions lists the claims that used to hold address, newest first.
func (r *Reader) Evictions(address string, limit int) ([]EvictionRow, error) {
	rows, err := r.db.Query(`SELECT seq,address,claimant,fingerprint,work,evicted_by,at FROM evictions WHERE address=? ORDER BY seq DESC LIMIT ?`,
		strings.ToLower(address), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvictionRow
	for rows.Next() {
		var e EvictionRow
		if err := rows.Scan(&e.Seq, &e.Address, &e.Claimant, &e.Fingerprint, &e.Work, &e.EvictedBy, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the path of the newest recorded snapshot.
func (r *Reader) LatestSnapshot() (string, error) {
	var path string
	err := r.db.QueryRow(`SELECT path FROM snapshots ORDER BY taken_at DESC LIMIT 1`).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return path, err
}

func (r *Reader) query(q string, args ...any) ([]ClaimRow, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClaimRow
	for rows.Next() {
		var (
			c                ClaimRow
			nonce            int64
			portal           int
			created, updated string
		)
		if err := rows.Scan(&c.Address, &c.Realm, &c.X, &c.Y, &c.Z,
			&c.Sector[0], &c.Sector[1], &c.Sector[2],
			&c.Claimant, &c.Fingerprint, &c.Work, &nonce, &portal, &c.Payload,
			&c.Origin, &created, &updated); err != nil {
			return nil, err
		}
		c.Nonce = uint64(nonce)
		c.Portal = portal != 0
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("claim %s: created_at: %w", c.Address, err)
		}
		if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("claim %s: updated_at: %w", c.Address, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func clampLimit(n int) int {
	if n <= 0 || n > 10000 {
		return 10000
	}
	return n
}
