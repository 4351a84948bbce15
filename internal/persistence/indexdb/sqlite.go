package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/persistence/snapshot"
)

const schemaVersion = "1"

// SQLiteIndex is a queryable copy of accepted claims. Writes go through one
// goroutine; when it falls behind, writes are dropped and counted. The claim
// log stays the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropClaimTotal    atomic.Uint64
	dropSnapshotTotal atomic.Uint64
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropClaimTotal    uint64
	DropSnapshotTotal uint64
}

type reqKind int

const (
	reqClaim reqKind = iota + 1
	reqSnapshot
)

type req struct {
	kind reqKind

	claim    claimRow
	snapshot snapshotRow
}

type claimRow struct {
	Origin  string
	Claim   claims.Claim
	Evicted *claims.Claim
	At      time.Time
}

type snapshotRow struct {
	TakenAt   int64
	Path      string
	Algorithm string
	Claims    int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func initPragmas(db *sql.DB) error {
	// WAL lets claimq read while claimd writes.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS claims (
			address TEXT PRIMARY KEY,
			realm INTEGER NOT NULL,
			x TEXT NOT NULL,
			y TEXT NOT NULL,
			z TEXT NOT NULL,
			sector_x INTEGER NOT NULL,
			sector_y INTEGER NOT NULL,
			sector_z INTEGER NOT NULL,
			claimant TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			work INTEGER NOT NULL,
			nonce INTEGER NOT NULL,
			portal INTEGER NOT NULL,
			payload BLOB,
			origin TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_claimant ON claims(claimant, work);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_portal ON claims(portal);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_sector ON claims(realm, sector_x, sector_y, sector_z);`,
		`CREATE TABLE IF NOT EXISTS evictions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL,
			claimant TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			work INTEGER NOT NULL,
			evicted_by TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_evictions_address ON evictions(address, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			taken_at INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			claims INTEGER NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropClaimTotal:    s.dropClaimTotal.Load(),
		DropSnapshotTotal: s.dropSnapshotTotal.Load(),
	}
}

// RecordClaim queues an accepted claim (and the one it replaced).
func (s *SQLiteIndex) RecordClaim(origin string, c claims.Claim, evicted *claims.Claim) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqClaim, claim: claimRow{Origin: origin, Claim: c, Evicted: evicted, At: time.Now().UTC()}}:
	default:
		s.dropClaimTotal.Add(1)
	}
}

func (s *SQLiteIndex) RecordSnapshot(path string, h snapshot.Header) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{TakenAt: h.TakenAt, Path: path, Algorithm: h.Algorithm, Claims: h.Claims}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshotTotal.Add(1)
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertClaim, _ := s.db.Prepare(`INSERT OR REPLACE INTO claims(address,realm,x,y,z,sector_x,sector_y,sector_z,claimant,fingerprint,work,nonce,portal,payload,origin,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertEviction, _ := s.db.Prepare(`INSERT INTO evictions(address,claimant,fingerprint,work,evicted_by,at) VALUES(?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(taken_at,path,algorithm,claims) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertClaim, insertEviction, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	// An idle writer still commits, so readers see the last claims.
	tick := time.NewTicker(commitMaxWait)
	defer tick.Stop()

	for {
		var r req
		var ok bool
		select {
		case <-tick.C:
			flushIfNeeded()
			continue
		case r, ok = <-s.ch:
		}
		if !ok {
			break
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqClaim:
			c := r.claim.Claim
			if upsertClaim != nil {
				x, y, z := c.Coordinate.X(), c.Coordinate.Y(), c.Coordinate.Z()
				sec := c.Coordinate.Sector()
				if _, err := tx.Stmt(upsertClaim).Exec(
					c.Address.Hex(),
					int(c.Coordinate.Realm()),
					x.String(), y.String(), z.String(),
					sec[0], sec[1], sec[2],
					c.Claimant.Hex(),
					c.Fingerprint.Hex(),
					c.Work,
					int64(c.Nonce),
					c.Portal,
					c.Payload,
					r.claim.Origin,
					c.CreatedAt.UTC().Format(time.RFC3339Nano),
					r.claim.At.Format(time.RFC3339Nano),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			if ev := r.claim.Evicted; ev != nil && insertEviction != nil {
				if _, err := tx.Stmt(insertEviction).Exec(
					ev.Address.Hex(),
					ev.Claimant.Hex(),
					ev.Fingerprint.Hex(),
					ev.Work,
					c.Fingerprint.Hex(),
					r.claim.At.Format(time.RFC3339Nano),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(sn.TakenAt, sn.Path, sn.Algorithm, sn.Claims); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
