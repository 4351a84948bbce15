package log

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	stdlog "log"
	"path/filepath"
	"sync/atomic"
	"time"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/pow"
)

// ClaimEntry is one line of the claim log: a claim the table accepted and
// the claim it evicted, if any.
type ClaimEntry struct {
	At          time.Time     `json:"at"`
	Origin      string        `json:"origin"`
	Address     string        `json:"address"`
	Realm       uint8         `json:"realm"`
	X           string        `json:"x"`
	Y           string        `json:"y"`
	Z           string        `json:"z"`
	Claimant    string        `json:"claimant"`
	Fingerprint string        `json:"fingerprint"`
	Work        int           `json:"work"`
	Nonce       uint64        `json:"nonce"`
	Portal      bool          `json:"portal,omitempty"`
	Payload     string        `json:"payload,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	Evicted     *EvictedEntry `json:"evicted,omitempty"`
}

type EvictedEntry struct {
	Claimant    string `json:"claimant"`
	Fingerprint string `json:"fingerprint"`
	Work        int    `json:"work"`
}

func NewClaimEntry(origin string, c claims.Claim, evicted *claims.Claim, at time.Time) ClaimEntry {
	x, y, z := c.Coordinate.X(), c.Coordinate.Y(), c.Coordinate.Z()
	e := ClaimEntry{
		At:          at.UTC(),
		Origin:      origin,
		Address:     c.Address.Hex(),
		Realm:       uint8(c.Coordinate.Realm()),
		X:           x.String(),
		Y:           y.String(),
		Z:           z.String(),
		Claimant:    c.Claimant.Hex(),
		Fingerprint: c.Fingerprint.Hex(),
		Work:        c.Work,
		Nonce:       c.Nonce,
		Portal:      c.Portal,
		CreatedAt:   c.CreatedAt.UTC(),
	}
	if len(c.Payload) > 0 {
		e.Payload = hex.EncodeToString(c.Payload)
	}
	if evicted != nil {
		e.Evicted = &EvictedEntry{
			Claimant:    evicted.Claimant.Hex(),
			Fingerprint: evicted.Fingerprint.Hex(),
			Work:        evicted.Work,
		}
	}
	return e
}

// Record rebuilds the candidate the entry was accepted from, with the
// fingerprint it was logged under.
func (e ClaimEntry) Record() (claims.Record, pow.Digest, error) {
	var ax [3]*big.Int
	for i, s := range []string{e.X, e.Y, e.Z} {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return claims.Record{}, pow.Digest{}, fmt.Errorf("claim entry %s: bad axis %q", e.Address, s)
		}
		ax[i] = v
	}
	addr, err := cyberspace.ParseAddress(e.Address)
	if err != nil {
		return claims.Record{}, pow.Digest{}, err
	}
	claimant, err := claims.ParseIdentity(e.Claimant)
	if err != nil {
		return claims.Record{}, pow.Digest{}, err
	}
	payload, err := hex.DecodeString(e.Payload)
	if err != nil {
		return claims.Record{}, pow.Digest{}, fmt.Errorf("claim entry %s: payload: %w", e.Address, err)
	}
	digest, err := pow.ParseDigest(e.Fingerprint)
	if err != nil {
		return claims.Record{}, pow.Digest{}, err
	}
	rec := claims.Record{
		Coordinate: cyberspace.NewCoordinateBig(cyberspace.Realm(e.Realm), ax[0], ax[1], ax[2]),
		Address:    addr,
		Claimant:   claimant,
		Payload:    payload,
		Nonce:      e.Nonce,
		Portal:     e.Portal,
		CreatedAt:  e.CreatedAt,
	}
	return rec, digest, nil
}

// ClaimLogger writes accepted claims to <dataDir>/claims/claims-*.jsonl.zst.
// It is a relaysync.Recorder; write failures are logged and counted.
type ClaimLogger struct {
	w      *JSONLZstdWriter
	log    *stdlog.Logger
	failed atomic.Uint64
}

func NewClaimLogger(dataDir string, logger *stdlog.Logger) *ClaimLogger {
	if logger == nil {
		logger = stdlog.New(io.Discard, "", 0)
	}
	return &ClaimLogger{
		w:   NewJSONLZstdWriter(filepath.Join(dataDir, "claims"), "claims"),
		log: logger,
	}
}

func (l *ClaimLogger) WriteClaim(e ClaimEntry) error { return l.w.Write(e) }

func (l *ClaimLogger) RecordClaim(origin string, c claims.Claim, evicted *claims.Claim) {
	if err := l.w.Write(NewClaimEntry(origin, c, evicted, time.Now())); err != nil {
		if l.failed.Add(1) == 1 {
			l.log.Printf("claim log: %v", err)
		}
	}
}

// Failed counts entries that could not be written.
func (l *ClaimLogger) Failed() uint64 { return l.failed.Load() }

func (l *ClaimLogger) Files() ([]string, error) { return l.w.Files() }
func (l *ClaimLogger) Close() error             { return l.w.Close() }
