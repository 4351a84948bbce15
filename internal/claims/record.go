package claims

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/pow"
)

// Identity is the opaque claimant id embedded in every record (a Nostr
// x-only public key in practice).
type Identity [32]byte

func ParseIdentity(s string) (Identity, error) {
	var id Identity
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("identity: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("identity: want %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id Identity) Hex() string    { return hex.EncodeToString(id[:]) }
func (id Identity) String() string { return id.Hex() }

// Short renders the identity the way the HUD shows keys: first and last 8 hex chars.
func (id Identity) Short() string {
	h := id.Hex()
	return h[:8] + "..." + h[len(h)-8:]
}

// Home is the cell this identity's avatar lives at.
func (id Identity) Home() cyberspace.Coordinate { return cyberspace.Home(id) }

// Record is a candidate claim. A search worker owns its copy and only ever
// changes Nonce.
type Record struct {
	Coordinate cyberspace.Coordinate
	Address    cyberspace.Address
	Claimant   Identity
	Payload    []byte
	Nonce      uint64
	Portal     bool
	CreatedAt  time.Time
}

// NewRecord binds a candidate to its coordinate's address. It fails with
// cyberspace.ErrOutOfRange when the coordinate has no address.
func NewRecord(c cyberspace.Coordinate, claimant Identity, payload []byte, portal bool, now time.Time) (Record, error) {
	addr, err := cyberspace.Encode(c)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Coordinate: c,
		Address:    addr,
		Claimant:   claimant,
		Payload:    append([]byte(nil), payload...),
		Portal:     portal,
		CreatedAt:  now.UTC(),
	}, nil
}

// Material returns the bytes a pow.Evaluator hashes for this record.
func (r Record) Material() []byte {
	return pow.Material(r.Address.Bytes(), r.Claimant, r.Payload, r.Nonce)
}

func (r Record) Fingerprint(e pow.Evaluator) pow.Digest {
	return e.Sum(r.Material())
}

// Claim is an accepted record. Never mutated after creation; a higher-work
// claim at the same address supersedes it.
type Claim struct {
	Address     cyberspace.Address
	Coordinate  cyberspace.Coordinate
	Claimant    Identity
	Fingerprint pow.Digest
	Work        int
	Payload     []byte
	Nonce       uint64
	Portal      bool
	CreatedAt   time.Time
}

func newClaim(r Record, d pow.Digest) Claim {
	return Claim{
		Address:     r.Address,
		Coordinate:  r.Coordinate,
		Claimant:    r.Claimant,
		Fingerprint: d,
		Work:        pow.WorkScore(d),
		Payload:     append([]byte(nil), r.Payload...),
		Nonce:       r.Nonce,
		Portal:      r.Portal,
		CreatedAt:   r.CreatedAt,
	}
}

// clone detaches the payload from the table's copy.
func (c Claim) clone() Claim {
	c.Payload = bytes.Clone(c.Payload)
	return c
}

// Record returns the candidate this claim was accepted from.
func (c Claim) Record() Record {
	return Record{
		Coordinate: c.Coordinate,
		Address:    c.Address,
		Claimant:   c.Claimant,
		Payload:    append([]byte(nil), c.Payload...),
		Nonce:      c.Nonce,
		Portal:     c.Portal,
		CreatedAt:  c.CreatedAt,
	}
}

// Equal reports whether two claims carry the same content.
func (c Claim) Equal(o Claim) bool {
	return c.Address == o.Address &&
		c.Claimant == o.Claimant &&
		c.Fingerprint == o.Fingerprint &&
		c.Work == o.Work &&
		string(c.Payload) == string(o.Payload) &&
		c.Nonce == o.Nonce &&
		c.Portal == o.Portal &&
		c.CreatedAt.Equal(o.CreatedAt)
}
