package claims

import (
	"bytes"
	"iter"
	"sort"
	"sync"

	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/pow"
)

// Reason explains why Offer rejected a record. Rejection is the normal
// outcome of losing a race, not an error.
type Reason string

const (
	ReasonLowerWork       Reason = "LOWER_WORK"
	ReasonTie             Reason = "TIE"
	ReasonDuplicate       Reason = "DUPLICATE"
	ReasonBelowMinimum    Reason = "BELOW_MINIMUM"
	ReasonBadFingerprint  Reason = "BAD_FINGERPRINT"
	ReasonAddressMismatch Reason = "ADDRESS_MISMATCH"
)

// Decision is the result of Offer. When Accepted, Claim is the new entry and
// Evicted the entry it replaced (if any). Otherwise Reason is set and
// Incumbent holds the entry that stayed (if any).
type Decision struct {
	Accepted  bool
	Claim     Claim
	Evicted   *Claim
	Incumbent *Claim
	Reason    Reason
}

// Table maps each address to the highest-work claim offered for it during
// the process lifetime. Offers are serialized; reads take a shared lock and
// never wait on a search.
type Table struct {
	eval    pow.Evaluator
	minWork int

	mu      sync.RWMutex
	entries map[cyberspace.Address]Claim
}

// NewTable returns an empty table. Records scoring below minWork are never
// accepted.
func NewTable(eval pow.Evaluator, minWork int) *Table {
	if minWork < 0 {
		minWork = 0
	}
	return &Table{
		eval:    eval,
		minWork: minWork,
		entries: map[cyberspace.Address]Claim{},
	}
}

func (t *Table) Evaluator() pow.Evaluator { return t.eval }
func (t *Table) MinWork() int             { return t.minWork }

// Offer arbitrates a candidate. It accepts iff the address has no entry or
// the candidate's work score is strictly greater than the incumbent's; ties
// keep the incumbent. The supplied digest must be the record's fingerprint.
func (t *Table) Offer(rec Record, digest pow.Digest) Decision {
	if addr, err := cyberspace.Encode(rec.Coordinate); err != nil || addr != rec.Address {
		return Decision{Reason: ReasonAddressMismatch}
	}
	if rec.Fingerprint(t.eval) != digest {
		return Decision{Reason: ReasonBadFingerprint}
	}
	work := pow.WorkScore(digest)
	if work < t.minWork {
		return Decision{Reason: ReasonBelowMinimum}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.entries[rec.Address]
	if ok {
		inc := cur.clone()
		switch {
		case cur.Fingerprint == digest:
			return Decision{Reason: ReasonDuplicate, Incumbent: &inc}
		case work == cur.Work:
			return Decision{Reason: ReasonTie, Incumbent: &inc}
		case work < cur.Work:
			return Decision{Reason: ReasonLowerWork, Incumbent: &inc}
		}
	}

	c := newClaim(rec, digest)
	t.entries[rec.Address] = c
	d := Decision{Accepted: true, Claim: c.clone()}
	if ok {
		evicted := cur.clone()
		d.Evicted = &evicted
	}
	return d
}

func (t *Table) Get(addr cyberspace.Address) (Claim, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.entries[addr]
	return c.clone(), ok
}

// GetAt looks a coordinate up; coordinates without an address are never claimed.
func (t *Table) GetAt(c cyberspace.Coordinate) (Claim, bool) {
	addr, err := cyberspace.Encode(c)
	if err != nil {
		return Claim{}, false
	}
	return t.Get(addr)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// All returns every entry ordered by address.
func (t *Table) All() []Claim {
	return t.collect(func(Claim) bool { return true })
}

// Portals returns the portal entries as they are when Portals is called.
// The sequence may be ranged over any number of times.
func (t *Table) Portals() iter.Seq[Claim] {
	portals := t.collect(func(c Claim) bool { return c.Portal })
	return func(yield func(Claim) bool) {
		for _, c := range portals {
			if !yield(c) {
				return
			}
		}
	}
}

// Restore offers previously accepted claims, e.g. from a snapshot. Claims
// that fail verification or lose to an existing entry are skipped.
func (t *Table) Restore(cs []Claim) (accepted int) {
	for _, c := range cs {
		if t.Offer(c.Record(), c.Fingerprint).Accepted {
			accepted++
		}
	}
	return accepted
}

func (t *Table) collect(keep func(Claim) bool) []Claim {
	t.mu.RLock()
	out := make([]Claim, 0, len(t.entries))
	for _, c := range t.entries {
		if keep(c) {
			out = append(out, c.clone())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Address.Bytes(), out[j].Address.Bytes()
		return bytes.Compare(a[:], b[:]) < 0
	})
	return out
}
