package mining

import (
	"sync"
	"sync/atomic"
	"time"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/pow"
)

type State int32

const (
	StateIdle State = iota
	StateSearching
	StateFound
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateFound:
		return "found"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Search is the caller's handle on one running proof-of-work search.
type Search struct {
	id         uint64
	pool       *Pool
	rec        claims.Record
	difficulty int
	workers    int
	started    time.Time

	// stop is polled by workers every iteration; mu guards the state
	// transition so that Found and Cancelled are mutually exclusive.
	stop  atomic.Bool
	mu    sync.Mutex
	state State

	hashes atomic.Uint64
	wg     sync.WaitGroup
	done   chan struct{}
}

func (s *Search) ID() uint64            { return s.id }
func (s *Search) Record() claims.Record { return s.rec }
func (s *Search) Difficulty() int       { return s.difficulty }
func (s *Search) Workers() int          { return s.workers }
func (s *Search) Hashes() uint64        { return s.hashes.Load() }

func (s *Search) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once every worker has exited.
func (s *Search) Done() <-chan struct{} { return s.done }
func (s *Search) Wait()                 { <-s.done }

// Stop cancels the search. It reports whether this call moved the search
// from Searching to Cancelled.
func (s *Search) Stop() bool {
	s.mu.Lock()
	if s.state != StateSearching {
		s.mu.Unlock()
		return false
	}
	s.state = StateCancelled
	s.stop.Store(true)
	s.mu.Unlock()

	s.pool.release(s)
	s.pool.metrics.SearchEnded(StateCancelled.String())
	return true
}

// work evaluates nonces base+i, base+i+n, base+i+2n, ... so no two workers
// of a search ever hash the same nonce.
func (s *Search) work(i int) {
	defer s.wg.Done()

	eval := s.pool.eval
	buf := s.rec.Material()
	nonce := s.rec.Nonce + uint64(i)
	step := uint64(s.workers)

	var pending uint64
	flush := func() {
		s.hashes.Add(pending)
		s.pool.metrics.AddHashes(pending)
		pending = 0
	}
	defer flush()

	for !s.stop.Load() {
		pow.PutNonce(buf, nonce)
		d := eval.Sum(buf)
		pending++
		if pow.Meets(d, s.difficulty) {
			flush()
			s.win(i, nonce, d)
			return
		}
		if pending == hashBatch {
			flush()
		}
		nonce += step
	}
}

func (s *Search) win(worker int, nonce uint64, d pow.Digest) {
	s.mu.Lock()
	if s.state != StateSearching {
		s.mu.Unlock()
		return
	}
	s.state = StateFound
	s.stop.Store(true)
	s.mu.Unlock()

	s.pool.release(s)
	s.pool.metrics.SearchEnded(StateFound.String())

	rec := s.rec
	rec.Nonce = nonce
	s.pool.emit(Found{
		Search:  s,
		Record:  rec,
		Digest:  d,
		Work:    pow.WorkScore(d),
		Worker:  worker,
		Hashes:  s.hashes.Load(),
		Elapsed: time.Since(s.started),
	})
}
