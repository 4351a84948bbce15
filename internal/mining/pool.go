package mining

import (
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/metrics"
	"nostrcraft.ai/internal/pow"
)

var (
	ErrAlreadySearching = errors.New("mining: already searching this address")
	ErrPoolClosed       = errors.New("mining: pool closed")
)

// hashBatch is how many fingerprints a worker evaluates between metric flushes.
const hashBatch = 4096

type Config struct {
	Evaluator pow.Evaluator
	Metrics   *metrics.Metrics
	Logger    *log.Logger
	// FoundQueue is the buffer of the Found channel.
	FoundQueue int
}

// Found reports the winning nonce of a search. Exactly one is emitted per
// search that reaches StateFound.
type Found struct {
	Search  *Search
	Record  claims.Record
	Digest  pow.Digest
	Work    int
	Worker  int
	Hashes  uint64
	Elapsed time.Duration
}

// Pool runs proof-of-work searches. Each search fans out over its own
// workers; the pool only enforces one active search per address.
type Pool struct {
	eval    pow.Evaluator
	metrics *metrics.Metrics
	log     *log.Logger

	found     chan Found
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	active map[cyberspace.Address]*Search
	nextID atomic.Uint64
}

func NewPool(cfg Config) *Pool {
	if cfg.FoundQueue <= 0 {
		cfg.FoundQueue = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pool{
		eval:    cfg.Evaluator,
		metrics: cfg.Metrics,
		log:     logger,
		found:   make(chan Found, cfg.FoundQueue),
		closed:  make(chan struct{}),
		active:  map[cyberspace.Address]*Search{},
	}
}

// Found delivers winning records. The consumer should drain it continuously;
// a winner blocks until its event is taken or the pool is closed.
func (p *Pool) Found() <-chan Found { return p.found }

// Start launches workers searching for a nonce whose fingerprint scores at
// least difficulty. workers <= 0 means one per CPU.
func (p *Pool) Start(rec claims.Record, difficulty, workers int) (*Search, error) {
	if difficulty < 0 || difficulty > pow.DigestBits {
		return nil, fmt.Errorf("mining: difficulty %d outside [0,%d]", difficulty, pow.DigestBits)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}

	p.mu.Lock()
	if _, busy := p.active[rec.Address]; busy {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySearching, rec.Coordinate)
	}
	s := &Search{
		id:         p.nextID.Add(1),
		pool:       p,
		rec:        rec,
		difficulty: difficulty,
		workers:    workers,
		state:      StateSearching,
		started:    time.Now(),
		done:       make(chan struct{}),
	}
	p.active[rec.Address] = s
	p.mu.Unlock()

	p.metrics.SearchStarted()
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.work(i)
	}
	go func() {
		s.wg.Wait()
		p.logRate(s)
		close(s.done)
	}()
	return s, nil
}

// Stop cancels s. It is a no-op for nil, finished or already stopped searches.
func (p *Pool) Stop(s *Search) bool {
	if s == nil {
		return false
	}
	return s.Stop()
}

// StopAddress cancels the active search for addr, if any.
func (p *Pool) StopAddress(addr cyberspace.Address) bool {
	s, ok := p.Active(addr)
	if !ok {
		return false
	}
	return s.Stop()
}

// StopAll cancels every active search. Once it returns none of them can emit
// a Found event.
func (p *Pool) StopAll() {
	p.mu.Lock()
	list := make([]*Search, 0, len(p.active))
	for _, s := range p.active {
		list = append(list, s)
	}
	p.mu.Unlock()
	for _, s := range list {
		s.Stop()
	}
}

func (p *Pool) Active(addr cyberspace.Address) (*Search, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.active[addr]
	return s, ok
}

func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Close stops all searches and releases winners blocked on delivery.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.StopAll()
	})
}

func (p *Pool) release(s *Search) {
	p.mu.Lock()
	if p.active[s.rec.Address] == s {
		delete(p.active, s.rec.Address)
	}
	p.mu.Unlock()
}

func (p *Pool) emit(f Found) {
	select {
	case p.found <- f:
	case <-p.closed:
	}
}

func (p *Pool) logRate(s *Search) {
	elapsed := time.Since(s.started)
	if elapsed <= 0 {
		return
	}
	rate := float64(s.hashes.Load()) / elapsed.Seconds()
	p.log.Printf("search %d %s %s after %s (%s, difficulty=%d workers=%d)",
		s.id, s.rec.Coordinate, s.State(), elapsed.Round(time.Millisecond),
		humanize.SI(rate, "H/s"), s.difficulty, s.workers)
}
