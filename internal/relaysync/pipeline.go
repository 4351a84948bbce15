// Package relaysync connects the claim table to the network and to local
// searches. Remote records are decoded and offered; local winners are
// offered and, once accepted, published. Every table change is reported to
// a Notifier.
package relaysync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
	"nostrcraft.ai/internal/metrics"
	"nostrcraft.ai/internal/mining"
	"nostrcraft.ai/internal/pow"
	"nostrcraft.ai/internal/protocol"
)

// Transport is the network collaborator. Reconnects and retries are its
// business.
type Transport interface {
	Publish(ctx context.Context, event []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

type Codec interface {
	Decode(raw []byte) (protocol.Inbound, error)
	Encode(c claims.Claim) ([]byte, error)
}

// Recorder is told about every accepted claim. Implementations must not
// block for long; the table is not locked while they run.
type Recorder interface {
	RecordClaim(origin string, accepted claims.Claim, evicted *claims.Claim)
}

type Config struct {
	Table     *claims.Table
	Pool      *mining.Pool
	Codec     Codec
	Transport Transport
	Notifier  Notifier
	Recorders []Recorder

	Claimant      claims.Identity
	MinDifficulty int
	Workers       int
	// Contest restarts a search outbid by a remote claim against the new
	// incumbent instead of dropping it.
	Contest bool

	PublishTimeout time.Duration
	PublishQueue   int

	Metrics *metrics.Metrics
	Logger  *log.Logger
	Now     func() time.Time
}

type request struct {
	coord   cyberspace.Coordinate
	payload []byte
	portal  bool
}

type Pipeline struct {
	cfg     Config
	table   *claims.Table
	pool    *mining.Pool
	codec   Codec
	notify  Notifier
	metrics *metrics.Metrics
	log     *log.Logger
	now     func() time.Time

	publishQ chan claims.Claim

	mu       sync.Mutex
	requests map[cyberspace.Address]request
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Table == nil {
		return nil, errors.New("relaysync: nil table")
	}
	if cfg.Pool == nil {
		return nil, errors.New("relaysync: nil pool")
	}
	if cfg.Codec == nil {
		return nil, errors.New("relaysync: nil codec")
	}
	if cfg.MinDifficulty < 0 || cfg.MinDifficulty > pow.DigestBits {
		return nil, fmt.Errorf("relaysync: min difficulty %d outside [0,%d]", cfg.MinDifficulty, pow.DigestBits)
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.PublishQueue <= 0 {
		cfg.PublishQueue = 64
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pipeline{
		cfg:      cfg,
		table:    cfg.Table,
		pool:     cfg.Pool,
		codec:    cfg.Codec,
		notify:   cfg.Notifier,
		metrics:  cfg.Metrics,
		log:      logger,
		now:      cfg.Now,
		publishQ: make(chan claims.Claim, cfg.PublishQueue),
		requests: map[cyberspace.Address]request{},
	}, nil
}

func (p *Pipeline) Table() *claims.Table { return p.table }
func (p *Pipeline) Pool() *mining.Pool   { return p.pool }

// Run drives ingestion, local winners and publication until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	if p.cfg.Transport != nil {
		stream, err := p.cfg.Transport.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("relaysync: subscribe: %w", err)
		}
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case raw, ok := <-stream:
					if !ok {
						p.log.Printf("subscription stream closed")
						return nil
					}
					_, _ = p.Ingest(raw)
				}
			}
		})
		eg.Go(func() error { return p.publishLoop(ctx) })
	}

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case f := <-p.pool.Found():
				p.handleFound(ctx, f)
			}
		}
	})

	return eg.Wait()
}

// Ingest offers one raw network record. Undecodable records, and records
// whose embedded address is not their coordinate's, are dropped with a
// warning and returned as an error. Events of other kinds are ignored.
func (p *Pipeline) Ingest(raw []byte) (claims.Decision, error) {
	in, err := p.codec.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedKind) {
			p.metrics.Dropped("kind")
			return claims.Decision{}, err
		}
		p.metrics.Dropped("decode")
		p.warn(fmt.Sprintf("dropped relay record: %v", err))
		return claims.Decision{}, err
	}
	addr, err := cyberspace.Encode(in.Record.Coordinate)
	if err != nil || addr != in.Address {
		p.metrics.Dropped("address_mismatch")
		p.warn(fmt.Sprintf("dropped relay record %s: address %s does not match %s", in.Event.ID, in.Address, in.Record.Coordinate))
		return claims.Decision{}, fmt.Errorf("%w: address does not match coordinate", protocol.ErrDecode)
	}

	d := p.table.Offer(in.Record, in.Digest)
	p.settle(OriginRemote, in.Record.Coordinate, d)
	if !d.Accepted {
		return d, nil
	}

	// The network beat any local search at this address.
	if s, ok := p.pool.Active(addr); ok && s.Stop() {
		p.notify.Notify(Notification{
			Kind:       SearchCancelled,
			Origin:     OriginRemote,
			Coordinate: in.Record.Coordinate,
			Claim:      &d.Claim,
			Difficulty: s.Difficulty(),
			Message:    "outbid by " + d.Claim.Claimant.Short(),
			At:         p.now(),
		})
		p.log.Printf("search at %s outbid by remote work=%d", in.Record.Coordinate, d.Claim.Work)
	}
	if d.Claim.Claimant == p.cfg.Claimant {
		p.forget(addr)
		return d, nil
	}
	if p.cfg.Contest {
		if req, ok := p.pending(addr); ok {
			if _, err := p.start(req); err != nil {
				p.warn(fmt.Sprintf("contest %s: %v", req.coord, err))
			}
		}
	} else {
		p.forget(addr)
	}
	return d, nil
}

// RequestClaim starts mining coord for the configured claimant. The target
// is the minimum difficulty, or one more than the incumbent's work.
func (p *Pipeline) RequestClaim(coord cyberspace.Coordinate, payload []byte, portal bool) (*mining.Search, error) {
	addr, err := cyberspace.Encode(coord)
	if err != nil {
		return nil, err
	}
	req := request{coord: coord, payload: append([]byte(nil), payload...), portal: portal}

	// Registered before the search starts: an easy target can be found
	// before Start even returns.
	p.mu.Lock()
	prev, had := p.requests[addr]
	p.requests[addr] = req
	p.mu.Unlock()

	s, err := p.start(req)
	if err != nil {
		p.mu.Lock()
		if had {
			p.requests[addr] = prev
		} else {
			delete(p.requests, addr)
		}
		p.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// CancelClaim stops the local search for coord. It reports whether a search
// was running.
func (p *Pipeline) CancelClaim(coord cyberspace.Coordinate) (bool, error) {
	addr, err := cyberspace.Encode(coord)
	if err != nil {
		return false, err
	}
	p.forget(addr)
	s, ok := p.pool.Active(addr)
	if !ok || !s.Stop() {
		return false, nil
	}
	p.notify.Notify(Notification{
		Kind:       SearchCancelled,
		Origin:     OriginLocal,
		Coordinate: coord,
		Difficulty: s.Difficulty(),
		Message:    "cancelled",
		At:         p.now(),
	})
	return true, nil
}

// DifficultyFor is the target a new local search at addr has to reach.
func (p *Pipeline) DifficultyFor(addr cyberspace.Address) int {
	d := max(p.cfg.MinDifficulty, p.table.MinWork())
	if inc, ok := p.table.Get(addr); ok {
		d = max(d, inc.Work+1)
	}
	return d
}

func (p *Pipeline) start(req request) (*mining.Search, error) {
	rec, err := claims.NewRecord(req.coord, p.cfg.Claimant, req.payload, req.portal, p.now())
	if err != nil {
		return nil, err
	}
	rec.Nonce = rand.Uint64()
	difficulty := p.DifficultyFor(rec.Address)
	s, err := p.pool.Start(rec, difficulty, p.cfg.Workers)
	if err != nil {
		return nil, err
	}
	p.notify.Notify(Notification{
		Kind:       SearchStarted,
		Origin:     OriginLocal,
		Coordinate: req.coord,
		Difficulty: difficulty,
		At:         p.now(),
	})
	p.log.Printf("mining %s difficulty=%d", req.coord, difficulty)
	return s, nil
}

func (p *Pipeline) handleFound(ctx context.Context, f mining.Found) {
	addr := f.Record.Address
	if _, ok := p.pending(addr); !ok {
		// A search restarted by a contest can finish after an earlier local
		// winner already took the address.
		if inc, held := p.table.Get(addr); held && inc.Claimant == p.cfg.Claimant {
			p.log.Printf("discarding search result at %s: already held work=%d", f.Record.Coordinate, inc.Work)
			return
		}
	}
	d := p.table.Offer(f.Record, f.Digest)
	p.settle(OriginLocal, f.Record.Coordinate, d)

	if !d.Accepted {
		if req, ok := p.pending(addr); ok && p.cfg.Contest && d.Reason != claims.ReasonDuplicate {
			if _, err := p.start(req); err != nil {
				p.warn(fmt.Sprintf("contest %s: %v", req.coord, err))
			}
			return
		}
		p.forget(addr)
		return
	}
	p.forget(addr)
	if s, ok := p.pool.Active(addr); ok && s.Stop() {
		p.notify.Notify(Notification{
			Kind:       SearchCancelled,
			Origin:     OriginLocal,
			Coordinate: f.Record.Coordinate,
			Claim:      &d.Claim,
			Difficulty: s.Difficulty(),
			Message:    "already claimed",
			At:         p.now(),
		})
	}
	p.log.Printf("claimed %s work=%d in %s", f.Record.Coordinate, d.Claim.Work, f.Elapsed.Round(time.Millisecond))
	p.enqueue(ctx, d.Claim)
}

// settle records and reports the outcome of an offer.
func (p *Pipeline) settle(origin Origin, coord cyberspace.Coordinate, d claims.Decision) {
	outcome := "accepted"
	if !d.Accepted {
		outcome = string(d.Reason)
	}
	p.metrics.Offer(string(origin), outcome, p.table.Len())

	at := p.now()
	if !d.Accepted {
		// Remote losers are routine (echoes, stale relays); only tell the
		// renderer about its own.
		if origin == OriginLocal {
			p.notify.Notify(Notification{
				Kind:       ClaimRejected,
				Origin:     origin,
				Coordinate: coord,
				Claim:      d.Incumbent,
				Reason:     d.Reason,
				At:         at,
			})
		}
		return
	}

	for _, r := range p.cfg.Recorders {
		r.RecordClaim(string(origin), d.Claim, d.Evicted)
	}
	if d.Evicted != nil {
		p.notify.Notify(Notification{
			Kind:       ClaimEvicted,
			Origin:     origin,
			Coordinate: d.Evicted.Coordinate,
			Claim:      d.Evicted,
			At:         at,
		})
	}
	accepted := d.Claim
	p.notify.Notify(Notification{
		Kind:       ClaimAccepted,
		Origin:     origin,
		Coordinate: accepted.Coordinate,
		Claim:      &accepted,
		At:         at,
	})
}

func (p *Pipeline) enqueue(ctx context.Context, c claims.Claim) {
	if p.cfg.Transport == nil {
		return
	}
	select {
	case p.publishQ <- c:
	case <-ctx.Done():
		p.log.Printf("not publishing %s: %v", c.Coordinate, ctx.Err())
	}
}

// publishLoop hands accepted local claims to the transport. A failed
// publish is reported and never rolls the table back.
func (p *Pipeline) publishLoop(ctx context.Context) error {
	for {
		var c claims.Claim
		select {
		case <-ctx.Done():
			return nil
		case c = <-p.publishQ:
		}
		raw, err := p.codec.Encode(c)
		if err != nil {
			p.metrics.Publish(false)
			p.warn(fmt.Sprintf("encode %s: %v", c.Coordinate, err))
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		err = p.cfg.Transport.Publish(pctx, raw)
		cancel()
		p.metrics.Publish(err == nil)
		if err != nil {
			p.warn(fmt.Sprintf("publish %s: %v", c.Coordinate, err))
			continue
		}
		p.log.Printf("published %s work=%d", c.Coordinate, c.Work)
	}
}

func (p *Pipeline) pending(addr cyberspace.Address) (request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requests[addr]
	return r, ok
}

func (p *Pipeline) forget(addr cyberspace.Address) {
	p.mu.Lock()
	delete(p.requests, addr)
	p.mu.Unlock()
}

func (p *Pipeline) warn(msg string) {
	p.log.Printf("warning: %s", msg)
	p.notify.Notify(Notification{Kind: Warning, Message: msg, At: p.now()})
}
