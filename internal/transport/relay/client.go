package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"nostrcraft.ai/internal/protocol"
)

var ErrAlreadySubscribed = errors.New("relay: already subscribed")

type Config struct {
	URL     string
	Filters []protocol.Filter

	// PublishRate paces EVENT writes (events per second); Burst is the bucket size.
	PublishRate float64
	Burst       int
	QueueSize   int

	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Dialer *websocket.Dialer
	Logger *log.Logger
}

func (c *Config) normalize() {
	if c.PublishRate <= 0 {
		c.PublishRate = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout / 3
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if len(c.Filters) == 0 {
		c.Filters = []protocol.Filter{{Kinds: []int{protocol.KindClaim}}}
	}
}

// Client keeps one subscription open against one relay. Outbound events are
// queued and survive reconnects; a write that fails is retried on the next
// connection.
type Client struct {
	cfg     Config
	log     *log.Logger
	subID   string
	limiter *rate.Limiter

	outbound chan []byte
	inbound  chan []byte
	subReq   chan struct{}

	subscribed atomic.Bool
	connected  atomic.Bool
	runOnce    sync.Once

	// retry is only touched by the Run goroutine.
	retry []byte
}

func NewClient(cfg Config) *Client {
	cfg.normalize()
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		cfg:      cfg,
		log:      logger,
		subID:    "nc-" + uuid.NewString(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.Burst),
		outbound: make(chan []byte, cfg.QueueSize),
		inbound:  make(chan []byte, cfg.QueueSize),
		subReq:   make(chan struct{}, 1),
	}
}

func (c *Client) URL() string            { return c.cfg.URL }
func (c *Client) Connected() bool        { return c.connected.Load() }
func (c *Client) SubscriptionID() string { return c.subID }

// Publish queues one encoded event. It blocks while the queue is full, until
// ctx is done.
func (c *Client) Publish(ctx context.Context, event []byte) error {
	select {
	case c.outbound <- append([]byte(nil), event...):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay %s: publish: %w", c.cfg.URL, ctx.Err())
	}
}

// Subscribe returns the stream of raw events matching the configured
// filters. It may be called once; the stream lives as long as Run.
func (c *Client) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if !c.subscribed.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubscribed
	}
	select {
	case c.subReq <- struct{}{}:
	default:
	}
	return c.inbound, nil
}

// Run dials the relay and keeps the connection up until ctx is done. The
// inbound stream is closed when Run returns.
func (c *Client) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("relay %s: Run called twice", c.cfg.URL)
	}
	defer close(c.inbound)

	delay := c.cfg.ReconnectMin
	for {
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
		if err == nil {
			c.log.Printf("connected to %s", c.cfg.URL)
			delay = c.cfg.ReconnectMin
			c.connected.Store(true)
			err = c.session(ctx, conn)
			c.connected.Store(false)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.log.Printf("relay %s: %v (reconnecting in %s)", c.cfg.URL, err, delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx, conn)
		cancel()
	}()

	// fail tears the session down. A nil err reports why the reader stopped.
	fail := func(err error) error {
		cancel()
		_ = conn.Close()
		rerr := <-readErr
		if err == nil {
			err = rerr
		}
		return err
	}

	select {
	case <-c.subReq:
	default:
	}
	if c.subscribed.Load() {
		if err := c.sendReq(conn); err != nil {
			return fail(err)
		}
	}

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		raw := c.retry
		c.retry = nil
		if raw == nil {
			select {
			case <-ctx.Done():
				if c.subscribed.Load() {
					if b, err := protocol.CloseEnvelope(c.subID); err == nil {
						_ = c.write(conn, b)
					}
				}
				return fail(nil)
			case <-c.subReq:
				if err := c.sendReq(conn); err != nil {
					return fail(err)
				}
				continue
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
					return fail(err)
				}
				continue
			case raw = <-c.outbound:
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			c.retry = raw
			return fail(err)
		}
		env, err := protocol.EventEnvelope(raw)
		if err != nil {
			c.log.Printf("relay %s: drop outbound: %v", c.cfg.URL, err)
			continue
		}
		if err := c.write(conn, env); err != nil {
			c.retry = raw
			return fail(err)
		}
	}
}

func (c *Client) sendReq(conn *websocket.Conn) error {
	b, err := protocol.ReqEnvelope(c.subID, c.cfg.Filters...)
	if err != nil {
		return err
	}
	return c.write(conn, b)
}

func (c *Client) write(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m, err := protocol.DecodeRelayMessage(msg)
		if err != nil {
			c.log.Printf("relay %s: %v", c.cfg.URL, err)
			continue
		}
		switch m.Type {
		case protocol.TypeEvent:
			if m.SubID != c.subID {
				continue
			}
			select {
			case c.inbound <- m.Event:
			case <-ctx.Done():
				return ctx.Err()
			}
		case protocol.TypeEOSE:
			c.log.Printf("relay %s: end of stored events", c.cfg.URL)
		case protocol.TypeNotice:
			c.log.Printf("relay %s: notice: %s", c.cfg.URL, m.Message)
		case protocol.TypeClosed:
			c.log.Printf("relay %s: subscription closed: %s", c.cfg.URL, m.Message)
		case protocol.TypeOK:
			if !m.OK {
				c.log.Printf("relay %s: rejected %s: %s", c.cfg.URL, m.EventID, describeRejection(m.Message))
			}
		}
	}
}

// describeRejection renders an OK=false message with its machine-readable
// prefix classified.
func describeRejection(msg string) string {
	p := protocol.Prefix(msg)
	switch {
	case p == "":
		return fmt.Sprintf("%q (no prefix)", msg)
	case !protocol.IsKnownPrefix(p):
		return fmt.Sprintf("%q (unknown prefix %s)", msg, p)
	default:
		return fmt.Sprintf("%q (%s, retryable=%v)", msg, p, protocol.Retryable(msg))
	}
}
