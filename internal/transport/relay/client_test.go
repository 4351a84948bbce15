package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nostrcraft.ai/internal/protocol"
)

// fakeRelay answers REQ with one stored event and records published events.
type fakeRelay struct {
	t        *testing.T
	upgrader websocket.Upgrader
	stored   json.RawMessage

	mu        sync.Mutex
	reqs      int
	published []json.RawMessage
	conns     int
	// dropFirst closes the first connection right after its REQ.
	dropFirst bool
	gotEvent  chan struct{}
}

func newFakeRelay(t *testing.T) (*fakeRelay, *httptest.Server) {
	f := &fakeRelay{
		t:        t,
		stored:   json.RawMessage(`{"id":"abc","kind":3333}`),
		gotEvent: make(chan struct{}, 16),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fakeRelay) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	f.conns++
	n := f.conns
	f.mu.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var parts []json.RawMessage
		if err := json.Unmarshal(msg, &parts); err != nil || len(parts) < 2 {
			continue
		}
		var typ, sub string
		_ = json.Unmarshal(parts[0], &typ)
		switch typ {
		case protocol.TypeReq:
			_ = json.Unmarshal(parts[1], &sub)
			f.mu.Lock()
			f.reqs++
			f.mu.Unlock()
			if f.dropFirst && n == 1 {
				return
			}
			ev, _ := json.Marshal([]any{protocol.TypeEvent, sub, f.stored})
			_ = conn.WriteMessage(websocket.TextMessage, ev)
			eose, _ := json.Marshal([]any{protocol.TypeEOSE, sub})
			_ = conn.WriteMessage(websocket.TextMessage, eose)
		case protocol.TypeEvent:
			f.mu.Lock()
			f.published = append(f.published, parts[1])
			f.mu.Unlock()
			ok, _ := json.Marshal([]any{protocol.TypeOK, "abc", true, ""})
			_ = conn.WriteMessage(websocket.TextMessage, ok)
			f.gotEvent <- struct{}{}
		}
	}
}

func (f *fakeRelay) snapshot() (reqs int, published []json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs, append([]json.RawMessage(nil), f.published...)
}

func testConfig(url string) Config {
	return Config{
		URL:          url,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		ReadTimeout:  5 * time.Second,
		PublishRate:  1000,
	}
}

func TestClient_SubscribeAndPublish(t *testing.T) {
	f, srv := newFakeRelay(t)
	c := NewClient(testConfig(wsURL(srv)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := c.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := c.Subscribe(ctx); err != ErrAlreadySubscribed {
		t.Fatalf("second subscribe: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case raw := <-events:
		if string(raw) != string(f.stored) {
			t.Fatalf("event = %s", raw)
		}
	case <-ctx.Done():
		t.Fatalf("no stored event received")
	}

	if err := c.Publish(ctx, []byte(`{"id":"def","kind":3333}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-f.gotEvent:
	case <-ctx.Done():
		t.Fatalf("relay never received published event")
	}
	_, published := f.snapshot()
	if len(published) != 1 || !strings.Contains(string(published[0]), `"def"`) {
		t.Fatalf("published = %s", published)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := <-events; ok {
		t.Fatalf("stream should be closed after Run returns")
	}
}

func TestClient_ReconnectResubscribes(t *testing.T) {
	f, srv := newFakeRelay(t)
	f.dropFirst = true
	c := NewClient(testConfig(wsURL(srv)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, _ := c.Subscribe(ctx)
	go func() { _ = c.Run(ctx) }()

	select {
	case <-events:
	case <-ctx.Done():
		t.Fatalf("no event after reconnect")
	}
	if reqs, _ := f.snapshot(); reqs < 2 {
		t.Fatalf("reqs = %d, want REQ re-sent after reconnect", reqs)
	}
}

func TestClient_PublishQueuedWhileDisconnected(t *testing.T) {
	f, srv := newFakeRelay(t)
	c := NewClient(testConfig(wsURL(srv)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Publish(ctx, []byte(`{"id":"queued"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	go func() { _ = c.Run(ctx) }()
	select {
	case <-f.gotEvent:
	case <-ctx.Done():
		t.Fatalf("queued event never delivered")
	}
}

func TestClient_PublishBlocksUntilContextDone(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.QueueSize = 1
	c := NewClient(cfg)
	if err := c.Publish(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Publish(ctx, []byte(`{}`)); err == nil {
		t.Fatalf("expected publish on full queue to fail once ctx is done")
	}
}

func TestGroup_PublishAndMerge(t *testing.T) {
	f1, srv1 := newFakeRelay(t)
	f2, srv2 := newFakeRelay(t)
	g := NewGroup(NewClient(testConfig(wsURL(srv1))), NewClient(testConfig(wsURL(srv2))))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := g.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go func() { _ = g.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-events:
		case <-ctx.Done():
			t.Fatalf("got %d of 2 stored events", i)
		}
	}
	if err := g.Publish(ctx, []byte(`{"id":"x"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, f := range []*fakeRelay{f1, f2} {
		select {
		case <-f.gotEvent:
		case <-ctx.Done():
			t.Fatalf("relay missed fan-out publish")
		}
	}
}

func TestGroup_FullRelayDoesNotDelayOthers(t *testing.T) {
	fullCfg := testConfig("ws://127.0.0.1:1")
	fullCfg.QueueSize = 1
	full := NewClient(fullCfg)
	if err := full.Publish(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("fill queue: %v", err)
	}
	free := NewClient(testConfig("ws://127.0.0.1:1"))
	g := NewGroup(full, free)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Publish(ctx, []byte(`{"id":"y"}`)) }()

	deadline := time.Now().Add(time.Second)
	for len(free.outbound) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("free relay waited on the full one")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case err := <-done:
		t.Fatalf("publish returned early: %v", err)
	default:
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("publish with one accepting relay: %v", err)
	}
}

func TestDescribeRejection(t *testing.T) {
	cases := map[string]string{
		"rate-limited: slow down": `"rate-limited: slow down" (rate-limited, retryable=true)`,
		"pow: difficulty 20 < 30": `"pow: difficulty 20 < 30" (pow, retryable=false)`,
		"spam: go away":           `"spam: go away" (unknown prefix spam)`,
		"nope":                    `"nope" (no prefix)`,
	}
	for msg, want := range cases {
		if got := describeRejection(msg); got != want {
			t.Fatalf("describeRejection(%q) = %s, want %s", msg, got, want)
		}
	}
}

func TestGroup_Empty(t *testing.T) {
	g := NewGroup()
	if err := g.Publish(context.Background(), []byte(`{}`)); err != ErrNoRelays {
		t.Fatalf("publish: %v", err)
	}
	if _, err := g.Subscribe(context.Background()); err != ErrNoRelays {
		t.Fatalf("subscribe: %v", err)
	}
}
