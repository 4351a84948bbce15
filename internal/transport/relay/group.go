package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrNoRelays = errors.New("relay: no relays configured")

// Group fans publishes out to several relays and merges their subscription
// streams into one.
type Group struct {
	clients []*Client
}

func NewGroup(clients ...*Client) *Group {
	return &Group{clients: clients}
}

func (g *Group) Clients() []*Client { return g.clients }

// Publish hands the event to every relay at once, so one relay with a full
// queue does not hold up the others. It succeeds when at least one relay
// accepted the event into its queue.
func (g *Group) Publish(ctx context.Context, event []byte) error {
	if len(g.clients) == 0 {
		return ErrNoRelays
	}
	errs := make([]error, len(g.clients))
	var eg errgroup.Group
	for i, c := range g.clients {
		eg.Go(func() error {
			errs[i] = c.Publish(ctx, event)
			return nil
		})
	}
	_ = eg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(g.clients) {
		return fmt.Errorf("publish to all relays failed: %w", errors.Join(errs...))
	}
	return nil
}

// Subscribe merges every relay's stream. The merged stream closes once all
// relay streams have closed.
func (g *Group) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if len(g.clients) == 0 {
		return nil, ErrNoRelays
	}
	streams := make([]<-chan []byte, 0, len(g.clients))
	for _, c := range g.clients {
		ch, err := c.Subscribe(ctx)
		if err != nil {
			return nil, err
		}
		streams = append(streams, ch)
	}

	out := make(chan []byte, 64)
	var wg sync.WaitGroup
	for _, ch := range streams {
		wg.Add(1)
		go func(ch <-chan []byte) {
			defer wg.Done()
			for raw := range ch {
				select {
				case out <- raw:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// Run runs every client until ctx is done.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range g.clients {
		eg.Go(func() error { return c.Run(ctx) })
	}
	return eg.Wait()
}
