package relaysync

import (
	"sync"
	"time"

	"nostrcraft.ai/internal/claims"
	"nostrcraft.ai/internal/cyberspace"
)

type Kind string

const (
	ClaimAccepted   Kind = "CLAIM_ACCEPTED"
	ClaimEvicted    Kind = "CLAIM_EVICTED"
	ClaimRejected   Kind = "CLAIM_REJECTED"
	SearchStarted   Kind = "SEARCH_STARTED"
	SearchCancelled Kind = "SEARCH_CANCELLED"
	Warning         Kind = "WARNING"
)

// Origin says where the record behind a notification came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Notification is what the renderer sees of table changes and searches.
// Claim is set for accepted/evicted/rejected; on a rejection it is the
// incumbent that stayed, when there is one.
type Notification struct {
	Kind       Kind
	Origin     Origin
	Coordinate cyberspace.Coordinate
	Claim      *claims.Claim
	Reason     claims.Reason
	Difficulty int
	Message    string
	At         time.Time
}

// Notifier receives notifications. Notify is called from pipeline goroutines
// and must not block.
type Notifier interface {
	Notify(Notification)
}

type NopNotifier struct{}

func (NopNotifier) Notify(Notification) {}

// Queue is an unbounded Notifier for a frame loop: producers never block and
// the loop drains everything pending with Poll.
type Queue struct {
	mu      sync.Mutex
	pending []Notification
	ready   chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

func (q *Queue) Notify(n Notification) {
	q.mu.Lock()
	q.pending = append(q.pending, n)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Poll returns and clears everything queued so far, oldest first.
func (q *Queue) Poll() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Ready is signalled after Notify; loops that would rather sleep than poll
// every frame can wait on it.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Fanout forwards each notification to several notifiers in order.
type Fanout []Notifier

func (f Fanout) Notify(n Notification) {
	for _, x := range f {
		x.Notify(n)
	}
}
