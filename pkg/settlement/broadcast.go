package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies a live pool event.
type EventType string

const (
	EventContribution EventType = "contribution"
	EventSettled      EventType = "settled"
	EventClaimed      EventType = "claimed"
)

// Event is a live update delivered to stream listeners.
type Event struct {
	Type      EventType       `json:"type"`
	PoolID    string          `json:"pool_id"`
	Scope     string          `json:"scope"`
	Amount    decimal.Decimal `json:"amount"`
	WinnerID  string          `json:"winner_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Broadcaster is a minimal pub/sub for pool events. Every listener has
// its own buffered channel and receives every event; slow listeners
// drop events rather than stall the publisher or their peers.
type Broadcaster struct {
	mu     sync.Mutex
	buffer int
	subs   map[chan Event]struct{}
}

// NewBroadcaster creates a broadcaster; buffer sizes each listener's
// channel.
func NewBroadcaster(buffer int) *Broadcaster {
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[chan Event]struct{}),
	}
}

// Send publishes an event to every listener, non-blocking per listener.
func (b *Broadcaster) Send(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			// this listener is full; the others still get the event
		}
	}
}

// Listen registers a new listener and returns its channel plus a cancel
// function. The channel closes when cancel is called or ctx ends.
func (b *Broadcaster) Listen(ctx context.Context) (<-chan Event, context.CancelFunc) {
	out := make(chan Event, b.buffer)

	b.mu.Lock()
	b.subs[out] = struct{}{}
	b.mu.Unlock()

	listenerCtx, cancel := context.WithCancel(ctx)

	var once sync.Once
	stop := func() {
		cancel()
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, out)
			close(out)
			b.mu.Unlock()
		})
	}

	go func() {
		<-listenerCtx.Done()
		stop()
	}()

	return out, stop
}
