package relay

import (
	"context"
	"io"
	"sync"
)

// PickFunc chooses which queued envelope is delivered next.
type PickFunc func(queued []Envelope) int

// Inbox is an unbounded queue between a room subscription and its reader.
// Push never blocks so a slow protocol cannot stall the subscription.
type Inbox struct {
	mu     sync.Mutex
	items  []Envelope
	err    error
	notify chan struct{}
	pick   PickFunc
}

// NewInbox creates an inbox delivering in arrival order, or in the order
// chosen by pick when it is not nil.
func NewInbox(pick PickFunc) *Inbox {
	return &Inbox{
		notify: make(chan struct{}, 1),
		pick:   pick,
	}
}

// Push queues env. It reports false once the inbox is closed.
func (b *Inbox) Push(env Envelope) bool {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, env)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Close ends the inbox. Queued envelopes are still delivered, after which
// Pop returns err, or io.EOF when err is nil. Only the first call counts.
func (b *Inbox) Close(err error) {
	if err == nil {
		err = io.EOF
	}
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until an envelope is queued, the inbox is closed or ctx ends.
func (b *Inbox) Pop(ctx context.Context) (Envelope, error) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			i := 0
			if b.pick != nil {
				i = b.pick(b.items)
			}
			env := b.items[i]
			b.items = append(b.items[:i], b.items[i+1:]...)
			b.mu.Unlock()
			return env, nil
		}
		if b.err != nil {
			err := b.err
			b.mu.Unlock()
			return Envelope{}, err
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}
