package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/pushchain/tss-relay/tss/protocol"
	"github.com/pushchain/tss-relay/tss/relay"
)

// Relay is an in-memory room relay used by tests and local demos. Every
// subscriber receives the full room history, like the HTTP relay.
type Relay struct {
	mu    sync.Mutex
	rooms map[string]*room

	reorder    bool
	seed       int64
	duplicates bool
}

type room struct {
	name      string
	next      uint16
	history   []relay.Envelope
	subs      map[*relay.Inbox]struct{}
	published int
}

// Option configures the mock relay.
type Option func(*Relay)

// WithReorder interleaves deliveries from different senders randomly while
// keeping each sender's own messages in order.
func WithReorder(seed int64) Option {
	return func(r *Relay) {
		r.reorder = true
		r.seed = seed
	}
}

// WithDuplicates delivers every message twice.
func WithDuplicates() Option {
	return func(r *Relay) { r.duplicates = true }
}

// New creates an empty relay.
func New(opts ...Option) *Relay {
	r := &Relay{rooms: make(map[string]*room)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) room(name string) *room {
	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{name: name, subs: make(map[*relay.Inbox]struct{})}
		r.rooms[name] = rm
	}
	return rm
}

// Join subscribes to the room and issues the next index.
func (r *Relay) Join(ctx context.Context, name string) (protocol.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("mock relay: room name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.room(name)
	rm.next++
	index := protocol.PartyIndex(rm.next)

	inbox := relay.NewInbox(r.pickFunc(index))
	for _, env := range rm.history {
		r.deliver(inbox, env)
	}
	rm.subs[inbox] = struct{}{}

	pub := &publisher{relay: r, room: rm}
	nonce := fmt.Sprintf("mock-%s-%d", name, index)
	return relay.NewSession(name, index, nonce, inbox, pub, func() {
		r.mu.Lock()
		delete(rm.subs, inbox)
		r.mu.Unlock()
	}), nil
}

// Inject publishes env as if some party had sent it.
func (r *Relay) Inject(name string, env relay.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(r.room(name), env)
}

// Published returns how many messages were published to the room.
func (r *Relay) Published(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[name]; ok {
		return rm.published
	}
	return 0
}

// Subscribers returns how many sessions are currently joined to the room.
func (r *Relay) Subscribers(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[name]; ok {
		return len(rm.subs)
	}
	return 0
}

func (r *Relay) publish(rm *room, env relay.Envelope) {
	rm.published++
	rm.history = append(rm.history, env)
	for inbox := range rm.subs {
		r.deliver(inbox, env)
	}
}

func (r *Relay) deliver(inbox *relay.Inbox, env relay.Envelope) {
	inbox.Push(env)
	if r.duplicates {
		inbox.Push(env)
	}
}

func (r *Relay) pickFunc(index protocol.PartyIndex) relay.PickFunc {
	if !r.reorder {
		return nil
	}
	rng := rand.New(rand.NewSource(r.seed + int64(index)))
	return func(queued []relay.Envelope) int {
		seen := make(map[protocol.PartyIndex]struct{}, len(queued))
		var heads []int
		for i, env := range queued {
			if _, ok := seen[env.Sender]; ok {
				continue
			}
			seen[env.Sender] = struct{}{}
			heads = append(heads, i)
		}
		return heads[rng.Intn(len(heads))]
	}
}

type publisher struct {
	relay *Relay
	room  *room
}

func (p *publisher) Publish(ctx context.Context, env relay.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.relay.mu.Lock()
	defer p.relay.mu.Unlock()
	p.relay.publish(p.room, env)
	return nil
}
