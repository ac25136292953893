package protocol

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	tsserrors "github.com/pushchain/tss-relay/errors"
	"github.com/pushchain/tss-relay/tss/metrics"
)

type options struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	name    string
}

// Option configures Run.
type Option func(*options)

// WithLogger sets the logger used for per-message diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records message and round counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithProtocolName labels logs and metrics.
func WithProtocolName(name string) Option {
	return func(o *options) { o.name = name }
}

type msgKey struct {
	sender    PartyIndex
	broadcast bool
}

type driver[O any] struct {
	sm   StateMachine[O]
	ch   Channel
	self PartyIndex
	opts options
	log  zerolog.Logger

	round   uint16
	seen    map[msgKey]struct{}
	senders map[PartyIndex]struct{}
	pending []Msg // messages for later rounds, in arrival order
	ready   []Msg // pending messages released for the current round
}

// Run drives sm to completion over ch and returns its output.
//
// Outgoing messages are flushed before every receive. Messages for later
// rounds are held back until the machine reaches that round, older ones and
// repeated (sender, kind) pairs are dropped. The machine is never advanced
// while an expected sender is missing. Any state machine error ends the run
// with a PROTOCOL error, as does a message from a sender the machine does not
// expect; a message carrying our own index ends it with a SESSION error.
// Handle may run on another goroutine, but never concurrently with other
// machine calls. Run does not close ch.
func Run[O any](ctx context.Context, sm StateMachine[O], ch Channel, opts ...Option) (O, error) {
	o := options{logger: zerolog.Nop(), name: "protocol"}
	for _, opt := range opts {
		opt(&o)
	}

	d := &driver[O]{
		sm:   sm,
		ch:   ch,
		self: ch.Index(),
		opts: o,
		log: o.logger.With().
			Str("protocol", o.name).
			Uint16("party", uint16(ch.Index())).
			Logger(),
	}
	d.reset(sm.Round())

	out, err := d.run(ctx)
	o.metrics.SessionDone(o.name, err)
	return out, err
}

func (d *driver[O]) run(ctx context.Context) (O, error) {
	var zero O
	for {
		if err := ctx.Err(); err != nil {
			return zero, errors.Wrap(err, "round driver cancelled")
		}

		if err := d.flush(ctx); err != nil {
			return zero, err
		}

		if d.sm.Finished() {
			out, err := d.sm.Output()
			if err != nil {
				d.log.Warn().Err(err).Uint16("round", d.round).Msg("protocol failed")
				return zero, tsserrors.NewProtocolError("protocol execution terminated", err)
			}
			d.log.Info().Uint16("round", d.round).Msg("protocol finished")
			return out, nil
		}

		if d.sm.WantsToProceed() {
			if err := d.proceed(); err != nil {
				return zero, err
			}
			continue
		}

		msg, err := d.next(ctx)
		if err != nil {
			return zero, err
		}
		if err := d.dispatch(ctx, msg); err != nil {
			return zero, err
		}
	}
}

func (d *driver[O]) flush(ctx context.Context) error {
	for _, msg := range d.sm.Outgoing() {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "round driver cancelled")
		}
		if msg.Sender != d.self {
			return tsserrors.NewProtocolError(
				fmt.Sprintf("state machine produced a message for sender %d, local index is %d", msg.Sender, d.self), nil)
		}
		if err := d.ch.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "round driver cancelled")
			}
			return tsserrors.Wrap(err, tsserrors.ErrCodeConnection, "", "", "failed to send message")
		}
		d.opts.metrics.Sent(d.opts.name)
		d.log.Debug().
			Uint16("round", msg.Round).
			Bool("broadcast", msg.IsBroadcast()).
			Int("size", len(msg.Body)).
			Msg("sent message")
	}
	return nil
}

func (d *driver[O]) proceed() error {
	if missing := d.missingSenders(); len(missing) > 0 {
		return tsserrors.NewProtocolError(
			fmt.Sprintf("round %d is not complete, missing messages from %v", d.round, missing), nil)
	}
	if err := d.sm.Proceed(); err != nil {
		return tsserrors.NewProtocolError(fmt.Sprintf("failed to proceed from round %d", d.round), err)
	}
	d.opts.metrics.RoundCompleted(d.opts.name)

	next := d.sm.Round()
	if next == d.round {
		return nil
	}
	if next < d.round {
		return tsserrors.NewProtocolError(fmt.Sprintf("state machine moved back from round %d to %d", d.round, next), nil)
	}
	d.log.Debug().Uint16("from", d.round).Uint16("to", next).Msg("round advanced")
	d.reset(next)
	return nil
}

// reset enters round r and releases the buffered messages that belong to it.
func (d *driver[O]) reset(r uint16) {
	d.round = r
	d.seen = make(map[msgKey]struct{})
	d.senders = make(map[PartyIndex]struct{})

	kept := d.pending[:0]
	for _, msg := range d.pending {
		switch {
		case msg.Round == r:
			d.ready = append(d.ready, msg)
		case msg.Round > r:
			kept = append(kept, msg)
		default:
			d.drop(msg, "stale")
		}
	}
	d.pending = kept
}

func (d *driver[O]) next(ctx context.Context) (Msg, error) {
	if len(d.ready) > 0 {
		msg := d.ready[0]
		d.ready = d.ready[1:]
		return msg, nil
	}

	msg, err := d.ch.Recv(ctx)
	if err == nil {
		return msg, nil
	}
	if ctx.Err() != nil {
		return Msg{}, errors.Wrap(ctx.Err(), "round driver cancelled")
	}
	if errors.Is(err, io.EOF) {
		return Msg{}, tsserrors.NewConnectionError("relay closed the room subscription", err)
	}
	return Msg{}, tsserrors.Wrap(err, tsserrors.ErrCodeConnection, "", "", "failed to receive message")
}

func (d *driver[O]) dispatch(ctx context.Context, msg Msg) error {
	if msg.Sender == d.self {
		return tsserrors.NewSessionError(
			fmt.Sprintf("received a message claiming our own index %d", d.self), nil).
			WithContext("round", msg.Round)
	}
	if !msg.IsFor(d.self) {
		d.drop(msg, "misaddressed")
		return nil
	}

	if msg.Round == AbortRound {
		d.log.Warn().Uint16("sender", uint16(msg.Sender)).Msg("received abort notice")
		return d.handle(ctx, msg)
	}

	switch {
	case msg.Round < d.round:
		d.drop(msg, "stale")
		return nil
	case msg.Round > d.round:
		d.pending = append(d.pending, msg)
		d.log.Debug().
			Uint16("sender", uint16(msg.Sender)).
			Uint16("msg_round", msg.Round).
			Uint16("round", d.round).
			Msg("buffered message for a later round")
		return nil
	}

	key := msgKey{sender: msg.Sender, broadcast: msg.IsBroadcast()}
	if _, dup := d.seen[key]; dup {
		d.drop(msg, "duplicate")
		return nil
	}
	if !d.expects(msg.Sender) {
		return tsserrors.NewProtocolError(
			fmt.Sprintf("unexpected sender %d in round %d", msg.Sender, d.round), nil)
	}
	d.seen[key] = struct{}{}
	d.senders[msg.Sender] = struct{}{}
	return d.handle(ctx, msg)
}

// handle runs Handle on its own goroutine so that a machine stuck in a long
// computation cannot outlive ctx. Once ctx ends the machine is abandoned.
func (d *driver[O]) handle(ctx context.Context, msg Msg) error {
	d.opts.metrics.Received(d.opts.name)
	d.log.Debug().
		Uint16("sender", uint16(msg.Sender)).
		Uint16("round", msg.Round).
		Bool("broadcast", msg.IsBroadcast()).
		Msg("handling message")
	done := make(chan error, 1)
	go func() { done <- d.sm.Handle(msg) }()

	select {
	case err := <-done:
		if err != nil {
			return tsserrors.NewProtocolError(
				fmt.Sprintf("failed to handle round %d message from party %d", msg.Round, msg.Sender), err)
		}
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "round driver cancelled")
	}
}

func (d *driver[O]) drop(msg Msg, reason string) {
	d.opts.metrics.Dropped(d.opts.name, reason)
	d.log.Warn().
		Uint16("sender", uint16(msg.Sender)).
		Uint16("msg_round", msg.Round).
		Uint16("round", d.round).
		Bool("broadcast", msg.IsBroadcast()).
		Str("reason", reason).
		Msg("dropped message")
}

func (d *driver[O]) expects(sender PartyIndex) bool {
	for _, p := range d.sm.ExpectedSenders() {
		if p == sender {
			return true
		}
	}
	return false
}

func (d *driver[O]) missingSenders() []PartyIndex {
	var missing []PartyIndex
	for _, p := range d.sm.ExpectedSenders() {
		if _, ok := d.senders[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}
