package signing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	tsserrors "github.com/pushchain/tss-relay/errors"
	"github.com/pushchain/tss-relay/tss/metrics"
	"github.com/pushchain/tss-relay/tss/protocol"
	"github.com/pushchain/tss-relay/tss/relay"
	"github.com/pushchain/tss-relay/tss/threshold"
)

const (
	protocolName = "signing"
	offlineName  = "offline"

	// onlineRound tags partial signature messages in the online room.
	onlineRound uint16 = 1
)

// Request describes one signing session.
type Request struct {
	Room    string
	Share   *threshold.KeyShareArtifact
	Parties []protocol.PartyIndex // key share indices, in the order the parties join
	Digest  []byte
}

// Coordinator runs the two signing stages for the local party: the offline
// stage in "<room>-offline" and the exchange of partial signatures in
// "<room>-online".
type Coordinator struct {
	joiner    relay.Joiner
	assembler *Assembler
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	policy    VerifyPolicy
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithVerifyPolicy overrides the default VerifyFatal policy.
func WithVerifyPolicy(p VerifyPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// NewCoordinator creates a signing coordinator.
func NewCoordinator(joiner relay.Joiner, opts ...Option) *Coordinator {
	c := &Coordinator{
		joiner: joiner,
		logger: zerolog.Nop(),
		policy: VerifyFatal,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.assembler = NewAssembler(c.policy, c.logger)
	c.logger = c.logger.With().Str("component", "signing_coordinator").Logger()
	return c
}

// Run signs req.Digest together with the other parties. The digest is
// signed as given. The offline stage must complete before any partial
// signature is released.
func (c *Coordinator) Run(ctx context.Context, req Request) (res *Result, err error) {
	defer func() { c.metrics.SessionDone(protocolName, err) }()

	share, err := c.validate(req)
	if err != nil {
		return nil, err
	}
	log := c.logger.With().
		Str("room", req.Room).
		Uint16("key_index", uint16(share.Index)).
		Logger()

	log.Info().Str("stage", string(tsserrors.StageOffline)).Interface("parties", req.Parties).Msg("starting offline stage")
	offline, err := c.runOffline(ctx, req, share, log)
	if err != nil {
		return nil, err
	}

	log.Info().Str("stage", string(tsserrors.StageOnline)).Msg("starting online stage")
	signer, others, err := c.runOnline(ctx, req, offline, log)
	if err != nil {
		return nil, err
	}

	res, err = c.assembler.Assemble(signer, others)
	if err != nil {
		return nil, tsserrors.Wrap(err, tsserrors.ErrCodeAssembly, tsserrors.StageDone, req.Room, "failed to assemble signature")
	}
	log.Info().
		Str("stage", string(tsserrors.StageDone)).
		Str("rs", res.RS).
		Bool("verified", res.Verified).
		Msg("signing completed")
	return res, nil
}

func (c *Coordinator) validate(req Request) (*threshold.KeyShare, error) {
	if req.Room == "" {
		return nil, tsserrors.NewConfigError("room is required")
	}
	if len(req.Digest) == 0 {
		return nil, tsserrors.NewConfigError("data to sign is required").WithRoom(req.Room)
	}
	if req.Share == nil {
		return nil, tsserrors.NewConfigError("local share is required").WithRoom(req.Room)
	}
	share, err := req.Share.KeyShare()
	if err != nil {
		return nil, tsserrors.NewStorageError("invalid local share", err).WithStage(tsserrors.StageStore).WithRoom(req.Room)
	}
	if err := threshold.ValidateSigners(share, req.Parties); err != nil {
		return nil, tsserrors.New(tsserrors.ErrCodeConfig, "invalid signing parties", err).WithRoom(req.Room)
	}
	return share, nil
}

func (c *Coordinator) runOffline(ctx context.Context, req Request, share *threshold.KeyShare, log zerolog.Logger) (*threshold.OfflineArtifact, error) {
	room := relay.PhaseRoom(req.Room, relay.PhaseOffline)
	ch, err := c.joiner.Join(ctx, room)
	if err != nil {
		return nil, classify(err, tsserrors.ErrCodeConnection, tsserrors.StageOffline, room, "failed to join offline room")
	}
	defer ch.Close()

	seat := ch.Index()
	if int(seat) > len(req.Parties) || req.Parties[seat-1] != share.Index {
		return nil, tsserrors.NewSessionError("seat does not match the local share", nil).
			WithStage(tsserrors.StageOffline).
			WithRoom(room).
			WithContext("seat", seat).
			WithContext("key_index", share.Index).
			WithContext("parties", req.Parties)
	}

	sm, err := threshold.NewOfflineStage(share, req.Parties, seat, []byte(room), nil)
	if err != nil {
		return nil, tsserrors.NewProtocolError("failed to start offline stage", err).
			WithStage(tsserrors.StageOffline).WithRoom(room)
	}
	offline, err := protocol.Run(ctx, sm, ch,
		protocol.WithLogger(log.With().Uint16("seat", uint16(seat)).Logger()),
		protocol.WithMetrics(c.metrics),
		protocol.WithProtocolName(offlineName),
	)
	if err != nil {
		return nil, classify(err, tsserrors.ErrCodeProtocol, tsserrors.StageOffline, room, "offline stage failed")
	}
	return offline, nil
}

func (c *Coordinator) runOnline(ctx context.Context, req Request, offline *threshold.OfflineArtifact, log zerolog.Logger) (*threshold.ManualSigner, []threshold.PartialSignature, error) {
	room := relay.PhaseRoom(req.Room, relay.PhaseOnline)
	ch, err := c.joiner.Join(ctx, room)
	if err != nil {
		return nil, nil, classify(err, tsserrors.ErrCodeConnection, tsserrors.StageOnline, room, "failed to join online room")
	}
	defer ch.Close()

	seat := ch.Index()
	if int(seat) > len(req.Parties) {
		return nil, nil, tsserrors.NewSessionError("more parties joined than are signing", nil).
			WithStage(tsserrors.StageOnline).
			WithRoom(room).
			WithContext("seat", seat)
	}

	signer, own, err := offline.Sign(req.Digest)
	if err != nil {
		return nil, nil, tsserrors.NewProtocolError("failed to compute partial signature", err).
			WithStage(tsserrors.StageOnline).WithRoom(room)
	}
	body, err := json.Marshal(own)
	if err != nil {
		return nil, nil, tsserrors.NewProtocolError("failed to encode partial signature", err).
			WithStage(tsserrors.StageOnline).WithRoom(room)
	}
	if err := ch.Send(ctx, protocol.Broadcast(seat, onlineRound, body)); err != nil {
		return nil, nil, classify(err, tsserrors.ErrCodeConnection, tsserrors.StageOnline, room, "failed to publish partial signature")
	}
	c.metrics.Sent(protocolName)

	others, err := c.collect(ctx, ch, len(req.Parties)-1, log.With().Uint16("seat", uint16(seat)).Logger())
	if err != nil {
		return nil, nil, classify(err, tsserrors.ErrCodeConnection, tsserrors.StageOnline, room, "failed to collect partial signatures")
	}
	return signer, others, nil
}

// collect waits for one partial signature from each of want other seats.
// Repeated deliveries from a seat are dropped.
func (c *Coordinator) collect(ctx context.Context, ch protocol.Channel, want int, log zerolog.Logger) ([]threshold.PartialSignature, error) {
	others := make([]threshold.PartialSignature, 0, want)
	seen := make(map[protocol.PartyIndex]struct{}, want)
	for len(others) < want {
		msg, err := ch.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), "waiting for partial signatures")
			}
			if errors.Is(err, io.EOF) {
				return nil, tsserrors.NewConnectionError("relay closed the room subscription", err)
			}
			return nil, err
		}
		if int(msg.Sender) > want+1 {
			return nil, tsserrors.NewSessionError(
				fmt.Sprintf("partial signature from seat %d, only %d parties are signing", msg.Sender, want+1), nil)
		}
		if msg.Round != onlineRound || !msg.IsBroadcast() {
			c.metrics.Dropped(protocolName, "unexpected")
			log.Debug().Uint16("from", uint16(msg.Sender)).Uint16("round", msg.Round).Msg("dropping unexpected message")
			continue
		}
		if _, dup := seen[msg.Sender]; dup {
			c.metrics.Dropped(protocolName, "duplicate")
			log.Debug().Uint16("from", uint16(msg.Sender)).Msg("dropping repeated partial signature")
			continue
		}

		var partial threshold.PartialSignature
		if err := json.Unmarshal(msg.Body, &partial); err != nil {
			return nil, tsserrors.NewAssemblyError(fmt.Sprintf("malformed partial signature from seat %d", msg.Sender), err)
		}
		seen[msg.Sender] = struct{}{}
		others = append(others, partial)
		c.metrics.Received(protocolName)
		log.Debug().
			Uint16("from", uint16(msg.Sender)).
			Uint16("signer", uint16(partial.Signer)).
			Int("have", len(others)).
			Int("want", want).
			Msg("received partial signature")
	}
	return others, nil
}

// classify tags err with stage and room. Cancellation is passed through
// unclassified so callers can tell it apart from failures.
func classify(err error, code tsserrors.ErrorCode, stage tsserrors.Stage, room, message string) error {
	if tsserrors.IsCancellation(err) {
		return errors.Wrapf(err, "%s: %s cancelled", room, stage)
	}
	return tsserrors.Wrap(err, code, stage, room, message)
}
