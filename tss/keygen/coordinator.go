package keygen

import (
	"context"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	tsserrors "github.com/pushchain/tss-relay/errors"
	"github.com/pushchain/tss-relay/tss/keyshare"
	"github.com/pushchain/tss-relay/tss/metrics"
	"github.com/pushchain/tss-relay/tss/protocol"
	"github.com/pushchain/tss-relay/tss/relay"
	"github.com/pushchain/tss-relay/tss/threshold"
)

const (
	protocolName = "keygen"
	roundsName   = "keygen-rounds"
)

// Request describes one key generation session.
type Request struct {
	Room      string
	Output    string
	Index     protocol.PartyIndex // 0 accepts whatever seat the relay assigns
	Threshold int
	Parties   int
}

// Result is the public outcome of a successful key generation.
type Result struct {
	Index                 protocol.PartyIndex `json:"index"`
	PublicKey             string              `json:"public_key"`
	UncompressedPublicKey string              `json:"public_key_uncompressed"`
	Address               string              `json:"address"`
	Output                string              `json:"output"`
}

// Coordinator runs distributed key generation for the local party and
// persists the resulting key share.
type Coordinator struct {
	joiner  relay.Joiner
	store   *keyshare.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a keygen coordinator.
func NewCoordinator(joiner relay.Joiner, store *keyshare.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		joiner: joiner,
		store:  store,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "keygen_coordinator").Logger()
	return c
}

// Run joins req.Room, runs key generation with the other parties and writes
// the key share to req.Output. Nothing is written unless the protocol
// completes, and an existing output is never overwritten.
func (c *Coordinator) Run(ctx context.Context, req Request) (res *Result, err error) {
	defer func() { c.metrics.SessionDone(protocolName, err) }()

	if err := validate(req); err != nil {
		return nil, err
	}
	exists, err := c.store.Exists(req.Output)
	if err != nil {
		return nil, tsserrors.NewStorageError("failed to check output", err).WithStage(tsserrors.StageStore).WithRoom(req.Room)
	}
	if exists {
		return nil, tsserrors.NewStorageError(
			"refusing to overwrite key share",
			errors.Wrap(keyshare.ErrAlreadyExists, req.Output),
		).WithStage(tsserrors.StageStore).WithRoom(req.Room)
	}

	log := c.logger.With().Str("room", req.Room).Logger()

	ch, err := c.joiner.Join(ctx, req.Room)
	if err != nil {
		return nil, classify(err, tsserrors.ErrCodeConnection, tsserrors.StageJoin, req.Room, "failed to join room")
	}
	defer ch.Close()

	seat := ch.Index()
	if req.Index != 0 && seat != req.Index {
		return nil, tsserrors.NewSessionError("relay assigned a different index", nil).
			WithStage(tsserrors.StageJoin).
			WithRoom(req.Room).
			WithContext("configured", req.Index).
			WithContext("assigned", seat)
	}
	log = log.With().Uint16("index", uint16(seat)).Logger()
	log.Info().
		Int("threshold", req.Threshold).
		Int("parties", req.Parties).
		Msg("starting key generation")

	sm, err := threshold.NewKeygen(seat, req.Threshold, req.Parties, []byte(req.Room), nil)
	if err != nil {
		return nil, tsserrors.NewProtocolError("failed to start key generation", err).
			WithStage(tsserrors.StageKeygen).WithRoom(req.Room)
	}
	share, err := protocol.Run(ctx, sm, ch,
		protocol.WithLogger(log),
		protocol.WithMetrics(c.metrics),
		protocol.WithProtocolName(roundsName),
	)
	if err != nil {
		return nil, classify(err, tsserrors.ErrCodeProtocol, tsserrors.StageKeygen, req.Room, "key generation failed")
	}

	artifact, err := share.Artifact()
	if err != nil {
		return nil, tsserrors.NewStorageError("failed to encode key share", err).
			WithStage(tsserrors.StageStore).WithRoom(req.Room)
	}
	if err := c.store.Create(req.Output, artifact); err != nil {
		return nil, tsserrors.NewStorageError("failed to save key share", err).
			WithStage(tsserrors.StageStore).WithRoom(req.Room)
	}

	compressed, err := hex.DecodeString(artifact.PublicKey)
	if err != nil {
		return nil, tsserrors.NewStorageError("failed to decode public key", err).
			WithStage(tsserrors.StageDone).WithRoom(req.Room)
	}
	addr, uncompressed, err := Address(compressed)
	if err != nil {
		return nil, tsserrors.NewProtocolError("failed to derive address", err).
			WithStage(tsserrors.StageDone).WithRoom(req.Room)
	}

	log.Info().
		Str("public_key", artifact.PublicKey).
		Str("address", addr.Hex()).
		Str("output", req.Output).
		Msg("key generation completed")

	return &Result{
		Index:                 seat,
		PublicKey:             artifact.PublicKey,
		UncompressedPublicKey: hex.EncodeToString(uncompressed),
		Address:               addr.Hex(),
		Output:                req.Output,
	}, nil
}

func validate(req Request) error {
	if req.Room == "" {
		return tsserrors.NewConfigError("room is required")
	}
	if req.Output == "" {
		return tsserrors.NewConfigError("output path is required").WithRoom(req.Room)
	}
	index := req.Index
	if index == 0 {
		index = 1
	}
	if err := threshold.ValidateParams(index, req.Threshold, req.Parties); err != nil {
		return tsserrors.New(tsserrors.ErrCodeConfig, "invalid key generation parameters", err).WithRoom(req.Room)
	}
	return nil
}

// classify tags err with stage and room. Cancellation is passed through
// unclassified so callers can tell it apart from failures.
func classify(err error, code tsserrors.ErrorCode, stage tsserrors.Stage, room, message string) error {
	if tsserrors.IsCancellation(err) {
		return errors.Wrapf(err, "%s: %s cancelled", room, stage)
	}
	return tsserrors.Wrap(err, code, stage, room, message)
}
