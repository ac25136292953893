package signing

import (
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/rs/zerolog"

	tsserrors "github.com/pushchain/tss-relay/errors"
	"github.com/pushchain/tss-relay/tss/protocol"
	"github.com/pushchain/tss-relay/tss/threshold"
)

// VerifyPolicy decides what happens to a signature that fails verification.
type VerifyPolicy int

const (
	// VerifyFatal turns a failed verification into a VERIFICATION error.
	VerifyFatal VerifyPolicy = iota
	// VerifyWarn logs the failure and returns the signature marked unverified.
	VerifyWarn
)

func (p VerifyPolicy) String() string {
	switch p {
	case VerifyFatal:
		return "fatal"
	case VerifyWarn:
		return "warn"
	default:
		return "unknown"
	}
}

// Result is the outcome of a signing session.
type Result struct {
	Signature *threshold.Signature  `json:"signature"`
	RS        string                `json:"rs"`
	PublicKey string                `json:"public_key"`
	Digest    string                `json:"digest"`
	Signers   []protocol.PartyIndex `json:"signers"`
	Verified  bool                  `json:"verified"`
}

// Assembler combines partial signatures and checks the result against the
// group public key.
type Assembler struct {
	policy VerifyPolicy
	logger zerolog.Logger
}

func NewAssembler(policy VerifyPolicy, logger zerolog.Logger) *Assembler {
	return &Assembler{
		policy: policy,
		logger: logger.With().Str("component", "signature_assembler").Logger(),
	}
}

// Complete combines the local partial signature held by signer with the
// partial signatures of every other signer.
func (a *Assembler) Complete(signer *threshold.ManualSigner, others []threshold.PartialSignature) (*threshold.Signature, error) {
	sig, err := signer.Complete(others)
	if err != nil {
		return nil, tsserrors.NewAssemblyError("failed to combine partial signatures", err).
			WithStage(tsserrors.StageDone).
			WithContext("received", len(others))
	}
	return sig, nil
}

// Verify checks sig over digest against a compressed or uncompressed
// secp256k1 public key. It does not rely on the signing library.
func (a *Assembler) Verify(sig *threshold.Signature, publicKey, digest []byte) bool {
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		a.logger.Warn().Err(err).Msg("cannot parse public key")
		return false
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig.R[:]); overflow || r.IsZero() {
		return false
	}
	if overflow := s.SetByteSlice(sig.S[:]); overflow || s.IsZero() {
		return false
	}
	return ecdsa.NewSignature(&r, &s).Verify(digest, pub)
}

// Assemble completes and verifies the signature, applying the verify policy.
func (a *Assembler) Assemble(signer *threshold.ManualSigner, others []threshold.PartialSignature) (*Result, error) {
	sig, err := a.Complete(signer, others)
	if err != nil {
		return nil, err
	}
	pub, err := signer.PublicKey()
	if err != nil {
		return nil, tsserrors.NewAssemblyError("failed to encode public key", err).WithStage(tsserrors.StageDone)
	}

	res := &Result{
		Signature: sig,
		RS:        hex.EncodeToString(sig.Bytes()),
		PublicKey: hex.EncodeToString(pub),
		Digest:    hex.EncodeToString(signer.Digest()),
		Signers:   signer.Signers(),
		Verified:  a.Verify(sig, pub, signer.Digest()),
	}
	if res.Verified {
		return res, nil
	}

	if a.policy == VerifyWarn {
		a.logger.Error().
			Str("public_key", res.PublicKey).
			Str("digest", res.Digest).
			Str("rs", res.RS).
			Msg("assembled signature does not verify, returning it unverified")
		return res, nil
	}
	return nil, tsserrors.NewVerificationError("assembled signature does not verify against the group public key").
		WithStage(tsserrors.StageDone).
		WithContext("public_key", res.PublicKey).
		WithContext("digest", res.Digest)
}
