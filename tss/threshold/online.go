package threshold

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"

	"github.com/pushchain/tss-relay/tss/protocol"
)

// ErrOfflineArtifactUsed is returned when an offline artifact is asked for a
// second partial signature.
var ErrOfflineArtifactUsed = errors.New("offline signing artifact already used")

// PartialSignature is one signer's share of the final signature.
type PartialSignature struct {
	Signer protocol.PartyIndex `json:"signer"`
	Share  []byte              `json:"share"`
}

// ManualSigner holds the local half of the online stage for one digest.
type ManualSigner struct {
	offline *OfflineArtifact
	digest  []byte
	own     PartialSignature
}

// Sign consumes the artifact and produces the local partial signature of
// digest. The digest is used as given, it is not hashed again.
func (o *OfflineArtifact) Sign(digest []byte) (*ManualSigner, PartialSignature, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.used {
		return nil, PartialSignature{}, ErrOfflineArtifactUsed
	}
	if len(digest) == 0 {
		return nil, PartialSignature{}, fmt.Errorf("digest required")
	}
	o.used = true

	share, err := o.presig.SignatureShare(digest).MarshalBinary()
	if err != nil {
		return nil, PartialSignature{}, fmt.Errorf("failed to encode signature share: %w", err)
	}
	own := PartialSignature{Signer: o.self, Share: share}
	s := &ManualSigner{
		offline: o,
		digest:  append([]byte(nil), digest...),
		own:     own,
	}
	return s, own, nil
}

// Own returns the local partial signature.
func (s *ManualSigner) Own() PartialSignature { return s.own }

// Digest returns the digest being signed.
func (s *ManualSigner) Digest() []byte { return s.digest }

// Signers returns the key share indices of the signing parties.
func (s *ManualSigner) Signers() []protocol.PartyIndex { return s.offline.Signers() }

// PublicKey returns the compressed group public key.
func (s *ManualSigner) PublicKey() ([]byte, error) { return s.offline.PublicKey() }

// Complete combines the local share with one share from every other signer.
func (s *ManualSigner) Complete(others []PartialSignature) (*Signature, error) {
	group := curve.Secp256k1{}
	expected := make(map[protocol.PartyIndex]struct{}, len(s.offline.signers))
	for _, idx := range s.offline.signers {
		expected[idx] = struct{}{}
	}

	sigma := group.NewScalar()
	seen := make(map[protocol.PartyIndex]struct{}, len(expected))
	for _, p := range append([]PartialSignature{s.own}, others...) {
		if _, ok := expected[p.Signer]; !ok {
			return nil, fmt.Errorf("partial signature from %d, who is not a signer", p.Signer)
		}
		if _, dup := seen[p.Signer]; dup {
			return nil, fmt.Errorf("two partial signatures from %d", p.Signer)
		}
		seen[p.Signer] = struct{}{}

		share := group.NewScalar()
		if err := share.UnmarshalBinary(p.Share); err != nil {
			return nil, fmt.Errorf("malformed partial signature from %d: %w", p.Signer, err)
		}
		sigma.Add(share)
	}
	if len(seen) != len(expected) {
		return nil, fmt.Errorf("have %d partial signatures, need %d", len(seen), len(expected))
	}

	return newSignature(s.offline.presig.R, sigma)
}

// newSignature encodes (R, s) with s normalised to the lower half of the
// curve order.
func newSignature(R curve.Point, sigma curve.Scalar) (*Signature, error) {
	rBytes, err := R.XScalar().MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode r: %w", err)
	}
	sBytes, err := sigma.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode s: %w", err)
	}
	point, err := R.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode R: %w", err)
	}
	if len(rBytes) != 32 || len(sBytes) != 32 || len(point) != 33 {
		return nil, fmt.Errorf("unexpected signature encoding lengths")
	}

	var s secp256k1.ModNScalar
	s.SetByteSlice(sBytes)
	if s.IsZero() {
		return nil, fmt.Errorf("signature has s = 0")
	}
	recovery := point[0] - 2 // parity of R.y
	if s.IsOverHalfOrder() {
		s.Negate()
		recovery ^= 1
	}

	sig := &Signature{Recovery: recovery}
	copy(sig.R[:], rBytes)
	s.PutBytes(&sig.S)
	return sig, nil
}
