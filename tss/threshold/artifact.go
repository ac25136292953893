package threshold

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp"

	"github.com/pushchain/tss-relay/tss/protocol"
)

const (
	// ArtifactVersion is the current KeyShareArtifact layout.
	ArtifactVersion = 1
	curveName       = "secp256k1"
)

// KeyShareArtifact is the durable, self-describing form of a KeyShare.
type KeyShareArtifact struct {
	Version   int    `json:"version"`
	Curve     string `json:"curve"`
	Index     uint16 `json:"index"`
	Threshold int    `json:"threshold"`
	Parties   int    `json:"parties"`
	PublicKey string `json:"public_key"`
	Share     []byte `json:"share"`
}

// Artifact converts the share into its durable form.
func (k *KeyShare) Artifact() (*KeyShareArtifact, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	share, err := k.config.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode key share: %w", err)
	}
	return &KeyShareArtifact{
		Version:   ArtifactVersion,
		Curve:     curveName,
		Index:     uint16(k.Index),
		Threshold: k.Threshold,
		Parties:   k.Parties,
		PublicKey: hex.EncodeToString(pub),
		Share:     share,
	}, nil
}

// Marshal renders the artifact as indented JSON.
func (a *KeyShareArtifact) Marshal() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

// UnmarshalArtifact parses an artifact produced by Marshal.
func UnmarshalArtifact(data []byte) (*KeyShareArtifact, error) {
	var a KeyShareArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode key share artifact: %w", err)
	}
	return &a, nil
}

// KeyShare restores the share and checks that the stored metadata agrees
// with the key material.
func (a *KeyShareArtifact) KeyShare() (*KeyShare, error) {
	if a.Version != ArtifactVersion {
		return nil, fmt.Errorf("unsupported key share version %d", a.Version)
	}
	if a.Curve != curveName {
		return nil, fmt.Errorf("unsupported curve %q", a.Curve)
	}
	index := protocol.PartyIndex(a.Index)
	if err := ValidateParams(index, a.Threshold, a.Parties); err != nil {
		return nil, fmt.Errorf("invalid key share parameters: %w", err)
	}

	cfg := cmp.EmptyConfig(curve.Secp256k1{})
	if err := cfg.UnmarshalBinary(a.Share); err != nil {
		return nil, fmt.Errorf("failed to decode key share: %w", err)
	}
	if cfg.ID != partyID(index) {
		return nil, fmt.Errorf("key share belongs to party %s, artifact says %d", cfg.ID, a.Index)
	}
	if cfg.Threshold != a.Threshold {
		return nil, fmt.Errorf("key share threshold %d, artifact says %d", cfg.Threshold, a.Threshold)
	}
	if n := len(cfg.PartyIDs()); n != a.Parties {
		return nil, fmt.Errorf("key share has %d parties, artifact says %d", n, a.Parties)
	}

	share := &KeyShare{Index: index, Threshold: a.Threshold, Parties: a.Parties, config: cfg}
	pub, err := share.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	want, err := hex.DecodeString(a.PublicKey)
	if err != nil || !bytes.Equal(pub, want) {
		return nil, fmt.Errorf("public key does not match key share")
	}
	return share, nil
}
