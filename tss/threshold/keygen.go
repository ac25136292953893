package threshold

import (
	"fmt"

	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
	"github.com/taurusgroup/multi-party-sig/pkg/party"
	"github.com/taurusgroup/multi-party-sig/pkg/pool"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp"

	"github.com/pushchain/tss-relay/tss/protocol"
)

// KeyShare is one party's output of distributed key generation.
type KeyShare struct {
	Index     protocol.PartyIndex
	Threshold int
	Parties   int

	config *cmp.Config
}

// PublicKey returns the compressed group public key.
func (k *KeyShare) PublicKey() ([]byte, error) {
	return k.config.PublicPoint().MarshalBinary()
}

// ValidateParams checks 0 < t < n and 1 <= index <= n.
func ValidateParams(index protocol.PartyIndex, threshold, parties int) error {
	if parties < 2 || parties > 0xffff {
		return fmt.Errorf("number of parties must be between 2 and 65535, got %d", parties)
	}
	if threshold < 1 || threshold >= parties {
		return fmt.Errorf("threshold must satisfy 0 < t < n, got t=%d n=%d", threshold, parties)
	}
	if index < 1 || int(index) > parties {
		return fmt.Errorf("index must be between 1 and %d, got %d", parties, index)
	}
	return nil
}

// NewKeygen starts key generation for the party at index. Any threshold+1
// of the resulting shares can sign. Every party must pass the same sessionID.
// A nil pl computes proofs on the calling goroutine.
func NewKeygen(index protocol.PartyIndex, threshold, parties int, sessionID []byte, pl *pool.Pool) (protocol.StateMachine[*KeyShare], error) {
	if err := ValidateParams(index, threshold, parties); err != nil {
		return nil, err
	}
	if len(sessionID) == 0 {
		return nil, fmt.Errorf("session id required")
	}

	seats := make([]party.ID, parties)
	for i := range seats {
		seats[i] = partyID(protocol.PartyIndex(i + 1))
	}

	start := cmp.Keygen(curve.Secp256k1{}, partyID(index), seats, threshold, pl)
	return newMachine(start, sessionID, index, seats, func(result interface{}) (*KeyShare, error) {
		cfg, ok := result.(*cmp.Config)
		if !ok {
			return nil, fmt.Errorf("unexpected keygen result %T", result)
		}
		return &KeyShare{
			Index:     index,
			Threshold: threshold,
			Parties:   parties,
			config:    cfg,
		}, nil
	})
}
