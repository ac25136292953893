package threshold

import (
	"fmt"
	"sync"

	"github.com/taurusgroup/multi-party-sig/pkg/ecdsa"
	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
	"github.com/taurusgroup/multi-party-sig/pkg/party"
	"github.com/taurusgroup/multi-party-sig/pkg/pool"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp"

	"github.com/pushchain/tss-relay/tss/protocol"
)

// OfflineArtifact is the message-independent precomputation of one signing
// session. It holds secret material, lives only in memory and can produce
// exactly one partial signature.
type OfflineArtifact struct {
	mu   sync.Mutex
	used bool

	presig    *ecdsa.PreSignature
	publicKey curve.Point
	signers   []protocol.PartyIndex
	self      protocol.PartyIndex
}

// Signers returns the key share indices of the signing parties in seat order.
func (o *OfflineArtifact) Signers() []protocol.PartyIndex {
	return append([]protocol.PartyIndex(nil), o.signers...)
}

// Self returns the key share index of the local party.
func (o *OfflineArtifact) Self() protocol.PartyIndex { return o.self }

// PublicKey returns the compressed group public key.
func (o *OfflineArtifact) PublicKey() ([]byte, error) {
	return o.publicKey.MarshalBinary()
}

// ValidateSigners checks that signers is a usable signing set for share.
// signers[i] is the key share index of the party seated at room index i+1.
func ValidateSigners(share *KeyShare, signers []protocol.PartyIndex) error {
	if len(signers) != share.Threshold+1 {
		return fmt.Errorf("signing requires exactly %d parties, got %d", share.Threshold+1, len(signers))
	}
	seen := make(map[protocol.PartyIndex]struct{}, len(signers))
	for _, idx := range signers {
		if idx < 1 || int(idx) > share.Parties {
			return fmt.Errorf("signer index %d outside 1..%d", idx, share.Parties)
		}
		if _, dup := seen[idx]; dup {
			return fmt.Errorf("signer index %d listed twice", idx)
		}
		seen[idx] = struct{}{}
	}
	if _, ok := seen[share.Index]; !ok {
		return fmt.Errorf("local key share %d is not among the signers %v", share.Index, signers)
	}
	return nil
}

// NewOfflineStage starts the offline signing stage for the party seated at
// seat. The party there must own share.
// A nil pl computes proofs on the calling goroutine.
func NewOfflineStage(share *KeyShare, signers []protocol.PartyIndex, seat protocol.PartyIndex, sessionID []byte, pl *pool.Pool) (protocol.StateMachine[*OfflineArtifact], error) {
	if err := ValidateSigners(share, signers); err != nil {
		return nil, err
	}
	if seat < 1 || int(seat) > len(signers) {
		return nil, fmt.Errorf("seat %d outside 1..%d", seat, len(signers))
	}
	if signers[seat-1] != share.Index {
		return nil, fmt.Errorf("seat %d belongs to key share %d, local key share is %d", seat, signers[seat-1], share.Index)
	}
	if len(sessionID) == 0 {
		return nil, fmt.Errorf("session id required")
	}

	seats := make([]party.ID, len(signers))
	for i, idx := range signers {
		seats[i] = partyID(idx)
	}
	public := share.config.PublicPoint()

	start := cmp.Presign(share.config, seats, pl)
	return newMachine(start, sessionID, seat, seats, func(result interface{}) (*OfflineArtifact, error) {
		presig, ok := result.(*ecdsa.PreSignature)
		if !ok {
			return nil, fmt.Errorf("unexpected presign result %T", result)
		}
		return &OfflineArtifact{
			presig:    presig,
			publicKey: public,
			signers:   append([]protocol.PartyIndex(nil), signers...),
			self:      share.Index,
		}, nil
	})
}
