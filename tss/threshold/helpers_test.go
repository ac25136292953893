package threshold

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decredecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pushchain/tss-relay/tss/protocol"
	"github.com/pushchain/tss-relay/tss/relay/mock"
)

var (
	fixtureOnce   sync.Once
	fixtureShares []*KeyShare
	fixtureErr    error
)

// keyShares returns the shares of one 3-party, threshold 1 key generation,
// shared by every test in the package.
func keyShares(t *testing.T) []*KeyShare {
	t.Helper()
	if testing.Short() {
		t.Skip("distributed key generation is slow")
	}
	fixtureOnce.Do(func() {
		fixtureShares, fixtureErr = runKeygen(3, 1)
	})
	require.NoError(t, fixtureErr)
	return fixtureShares
}

func runKeygen(parties, threshold int) ([]*KeyShare, error) {
	r := mock.New(mock.WithReorder(11))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	shares := make([]*KeyShare, parties)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < parties; i++ {
		g.Go(func() error {
			ch, err := r.Join(gctx, "keygen")
			if err != nil {
				return err
			}
			defer ch.Close()

			sm, err := NewKeygen(ch.Index(), threshold, parties, []byte("keygen"), nil)
			if err != nil {
				return err
			}
			share, err := protocol.Run(gctx, sm, ch, protocol.WithProtocolName("keygen"))
			if err != nil {
				return err
			}
			shares[ch.Index()-1] = share
			return nil
		})
	}
	return shares, g.Wait()
}

// runOffline runs the offline stage for signers, which are seated in the
// given order. The result is indexed by seat.
func runOffline(t *testing.T, shares []*KeyShare, signers []protocol.PartyIndex, room string) []*OfflineArtifact {
	t.Helper()
	r := mock.New(mock.WithReorder(5), mock.WithDuplicates())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// join in signer order so seat i+1 holds signers[i]
	channels := make([]protocol.Channel, len(signers))
	for i := range signers {
		ch, err := r.Join(ctx, room)
		require.NoError(t, err)
		defer ch.Close()
		channels[i] = ch
	}

	artifacts := make([]*OfflineArtifact, len(signers))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range channels {
		share := shares[signers[i]-1]
		g.Go(func() error {
			sm, err := NewOfflineStage(share, signers, ch.Index(), []byte(room), nil)
			if err != nil {
				return err
			}
			artifact, err := protocol.Run(gctx, sm, ch, protocol.WithProtocolName("offline"))
			if err != nil {
				return err
			}
			artifacts[ch.Index()-1] = artifact
			return nil
		})
	}
	require.NoError(t, g.Wait())
	return artifacts
}

func verify(t *testing.T, publicKey, digest []byte, sig *Signature) bool {
	t.Helper()
	pub, err := secp256k1.ParsePubKey(publicKey)
	require.NoError(t, err)

	var r, s secp256k1.ModNScalar
	r.SetByteSlice(sig.R[:])
	s.SetByteSlice(sig.S[:])
	return decredecdsa.NewSignature(&r, &s).Verify(digest, pub)
}
