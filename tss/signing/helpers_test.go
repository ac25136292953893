package signing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pushchain/tss-relay/tss/protocol"
	"github.com/pushchain/tss-relay/tss/relay/mock"
	"github.com/pushchain/tss-relay/tss/threshold"
)

var (
	fixtureOnce      sync.Once
	fixtureArtifacts []*threshold.KeyShareArtifact
	fixtureErr       error
)

// keyShares returns the artifacts of one 3-party, threshold 1 key
// generation, indexed by key share index minus one.
func keyShares(t *testing.T) []*threshold.KeyShareArtifact {
	t.Helper()
	if testing.Short() {
		t.Skip("distributed key generation is slow")
	}
	fixtureOnce.Do(func() {
		fixtureArtifacts, fixtureErr = generate(3, 1)
	})
	require.NoError(t, fixtureErr)
	return fixtureArtifacts
}

func generate(parties, t int) ([]*threshold.KeyShareArtifact, error) {
	r := mock.New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	artifacts := make([]*threshold.KeyShareArtifact, parties)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < parties; i++ {
		g.Go(func() error {
			ch, err := r.Join(gctx, "fixture-keygen")
			if err != nil {
				return err
			}
			defer ch.Close()

			sm, err := threshold.NewKeygen(ch.Index(), t, parties, []byte("fixture-keygen"), nil)
			if err != nil {
				return err
			}
			share, err := protocol.Run(gctx, sm, ch)
			if err != nil {
				return err
			}
			artifact, err := share.Artifact()
			if err != nil {
				return err
			}
			artifacts[ch.Index()-1] = artifact
			return nil
		})
	}
	return artifacts, g.Wait()
}

// turnstile makes parties join every room in a fixed order, which is what
// decides their seats.
type turnstile struct {
	mu     sync.Mutex
	cond   *sync.Cond
	joined map[string]int
}

func newTurnstile() *turnstile {
	ts := &turnstile{joined: make(map[string]int)}
	ts.cond = sync.NewCond(&ts.mu)
	return ts
}

type orderedJoiner struct {
	relay *mock.Relay
	ts    *turnstile
	turn  int
}

func (j orderedJoiner) Join(ctx context.Context, room string) (protocol.Channel, error) {
	j.ts.mu.Lock()
	defer j.ts.mu.Unlock()
	for j.ts.joined[room] != j.turn {
		j.ts.cond.Wait()
	}
	ch, err := j.relay.Join(ctx, room)
	j.ts.joined[room]++
	j.ts.cond.Broadcast()
	return ch, err
}

// offlineArtifacts runs the offline stage directly for signers, seated in
// the given order, and returns the artifacts by seat.
func offlineArtifacts(t *testing.T, artifacts []*threshold.KeyShareArtifact, signers []protocol.PartyIndex) []*threshold.OfflineArtifact {
	t.Helper()
	r := mock.New()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	channels := make([]protocol.Channel, len(signers))
	for i := range signers {
		ch, err := r.Join(ctx, "offline")
		require.NoError(t, err)
		defer ch.Close()
		channels[i] = ch
	}

	out := make([]*threshold.OfflineArtifact, len(signers))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range channels {
		share, err := artifacts[signers[i]-1].KeyShare()
		require.NoError(t, err)
		g.Go(func() error {
			sm, err := threshold.NewOfflineStage(share, signers, ch.Index(), []byte("offline"), nil)
			if err != nil {
				return err
			}
			o, err := protocol.Run(gctx, sm, ch)
			if err != nil {
				return err
			}
			out[ch.Index()-1] = o
			return nil
		})
	}
	require.NoError(t, g.Wait())
	return out
}
