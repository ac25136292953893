package protocol_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pushchain/tss-relay/tss/protocol"
	"github.com/pushchain/tss-relay/tss/relay/mock"
)

func TestRunOverLossyRelay(t *testing.T) {
	const (
		parties = 4
		rounds  = 5
	)

	for _, seed := range []int64{1, 2, 3} {
		r := mock.New(mock.WithReorder(seed), mock.WithDuplicates())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

		outputs := make([][]string, parties)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < parties; i++ {
			i := i
			g.Go(func() error {
				ch, err := r.Join(gctx, "echo")
				if err != nil {
					return err
				}
				defer ch.Close()

				sm := protocol.NewEchoMachine(ch.Index(), parties, rounds)
				out, err := protocol.Run[[]string](gctx, sm, ch)
				outputs[i] = out
				return err
			})
		}
		require.NoError(t, g.Wait(), "seed %d", seed)
		cancel()

		for i, out := range outputs {
			assert.Len(t, out, (parties-1)*rounds, "party %d seed %d", i+1, seed)
		}
		assert.Equal(t, parties*rounds, r.Published("echo"))
	}
}
