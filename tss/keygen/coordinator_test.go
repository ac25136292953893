package keygen_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	tsserrors "github.com/pushchain/tss-relay/errors"
	"github.com/pushchain/tss-relay/tss/keygen"
	"github.com/pushchain/tss-relay/tss/keyshare"
	"github.com/pushchain/tss-relay/tss/metrics"
	"github.com/pushchain/tss-relay/tss/relay/mock"
)

func TestAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	addr, uncompressed, err := keygen.Address(crypto.CompressPubkey(&key.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)
	assert.Equal(t, crypto.FromECDSAPub(&key.PublicKey), uncompressed)
	assert.True(t, common.IsHexAddress(addr.Hex()))

	_, _, err = keygen.Address([]byte{0x02, 0x01})
	assert.Error(t, err)
}

func TestRunRejectsInvalidParameters(t *testing.T) {
	r := mock.New()
	c := keygen.NewCoordinator(r, keyshare.NewStore(""))
	out := filepath.Join(t.TempDir(), "share.json")

	tests := []struct {
		name string
		req  keygen.Request
	}{
		{"missing room", keygen.Request{Output: out, Threshold: 1, Parties: 3}},
		{"missing output", keygen.Request{Room: "r", Threshold: 1, Parties: 3}},
		{"zero threshold", keygen.Request{Room: "r", Output: out, Threshold: 0, Parties: 3}},
		{"threshold equals parties", keygen.Request{Room: "r", Output: out, Threshold: 3, Parties: 3}},
		{"index above parties", keygen.Request{Room: "r", Output: out, Index: 4, Threshold: 1, Parties: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, tsserrors.IsCode(err, tsserrors.ErrCodeConfig), "got %v", err)
		})
	}
	assert.Equal(t, 0, r.Subscribers("r"))
	assert.Equal(t, 0, r.Published("r"))
}

func TestRunRefusesExistingOutput(t *testing.T) {
	r := mock.New()
	out := filepath.Join(t.TempDir(), "share.json")
	require.NoError(t, os.WriteFile(out, []byte("keep me"), 0o600))

	c := keygen.NewCoordinator(r, keyshare.NewStore(""))
	_, err := c.Run(context.Background(), keygen.Request{Room: "r", Output: out, Threshold: 1, Parties: 2})
	require.Error(t, err)
	assert.True(t, tsserrors.IsCode(err, tsserrors.ErrCodeStorage))
	assert.ErrorIs(t, err, keyshare.ErrAlreadyExists)

	// the room was never joined
	assert.Equal(t, 0, r.Subscribers("r"))
	raw, _ := os.ReadFile(out)
	assert.Equal(t, "keep me", string(raw))
}

func TestRunRejectsIndexMismatch(t *testing.T) {
	r := mock.New()
	first, err := r.Join(context.Background(), "r")
	require.NoError(t, err)
	defer first.Close()

	out := filepath.Join(t.TempDir(), "share.json")
	c := keygen.NewCoordinator(r, keyshare.NewStore(""))
	_, err = c.Run(context.Background(), keygen.Request{Room: "r", Output: out, Index: 1, Threshold: 1, Parties: 2})
	require.Error(t, err)
	assert.True(t, tsserrors.IsCode(err, tsserrors.ErrCodeSession), "got %v", err)

	// the mismatched party left the room and wrote nothing
	assert.Equal(t, 1, r.Subscribers("r"))
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunCancelled(t *testing.T) {
	r := mock.New()
	out := filepath.Join(t.TempDir(), "share.json")
	m := metrics.New(prometheus.NewRegistry())
	c := keygen.NewCoordinator(r, keyshare.NewStore(""), keygen.WithMetrics(m))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// the other two parties never show up
	_, err := c.Run(ctx, keygen.Request{Room: "r", Output: out, Threshold: 1, Parties: 3})
	require.Error(t, err)
	assert.True(t, tsserrors.IsCancellation(err), "got %v", err)
	assert.Equal(t, 0, r.Subscribers("r"))
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsCompleted.WithLabelValues("keygen", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsCompleted.WithLabelValues("keygen-rounds", "failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsCompleted.WithLabelValues("keygen", "success")))
}

func TestRunGeneratesSharedKey(t *testing.T) {
	if testing.Short() {
		t.Skip("distributed key generation is slow")
	}
	const parties = 3

	r := mock.New(mock.WithReorder(3), mock.WithDuplicates())

	dir := t.TempDir()
	store := keyshare.NewStore("secret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	results := make([]*keygen.Result, parties)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < parties; i++ {
		c := keygen.NewCoordinator(r, store)
		out := filepath.Join(dir, "share-"+string(rune('a'+i))+".json")
		g.Go(func() error {
			res, err := c.Run(gctx, keygen.Request{Room: "shared", Output: out, Threshold: 1, Parties: parties})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	seats := make(map[uint16]bool)
	for _, res := range results {
		require.NotNil(t, res)
		seats[uint16(res.Index)] = true
		assert.Equal(t, results[0].PublicKey, res.PublicKey)
		assert.Equal(t, results[0].Address, res.Address)
		assert.True(t, strings.HasPrefix(res.UncompressedPublicKey, "04"))

		artifact, err := store.Load(res.Output)
		require.NoError(t, err)
		assert.Equal(t, uint16(res.Index), artifact.Index)
		assert.Equal(t, 1, artifact.Threshold)
		assert.Equal(t, parties, artifact.Parties)
		_, err = artifact.KeyShare()
		require.NoError(t, err)
	}
	assert.Len(t, seats, parties)
	assert.Equal(t, 0, r.Subscribers("shared"))
}
