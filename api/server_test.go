package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/tss-relay/tss/metrics"
)

func TestRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Sent("keygen")

	server := NewServer(zerolog.New(zerolog.NewTestWriter(t)), ":0", reg)
	handler := server.setupRoutes()

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `tss_messages_sent_total{protocol="keygen"} 1`)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServerStartStop(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))

	t.Run("Start and stop server", func(t *testing.T) {
		server := NewServer(logger, "127.0.0.1:0", prometheus.NewRegistry())
		require.NoError(t, server.Start())
		require.NotNil(t, server.Addr())

		resp, err := http.Get("http://" + server.Addr().String() + "/health")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "OK", string(body))

		assert.NoError(t, server.Stop(context.Background()))
	})

	t.Run("Start with nil server", func(t *testing.T) {
		server := &Server{logger: logger}
		err := server.Start()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "api server is nil")
	})

	t.Run("Stop with nil server", func(t *testing.T) {
		server := &Server{logger: logger}
		assert.NoError(t, server.Stop(context.Background()))
	})

	t.Run("Address in use", func(t *testing.T) {
		first := NewServer(logger, "127.0.0.1:0", prometheus.NewRegistry())
		require.NoError(t, first.Start())
		defer first.Stop(context.Background())

		second := NewServer(logger, first.Addr().String(), prometheus.NewRegistry())
		assert.Error(t, second.Start())
	})
}
