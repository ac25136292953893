package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Server exposes health and prometheus metrics while a session runs.
type Server struct {
	logger   zerolog.Logger
	gatherer prometheus.Gatherer
	server   *http.Server
	addr     net.Addr
}

// NewServer creates a new Server listening on addr once started.
func NewServer(logger zerolog.Logger, addr string, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		logger:   logger.With().Str("component", "api_server").Logger(),
		gatherer: gatherer,
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("api server is nil")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
	}
	s.addr = ln.Addr()
	s.logger.Info().Str("addr", s.addr.String()).Msg("api server listening")

	go func() {
		err := s.server.Serve(ln)
		switch {
		case err == nil, errors.Is(err, http.ErrServerClosed):
			s.logger.Debug().Msg("api server closed")
		default:
			s.logger.Error().Err(err).Msg("api server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr { return s.addr }

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
