package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/pushchain/tss-relay/api"
	"github.com/pushchain/tss-relay/config"
	tsserrors "github.com/pushchain/tss-relay/errors"
	"github.com/pushchain/tss-relay/logger"
	"github.com/pushchain/tss-relay/tss/journal"
	"github.com/pushchain/tss-relay/tss/metrics"
	"github.com/pushchain/tss-relay/tss/relay"
)

// session holds what every command needs while it talks to the relay.
type session struct {
	ctx     context.Context
	log     zerolog.Logger
	metrics *metrics.Metrics
	relay   *relay.Client
	journal *journal.Journal

	stop []func()
}

func newSession(parent context.Context, cfg config.Config) (*session, error) {
	log := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler)
	s := &session{log: log}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	s.stop = append(s.stop, cancel)
	if cfg.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, cfg.Timeout)
		s.stop = append(s.stop, cancelTimeout)
	}
	s.ctx = ctx

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.metrics = metrics.New(reg)

		srv := api.NewServer(log, cfg.MetricsAddr, reg)
		if err := srv.Start(); err != nil {
			s.close()
			return nil, err
		}
		s.stop = append(s.stop, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("failed to stop api server")
			}
		})
	}

	if cfg.Journal != "" {
		j, err := openJournal(cfg.Journal, log)
		if err != nil {
			s.close()
			return nil, err
		}
		s.journal = j
		s.stop = append(s.stop, func() { _ = j.Close() })
	}

	client, err := relay.NewClient(cfg.Address, relay.WithLogger(log))
	if err != nil {
		s.close()
		return nil, err
	}
	s.relay = client
	return s, nil
}

func (s *session) close() {
	for i := len(s.stop) - 1; i >= 0; i-- {
		s.stop[i]()
	}
}

func openJournal(path string, log zerolog.Logger) (*journal.Journal, error) {
	j, err := journal.Open(path, log)
	if err != nil {
		return nil, tsserrors.NewStorageError("failed to open session journal", err)
	}
	if _, err := j.MarkInterrupted(); err != nil {
		_ = j.Close()
		return nil, tsserrors.NewStorageError("failed to open session journal", err)
	}
	return j, nil
}

// track runs fn and records its outcome in the journal, when one is
// configured. Journal write failures are logged and do not fail the command.
func (s *session) track(protocol, room string, fn func() (journal.Session, error)) error {
	if s.journal == nil {
		_, err := fn()
		return err
	}

	id, err := s.journal.Begin(protocol, room)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to record session start")
		_, runErr := fn()
		return runErr
	}

	outcome, runErr := fn()
	if runErr != nil {
		err = s.journal.Fail(id, runErr)
	} else {
		err = s.journal.Succeed(id, outcome)
	}
	if err != nil {
		s.log.Warn().Err(err).Uint("session", id).Msg("failed to record session outcome")
	}
	return runErr
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
