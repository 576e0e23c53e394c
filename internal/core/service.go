package core

import (
	"context"
	"net/http"
	"time"

	"pkt.systems/ingestd/internal/ack"
	"pkt.systems/ingestd/internal/clock"
	"pkt.systems/ingestd/internal/loggingutil"
	"pkt.systems/ingestd/internal/storage"
	"pkt.systems/ingestd/internal/svcfields"
	"pkt.systems/pslog"
)

// Service aggregates the transport-agnostic ingest domain: admission of event
// batches into the storage backend and acknowledgement tracking per channel.
type Service struct {
	registry   *ack.Registry
	store      storage.Backend
	ackEnabled bool
	logger     pslog.Logger
	clock      clock.Clock
	metrics    *serviceMetrics
}

// SubmitCommand is one batch of events bound for a single channel.
type SubmitCommand struct {
	Channel string
	Events  [][]byte
}

// SubmitResult reports the outcome of a Submit. AckID is meaningful only when
// Acked is true.
type SubmitResult struct {
	AckID uint64
	Acked bool
}

// New constructs the core Service.
func New(cfg Config) *Service {
	logger := svcfields.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "core")
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Service{
		registry:   cfg.Registry,
		store:      cfg.Store,
		ackEnabled: cfg.AckEnabled && cfg.Registry != nil,
		logger:     logger,
		clock:      clk,
	}
	s.metrics = newServiceMetrics(logger)
	return s
}

// AckEnabled reports whether acknowledgement tracking is active.
func (s *Service) AckEnabled() bool {
	return s.ackEnabled
}

// Submit admits a batch into the storage backend. With acknowledgement
// tracking active an ack id is allocated before the batch is handed off, and
// resolves only after the backend confirms durability; a batch the backend
// refuses synchronously never allocates visible state beyond the pending id,
// which stays unresolvable until evicted or reaped.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (SubmitResult, error) {
	if len(cmd.Events) == 0 {
		return SubmitResult{}, Failure{Code: CodeNoData, Detail: "No data", HTTPStatus: http.StatusBadRequest}
	}

	var result SubmitResult
	var done func(error)
	if s.ackEnabled {
		if cmd.Channel == "" {
			return SubmitResult{}, Failure{Code: CodeChannelMissing, Detail: "Data channel is missing", HTTPStatus: http.StatusBadRequest}
		}
		id, err := s.registry.Allocate(cmd.Channel)
		if err != nil {
			return SubmitResult{}, Failure{Code: CodeChannelLimit, Detail: err.Error(), HTTPStatus: http.StatusServiceUnavailable}
		}
		result = SubmitResult{AckID: id, Acked: true}
		channel := cmd.Channel
		done = func(persistErr error) {
			if persistErr != nil {
				s.logger.Warn("ingest.persist.failed", "channel", channel, "ack_id", id, "error", persistErr)
				return
			}
			s.registry.Resolve(channel, id)
		}
	}

	batch := storage.Batch{Channel: cmd.Channel, Events: cmd.Events}
	if err := s.store.Accept(ctx, batch, done); err != nil {
		s.logger.Error("ingest.accept.failed", "channel", cmd.Channel, "error", err)
		return SubmitResult{}, Failure{Code: CodeStorageUnavailable, Detail: "event storage unavailable", HTTPStatus: http.StatusServiceUnavailable}
	}
	s.metrics.submitted(len(cmd.Events))
	return result, nil
}

// QueryAcks reports durability status for the given ids on a channel. A true
// answer reclaims the id; later queries for it answer false. An absent
// channel is judged like any other unknown channel: every id answers false.
// Only submissions require a channel.
func (s *Service) QueryAcks(ctx context.Context, channel string, ids []uint64) (map[uint64]bool, error) {
	_ = ctx
	if !s.ackEnabled {
		return nil, Failure{Code: CodeAckDisabled, Detail: "ACK is disabled", HTTPStatus: http.StatusBadRequest}
	}
	return s.registry.Query(channel, ids), nil
}

// ReapIdleChannels drops channels untouched for at least maxIdle and returns
// how many were removed. A no-op when acknowledgement tracking is off.
func (s *Service) ReapIdleChannels(maxIdle time.Duration) int {
	if !s.ackEnabled {
		return 0
	}
	return s.registry.ReapIdle(maxIdle)
}
