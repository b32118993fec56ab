// Package scheduler finds waiting instances whose reply window expired and
// hands them to a timeout handler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/metrics"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule  = "@every 15s"
	DefaultBatchSize = 500
)

// TimeoutHandler is called once per due instance. Handlers must tolerate
// being called again for the same instance: the engine treats a repeated
// timeout as a no-op.
type TimeoutHandler func(ctx context.Context, instance *models.Instance) error

type Config struct {
	// Schedule is a standard cron expression or descriptor such as "@every 15s".
	Schedule  string
	BatchSize int
}

type Sweeper struct {
	logger    *slog.Logger
	instances persistence.InstanceRepository
	handler   TimeoutHandler
	metrics   *metrics.Metrics
	config    Config
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewSweeper(logger *slog.Logger, instances persistence.InstanceRepository, handler TimeoutHandler, m *metrics.Metrics, config Config) (*Sweeper, error) {
	if handler == nil {
		return nil, errors.New("timeout handler is required")
	}

	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}

	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule '%s': %w", config.Schedule, err)
	}

	return &Sweeper{
		logger:    logger.With("module", "timeout_sweeper"),
		instances: instances,
		handler:   handler,
		metrics:   m,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	logger := cronLogger{s.logger}
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	entryID, err := s.cron.AddFunc(s.config.Schedule, func() {
		if _, err := s.Sweep(s.ctx); err != nil {
			s.logger.ErrorContext(s.ctx, "Timeout sweep failed", "error", err)
		}
	})
	if err != nil {
		s.cancel()
		s.cron = nil

		return fmt.Errorf("failed to add sweep job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()

	s.logger.InfoContext(ctx, "Timeout sweeper started", "schedule", s.config.Schedule, "batch_size", s.config.BatchSize)

	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}

	s.cancel()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.cron = nil
	s.logger.Info("Timeout sweeper stopped")

	return nil
}

// Sweep runs one pass and returns how many instances were handed over. A
// handler error is logged and does not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()

	due, err := s.instances.DueForTimeout(ctx, now, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load due instances: %w", err)
	}

	if len(due) == 0 {
		return 0, nil
	}

	s.logger.InfoContext(ctx, "Processing expired waits", "count", len(due))

	handled := 0

	for _, instance := range due {
		if err := ctx.Err(); err != nil {
			return handled, err
		}

		if err := s.handler(ctx, instance); err != nil {
			s.logger.ErrorContext(ctx, "Timeout handler failed",
				"instance_id", instance.ID,
				"flow_id", instance.FlowID,
				"error", err)

			continue
		}

		handled++
	}

	s.metrics.TimeoutsSwept(handled)

	return handled, nil
}

// PublishTimeouts returns a handler that publishes instance.timeout events
// for a worker to process.
func PublishTimeouts(publisher eventbus.EventPublisher) TimeoutHandler {
	return func(ctx context.Context, instance *models.Instance) error {
		event := events.InstanceTimeout{
			BaseEvent:  events.NewBaseEvent(events.InstanceTimeoutEvent, instance.TenantID),
			InstanceID: instance.ID,
			FlowID:     instance.FlowID,
			ContactID:  instance.ContactID,
		}

		if instance.TimeoutAt != nil {
			event.TimeoutAt = *instance.TimeoutAt
		}

		return publisher.Publish(ctx, instance.TenantID+"/"+instance.ContactID, event)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
