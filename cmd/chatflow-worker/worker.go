package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/metrics"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/services"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const metricsShutdownTimeout = 5 * time.Second

// Worker consumes inbound messages and timeouts and runs them through the
// automation driver.
type Worker struct {
	id         string
	logger     *slog.Logger
	automation *services.Automation
	eventBus   eventbus.EventBus
	tracer     trace.Tracer
}

func NewWorker(
	id string,
	logger *slog.Logger,
	automation *services.Automation,
	eventBus eventbus.EventBus,
	tracer trace.Tracer,
) *Worker {
	return &Worker{
		id:         id,
		logger:     logger.With("module", "chatflow-worker", "worker_id", id),
		automation: automation,
		eventBus:   eventBus,
		tracer:     tracer,
	}
}

// Start subscribes and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker")

	if err := w.eventBus.Handle(events.MessageReceivedEvent, w.handleMessageReceived); err != nil {
		return err
	}

	if err := w.eventBus.Handle(events.InstanceTimeoutEvent, w.handleInstanceTimeout); err != nil {
		return err
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	<-ctx.Done()
	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

func (w *Worker) handleMessageReceived(ctx context.Context, event any) error {
	received, ok := event.(*events.MessageReceived)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for MessageReceived")

		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "worker.message_received",
		attribute.String(otelhelper.EventIDKey, received.ID),
		attribute.String(otelhelper.EventTypeKey, string(received.Type)),
		attribute.String(otelhelper.TenantIDKey, received.TenantID))
	defer span.End()

	message := received.Message
	if message.TenantID == "" {
		message.TenantID = received.TenantID
	}

	logger := w.logger.With("event_id", received.ID, "message_id", message.ID, "contact_id", message.ContactID)

	results, err := w.automation.HandleInbound(ctx, &message)
	if err != nil {
		otelhelper.SetError(span, err)

		if services.IsValidationError(err) {
			logger.WarnContext(ctx, "Dropping invalid inbound message", "error", err)

			return nil
		}

		logger.ErrorContext(ctx, "Failed to process inbound message", "error", err)

		return err
	}

	logger.InfoContext(ctx, "Processed inbound message", "executions", len(results))

	return nil
}

func (w *Worker) handleInstanceTimeout(ctx context.Context, event any) error {
	timeout, ok := event.(*events.InstanceTimeout)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for InstanceTimeout")

		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "worker.instance_timeout",
		attribute.String(otelhelper.EventIDKey, timeout.ID),
		attribute.String(otelhelper.InstanceIDKey, timeout.InstanceID))
	defer span.End()

	logger := w.logger.With("event_id", timeout.ID, "instance_id", timeout.InstanceID)

	result, err := w.automation.HandleTimeout(ctx, timeout.InstanceID)
	if err != nil {
		otelhelper.SetError(span, err)

		if persistence.IsInstanceNotFound(err) {
			logger.WarnContext(ctx, "Timeout for unknown instance")

			return nil
		}

		logger.ErrorContext(ctx, "Failed to handle timeout", "error", err)

		return err
	}

	if result.Noop {
		logger.DebugContext(ctx, "Timeout ignored, instance already moved on")

		return nil
	}

	logger.InfoContext(ctx, "Timeout handled", "status", result.Instance.Status)

	return nil
}

// serveMetrics exposes /metrics until ctx is cancelled. Port 0 disables it.
func serveMetrics(ctx context.Context, logger *slog.Logger, m *metrics.Metrics, port int) {
	if port == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
}
