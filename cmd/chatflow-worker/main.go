// Package main provides the chatflow worker, which executes flows for queued
// inbound messages and timeouts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/chatflow/pkg/cmd"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/dukex/chatflow/pkg/metrics"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

const defaultMetricsPort = 9092

func main() {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Custom worker ID (auto-generated if not provided)",
			Value:   "",
			Sources: cli.EnvVars("WORKER_ID"),
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "Port serving /metrics (0 disables)",
			Value:   defaultMetricsPort,
			Sources: cli.EnvVars("METRICS_PORT"),
		},
	}
	flags = append(flags, cmd.PersistenceFlags()...)
	flags = append(flags, cmd.EventBusFlags(true)...)
	flags = append(flags, cmd.DispatcherFlags()...)
	flags = append(flags, cmd.AutomationFlags()...)
	flags = append(flags, cmd.TracingFlags()...)
	flags = append(flags, cmd.LogFlags()...)

	command := &cli.Command{
		Name:                  "chatflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Execute chat flows for inbound messages and timeouts",
		Flags:                 flags,
		Action:                run,
	}

	if err := cmd.LoadDotEnv(); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("chatflow-worker").With("worker_id", workerID)
	logger.InfoContext(ctx, "Initializing Chatflow Worker")

	eventBus, err := cmd.NewEventBus(logger, cmd.EventBusConfigFrom(command, "chatflow-worker"))
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), command.String("redis-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(context.Background()); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	dispatcher, err := cmd.NewDispatcher(logger, cmd.DispatcherConfigFrom(command), eventBus)
	if err != nil {
		return err
	}

	m := metrics.New()
	tracer := cmd.NewTracer(ctx, logger, command, "chatflow-worker")

	automation, err := cmd.NewAutomation(logger, command, persistence, dispatcher,
		services.WithPublisher(eventBus),
		services.WithMetrics(m),
		services.WithTracer(tracer))
	if err != nil {
		return err
	}

	serveMetrics(ctx, logger, m, command.Int("metrics-port"))

	return NewWorker(workerID, logger, automation, eventBus, tracer).Start(ctx)
}
