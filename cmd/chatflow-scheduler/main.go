// Package main provides the chatflow scheduler, which finds expired
// wait_for_reply timeouts and hands them to the worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/chatflow/pkg/cmd"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/dukex/chatflow/pkg/metrics"
	"github.com/dukex/chatflow/pkg/scheduler"
	"github.com/dukex/chatflow/pkg/services"
	cli "github.com/urfave/cli/v3"
)

func main() {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "sweep-schedule",
			Usage:   "Cron expression or descriptor for the timeout sweep",
			Value:   scheduler.DefaultSchedule,
			Sources: cli.EnvVars("SWEEP_SCHEDULE"),
		},
		&cli.IntFlag{
			Name:    "batch-size",
			Usage:   "Maximum instances handled per sweep",
			Value:   scheduler.DefaultBatchSize,
			Sources: cli.EnvVars("SWEEP_BATCH_SIZE"),
		},
	}
	flags = append(flags, cmd.PersistenceFlags()...)
	flags = append(flags, cmd.EventBusFlags(false)...)
	flags = append(flags, cmd.DispatcherFlags()...)
	flags = append(flags, cmd.AutomationFlags()...)
	flags = append(flags, cmd.LogFlags()...)

	command := &cli.Command{
		Name:                  "chatflow-scheduler",
		EnableShellCompletion: true,
		Usage: "Sweep expired reply timeouts. With an event bus they are published as instance.timeout " +
			"for chatflow-worker, otherwise they are executed in-process",
		Flags:  flags,
		Action: run,
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

	logger := log.WithModule("chatflow-scheduler")
	logger.InfoContext(ctx, "Initializing Chatflow Scheduler")

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), command.String("redis-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(context.Background()); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	m := metrics.New()

	var handler scheduler.TimeoutHandler

	if command.String("event-bus") != "" {
		eventBus, err := cmd.NewEventBus(logger, cmd.EventBusConfigFrom(command, "chatflow-scheduler"))
		if err != nil {
			return err
		}

		defer func() {
			if err := eventBus.Close(); err != nil {
				logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
			}
		}()

		handler = scheduler.PublishTimeouts(eventBus)
	} else {
		dispatcher, err := cmd.NewDispatcher(logger, cmd.DispatcherConfigFrom(command), nil)
		if err != nil {
			return err
		}

		automation, err := cmd.NewAutomation(logger, command, persistence, dispatcher, services.WithMetrics(m))
		if err != nil {
			return err
		}

		handler = automation.HandleTimeoutInstance
	}

	sweeper, err := scheduler.NewSweeper(logger, persistence.InstanceRepository(), handler, m, scheduler.Config{
		Schedule:  command.String("sweep-schedule"),
		BatchSize: command.Int("batch-size"),
	})
	if err != nil {
		return err
	}

	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	return sweeper.Stop(context.Background())
}
