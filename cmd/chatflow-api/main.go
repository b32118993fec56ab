// Package main provides the chatflow API server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/chatflow/pkg/cmd"
	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/dukex/chatflow/pkg/metrics"
	"github.com/dukex/chatflow/pkg/services"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	flags := []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.BoolFlag{
			Name:    "async",
			Usage:   "Queue inbound messages on the event bus for chatflow-worker instead of running them in the request",
			Sources: cli.EnvVars("ASYNC_MESSAGES"),
		},
	}
	flags = append(flags, cmd.PersistenceFlags()...)
	flags = append(flags, cmd.EventBusFlags(false)...)
	flags = append(flags, cmd.DispatcherFlags()...)
	flags = append(flags, cmd.AutomationFlags()...)
	flags = append(flags, cmd.TracingFlags()...)
	flags = append(flags, cmd.LogFlags()...)

	command := &cli.Command{
		Name:                  "chatflow-api",
		Usage:                 "Manage chat flows and receive WhatsApp messages",
		EnableShellCompletion: true,
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

	logger := log.WithModule("chatflow-api")
	logger.InfoContext(ctx, "Initializing Chatflow API")

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), command.String("redis-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(context.Background()); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	var bus eventbus.EventBus

	if command.String("event-bus") != "" {
		bus, err = cmd.NewEventBus(logger, cmd.EventBusConfigFrom(command, "chatflow-api"))
		if err != nil {
			return err
		}

		defer func() {
			if err := bus.Close(); err != nil {
				logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
			}
		}()
	} else if command.Bool("async") {
		return cli.Exit("--async needs --event-bus", 1)
	}

	m := metrics.New()
	opts := []services.AutomationOption{
		services.WithMetrics(m),
		services.WithTracer(cmd.NewTracer(ctx, logger, command, "chatflow-api")),
	}

	var publisher eventbus.EventPublisher
	if bus != nil {
		publisher = bus
		opts = append(opts, services.WithPublisher(bus))
	}

	dispatcher, err := cmd.NewDispatcher(logger, cmd.DispatcherConfigFrom(command), publisher)
	if err != nil {
		return err
	}

	automation, err := cmd.NewAutomation(logger, command, persistence, dispatcher, opts...)
	if err != nil {
		return err
	}

	var queue eventbus.EventPublisher
	if command.Bool("async") {
		queue = publisher
	}

	api := NewAPI(logger, persistence, automation, queue, m)

	return api.Start(ctx, command.Int("port"))
}
