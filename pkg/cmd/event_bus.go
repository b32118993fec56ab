package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/chatflow/pkg/channels/gochannel"
	"github.com/dukex/chatflow/pkg/channels/kafka"
	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/eventbus/amqp"
)

type EventBusConfig struct {
	// Provider is kafka, rabbitmq or gochannel.
	Provider    string
	ServiceName string
	RabbitMQURL string
}

// nolint:ireturn // factory over the EventBus implementations
func NewEventBus(logger *slog.Logger, config EventBusConfig) (eventbus.EventBus, error) {
	switch config.Provider {
	case "kafka":
		brokers, err := kafka.Brokers()
		if err != nil {
			return nil, err
		}

		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), brokers, config.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	case "rabbitmq":
		bus, err := amqp.NewEventBus(logger, amqp.Config{URL: config.RabbitMQURL, Service: config.ServiceName})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}

		return bus, nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			return nil, err
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %q", config.Provider)
	}
}
