// Package amqp provides an EventBus on RabbitMQ.
//
// Events are published to one durable topic exchange with the event's topic as
// routing key. Each service consumes from its own durable queue per topic,
// named "<service>.<topic>", so several replicas of a service share the work.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "chatflow"
	defaultPrefetch = 10
)

type Config struct {
	URL      string
	Exchange string
	// Service names the consumer queues.
	Service  string
	Prefetch int
}

type EventBus struct {
	logger   *slog.Logger
	config   Config
	conn     *amqp.Connection
	pubMu    sync.Mutex
	pub      *amqp.Channel
	mu       sync.RWMutex
	handlers map[events.EventType]eventbus.EventHandler
	channels []*amqp.Channel
}

var _ eventbus.EventBus = (*EventBus)(nil)

func NewEventBus(logger *slog.Logger, config Config) (*EventBus, error) {
	if config.URL == "" {
		return nil, errors.New("amqp url is required")
	}

	if config.Exchange == "" {
		config.Exchange = DefaultExchange
	}

	if config.Service == "" {
		config.Service = "chatflow"
	}

	if config.Prefetch <= 0 {
		config.Prefetch = defaultPrefetch
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = pub.ExchangeDeclare(config.Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("declare exchange %s: %w", config.Exchange, err)
	}

	logger.Info("Connected to RabbitMQ", "exchange", config.Exchange, "service", config.Service)

	return &EventBus{
		logger:   logger.With("module", "amqp_eventbus"),
		config:   config,
		conn:     conn,
		pub:      pub,
		handlers: make(map[events.EventType]eventbus.EventHandler),
	}, nil
}

func (b *EventBus) GenerateID() string {
	return uuid.New().String()
}

func (b *EventBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.GetType(), err)
	}

	topic := events.TopicFor(event.GetType())

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err = b.pub.PublishWithContext(ctx, b.config.Exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    b.GenerateID(),
		Timestamp:    time.Now().UTC(),
		Type:         string(event.GetType()),
		Headers: amqp.Table{
			events.EventMetadataKey:     key,
			events.EventTypeMetadataKey: string(event.GetType()),
		},
		Body: body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", b.config.Exchange, topic, err)
	}

	return nil
}

func (b *EventBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = handler

	return nil
}

// Subscribe declares and binds the service queues of every handled topic and
// starts consuming them.
func (b *EventBus) Subscribe(ctx context.Context) error {
	b.mu.RLock()

	var topics []string

	for eventType := range b.handlers {
		topic := events.TopicFor(eventType)
		if !slices.Contains(topics, topic) {
			topics = append(topics, topic)
		}
	}

	b.mu.RUnlock()

	slices.Sort(topics)

	for _, topic := range topics {
		deliveries, err := b.consume(topic)
		if err != nil {
			return err
		}

		go b.process(ctx, topic, deliveries)
	}

	return nil
}

func (b *EventBus) consume(topic string) (<-chan amqp.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	queue := b.config.Service + "." + topic

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, topic, b.config.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s to %s: %w", queue, b.config.Exchange, err)
	}

	if err := ch.Qos(b.config.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	b.mu.Lock()
	b.channels = append(b.channels, ch)
	b.mu.Unlock()

	b.logger.Info("Consumer started", "queue", queue)

	return deliveries, nil
}

func (b *EventBus) process(ctx context.Context, topic string, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				b.logger.Warn("Deliveries channel closed", "topic", topic)

				return
			}

			b.handleDelivery(ctx, raw)
		}
	}
}

func (b *EventBus) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	eventType := events.EventType(raw.Type)
	if value, ok := raw.Headers[events.EventTypeMetadataKey].(string); ok {
		eventType = events.EventType(value)
	}

	b.mu.RLock()
	handler, exists := b.handlers[eventType]
	b.mu.RUnlock()

	if !exists {
		_ = raw.Ack(false)

		return
	}

	event, ok := eventbus.NewEvent(eventType)
	if !ok {
		b.logger.WarnContext(ctx, "Dropping event of unknown type", "event_type", eventType)
		_ = raw.Nack(false, false)

		return
	}

	if err := json.Unmarshal(raw.Body, event); err != nil {
		b.logger.ErrorContext(ctx, "Dropping undecodable event", "event_type", eventType, "error", err)
		_ = raw.Nack(false, false)

		return
	}

	if err := handler(ctx, event); err != nil {
		b.logger.ErrorContext(ctx, "Event handler failed",
			"event_type", eventType,
			"message_id", raw.MessageId,
			"redelivered", raw.Redelivered,
			"error", err)

		// One redelivery, then the broker dead-letters or drops it.
		_ = raw.Nack(false, !raw.Redelivered)

		return
	}

	_ = raw.Ack(false)
}

func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error

	for _, ch := range b.channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	if err := b.pub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}

	if err := b.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}

	return errors.Join(errs...)
}
