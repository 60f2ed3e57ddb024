package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"gigconnect-chat/internal/logging"
	"gigconnect-chat/internal/observability"
	"gigconnect-chat/internal/telemetry"
)

// Publisher publishes audit and websocket lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// NewPublisher builds a RabbitMQ publisher or a noop publisher when AMQP is
// disabled or the broker stays unreachable for a few seconds. The chat
// service never fails to start because of the event bus.
func NewPublisher(amqpURL, exchange string) Publisher {
	logger := logging.L()
	if amqpURL == "" {
		logger.Info().Msg("rabbitmq disabled, using noop: empty amqp url")
		return noopPublisher{reason: "empty amqp url"}
	}

	p, err := connect(amqpURL, exchange)
	if err != nil {
		logger.Warn().Err(err).Msg("rabbitmq disabled, using noop")
		return noopPublisher{reason: err.Error()}
	}
	logger.Info().Str("exchange", exchange).Msg("rabbitmq connected")
	return p
}

func connect(amqpURL, exchange string) (*amqpPublisher, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = dialTimeout

	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		var err error
		conn, err = amqp.Dial(amqpURL)
		return err
	}, policy)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	// durable topic exchange; ws_events.* and audit_logs.* are routed by key
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

var dialTimeout = 5 * time.Second

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	if requestID := logging.RequestID(ctx); requestID != "" {
		headers["x-request-id"] = requestID
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		MessageId:    uuid.NewString(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("routing_key", routingKey).Msg("rabbitmq publish failed")
	}
	return err
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	reason string
}

func (noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	evt := logging.Ctx(ctx).Debug().Str("routing_key", routingKey)
	switch envelope := event.(type) {
	case telemetry.AuditEnvelope:
		evt = evt.Str("event_type", envelope.EventType).Str("action", envelope.Payload.Action)
	case observability.EventEnvelope:
		evt = evt.Str("event_type", envelope.EventType).Str("event_name", envelope.EventName)
	}
	evt.Msg("rabbitmq noop publish")
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
