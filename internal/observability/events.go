package observability

import (
	"context"
)

// Routing key for websocket lifecycle events.
const RoutingKeyWSEvents = "ws_events.chats"

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// Publisher is satisfied by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

var defaultPublisher Publisher

func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

// PublishEvent sends an envelope through the configured publisher. It is a
// no-op until SetPublisher is called.
func PublishEvent(ctx context.Context, routingKey string, envelope EventEnvelope) error {
	if defaultPublisher == nil {
		return nil
	}

	err := defaultPublisher.Publish(ctx, routingKey, envelope)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}
