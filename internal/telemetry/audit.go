package telemetry

import (
	"context"
	"time"

	"gigconnect-chat/internal/logging"
)

// Routing key for audit events.
const RoutingKeyAudit = "audit_logs.chat"

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *int         `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level  string `json:"level"`
	Action string `json:"action"`
	Text   string `json:"text"`
	ChatID int    `json:"chat_id,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// Emit publishes an audit record. Failures are logged and never returned.
func (e *AuditEmitter) Emit(ctx context.Context, level string, userID int, payload AuditPayload) {
	if e == nil || e.publisher == nil {
		return
	}

	payload.Level = level
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     logging.RequestID(ctx),
		Payload:       payload,
	}
	if userID != 0 {
		envelope.UserID = &userID
	}

	logger := logging.Ctx(ctx)
	logger.Debug().Str("action", payload.Action).Int(logging.FieldUserID, userID).Msg("audit emit")
	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		logger.Warn().Err(err).Str("action", payload.Action).Msg("audit publish failed")
	}
}
