package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gigconnect-chat/internal/observability"
	"gigconnect-chat/internal/telemetry"
)

var (
	_ telemetry.Publisher     = (*PublisherMock)(nil)
	_ observability.Publisher = (*PublisherMock)(nil)
)

// PublisherMock stands in for the AMQP publisher behind audit and
// websocket lifecycle events.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// AuditActions lists the payload actions of audit envelopes published so far,
// in call order.
func (m *PublisherMock) AuditActions() []string {
	var actions []string
	for _, call := range m.Calls {
		if call.Method != "Publish" {
			continue
		}
		if env, ok := call.Arguments.Get(2).(telemetry.AuditEnvelope); ok {
			actions = append(actions, env.Payload.Action)
		}
	}
	return actions
}
