package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gigconnect-chat/internal/logging"
	"gigconnect-chat/internal/models"
	"gigconnect-chat/internal/observability"
)

// DefaultChannel carries realtime events between instances.
const DefaultChannel = "chat:events"

const (
	scopeChat = "chat"
	scopeUser = "user"
)

// Local delivers events to sessions connected to this instance.
type Local interface {
	PublishToChat(ctx context.Context, chatID int, evt models.Event, exceptSession string)
	PublishToUser(ctx context.Context, userID int, evt models.Event)
}

// Envelope is what travels over the Redis channel.
type Envelope struct {
	Scope  string       `json:"scope"`
	ID     int          `json:"id"`
	Except string       `json:"except,omitempty"`
	Origin string       `json:"origin"`
	Event  models.Event `json:"event"`
}

// RedisFanout delivers events locally and relays them to other instances
// through Redis pub/sub. Envelopes from this instance are ignored on receipt.
type RedisFanout struct {
	client  *redis.Client
	channel string
	local   Local
	origin  string
}

// NewRedisFanout wraps the local hub with cross-instance relay.
func NewRedisFanout(client *redis.Client, channel string, local Local) *RedisFanout {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisFanout{client: client, channel: channel, local: local, origin: uuid.NewString()}
}

func (f *RedisFanout) PublishToChat(ctx context.Context, chatID int, evt models.Event, exceptSession string) {
	f.local.PublishToChat(ctx, chatID, evt, exceptSession)
	f.relay(ctx, Envelope{Scope: scopeChat, ID: chatID, Except: exceptSession, Event: evt})
}

func (f *RedisFanout) PublishToUser(ctx context.Context, userID int, evt models.Event) {
	f.local.PublishToUser(ctx, userID, evt)
	f.relay(ctx, Envelope{Scope: scopeUser, ID: userID, Event: evt})
}

func (f *RedisFanout) relay(ctx context.Context, env Envelope) {
	env.Origin = f.origin
	data, err := json.Marshal(env)
	if err != nil {
		observability.IncFanoutError()
		logging.Ctx(ctx).Error().Err(err).Msg("encode fan-out envelope")
		return
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		observability.IncFanoutError()
		logging.Ctx(ctx).Warn().Err(err).Str("channel", f.channel).Msg("fan-out publish failed")
	}
}

// Run subscribes to the channel and delivers remote envelopes until ctx is
// done.
func (f *RedisFanout) Run(ctx context.Context) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	logger := logging.Ctx(ctx)
	logger.Info().Str("channel", f.channel).Msg("fan-out subscriber started")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.dispatch(ctx, []byte(msg.Payload)); err != nil {
				observability.IncFanoutError()
				logger.Warn().Err(err).Msg("dropping fan-out envelope")
			}
		}
	}
}

func (f *RedisFanout) dispatch(ctx context.Context, payload []byte) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Origin == f.origin {
		return nil
	}
	switch env.Scope {
	case scopeChat:
		f.local.PublishToChat(ctx, env.ID, env.Event, env.Except)
	case scopeUser:
		f.local.PublishToUser(ctx, env.ID, env.Event)
	default:
		return fmt.Errorf("unknown scope %q", env.Scope)
	}
	return nil
}
