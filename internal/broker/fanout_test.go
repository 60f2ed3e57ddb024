package broker

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigconnect-chat/internal/models"
)

type delivery struct {
	scope  string
	id     int
	except string
	event  models.Event
}

type recordingLocal struct {
	mu   sync.Mutex
	seen []delivery
}

func (r *recordingLocal) PublishToChat(_ context.Context, chatID int, evt models.Event, except string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, delivery{scope: scopeChat, id: chatID, except: except, event: evt})
}

func (r *recordingLocal) PublishToUser(_ context.Context, userID int, evt models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, delivery{scope: scopeUser, id: userID, event: evt})
}

func (r *recordingLocal) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.seen...)
}

func TestDispatchRoutesRemoteEnvelopes(t *testing.T) {
	local := &recordingLocal{}
	f := NewRedisFanout(nil, "", local)
	assert.Equal(t, DefaultChannel, f.channel)

	chatEnv, _ := json.Marshal(Envelope{Scope: scopeChat, ID: 4, Except: "s1", Origin: "other", Event: models.Event{Type: models.EventTypingStarted}})
	userEnv, _ := json.Marshal(Envelope{Scope: scopeUser, ID: 9, Origin: "other", Event: models.Event{Type: models.EventChatUpdated}})
	require.NoError(t, f.dispatch(context.Background(), chatEnv))
	require.NoError(t, f.dispatch(context.Background(), userEnv))

	got := local.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, delivery{scope: scopeChat, id: 4, except: "s1", event: models.Event{Type: models.EventTypingStarted}}, got[0])
	assert.Equal(t, scopeUser, got[1].scope)
	assert.Equal(t, 9, got[1].id)
}

func TestDispatchIgnoresOwnAndInvalidEnvelopes(t *testing.T) {
	local := &recordingLocal{}
	f := NewRedisFanout(nil, "events", local)

	own, _ := json.Marshal(Envelope{Scope: scopeChat, ID: 1, Origin: f.origin})
	assert.NoError(t, f.dispatch(context.Background(), own))
	assert.Error(t, f.dispatch(context.Background(), []byte("{")))
	bogus, _ := json.Marshal(Envelope{Scope: "room", Origin: "other"})
	assert.Error(t, f.dispatch(context.Background(), bogus))
	assert.Empty(t, local.deliveries())
}

// Cross-instance relay against a live Redis when CHAT_TEST_REDIS is set.
func TestRedisFanoutAcrossInstances(t *testing.T) {
	addr := os.Getenv("CHAT_TEST_REDIS")
	if addr == "" {
		t.Skip("CHAT_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := "chat:events:test:" + time.Now().Format("150405.000")
	localA, localB := &recordingLocal{}, &recordingLocal{}
	a := NewRedisFanout(client, channel, localA)
	b := NewRedisFanout(client, channel, localB)
	go b.Run(ctx)
	go a.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	a.PublishToChat(ctx, 3, models.Event{Type: models.EventMessageCreated, ChatID: 3}, "")

	require.Eventually(t, func() bool { return len(localB.deliveries()) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Len(t, localA.deliveries(), 1, "origin delivers locally once")
}
