package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigconnect-chat/internal/apperr"
	"gigconnect-chat/internal/models"
)

func seededStore(t *testing.T, ids ...int) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	for _, id := range ids {
		require.NoError(t, store.UpsertUser(context.Background(), models.User{ID: id, DisplayName: fmt.Sprintf("user-%d", id)}))
	}
	return store
}

func appendText(t *testing.T, store *MemoryStore, chatID, senderID int, content string) models.Message {
	t.Helper()
	msg, _, err := store.AppendMessage(context.Background(), models.NewMessage{
		ChatID: chatID, SenderID: senderID, Type: models.MessageTypeText, Content: content,
	})
	require.NoError(t, err)
	return msg
}

func TestMemoryGetOrCreateChatNormalizesPair(t *testing.T) {
	store := seededStore(t, 1, 2)
	ctx := context.Background()

	first, created, err := store.GetOrCreateChat(ctx, 2, 1, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, first.User1ID)
	assert.Equal(t, 2, first.User2ID)

	second, created, err := store.GetOrCreateChat(ctx, 1, 2, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestMemoryGetOrCreateChatErrors(t *testing.T) {
	store := seededStore(t, 1)
	ctx := context.Background()

	_, _, err := store.GetOrCreateChat(ctx, 1, 1, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, _, err = store.GetOrCreateChat(ctx, 1, 99, nil)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryGetOrCreateChatConcurrent(t *testing.T) {
	store := seededStore(t, 1, 2)
	ctx := context.Background()

	const callers = 32
	ids := make([]int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := 1, 2
			if i%2 == 1 {
				a, b = b, a
			}
			chat, _, err := store.GetOrCreateChat(ctx, a, b, nil)
			assert.NoError(t, err)
			ids[i] = chat.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	chats, err := store.ListChats(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestMemoryAppendByNonParticipantDoesNotMutate(t *testing.T) {
	store := seededStore(t, 1, 2, 3)
	ctx := context.Background()
	chat, _, err := store.GetOrCreateChat(ctx, 1, 2, nil)
	require.NoError(t, err)
	appendText(t, store, chat.ID, 1, "hello")

	before, err := store.GetChat(ctx, chat.ID)
	require.NoError(t, err)

	_, _, err = store.AppendMessage(ctx, models.NewMessage{ChatID: chat.ID, SenderID: 3, Type: models.MessageTypeText, Content: "intruder"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	after, err := store.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	page, err := store.ListMessages(ctx, chat.ID, 0, 50, models.DirectionForward)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestMemoryAppendToMissingChatFailsClosed(t *testing.T) {
	store := seededStore(t, 1)
	_, _, err := store.AppendMessage(context.Background(), models.NewMessage{ChatID: 42, SenderID: 1, Type: models.MessageTypeText, Content: "x"})
	assert.ErrorIs(t, err, ErrChatNotFound)

	ids, err := store.ListChatIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryForwardPagesReproduceAppendOrder(t *testing.T) {
	store := seededStore(t, 1, 2)
	ctx := context.Background()
	chat, _, err := store.GetOrCreateChat(ctx, 1, 2, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := store.AppendMessage(ctx, models.NewMessage{ChatID: chat.ID, SenderID: 1 + i%2, Type: models.MessageTypeText, Content: fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var all []models.Message
	cursor := int64(0)
	for {
		page, err := store.ListMessages(ctx, chat.ID, cursor, 7, models.DirectionForward)
		require.NoError(t, err)
		all = append(all, page.Messages...)
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}

	require.Len(t, all, 50)
	for i, m := range all {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestMemoryBackwardPagesAreOldestFirst(t *testing.T) {
	store := seededStore(t, 1, 2)
	ctx := context.Background()
	chat, _, err := store.GetOrCreateChat(ctx, 1, 2, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		appendText(t, store, chat.ID, 1, fmt.Sprint(i))
	}

	latest, err := store.ListMessages(ctx, chat.ID, 0, 4, models.DirectionBackward)
	require.NoError(t, err)
	require.Len(t, latest.Messages, 4)
	assert.Equal(t, int64(7), latest.Messages[0].Seq)
	assert.Equal(t, int64(10), latest.Messages[3].Seq)
	assert.True(t, latest.HasMore)
	assert.Equal(t, int64(7), latest.NextCursor)

	older, err := store.ListMessages(ctx, chat.ID, latest.NextCursor, 10, models.DirectionBackward)
	require.NoError(t, err)
	require.Len(t, older.Messages, 6)
	assert.Equal(t, int64(1), older.Messages[0].Seq)
	assert.False(t, older.HasMore)
}

func TestMemoryMarkReadIsIdempotent(t *testing.T) {
	store := seededStore(t, 1, 2)
	ctx := context.Background()
	chat, _, err := store.GetOrCreateChat(ctx, 1, 2, nil)
	require.NoError(t, err)
	appendText(t, store, chat.ID, 1, "one")
	second := appendText(t, store, chat.ID, 1, "two")
	appendText(t, store, chat.ID, 2, "reply")
	appendText(t, store, chat.ID, 1, "three")

	current, err := store.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, current.UnreadFor(2))
	assert.Equal(t, 1, current.UnreadFor(1))

	unread, err := store.MarkRead(ctx, chat.ID, 2, second.Seq)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	again, err := store.MarkRead(ctx, chat.ID, 2, second.Seq)
	require.NoError(t, err)
	assert.Equal(t, unread, again)

	current, err = store.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.UnreadFor(2))
	assert.Equal(t, 1, current.UnreadFor(1), "reader's own messages are untouched")
}

func TestMemoryRebuildProjectionMatchesIncremental(t *testing.T) {
	store := seededStore(t, 1, 2)
	ctx := context.Background()
	chat, _, err := store.GetOrCreateChat(ctx, 1, 2, nil)
	require.NoError(t, err)
	appendText(t, store, chat.ID, 1, "a")
	b := appendText(t, store, chat.ID, 2, "b")
	appendText(t, store, chat.ID, 1, "c")
	_, err = store.MarkRead(ctx, chat.ID, 1, b.Seq)
	require.NoError(t, err)

	incremental, err := store.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	rebuilt, err := store.RebuildProjection(ctx, chat.ID)
	require.NoError(t, err)

	assert.Equal(t, incremental, rebuilt)
	assert.Equal(t, "c", rebuilt.Snapshot().Content)
}

func TestMemoryListChatsOrderedByActivity(t *testing.T) {
	store := seededStore(t, 1, 2, 3)
	ctx := context.Background()
	older, _, err := store.GetOrCreateChat(ctx, 1, 2, nil)
	require.NoError(t, err)
	newer, _, err := store.GetOrCreateChat(ctx, 1, 3, nil)
	require.NoError(t, err)

	chats, err := store.ListChats(ctx, 1)
	require.NoError(t, err)
	require.Len(t, chats, 2)

	appendText(t, store, older.ID, 2, "bump")
	chats, err = store.ListChats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, older.ID, chats[0].ID)
	assert.Equal(t, newer.ID, chats[1].ID)
}

func TestMemoryPaymentRecordedOnce(t *testing.T) {
	store := seededStore(t, 1, 2)
	ctx := context.Background()
	chat, _, err := store.GetOrCreateChat(ctx, 1, 2, nil)
	require.NoError(t, err)

	paid := models.NewMessage{ChatID: chat.ID, SenderID: 1, Type: models.MessageTypeSystem, Content: "Payment received", PaymentID: "pay_1"}
	_, _, err = store.AppendMessage(ctx, paid)
	require.NoError(t, err)

	_, _, err = store.AppendMessage(ctx, paid)
	assert.ErrorIs(t, err, ErrDuplicatePayment)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	page, err := store.ListMessages(ctx, chat.ID, 0, 10, models.DirectionForward)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
	got, err := store.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.LastMessageSeq)
	assert.Equal(t, 1, got.UnreadFor(2))

	// Plain messages carry no payment id and never collide.
	appendText(t, store, chat.ID, 1, "a")
	appendText(t, store, chat.ID, 1, "b")
}
