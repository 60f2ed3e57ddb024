package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"gigconnect-chat/internal/models"
)

const chatColumns = `id, user1_id, user2_id, gig_id, created_at, last_message_seq, last_message_content,
        last_message_sender_id, last_message_at, user1_unread, user2_unread`

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	GetOrCreateChat(ctx context.Context, userID int, otherID int, gigID *int) (models.Chat, bool, error)
	IsParticipant(ctx context.Context, chatID int, userID int) (bool, error)
	GetChat(ctx context.Context, chatID int) (models.Chat, error)
	ListChats(ctx context.Context, userID int) ([]models.Chat, error)
	ListChatIDs(ctx context.Context) ([]int, error)
	RebuildProjection(ctx context.Context, chatID int) (models.Chat, error)
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// GetOrCreateChat returns the chat of the unordered pair, creating it if needed.
// A concurrent insert of the same pair loses on the unique constraint and
// re-reads the winner.
func (r *ChatRepo) GetOrCreateChat(ctx context.Context, userID int, otherID int, gigID *int) (models.Chat, bool, error) {
	if userID == otherID {
		return models.Chat{}, false, ErrSelfChat
	}
	user1, user2 := models.OrderPair(userID, otherID)

	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `INSERT INTO chats (user1_id, user2_id, gig_id) VALUES ($1, $2, $3)
        ON CONFLICT (user1_id, user2_id) DO NOTHING RETURNING `+chatColumns, user1, user2, gigID)
	switch {
	case err == nil:
		return chat, true, nil
	case isForeignKeyViolation(err):
		return models.Chat{}, false, ErrUserNotFound
	case !errors.Is(err, sql.ErrNoRows):
		return models.Chat{}, false, fmt.Errorf("insert chat: %w", err)
	}

	if err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE user1_id=$1 AND user2_id=$2`, user1, user2); err != nil {
		return models.Chat{}, false, fmt.Errorf("reread chat: %w", err)
	}
	return chat, false, nil
}

// IsParticipant checks whether a user belongs to the chat.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chats WHERE id=$1 AND (user1_id=$2 OR user2_id=$2))`, chatID, userID)
	return exists, err
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// ListChats returns the user's chats, most recently active first.
func (r *ChatRepo) ListChats(ctx context.Context, userID int) ([]models.Chat, error) {
	var chats []models.Chat
	err := r.db.SelectContext(ctx, &chats, `SELECT `+chatColumns+` FROM chats
        WHERE user1_id=$1 OR user2_id=$1
        ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// ListChatIDs returns every chat id.
func (r *ChatRepo) ListChatIDs(ctx context.Context) ([]int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids, `SELECT id FROM chats ORDER BY id`)
	return ids, err
}

// RebuildProjection recomputes the last-message snapshot and unread counters
// from the message log.
func (r *ChatRepo) RebuildProjection(ctx context.Context, chatID int) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `UPDATE chats c SET
            last_message_seq = COALESCE((SELECT m.seq FROM messages m WHERE m.chat_id = c.id ORDER BY m.seq DESC LIMIT 1), 0),
            last_message_content = COALESCE((SELECT m.content FROM messages m WHERE m.chat_id = c.id ORDER BY m.seq DESC LIMIT 1), ''),
            last_message_sender_id = COALESCE((SELECT m.sender_id FROM messages m WHERE m.chat_id = c.id ORDER BY m.seq DESC LIMIT 1), 0),
            last_message_at = (SELECT m.created_at FROM messages m WHERE m.chat_id = c.id ORDER BY m.seq DESC LIMIT 1),
            user1_unread = (SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id AND m.sender_id <> c.user1_id AND m.read = FALSE),
            user2_unread = (SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id AND m.sender_id <> c.user2_id AND m.read = FALSE)
        WHERE c.id = $1
        RETURNING `+chatColumns, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}
