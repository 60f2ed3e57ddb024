package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"gigconnect-chat/internal/models"
)

const messageColumns = `id, chat_id, sender_id, seq, type, content, application, read, created_at`

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, msg models.NewMessage) (models.Message, models.Chat, error)
	ListMessages(ctx context.Context, chatID int, cursor int64, limit int, direction string) (models.MessagePage, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	MarkRead(ctx context.Context, chatID int, readerID int, upToSeq int64) (int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// AppendMessage stores a message and updates the owning chat's projection in
// one transaction. The chat row lock serializes appends within a chat.
func (r *MessageRepo) AppendMessage(ctx context.Context, in models.NewMessage) (models.Message, models.Chat, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, models.Chat{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var chat models.Chat
	err = tx.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE id=$1 FOR UPDATE`, in.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Message{}, models.Chat{}, fmt.Errorf("lock chat: %w", err)
	}
	if !chat.HasParticipant(in.SenderID) {
		return models.Message{}, models.Chat{}, ErrNotParticipant
	}

	var msg models.Message
	err = tx.GetContext(ctx, &msg, `INSERT INTO messages (chat_id, sender_id, seq, type, content, application, payment_id)
        VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')) RETURNING `+messageColumns,
		in.ChatID, in.SenderID, chat.LastMessageSeq+1, string(in.Type), in.Content, in.Application, in.PaymentID)
	if isUniqueViolation(err) {
		return models.Message{}, models.Chat{}, ErrDuplicatePayment
	}
	if err != nil {
		return models.Message{}, models.Chat{}, fmt.Errorf("insert message: %w", err)
	}

	err = tx.GetContext(ctx, &chat, `UPDATE chats SET
            last_message_seq = $2,
            last_message_content = $3,
            last_message_sender_id = $4,
            last_message_at = $5,
            user1_unread = user1_unread + CASE WHEN user1_id <> $4 THEN 1 ELSE 0 END,
            user2_unread = user2_unread + CASE WHEN user2_id <> $4 THEN 1 ELSE 0 END
        WHERE id = $1 RETURNING `+chatColumns, msg.ChatID, msg.Seq, msg.Content, msg.SenderID, msg.CreatedAt)
	if err != nil {
		return models.Message{}, models.Chat{}, fmt.Errorf("update chat snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, models.Chat{}, fmt.Errorf("commit append: %w", err)
	}
	return msg, chat, nil
}

// ListMessages returns one page of history ordered oldest-first. Forward pages
// hold messages after cursor; backward pages hold the newest messages before
// cursor, or the newest overall when cursor is zero.
func (r *MessageRepo) ListMessages(ctx context.Context, chatID int, cursor int64, limit int, direction string) (models.MessagePage, error) {
	var msgs []models.Message
	var err error
	if direction == models.DirectionBackward {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
            WHERE chat_id=$1 AND ($2 = 0 OR seq < $2)
            ORDER BY seq DESC LIMIT $3`, chatID, cursor, limit+1)
	} else {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
            WHERE chat_id=$1 AND seq > $2
            ORDER BY seq ASC LIMIT $3`, chatID, cursor, limit+1)
	}
	if err != nil {
		return models.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	return buildPage(msgs, cursor, limit, direction), nil
}

// buildPage trims the look-ahead row and normalizes ordering. msgs is in query
// order: ascending for forward, descending for backward.
func buildPage(msgs []models.Message, cursor int64, limit int, direction string) models.MessagePage {
	page := models.MessagePage{NextCursor: cursor}
	if len(msgs) > limit {
		page.HasMore = true
		msgs = msgs[:limit]
	}
	if direction == models.DirectionBackward {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		if len(msgs) > 0 {
			page.NextCursor = msgs[0].Seq
		}
	} else if len(msgs) > 0 {
		page.NextCursor = msgs[len(msgs)-1].Seq
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	page.Messages = msgs
	return page
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkRead flags the other participant's messages up to upToSeq as read and
// recomputes the reader's unread counter from the log. Returns the new counter.
func (r *MessageRepo) MarkRead(ctx context.Context, chatID int, readerID int, upToSeq int64) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark read: %w", err)
	}
	defer tx.Rollback()

	var chat models.Chat
	err = tx.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE id=$1 FOR UPDATE`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrChatNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock chat: %w", err)
	}
	if !chat.HasParticipant(readerID) {
		return 0, ErrNotParticipant
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET read = TRUE
        WHERE chat_id=$1 AND sender_id<>$2 AND seq<=$3 AND read = FALSE`, chatID, readerID, upToSeq); err != nil {
		return 0, fmt.Errorf("flag messages read: %w", err)
	}

	var unread int
	if err := tx.GetContext(ctx, &unread, `SELECT COUNT(*) FROM messages WHERE chat_id=$1 AND sender_id<>$2 AND read = FALSE`, chatID, readerID); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}

	column := "user2_unread"
	if chat.User1ID == readerID {
		column = "user1_unread"
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET `+column+` = $2 WHERE id = $1`, chatID, unread); err != nil {
		return 0, fmt.Errorf("update unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark read: %w", err)
	}
	return unread, nil
}
