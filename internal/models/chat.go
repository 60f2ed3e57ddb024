package models

import "time"

// Chat represents a private chat between exactly two users. User1ID is always
// the smaller id so the pair is stored in one canonical order.
type Chat struct {
	ID                  int        `db:"id" json:"id"`
	User1ID             int        `db:"user1_id" json:"user1_id"`
	User2ID             int        `db:"user2_id" json:"user2_id"`
	GigID               *int       `db:"gig_id" json:"gig_id,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	LastMessageSeq      int64      `db:"last_message_seq" json:"last_message_seq"`
	LastMessageContent  string     `db:"last_message_content" json:"-"`
	LastMessageSenderID int        `db:"last_message_sender_id" json:"-"`
	LastMessageAt       *time.Time `db:"last_message_at" json:"-"`
	User1Unread         int        `db:"user1_unread" json:"-"`
	User2Unread         int        `db:"user2_unread" json:"-"`
}

// LastMessage is the denormalized snapshot shown in the chat directory.
type LastMessage struct {
	Seq      int64     `json:"seq"`
	Content  string    `json:"content"`
	SenderID int       `json:"sender_id"`
	SentAt   time.Time `json:"sent_at"`
}

// OrderPair returns the canonical (smaller, larger) ordering of two user ids.
func OrderPair(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether userID is one of the two participants.
func (c Chat) HasParticipant(userID int) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Counterpart returns the other participant from userID's point of view.
func (c Chat) Counterpart(userID int) int {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// UnreadFor returns the unread counter of the given participant.
func (c Chat) UnreadFor(userID int) int {
	if c.User1ID == userID {
		return c.User1Unread
	}
	if c.User2ID == userID {
		return c.User2Unread
	}
	return 0
}

// Snapshot returns the last-message snapshot, or nil for an empty chat.
func (c Chat) Snapshot() *LastMessage {
	if c.LastMessageAt == nil || c.LastMessageSeq == 0 {
		return nil
	}
	return &LastMessage{
		Seq:      c.LastMessageSeq,
		Content:  c.LastMessageContent,
		SenderID: c.LastMessageSenderID,
		SentAt:   *c.LastMessageAt,
	}
}

// ActivityAt is the directory sort key: last message time, else creation time.
func (c Chat) ActivityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// ChatSummary provides API-friendly view of a chat for one viewer.
type ChatSummary struct {
	ChatID      int          `json:"chat_id"`
	Counterpart User         `json:"counterpart"`
	GigID       *int         `json:"gig_id,omitempty"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
	Unread      int          `json:"unread"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ChatDetail is a chat with the other participant resolved.
type ChatDetail struct {
	Chat
	Counterpart User         `json:"counterpart"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
	Unread      int          `json:"unread"`
}
