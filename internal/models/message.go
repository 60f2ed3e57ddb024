package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType tags the message variant.
type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeApplication MessageType = "application"
	MessageTypeSystem      MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeApplication, MessageTypeSystem:
		return true
	}
	return false
}

// ApplicationPayload is the structured proposal attached to an application message.
type ApplicationPayload struct {
	ProposalID   int     `json:"proposal_id,omitempty"`
	GigID        int     `json:"gig_id"`
	CoverLetter  string  `json:"cover_letter"`
	BidAmount    float64 `json:"bid_amount"`
	Currency     string  `json:"currency,omitempty"`
	DeliveryDays int     `json:"delivery_days,omitempty"`
}

// Summary is the display text used when an application is sent without content.
func (p ApplicationPayload) Summary() string {
	currency := p.Currency
	if currency == "" {
		currency = "INR"
	}
	text := fmt.Sprintf("Application for gig #%d: %s %.2f", p.GigID, currency, p.BidAmount)
	if p.DeliveryDays > 0 {
		text += fmt.Sprintf(", delivery in %d days", p.DeliveryDays)
	}
	return text
}

// Value stores the payload as JSONB.
func (p ApplicationPayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan reads a JSONB payload.
func (p *ApplicationPayload) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return errors.New("application payload: unsupported source type")
	}
}

// Message represents a chat message. Seq is assigned by the store and is
// strictly increasing within a chat.
type Message struct {
	ID          int                 `db:"id" json:"id"`
	ChatID      int                 `db:"chat_id" json:"chat_id"`
	SenderID    int                 `db:"sender_id" json:"sender_id"`
	Seq         int64               `db:"seq" json:"seq"`
	Type        MessageType         `db:"type" json:"type"`
	Content     string              `db:"content" json:"content"`
	Application *ApplicationPayload `db:"application" json:"application,omitempty"`
	Read        bool                `db:"read" json:"read"`
	CreatedAt   time.Time           `db:"created_at" json:"created_at"`
}

// Before orders messages by (seq, id).
func (m Message) Before(other Message) bool {
	if m.Seq != other.Seq {
		return m.Seq < other.Seq
	}
	return m.ID < other.ID
}

// NewMessage is the input to an append.
type NewMessage struct {
	ChatID      int
	SenderID    int
	Type        MessageType
	Content     string
	Application *ApplicationPayload
	// Nonce is an opaque client token echoed on message.created so the
	// sending client can match its optimistic entry. It is not stored.
	Nonce string
	// PaymentID is stored uniquely; a second append with the same id fails.
	PaymentID string
}

// Page directions.
const (
	DirectionForward  = "forward"
	DirectionBackward = "backward"
)

// MessagePage is one page of history, always ordered oldest-first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor int64     `json:"next_cursor"`
	HasMore    bool      `json:"has_more"`
}

// ReadReceipt describes the effect of a mark-read operation.
type ReadReceipt struct {
	ChatID   int   `json:"chat_id"`
	ReaderID int   `json:"reader_id"`
	UpToID   int   `json:"up_to_id"`
	UpToSeq  int64 `json:"up_to_seq"`
	Unread   int   `json:"unread"`
}
