package models

// Server to client event types.
const (
	EventSessionReady    = "session.ready"
	EventAuthFailed      = "auth.failed"
	EventChatUpdated     = "chat.updated"
	EventChatJoined      = "chat.joined"
	EventChatLeft        = "chat.left"
	EventMessageCreated  = "message.created"
	EventMessageRead     = "message.read"
	EventPresenceChanged = "presence.changed"
	EventTypingStarted   = "typing.started"
	EventTypingStopped   = "typing.stopped"
	EventError           = "error"
)

// Client to server frame types.
const (
	FrameChatJoin      = "chat.join"
	FrameChatLeave     = "chat.leave"
	FrameTypingStarted = "typing.started"
	FrameTypingStopped = "typing.stopped"
	FrameReadMark      = "read.mark"
)

// Presence is the payload of presence.changed.
type Presence struct {
	UserID int  `json:"user_id"`
	Online bool `json:"online"`
}

// ErrorPayload is the payload of error and auth.failed events.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is broadcasted through websockets.
type Event struct {
	Type      string        `json:"type"`
	ChatID    int           `json:"chat_id,omitempty"`
	UserID    int           `json:"user_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Message   *Message      `json:"message,omitempty"`
	Nonce     string        `json:"client_nonce,omitempty"` // echoes NewMessage.Nonce on message.created
	Read      *ReadReceipt  `json:"read,omitempty"`
	Chat      *ChatSummary  `json:"chat,omitempty"`
	Presence  *Presence     `json:"presence,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

// Droppable reports whether the event may be discarded under load.
func (e Event) Droppable() bool {
	return e.Type == EventTypingStarted || e.Type == EventTypingStopped
}

// ClientFrame is what a connected client sends to the server.
type ClientFrame struct {
	Type   string `json:"type"`
	ChatID int    `json:"chat_id"`
	UpToID int    `json:"up_to_id,omitempty"`
}
