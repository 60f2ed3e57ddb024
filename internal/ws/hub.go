package ws

import (
	"context"
	"encoding/json"
	"sync"

	"gigconnect-chat/internal/logging"
	"gigconnect-chat/internal/models"
)

// Hub tracks the sessions connected to this instance and the chat rooms they
// joined. It owns no chat state; rooms are delivery groups only.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[int]map[string]*Session
	users    map[int]map[string]*Session
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[int]map[string]*Session),
		users:    make(map[int]map[string]*Session),
	}
}

// Register adds a session bound to an authenticated user.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	if _, ok := h.users[s.UserID]; !ok {
		h.users[s.UserID] = make(map[string]*Session)
	}
	h.users[s.UserID][s.ID] = s
}

// Unregister removes the session from the hub and every room it joined.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID)
	if byUser, ok := h.users[s.UserID]; ok {
		delete(byUser, s.ID)
		if len(byUser) == 0 {
			delete(h.users, s.UserID)
		}
	}
	for _, chatID := range s.Rooms() {
		h.removeFromRoomLocked(chatID, s)
	}
}

// Join subscribes the session to a chat room. Callers must have verified
// that the session's user participates in the chat.
func (h *Hub) Join(s *Session, chatID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	if _, ok := h.rooms[chatID]; !ok {
		h.rooms[chatID] = make(map[string]*Session)
	}
	h.rooms[chatID][s.ID] = s
	s.addRoom(chatID)
}

// Leave unsubscribes the session from a chat room.
func (h *Hub) Leave(s *Session, chatID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoomLocked(chatID, s)
}

func (h *Hub) removeFromRoomLocked(chatID int, s *Session) {
	if members, ok := h.rooms[chatID]; ok {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(h.rooms, chatID)
		}
	}
	s.removeRoom(chatID)
}

// PublishToChat delivers evt to every session in the chat room except the
// session with id exceptSession.
func (h *Hub) PublishToChat(ctx context.Context, chatID int, evt models.Event, exceptSession string) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rooms[chatID]))
	for id, s := range h.rooms[chatID] {
		if id != exceptSession {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	h.deliver(ctx, targets, evt)
}

// PublishToUser delivers evt to every session of the user.
func (h *Hub) PublishToUser(ctx context.Context, userID int, evt models.Event) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.users[userID]))
	for _, s := range h.users[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	h.deliver(ctx, targets, evt)
}

func (h *Hub) deliver(ctx context.Context, targets []*Session, evt models.Event) {
	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("type", evt.Type).Msg("encode event")
		return
	}
	for _, s := range targets {
		s.enqueue(payload, evt.Droppable(), evt.Type)
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomSize returns the number of sessions joined to a chat room.
func (h *Hub) RoomSize(chatID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// UserSessions returns the number of sessions the user has on this instance.
func (h *Hub) UserSessions(userID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
