package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gigconnect-chat/internal/observability"
)

// Config controls keepalive and buffering of websocket sessions.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultConfig returns the production keepalive settings.
func DefaultConfig() Config {
	return Config{
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	return c
}

const closeReasonSlow = "send queue full"

// ConnInfo describes where a session connected from. It is attached to
// lifecycle events only.
type ConnInfo struct {
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// Session is one authenticated websocket connection. It lives only as long
// as the connection.
type Session struct {
	ID     string
	UserID int
	Info   ConnInfo

	conn *websocket.Conn
	cfg  Config
	send chan []byte
	done chan struct{}

	mu          sync.Mutex
	rooms       map[int]struct{}
	closeOnce   sync.Once
	closeReason string
}

func newSession(id string, userID int, conn *websocket.Conn, info ConnInfo, cfg Config) *Session {
	return &Session{
		ID:     id,
		UserID: userID,
		Info:   info,
		conn:   conn,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		rooms:  make(map[int]struct{}),
	}
}

// InRoom reports whether the session joined the chat room.
func (s *Session) InRoom(chatID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[chatID]
	return ok
}

// Rooms returns the joined chat ids.
func (s *Session) Rooms() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) addRoom(chatID int) {
	s.mu.Lock()
	s.rooms[chatID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(chatID int) {
	s.mu.Lock()
	delete(s.rooms, chatID)
	s.mu.Unlock()
}

// enqueue queues payload without blocking. A droppable event is discarded
// when the queue is full; any other event evicts the session instead.
func (s *Session) enqueue(payload []byte, droppable bool, eventType string) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
	}
	observability.IncWSDropped(eventType)
	if !droppable {
		s.Close(closeReasonSlow)
	}
	return false
}

// Close stops the write pump, which closes the connection.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// CloseReason returns the reason passed to the first Close call.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Done is closed once the session is closing.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// writePump owns every write to the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Close(err.Error())
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(err.Error())
				return
			}
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if s.CloseReason() == closeReasonSlow {
				msg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer")
			} else {
				s.drain()
			}
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
			return
		}
	}
}

// drain flushes already queued events before closing.
func (s *Session) drain() {
	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}
