package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"gigconnect-chat/internal/apperr"
	"gigconnect-chat/internal/auth"
	"gigconnect-chat/internal/logging"
	"gigconnect-chat/internal/models"
	"gigconnect-chat/internal/observability"
	"gigconnect-chat/internal/presence"
)

// ChatService is the subset of the chat service the realtime channel needs.
type ChatService interface {
	IsParticipant(ctx context.Context, chatID, userID int) (bool, error)
	MarkRead(ctx context.Context, readerID, chatID, upToMessageID int) (models.ReadReceipt, error)
	Counterparts(ctx context.Context, userID int) ([]int, error)
}

// Notifier fans events out, possibly across instances.
type Notifier interface {
	PublishToChat(ctx context.Context, chatID int, evt models.Event, exceptSession string)
	PublishToUser(ctx context.Context, userID int, evt models.Event)
}

// Handler serves the realtime endpoint.
type Handler struct {
	hub       *Hub
	chats     ChatService
	validator auth.TokenValidator
	presence  presence.Tracker
	notifier  Notifier
	cfg       Config
}

// NewHandler constructs a Handler. A nil notifier publishes through the hub
// directly; a nil tracker uses in-process presence.
func NewHandler(hub *Hub, chats ChatService, validator auth.TokenValidator, tracker presence.Tracker, notifier Notifier, cfg Config) *Handler {
	if notifier == nil {
		notifier = hub
	}
	if tracker == nil {
		tracker = presence.NewMemory()
	}
	return &Handler{
		hub:       hub,
		chats:     chats,
		validator: validator,
		presence:  tracker,
		notifier:  notifier,
		cfg:       cfg.withDefaults(),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection, binds it to the token's user and serves it
// until disconnect.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("gigconnect-chat/ws").Start(c.Request.Context(), "ws.handshake")
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}

	userID, err := h.validator.ValidateToken(ctx, tokenFromRequest(c.Request))
	if err != nil {
		observability.IncWSEvent("auth_failed")
		h.rejectHandshake(conn, err)
		span.End()
		return
	}

	info := ConnInfo{
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   logging.RequestID(ctx),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	s := newSession(uuid.NewString(), userID, conn, info, h.cfg)
	span.End()

	logger := logging.Ctx(ctx).With().Str(logging.FieldSessionID, s.ID).Int(logging.FieldUserID, userID).Logger()
	ctx = logging.WithLogger(ctx, logger)
	h.serve(ctx, s)
}

func (h *Handler) rejectHandshake(conn *websocket.Conn, cause error) {
	defer conn.Close()
	if apperr.KindOf(cause) != apperr.KindUnauthenticated {
		cause = auth.ErrInvalidToken
	}
	payload, _ := json.Marshal(models.Event{
		Type:  models.EventAuthFailed,
		Error: &models.ErrorPayload{Code: string(apperr.KindUnauthenticated), Message: apperr.MessageOf(cause)},
	})
	deadline := time.Now().Add(h.cfg.WriteWait)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), deadline)
}

// serve runs the session until the connection drops. Blocking here keeps the
// request context alive for the session's lifetime.
func (h *Handler) serve(ctx context.Context, s *Session) {
	logger := logging.Ctx(ctx)

	s.enqueue(mustJSON(models.Event{Type: models.EventSessionReady, UserID: s.UserID, SessionID: s.ID}), false, models.EventSessionReady)
	go s.writePump()

	h.hub.Register(s)
	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	publishLifecycle(ctx, "ws_connect", s, "")
	logger.Info().Msg("realtime session started")

	first, err := h.presence.Connect(ctx, s.UserID)
	if err != nil {
		logger.Warn().Err(err).Msg("presence connect failed")
	}
	if first {
		h.announcePresence(ctx, s.UserID, true)
	}

	reason := h.readPump(ctx, s, logger)

	s.Close(reason)
	h.hub.Unregister(s)
	observability.DecWSActive()
	observability.IncWSEvent("ws_disconnect")
	publishLifecycle(context.WithoutCancel(ctx), "ws_disconnect", s, reason)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.WriteWait)
	defer cancel()
	last, err := h.presence.Disconnect(cleanupCtx, s.UserID)
	if err != nil {
		logger.Warn().Err(err).Msg("presence disconnect failed")
	}
	if last {
		h.announcePresence(cleanupCtx, s.UserID, false)
	}
	logger.Info().Str("reason", reason).Dur("duration", time.Since(s.Info.ConnectedAt)).Msg("realtime session ended")
}

func (h *Handler) readPump(ctx context.Context, s *Session, logger *zerolog.Logger) string {
	s.conn.SetReadLimit(h.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		if err := h.presence.Refresh(ctx, s.UserID); err != nil {
			logger.Debug().Err(err).Msg("presence refresh failed")
		}
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if reason := s.CloseReason(); reason != "" {
				return reason
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				publishLifecycle(context.WithoutCancel(ctx), "ws_error", s, err.Error())
			}
			return err.Error()
		}

		var frame models.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(ctx, s, 0, apperr.Validation("malformed frame"))
			continue
		}
		h.dispatch(ctx, s, frame)
	}
}

func (h *Handler) dispatch(ctx context.Context, s *Session, frame models.ClientFrame) {
	switch frame.Type {
	case models.FrameChatJoin:
		h.join(ctx, s, frame.ChatID)
	case models.FrameChatLeave:
		h.hub.Leave(s, frame.ChatID)
		h.send(ctx, s, models.Event{Type: models.EventChatLeft, ChatID: frame.ChatID})
	case models.FrameTypingStarted, models.FrameTypingStopped:
		if !s.InRoom(frame.ChatID) {
			return
		}
		h.notifier.PublishToChat(ctx, frame.ChatID, models.Event{Type: frame.Type, ChatID: frame.ChatID, UserID: s.UserID}, s.ID)
	case models.FrameReadMark:
		if _, err := h.chats.MarkRead(ctx, s.UserID, frame.ChatID, frame.UpToID); err != nil {
			h.sendError(ctx, s, frame.ChatID, err)
		}
	default:
		h.sendError(ctx, s, frame.ChatID, apperr.Validation("unknown frame type"))
	}
}

func (h *Handler) join(ctx context.Context, s *Session, chatID int) {
	if chatID <= 0 {
		h.sendError(ctx, s, chatID, apperr.Validation("chat_id is required"))
		return
	}
	ok, err := h.chats.IsParticipant(ctx, chatID, s.UserID)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Int(logging.FieldChatID, chatID).Msg("membership check failed")
		h.sendError(ctx, s, chatID, err)
		return
	}
	if !ok {
		h.sendError(ctx, s, chatID, apperr.Forbidden("not a chat member"))
		return
	}
	h.hub.Join(s, chatID)
	h.send(ctx, s, models.Event{Type: models.EventChatJoined, ChatID: chatID})
}

func (h *Handler) announcePresence(ctx context.Context, userID int, online bool) {
	counterparts, err := h.chats.Counterparts(ctx, userID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("presence fan-out skipped")
		return
	}
	evt := models.Event{Type: models.EventPresenceChanged, UserID: userID, Presence: &models.Presence{UserID: userID, Online: online}}
	for _, other := range counterparts {
		h.notifier.PublishToUser(ctx, other, evt)
	}
}

func (h *Handler) send(ctx context.Context, s *Session, evt models.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("encode event")
		return
	}
	s.enqueue(payload, evt.Droppable(), evt.Type)
}

func (h *Handler) sendError(ctx context.Context, s *Session, chatID int, err error) {
	h.send(ctx, s, models.Event{
		Type:   models.EventError,
		ChatID: chatID,
		Error:  &models.ErrorPayload{Code: string(apperr.KindOf(err)), Message: apperr.MessageOf(err)},
	})
}
