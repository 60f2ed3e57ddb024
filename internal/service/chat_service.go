package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gigconnect-chat/internal/apperr"
	"gigconnect-chat/internal/logging"
	"gigconnect-chat/internal/models"
	"gigconnect-chat/internal/observability"
	"gigconnect-chat/internal/repositories"
	"gigconnect-chat/internal/telemetry"
)

var tracer = otel.Tracer("gigconnect-chat/service")

// Notifier delivers realtime events to connected sessions. Delivery is best
// effort; implementations must not block on slow sessions.
type Notifier interface {
	PublishToChat(ctx context.Context, chatID int, evt models.Event, exceptSession string)
	PublishToUser(ctx context.Context, userID int, evt models.Event)
}

// PresenceReader answers whether users currently have a live session.
type PresenceReader interface {
	Online(ctx context.Context, userIDs []int) (map[int]bool, error)
}

// Config bounds message content and history pages.
type Config struct {
	MaxContentLength int
	DefaultPageSize  int
	MaxPageSize      int
}

const maxNonceLength = 64

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{MaxContentLength: 5000, DefaultPageSize: 50, MaxPageSize: 100}
}

// Option customizes a ChatService.
type Option func(*ChatService)

// WithPresence fills User.Online from the given tracker.
func WithPresence(p PresenceReader) Option {
	return func(s *ChatService) { s.presence = p }
}

// WithAudit emits audit records for chat creation and payments.
func WithAudit(a *telemetry.AuditEmitter) Option {
	return func(s *ChatService) { s.audit = a }
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(s *ChatService) {
		def := DefaultConfig()
		if cfg.MaxContentLength <= 0 {
			cfg.MaxContentLength = def.MaxContentLength
		}
		if cfg.MaxPageSize <= 0 {
			cfg.MaxPageSize = def.MaxPageSize
		}
		if cfg.DefaultPageSize <= 0 || cfg.DefaultPageSize > cfg.MaxPageSize {
			cfg.DefaultPageSize = min(def.DefaultPageSize, cfg.MaxPageSize)
		}
		s.cfg = cfg
	}
}

// ChatService is the chat directory and message store. The repositories are
// the source of truth; everything sent through the Notifier is a projection
// clients can rebuild from ListChats and Page.
type ChatService struct {
	users    repositories.UserRepository
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	notifier Notifier
	presence PresenceReader
	audit    *telemetry.AuditEmitter
	cfg      Config
}

// New builds a ChatService. A nil notifier disables realtime fan-out.
func New(users repositories.UserRepository, chats repositories.ChatRepository, messages repositories.MessageRepository, notifier Notifier, opts ...Option) *ChatService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	s := &ChatService{
		users:    users,
		chats:    chats,
		messages: messages,
		notifier: notifier,
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the active limits.
func (s *ChatService) Config() Config {
	return s.cfg
}

// ListChats returns the user's chat directory, most recently active first.
func (s *ChatService) ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	chats, err := s.chats.ListChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(chats))
	for _, chat := range chats {
		ids = append(ids, chat.Counterpart(userID))
	}
	users, err := s.resolveUsers(ctx, ids)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.ChatSummary, 0, len(chats))
	for _, chat := range chats {
		summaries = append(summaries, summarize(chat, userID, users))
	}
	return summaries, nil
}

// Counterparts returns the distinct users the given user shares a chat with.
func (s *ChatService) Counterparts(ctx context.Context, userID int) ([]int, error) {
	chats, err := s.chats.ListChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]struct{}, len(chats))
	ids := make([]int, 0, len(chats))
	for _, chat := range chats {
		other := chat.Counterpart(userID)
		if _, ok := seen[other]; ok {
			continue
		}
		seen[other] = struct{}{}
		ids = append(ids, other)
	}
	return ids, nil
}

// GetOrCreateChat returns the chat between userID and otherID, creating it on
// first contact. Creation notifies both participants.
func (s *ChatService) GetOrCreateChat(ctx context.Context, userID, otherID int, gigID *int) (models.ChatSummary, bool, error) {
	if otherID <= 0 {
		return models.ChatSummary{}, false, apperr.Validation("participant_id is required")
	}
	if userID == otherID {
		return models.ChatSummary{}, false, repositories.ErrSelfChat
	}
	if _, err := s.users.GetUser(ctx, otherID); err != nil {
		return models.ChatSummary{}, false, err
	}

	chat, created, err := s.chats.GetOrCreateChat(ctx, userID, otherID, gigID)
	if err != nil {
		return models.ChatSummary{}, false, err
	}

	users, err := s.resolveUsers(ctx, []int{chat.User1ID, chat.User2ID})
	if err != nil {
		return models.ChatSummary{}, false, err
	}
	if created {
		logging.Ctx(ctx).Info().Int(logging.FieldChatID, chat.ID).Int(logging.FieldUserID, userID).Msg("chat created")
		s.notifyChatUpdated(ctx, chat, users)
		s.audit.Emit(ctx, "INFO", userID, telemetry.AuditPayload{
			Action: "chat.created",
			Text:   fmt.Sprintf("chat %d opened between %d and %d", chat.ID, chat.User1ID, chat.User2ID),
			ChatID: chat.ID,
		})
	}
	return summarize(chat, userID, users), created, nil
}

// GetChat returns the chat as seen by viewerID.
func (s *ChatService) GetChat(ctx context.Context, viewerID, chatID int) (models.ChatDetail, error) {
	chat, err := s.authorizedChat(ctx, viewerID, chatID)
	if err != nil {
		return models.ChatDetail{}, err
	}
	users, err := s.resolveUsers(ctx, []int{chat.Counterpart(viewerID)})
	if err != nil {
		return models.ChatDetail{}, err
	}
	summary := summarize(chat, viewerID, users)
	return models.ChatDetail{
		Chat:        chat,
		Counterpart: summary.Counterpart,
		LastMessage: summary.LastMessage,
		Unread:      summary.Unread,
	}, nil
}

// IsParticipant reports whether userID belongs to chatID. Unknown chats are
// reported as false.
func (s *ChatService) IsParticipant(ctx context.Context, chatID, userID int) (bool, error) {
	return s.chats.IsParticipant(ctx, chatID, userID)
}

// Append validates and stores a user-authored message, then fans it out.
func (s *ChatService) Append(ctx context.Context, in models.NewMessage) (models.Message, error) {
	if in.Type == models.MessageTypeSystem {
		return models.Message{}, apperr.Validation("system messages cannot be sent by users")
	}
	return s.append(ctx, in)
}

// AppendSystem stores a server-generated notice in the chat on behalf of senderID.
func (s *ChatService) AppendSystem(ctx context.Context, chatID, senderID int, content string) (models.Message, error) {
	return s.append(ctx, models.NewMessage{
		ChatID:   chatID,
		SenderID: senderID,
		Type:     models.MessageTypeSystem,
		Content:  content,
	})
}

// RecordPayment posts the notice for a verified gateway payment. Each
// paymentID is recorded once; repeats fail with a conflict.
func (s *ChatService) RecordPayment(ctx context.Context, chatID, senderID int, paymentID, content string) (models.Message, error) {
	if paymentID == "" {
		return models.Message{}, apperr.Validation("payment_id is required")
	}
	return s.append(ctx, models.NewMessage{
		ChatID:    chatID,
		SenderID:  senderID,
		Type:      models.MessageTypeSystem,
		Content:   content,
		PaymentID: paymentID,
	})
}

func (s *ChatService) append(ctx context.Context, in models.NewMessage) (models.Message, error) {
	in, err := s.validate(in)
	if err != nil {
		return models.Message{}, err
	}

	ctx, span := tracer.Start(ctx, "message.append")
	defer span.End()
	span.SetAttributes(attribute.Int("chat.id", in.ChatID), attribute.String("message.type", string(in.Type)))

	msg, chat, err := s.messages.AppendMessage(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
		return models.Message{}, err
	}
	span.SetAttributes(attribute.Int64("message.seq", msg.Seq))
	observability.IncMessagesAppended(string(msg.Type))

	s.notifier.PublishToChat(ctx, chat.ID, models.Event{Type: models.EventMessageCreated, ChatID: chat.ID, Message: &msg, Nonce: in.Nonce}, "")
	users, err := s.resolveUsers(ctx, []int{chat.User1ID, chat.User2ID})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int(logging.FieldChatID, chat.ID).Msg("chat.updated skipped")
		return msg, nil
	}
	s.notifyChatUpdated(ctx, chat, users)
	return msg, nil
}

func (s *ChatService) validate(in models.NewMessage) (models.NewMessage, error) {
	if in.ChatID <= 0 {
		return in, apperr.Validation("chat_id is required")
	}
	if in.Type == "" {
		in.Type = models.MessageTypeText
	}
	if !in.Type.Valid() {
		return in, apperr.Validation(fmt.Sprintf("unknown message type %q", in.Type))
	}
	switch {
	case in.Type == models.MessageTypeApplication && in.Application == nil:
		return in, apperr.Validation("application messages require an application payload")
	case in.Type != models.MessageTypeApplication && in.Application != nil:
		return in, apperr.Validation("application payload is only allowed on application messages")
	}

	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" && in.Application != nil {
		in.Content = in.Application.Summary()
	}
	if in.Content == "" {
		return in, apperr.Validation("message content is required")
	}
	if n := utf8.RuneCountInString(in.Content); n > s.cfg.MaxContentLength {
		return in, apperr.Validation(fmt.Sprintf("message exceeds %d characters", s.cfg.MaxContentLength))
	}
	if len(in.Nonce) > maxNonceLength {
		return in, apperr.Validation(fmt.Sprintf("client_nonce exceeds %d bytes", maxNonceLength))
	}
	return in, nil
}

// Page returns one page of history, oldest-first. An empty direction means
// forward.
func (s *ChatService) Page(ctx context.Context, viewerID, chatID int, cursor int64, limit int, direction string) (models.MessagePage, error) {
	switch direction {
	case "":
		direction = models.DirectionForward
	case models.DirectionForward, models.DirectionBackward:
	default:
		return models.MessagePage{}, apperr.Validation("direction must be forward or backward")
	}
	if cursor < 0 {
		return models.MessagePage{}, apperr.Validation("cursor must not be negative")
	}
	if limit <= 0 {
		limit = s.cfg.DefaultPageSize
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	if _, err := s.authorizedChat(ctx, viewerID, chatID); err != nil {
		return models.MessagePage{}, err
	}
	return s.messages.ListMessages(ctx, chatID, cursor, limit, direction)
}

// MarkRead marks the other participant's messages up to and including
// upToMessageID as read by readerID.
func (s *ChatService) MarkRead(ctx context.Context, readerID, chatID, upToMessageID int) (models.ReadReceipt, error) {
	msg, err := s.messageInChat(ctx, chatID, upToMessageID)
	if err != nil {
		return models.ReadReceipt{}, err
	}
	return s.markRead(ctx, readerID, msg)
}

// MarkReadMessages reduces messageIDs to the newest message that belongs to
// chatID and marks everything up to it.
func (s *ChatService) MarkReadMessages(ctx context.Context, readerID, chatID int, messageIDs []int) (models.ReadReceipt, error) {
	if len(messageIDs) == 0 {
		return models.ReadReceipt{}, apperr.Validation("message_ids or up_to_id is required")
	}
	var newest *models.Message
	for _, id := range messageIDs {
		msg, err := s.messageInChat(ctx, chatID, id)
		if apperr.KindOf(err) == apperr.KindNotFound {
			continue
		}
		if err != nil {
			return models.ReadReceipt{}, err
		}
		if newest == nil || newest.Before(msg) {
			m := msg
			newest = &m
		}
	}
	if newest == nil {
		return models.ReadReceipt{}, apperr.NotFound("no listed message belongs to the chat")
	}
	return s.markRead(ctx, readerID, *newest)
}

func (s *ChatService) markRead(ctx context.Context, readerID int, upTo models.Message) (models.ReadReceipt, error) {
	unread, err := s.messages.MarkRead(ctx, upTo.ChatID, readerID, upTo.Seq)
	if err != nil {
		return models.ReadReceipt{}, err
	}
	receipt := models.ReadReceipt{
		ChatID:   upTo.ChatID,
		ReaderID: readerID,
		UpToID:   upTo.ID,
		UpToSeq:  upTo.Seq,
		Unread:   unread,
	}
	s.notifier.PublishToChat(ctx, upTo.ChatID, models.Event{Type: models.EventMessageRead, ChatID: upTo.ChatID, UserID: readerID, Read: &receipt}, "")

	chat, err := s.chats.GetChat(ctx, upTo.ChatID)
	if err == nil {
		var users map[int]models.User
		users, err = s.resolveUsers(ctx, []int{chat.Counterpart(readerID)})
		if err == nil {
			summary := summarize(chat, readerID, users)
			s.notifier.PublishToUser(ctx, readerID, models.Event{Type: models.EventChatUpdated, ChatID: chat.ID, Chat: &summary})
		}
	}
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int(logging.FieldChatID, upTo.ChatID).Msg("chat.updated skipped")
	}
	return receipt, nil
}

// RebuildProjection recomputes one chat's directory fields from its log.
func (s *ChatService) RebuildProjection(ctx context.Context, chatID int) (models.Chat, error) {
	return s.chats.RebuildProjection(ctx, chatID)
}

// RebuildAll recomputes every chat's projection and returns how many were rebuilt.
func (s *ChatService) RebuildAll(ctx context.Context) (int, error) {
	ids, err := s.chats.ListChatIDs(ctx)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := s.chats.RebuildProjection(ctx, id); err != nil {
			return i, fmt.Errorf("rebuild chat %d: %w", id, err)
		}
	}
	return len(ids), nil
}

func (s *ChatService) authorizedChat(ctx context.Context, userID, chatID int) (models.Chat, error) {
	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if !chat.HasParticipant(userID) {
		return models.Chat{}, repositories.ErrNotParticipant
	}
	return chat, nil
}

func (s *ChatService) messageInChat(ctx context.Context, chatID, messageID int) (models.Message, error) {
	if messageID <= 0 {
		return models.Message{}, apperr.Validation("message id is required")
	}
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.ChatID != chatID {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return msg, nil
}

// resolveUsers loads profiles and presence. Profiles missing from the
// projection resolve to an id-only user.
func (s *ChatService) resolveUsers(ctx context.Context, ids []int) (map[int]models.User, error) {
	users, err := s.users.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]models.User, len(ids))
	for _, id := range ids {
		byID[id] = models.User{ID: id}
	}
	for _, u := range users {
		byID[u.ID] = u
	}
	if s.presence != nil && len(ids) > 0 {
		online, err := s.presence.Online(ctx, ids)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("presence lookup failed")
		}
		for id, on := range online {
			if u, ok := byID[id]; ok {
				u.Online = on
				byID[id] = u
			}
		}
	}
	return byID, nil
}

func (s *ChatService) notifyChatUpdated(ctx context.Context, chat models.Chat, users map[int]models.User) {
	for _, participant := range []int{chat.User1ID, chat.User2ID} {
		summary := summarize(chat, participant, users)
		s.notifier.PublishToUser(ctx, participant, models.Event{Type: models.EventChatUpdated, ChatID: chat.ID, Chat: &summary})
	}
}

func summarize(chat models.Chat, viewerID int, users map[int]models.User) models.ChatSummary {
	other := chat.Counterpart(viewerID)
	counterpart, ok := users[other]
	if !ok {
		counterpart = models.User{ID: other}
	}
	return models.ChatSummary{
		ChatID:      chat.ID,
		Counterpart: counterpart,
		GigID:       chat.GigID,
		LastMessage: chat.Snapshot(),
		Unread:      chat.UnreadFor(viewerID),
		CreatedAt:   chat.CreatedAt,
	}
}

type noopNotifier struct{}

func (noopNotifier) PublishToChat(context.Context, int, models.Event, string) {}
func (noopNotifier) PublishToUser(context.Context, int, models.Event)         {}
