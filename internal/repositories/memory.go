package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"gigconnect-chat/internal/models"
)

// MemoryStore implements the user, chat and message repositories in process.
// Appends are serialized per chat; different chats proceed in parallel.
//
// Lock order: a chat's mutex may be held while taking s.mu, never the reverse.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[int]models.User
	chats      map[int]*memChat
	pairs      map[[2]int]int
	messageLoc map[int]int // message id -> chat id
	payments   map[string]int
	lastChat   int
	lastMsg    int
	now        func() time.Time
}

type memChat struct {
	mu   sync.Mutex
	chat models.Chat
	log  []models.Message // log[i].Seq == i+1
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[int]models.User),
		chats:      make(map[int]*memChat),
		pairs:      make(map[[2]int]int),
		messageLoc: make(map[int]int),
		payments:   make(map[string]int),
		now:        time.Now,
	}
}

var (
	_ UserRepository    = (*MemoryStore)(nil)
	_ ChatRepository    = (*MemoryStore)(nil)
	_ MessageRepository = (*MemoryStore)(nil)
)

func (s *MemoryStore) UpsertUser(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user.Online = false
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID int) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUsers(_ context.Context, userIDs []int) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, 0, len(userIDs))
	for _, id := range userIDs {
		if user, ok := s.users[id]; ok {
			users = append(users, user)
		}
	}
	return users, nil
}

func (s *MemoryStore) GetOrCreateChat(_ context.Context, userID int, otherID int, gigID *int) (models.Chat, bool, error) {
	if userID == otherID {
		return models.Chat{}, false, ErrSelfChat
	}
	user1, user2 := models.OrderPair(userID, otherID)
	key := [2]int{user1, user2}

	s.mu.Lock()
	if id, ok := s.pairs[key]; ok {
		c := s.chats[id]
		s.mu.Unlock()
		// c.mu after s.mu is released, see lock order above.
		return c.snapshot(), false, nil
	}
	_, ok1 := s.users[user1]
	_, ok2 := s.users[user2]
	if !ok1 || !ok2 {
		s.mu.Unlock()
		return models.Chat{}, false, ErrUserNotFound
	}
	s.lastChat++
	chat := models.Chat{ID: s.lastChat, User1ID: user1, User2ID: user2, CreatedAt: s.now()}
	if gigID != nil {
		g := *gigID
		chat.GigID = &g
	}
	s.chats[chat.ID] = &memChat{chat: chat}
	s.pairs[key] = chat.ID
	s.mu.Unlock()
	return chat, true, nil
}

func (s *MemoryStore) IsParticipant(_ context.Context, chatID int, userID int) (bool, error) {
	c, ok := s.lookup(chatID)
	if !ok {
		return false, nil
	}
	return c.snapshot().HasParticipant(userID), nil
}

func (s *MemoryStore) GetChat(_ context.Context, chatID int) (models.Chat, error) {
	c, ok := s.lookup(chatID)
	if !ok {
		return models.Chat{}, ErrChatNotFound
	}
	return c.snapshot(), nil
}

func (s *MemoryStore) ListChats(_ context.Context, userID int) ([]models.Chat, error) {
	s.mu.RLock()
	candidates := make([]*memChat, 0)
	for key, id := range s.pairs {
		if key[0] == userID || key[1] == userID {
			candidates = append(candidates, s.chats[id])
		}
	}
	s.mu.RUnlock()

	chats := make([]models.Chat, 0, len(candidates))
	for _, c := range candidates {
		chats = append(chats, c.snapshot())
	}
	sort.Slice(chats, func(i, j int) bool {
		ai, aj := chats[i].ActivityAt(), chats[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return chats[i].ID > chats[j].ID
	})
	return chats, nil
}

func (s *MemoryStore) ListChatIDs(_ context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *MemoryStore) RebuildProjection(_ context.Context, chatID int) (models.Chat, error) {
	c, ok := s.lookup(chatID)
	if !ok {
		return models.Chat{}, ErrChatNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chat.LastMessageSeq = 0
	c.chat.LastMessageContent = ""
	c.chat.LastMessageSenderID = 0
	c.chat.LastMessageAt = nil
	if n := len(c.log); n > 0 {
		c.applySnapshot(c.log[n-1])
	}
	c.chat.User1Unread = c.countUnread(c.chat.User1ID)
	c.chat.User2Unread = c.countUnread(c.chat.User2ID)
	return c.chat, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, in models.NewMessage) (models.Message, models.Chat, error) {
	c, ok := s.lookup(in.ChatID)
	if !ok {
		return models.Message{}, models.Chat{}, ErrChatNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.chat.HasParticipant(in.SenderID) {
		return models.Message{}, models.Chat{}, ErrNotParticipant
	}

	s.mu.Lock()
	if in.PaymentID != "" {
		if _, dup := s.payments[in.PaymentID]; dup {
			s.mu.Unlock()
			return models.Message{}, models.Chat{}, ErrDuplicatePayment
		}
	}
	s.lastMsg++
	id := s.lastMsg
	s.messageLoc[id] = in.ChatID
	if in.PaymentID != "" {
		s.payments[in.PaymentID] = id
	}
	createdAt := s.now()
	s.mu.Unlock()

	msg := models.Message{
		ID:        id,
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Seq:       c.chat.LastMessageSeq + 1,
		Type:      in.Type,
		Content:   in.Content,
		CreatedAt: createdAt,
	}
	if in.Application != nil {
		app := *in.Application
		msg.Application = &app
	}
	c.log = append(c.log, msg)
	c.applySnapshot(msg)
	if c.chat.User1ID != msg.SenderID {
		c.chat.User1Unread++
	}
	if c.chat.User2ID != msg.SenderID {
		c.chat.User2Unread++
	}
	return msg, c.chat, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID int, cursor int64, limit int, direction string) (models.MessagePage, error) {
	c, ok := s.lookup(chatID)
	if !ok {
		return models.MessagePage{}, ErrChatNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := int64(len(c.log))
	var msgs []models.Message
	if direction == models.DirectionBackward {
		end := n
		if cursor > 0 && cursor-1 < n {
			end = cursor - 1
		}
		for i := end - 1; i >= 0 && len(msgs) <= limit; i-- {
			msgs = append(msgs, c.log[i])
		}
	} else {
		start := cursor
		if start < 0 {
			start = 0
		}
		for i := start; i < n && len(msgs) <= limit; i++ {
			msgs = append(msgs, c.log[i])
		}
	}
	return buildPage(msgs, cursor, limit, direction), nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID int) (models.Message, error) {
	s.mu.RLock()
	chatID, ok := s.messageLoc[messageID]
	c := s.chats[chatID]
	s.mu.RUnlock()
	if !ok || c == nil {
		return models.Message{}, ErrMessageNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.log) - 1; i >= 0; i-- {
		if c.log[i].ID == messageID {
			return c.log[i], nil
		}
	}
	return models.Message{}, ErrMessageNotFound
}

func (s *MemoryStore) MarkRead(_ context.Context, chatID int, readerID int, upToSeq int64) (int, error) {
	c, ok := s.lookup(chatID)
	if !ok {
		return 0, ErrChatNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.chat.HasParticipant(readerID) {
		return 0, ErrNotParticipant
	}
	for i := range c.log {
		if c.log[i].Seq > upToSeq {
			break
		}
		if c.log[i].SenderID != readerID {
			c.log[i].Read = true
		}
	}
	unread := c.countUnread(readerID)
	if c.chat.User1ID == readerID {
		c.chat.User1Unread = unread
	} else {
		c.chat.User2Unread = unread
	}
	return unread, nil
}

func (s *MemoryStore) lookup(chatID int) (*memChat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	return c, ok
}

func (c *memChat) snapshot() models.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chat
}

// applySnapshot and countUnread require c.mu.
func (c *memChat) applySnapshot(msg models.Message) {
	at := msg.CreatedAt
	c.chat.LastMessageSeq = msg.Seq
	c.chat.LastMessageContent = msg.Content
	c.chat.LastMessageSenderID = msg.SenderID
	c.chat.LastMessageAt = &at
}

func (c *memChat) countUnread(userID int) int {
	unread := 0
	for _, m := range c.log {
		if m.SenderID != userID && !m.Read {
			unread++
		}
	}
	return unread
}
