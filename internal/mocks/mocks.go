package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gigconnect-chat/internal/models"
	"gigconnect-chat/internal/repositories"
)

var (
	_ repositories.ChatRepository    = (*ChatRepositoryMock)(nil)
	_ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
	_ repositories.UserRepository    = (*UserRepositoryMock)(nil)
)

type ChatRepositoryMock struct {
	mock.Mock
}

func (m *ChatRepositoryMock) GetOrCreateChat(ctx context.Context, userID int, otherID int, gigID *int) (models.Chat, bool, error) {
	args := m.Called(ctx, userID, otherID, gigID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Bool(1), args.Error(2)
}

func (m *ChatRepositoryMock) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	args := m.Called(ctx, chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) ListChats(ctx context.Context, userID int) ([]models.Chat, error) {
	args := m.Called(ctx, userID)
	var list []models.Chat
	if val := args.Get(0); val != nil {
		list = val.([]models.Chat)
	}
	return list, args.Error(1)
}

func (m *ChatRepositoryMock) ListChatIDs(ctx context.Context) ([]int, error) {
	args := m.Called(ctx)
	var ids []int
	if val := args.Get(0); val != nil {
		ids = val.([]int)
	}
	return ids, args.Error(1)
}

func (m *ChatRepositoryMock) RebuildProjection(ctx context.Context, chatID int) (models.Chat, error) {
	args := m.Called(ctx, chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) AppendMessage(ctx context.Context, in models.NewMessage) (models.Message, models.Chat, error) {
	args := m.Called(ctx, in)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	var chat models.Chat
	if val := args.Get(1); val != nil {
		chat = val.(models.Chat)
	}
	return msg, chat, args.Error(2)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, chatID int, cursor int64, limit int, direction string) (models.MessagePage, error) {
	args := m.Called(ctx, chatID, cursor, limit, direction)
	var page models.MessagePage
	if val := args.Get(0); val != nil {
		page = val.(models.MessagePage)
	}
	return page, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, chatID int, readerID int, upToSeq int64) (int, error) {
	args := m.Called(ctx, chatID, readerID, upToSeq)
	return args.Int(0), args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) UpsertUser(ctx context.Context, user models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *UserRepositoryMock) GetUser(ctx context.Context, userID int) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) GetUsers(ctx context.Context, userIDs []int) ([]models.User, error) {
	args := m.Called(ctx, userIDs)
	var users []models.User
	if val := args.Get(0); val != nil {
		users = val.([]models.User)
	}
	return users, args.Error(1)
}

type TokenValidatorMock struct {
	mock.Mock
}

func (m *TokenValidatorMock) ValidateToken(ctx context.Context, token string) (int, error) {
	args := m.Called(ctx, token)
	return args.Int(0), args.Error(1)
}
