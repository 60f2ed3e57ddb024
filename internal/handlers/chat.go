package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gigconnect-chat/internal/models"
	"gigconnect-chat/internal/service"
)

// ChatHandler manages chat and message endpoints.
type ChatHandler struct {
	chats *service.ChatService
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chats *service.ChatService) *ChatHandler {
	return &ChatHandler{chats: chats}
}

// Register mounts the chat routes on an authenticated group.
func (h *ChatHandler) Register(r gin.IRoutes) {
	r.GET("/chats", h.ListChats)
	r.POST("/chats", h.StartChat)
	r.GET("/chats/:chat_id", h.GetChat)
	r.GET("/chats/:chat_id/messages", h.GetChatMessages)
	r.POST("/messages", h.PostMessage)
	r.PUT("/messages/mark-read", h.MarkRead)
}

// ListChats returns the caller's chats, most recent activity first.
func (h *ChatHandler) ListChats(c *gin.Context) {
	chats, err := h.chats.ListChats(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// StartChat creates or returns the caller's chat with another user.
func (h *ChatHandler) StartChat(c *gin.Context) {
	var req struct {
		ParticipantID int  `json:"participant_id" binding:"required"`
		GigID         *int `json:"gig_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "participant_id is required")
		return
	}

	chat, created, err := h.chats.GetOrCreateChat(c.Request.Context(), userIDFromContext(c), req.ParticipantID, req.GigID)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"chat": chat, "created": created})
}

// GetChat returns one chat with the counterpart's profile.
func (h *ChatHandler) GetChat(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	chat, err := h.chats.GetChat(c.Request.Context(), userIDFromContext(c), chatID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

// GetChatMessages returns one page of history.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	var query struct {
		Cursor    int64  `form:"cursor"`
		Limit     int    `form:"limit"`
		Direction string `form:"direction"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, "invalid pagination parameters")
		return
	}
	if query.Cursor < 0 || query.Limit < 0 {
		badRequest(c, "cursor and limit must not be negative")
		return
	}
	switch query.Direction {
	case "", models.DirectionForward, models.DirectionBackward:
	default:
		badRequest(c, "direction must be forward or backward")
		return
	}

	page, err := h.chats.Page(c.Request.Context(), userIDFromContext(c), chatID, query.Cursor, query.Limit, query.Direction)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// PostMessage appends a message from the caller.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var req struct {
		ChatID      int                        `json:"chat_id" binding:"required"`
		Type        models.MessageType         `json:"type"`
		Content     string                     `json:"content"`
		Application *models.ApplicationPayload `json:"application"`
		ClientNonce string                     `json:"client_nonce"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "chat_id is required")
		return
	}

	msg, err := h.chats.Append(c.Request.Context(), models.NewMessage{
		ChatID:      req.ChatID,
		SenderID:    userIDFromContext(c),
		Type:        req.Type,
		Content:     req.Content,
		Application: req.Application,
		Nonce:       req.ClientNonce,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead marks messages as read either by explicit ids or up to a message.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	var req struct {
		ChatID     int   `json:"chat_id" binding:"required"`
		MessageIDs []int `json:"message_ids"`
		UpToID     int   `json:"up_to_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "chat_id is required")
		return
	}

	var (
		receipt models.ReadReceipt
		err     error
	)
	userID := userIDFromContext(c)
	switch {
	case req.UpToID > 0:
		receipt, err = h.chats.MarkRead(c.Request.Context(), userID, req.ChatID, req.UpToID)
	case len(req.MessageIDs) > 0:
		receipt, err = h.chats.MarkReadMessages(c.Request.Context(), userID, req.ChatID, req.MessageIDs)
	default:
		badRequest(c, "message_ids or up_to_id is required")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func chatIDParam(c *gin.Context) (int, bool) {
	chatID, err := strconv.Atoi(c.Param("chat_id"))
	if err != nil || chatID <= 0 {
		badRequest(c, "invalid chat id")
		return 0, false
	}
	return chatID, true
}
