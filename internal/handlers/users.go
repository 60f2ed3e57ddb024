package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gigconnect-chat/internal/models"
	"gigconnect-chat/internal/repositories"
)

// UserHandler receives profile projections from the marketplace profile service.
type UserHandler struct {
	users repositories.UserRepository
}

func NewUserHandler(users repositories.UserRepository) *UserHandler {
	return &UserHandler{users: users}
}

// Upsert stores or refreshes a user's display profile.
func (h *UserHandler) Upsert(c *gin.Context) {
	var req struct {
		ID          int    `json:"id" binding:"required"`
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ID <= 0 {
		badRequest(c, "id is required")
		return
	}
	user := models.User{ID: req.ID, DisplayName: req.DisplayName, AvatarURL: req.AvatarURL}
	if err := h.users.UpsertUser(c.Request.Context(), user); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
