package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"gigconnect-chat/internal/logging"
	"gigconnect-chat/internal/middleware"
)

func requestIDFromContext(c *gin.Context) string {
	if id := logging.RequestID(c.Request.Context()); id != "" {
		return id
	}
	if val, ok := c.Get(logging.RequestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader(logging.HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(logging.RequestIDContextKey, requestID)
	return requestID
}

// userIDFromContext returns the authenticated user, falling back to the
// X-User-ID header on internal routes. Zero means anonymous.
func userIDFromContext(c *gin.Context) int {
	if userID := c.GetInt(middleware.UserIDKey); userID != 0 {
		return userID
	}
	if header := c.GetHeader("X-User-ID"); header != "" {
		if parsed, err := strconv.Atoi(header); err == nil {
			return parsed
		}
	}
	return 0
}
