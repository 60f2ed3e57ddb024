package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gigconnect-chat/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured", "code": "unavailable"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", userIDFromContext(c), telemetry.AuditPayload{
			Action: "debug.audit_test",
			Text:   "audit test",
		})
		c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": requestIDFromContext(c)})
	})
}
