package handlers

import (
	"github.com/gin-gonic/gin"

	"gigconnect-chat/internal/apperr"
	"gigconnect-chat/internal/logging"
)

// writeError renders err as {"error", "code"} with the status for its kind.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(err)
	if kind == apperr.KindInternal {
		logging.Ctx(c.Request.Context()).Error().Err(err).Str(logging.FieldPath, c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.MessageOf(err), "code": string(kind)})
}

func badRequest(c *gin.Context, message string) {
	writeError(c, apperr.Validation(message))
}
