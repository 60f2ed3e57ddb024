package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	HeaderRequestID     = "X-Request-ID"
	RequestIDContextKey = "request_id"
)

// GinMiddleware reads or generates the request id, injects a request-scoped
// logger into the request context and logs the completed request.
func GinMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		child := logger.With().
			Str(FieldRequestID, reqID).
			Str(FieldMethod, c.Request.Method).
			Str(FieldPath, c.Request.URL.Path).
			Str(FieldClientIP, c.ClientIP()).
			Logger()

		c.Set(RequestIDContextKey, reqID)
		c.Header(HeaderRequestID, reqID)
		c.Request = c.Request.WithContext(WithRequestID(WithLogger(c.Request.Context(), child), reqID))

		c.Next()

		evt := child.Info()
		if c.Writer.Status() >= 500 {
			evt = child.Error()
		}
		evt = evt.Int(FieldStatus, c.Writer.Status()).
			Float64(FieldLatency, float64(time.Since(start).Milliseconds()))
		if userID := c.GetInt("userID"); userID != 0 {
			evt = evt.Int(FieldUserID, userID)
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}
		evt.Msg("request completed")
	}
}
