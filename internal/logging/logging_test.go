package logging

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" warning "))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func TestCtxFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := WithLogger(context.Background(), logger)

	Ctx(ctx).Info().Msg("scoped")
	assert.Contains(t, buf.String(), "scoped")

	assert.Same(t, L(), Ctx(context.Background()))
	assert.Same(t, L(), Ctx(nil))
	assert.NotPanics(t, func() { L().Debug().Msg("global") })
}

func TestGinMiddlewarePropagatesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(GinMiddleware(zerolog.New(&buf)))
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(RequestIDContextKey))
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Body.String())
	assert.Equal(t, "req-123", rec.Header().Get(HeaderRequestID))
	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
	assert.Contains(t, buf.String(), "request completed")
}
