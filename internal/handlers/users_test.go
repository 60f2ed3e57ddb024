package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gigconnect-chat/internal/mocks"
	"gigconnect-chat/internal/models"
	"gigconnect-chat/internal/telemetry"
)

func TestUpsertUser(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/internal/users", NewUserHandler(users).Upsert)

	users.On("UpsertUser", mock.Anything, models.User{ID: 4, DisplayName: "dev"}).Return(nil).Once()

	rec := do(r, http.MethodPost, "/internal/users", `{"id":4,"display_name":"dev"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, http.MethodPost, "/internal/users", `{"display_name":"nobody"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	users.AssertExpectations(t)
}

func TestHealthReportsDegradedStores(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	healthy := true
	r.GET("/healthz", Health(map[string]Pinger{
		"db": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	}))

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthz", "").Code)
	healthy = false
	rec := do(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestDebugRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	disabled := gin.New()
	RegisterDebugRoutes(disabled, nil, false)
	assert.Equal(t, http.StatusNotFound, do(disabled, http.MethodGet, "/debug/audit-test", "").Code)

	unconfigured := gin.New()
	RegisterDebugRoutes(unconfigured, nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, do(unconfigured, http.MethodGet, "/debug/audit-test", "").Code)

	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, telemetry.RoutingKeyAudit, auditAction("debug.audit_test")).Return(nil).Once()
	enabled := gin.New()
	RegisterDebugRoutes(enabled, telemetry.NewAuditEmitter(publisher, telemetry.RoutingKeyAudit, "gigconnect-chat", "test"), true)

	req := do(enabled, http.MethodGet, "/debug/audit-test", "")
	assert.Equal(t, http.StatusOK, req.Code)
	assert.Contains(t, req.Body.String(), "request_id")
	publisher.AssertExpectations(t)
}
