package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gigconnect-chat/internal/mocks"
	"gigconnect-chat/internal/models"
	"gigconnect-chat/internal/payments"
	"gigconnect-chat/internal/telemetry"
)

func auditAction(action string) any {
	return mock.MatchedBy(func(env telemetry.AuditEnvelope) bool { return env.Payload.Action == action })
}

func setupPaymentRouter(t *testing.T) (*gin.Engine, *mocks.PublisherMock, *payments.Verifier) {
	t.Helper()
	svc, _ := memoryService(t, 1, 2)
	_, _, err := svc.GetOrCreateChat(context.Background(), 1, 2, nil)
	require.NoError(t, err)

	publisher := new(mocks.PublisherMock)
	emitter := telemetry.NewAuditEmitter(publisher, telemetry.RoutingKeyAudit, "gigconnect-chat", "test")
	verifier := payments.NewVerifier("secret")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", 1)
		c.Next()
	})
	r.POST("/payments/verify", NewPaymentHandler(verifier, svc, emitter).Verify)
	return r, publisher, verifier
}

func TestVerifyPaymentPostsSystemMessage(t *testing.T) {
	router, publisher, verifier := setupPaymentRouter(t)
	publisher.On("Publish", mock.Anything, telemetry.RoutingKeyAudit, auditAction("payment.verified")).Return(nil).Once()

	body := fmt.Sprintf(`{"chat_id":1,"order_id":"order_1","payment_id":"pay_1","signature":%q,"amount":1500,"currency":"INR"}`,
		verifier.Sign("order_1", "pay_1"))
	rec := do(router, http.MethodPost, "/payments/verify", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Verified bool           `json:"verified"`
		Message  models.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Verified)
	assert.Equal(t, models.MessageTypeSystem, resp.Message.Type)
	assert.Equal(t, "Payment received: INR 1500.00 (payment pay_1)", resp.Message.Content)
	publisher.AssertExpectations(t)
}

func TestVerifyPaymentRejectsBadSignature(t *testing.T) {
	router, publisher, _ := setupPaymentRouter(t)
	publisher.On("Publish", mock.Anything, telemetry.RoutingKeyAudit, auditAction("payment.rejected")).Return(assert.AnError).Once()

	rec := do(router, http.MethodPost, "/payments/verify", `{"chat_id":1,"order_id":"order_1","payment_id":"pay_1","signature":"deadbeef"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	msg, code := decodeError(t, rec)
	assert.Equal(t, "validation", code)
	assert.Equal(t, "invalid payment signature", msg)
	publisher.AssertExpectations(t)
}

func TestVerifyPaymentRejectsRepeatedPaymentID(t *testing.T) {
	router, publisher, verifier := setupPaymentRouter(t)
	publisher.On("Publish", mock.Anything, telemetry.RoutingKeyAudit, auditAction("payment.verified")).Return(nil).Once()

	body := fmt.Sprintf(`{"chat_id":1,"order_id":"order_1","payment_id":"pay_1","signature":%q,"amount":1500}`,
		verifier.Sign("order_1", "pay_1"))
	rec := do(router, http.MethodPost, "/payments/verify", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(router, http.MethodPost, "/payments/verify", body)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	msg, code := decodeError(t, rec)
	assert.Equal(t, "conflict", code)
	assert.Equal(t, "payment already recorded", msg)
	publisher.AssertExpectations(t)
	assert.Equal(t, []string{"payment.verified"}, publisher.AuditActions())
}
