package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"gigconnect-chat/internal/apperr"
	"gigconnect-chat/internal/logging"
	"gigconnect-chat/internal/payments"
	"gigconnect-chat/internal/service"
	"gigconnect-chat/internal/telemetry"
)

// PaymentHandler confirms gateway payments and records them in the chat.
type PaymentHandler struct {
	verifier *payments.Verifier
	chats    *service.ChatService
	audit    *telemetry.AuditEmitter
}

func NewPaymentHandler(verifier *payments.Verifier, chats *service.ChatService, audit *telemetry.AuditEmitter) *PaymentHandler {
	return &PaymentHandler{verifier: verifier, chats: chats, audit: audit}
}

// Verify checks the gateway signature and posts a system notice to the chat.
func (h *PaymentHandler) Verify(c *gin.Context) {
	var req struct {
		ChatID    int     `json:"chat_id" binding:"required"`
		OrderID   string  `json:"order_id" binding:"required"`
		PaymentID string  `json:"payment_id" binding:"required"`
		Signature string  `json:"signature" binding:"required"`
		Amount    float64 `json:"amount"`
		Currency  string  `json:"currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "chat_id, order_id, payment_id and signature are required")
		return
	}

	ctx := c.Request.Context()
	userID := userIDFromContext(c)
	if !h.verifier.Verify(req.OrderID, req.PaymentID, req.Signature) {
		logging.Ctx(ctx).Warn().Int(logging.FieldChatID, req.ChatID).Str("order_id", req.OrderID).Msg("payment signature mismatch")
		h.audit.Emit(ctx, "WARN", userID, telemetry.AuditPayload{
			Action: "payment.rejected",
			Text:   fmt.Sprintf("invalid signature for order %s", req.OrderID),
			ChatID: req.ChatID,
		})
		writeError(c, apperr.Validation("invalid payment signature"))
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = "INR"
	}
	content := fmt.Sprintf("Payment received: %s %.2f (payment %s)", currency, req.Amount, req.PaymentID)
	msg, err := h.chats.RecordPayment(ctx, req.ChatID, userID, req.PaymentID, content)
	if errors.Is(err, apperr.ErrConflict) {
		logging.Ctx(ctx).Info().Int(logging.FieldChatID, req.ChatID).Str("payment_id", req.PaymentID).Msg("payment already recorded")
	}
	if err != nil {
		writeError(c, err)
		return
	}

	h.audit.Emit(ctx, "INFO", userID, telemetry.AuditPayload{
		Action: "payment.verified",
		Text:   fmt.Sprintf("order %s paid with %s", req.OrderID, req.PaymentID),
		ChatID: req.ChatID,
	})
	c.JSON(http.StatusOK, gin.H{"verified": true, "message": msg})
}
