package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/startickets/payment-backend/internal/services"
	"github.com/startickets/payment-backend/internal/utils"
)

// MaxWebhookBodyBytes caps a webhook delivery
const MaxWebhookBodyBytes = 512 << 10

// SignatureHeader is the header the provider signs deliveries in
const SignatureHeader = "Stripe-Signature"

// WebhookProcessor authenticates and applies one raw provider delivery
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string, meta utils.ClientMeta) (*services.ProcessResult, error)
}

// WebhookHandler receives provider webhooks
type WebhookHandler struct {
	processor WebhookProcessor
	logger    *logrus.Logger
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(processor WebhookProcessor, logger *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, logger: logger}
}

// Handle handles POST /api/v1/payments/webhook. It answers 200 only once the
// event is durably applied or known to be a duplicate; 400 for deliveries
// that fail authentication and 500 so the provider retries anything else.
func (h *WebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			// Never stored, so the provider keeps retrying it
			h.logger.WithFields(logrus.Fields{
				"limit_bytes":    tooLarge.Limit,
				"content_length": c.Request.ContentLength,
				"signature":      c.GetHeader(SignatureHeader),
			}).Error("Rejected oversize webhook delivery")
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		h.logger.WithError(err).Warn("Failed to read webhook body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	result, err := h.processor.HandleWebhook(c.Request.Context(), body, c.GetHeader(SignatureHeader), utils.ClientMetaFromRequest(c))
	if err != nil {
		if errors.Is(err, services.ErrSignatureInvalid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"event_id":   result.EventID,
		"event_type": result.EventType,
		"duplicate":  result.Duplicate,
	}).Info("Webhook acknowledged")

	c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": result.Duplicate})
}
