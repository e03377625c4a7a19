package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/startickets/payment-backend/internal/middleware"
	"github.com/startickets/payment-backend/internal/models"
	"github.com/startickets/payment-backend/internal/services"
	"github.com/startickets/payment-backend/internal/utils"
)

// CheckoutFlow is the checkout orchestration the payment handler drives
type CheckoutFlow interface {
	Config() services.CheckoutConfig
	Checkout(ctx context.Context, customerID, bookingID int64, meta utils.ClientMeta) (*services.CheckoutResult, error)
	ConfirmReturn(ctx context.Context, customerID, bookingID int64, sessionID string, meta utils.ClientMeta) (*services.ReturnResult, error)
	CancelInfo(ctx context.Context, customerID, bookingID int64) (*models.Booking, error)
	Refund(ctx context.Context, intentID string, amount *decimal.Decimal, meta utils.ClientMeta) (bool, error)
	LookupIntent(ctx context.Context, intentID string) (*services.IntentLookup, error)
}

// PaymentHandler handles the customer checkout legs and payment support endpoints
type PaymentHandler struct {
	checkout    CheckoutFlow
	frontendURL string
	logger      *logrus.Logger
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(checkout CheckoutFlow, frontendURL string, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		checkout:    checkout,
		frontendURL: strings.TrimSuffix(frontendURL, "/"),
		logger:      logger,
	}
}

// RefundRequest is the body of an admin refund. A missing amount refunds in full.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

// ============================================================================
// CHECKOUT - GET /api/v1/payments/checkout/:booking_id
// ============================================================================

// Checkout sends the customer to a hosted checkout page for their booking
// @Summary Start checkout
// @Description Creates (or reuses) a hosted checkout session and redirects to it
// @Tags Payments
// @Produce json
// @Param booking_id path int true "Booking ID"
// @Success 200 {object} map[string]interface{} "Checkout details for JSON clients"
// @Success 303 "Redirect to the hosted checkout page"
// @Failure 401 {object} map[string]interface{} "Unauthorized"
// @Failure 404 {object} map[string]interface{} "Booking not found"
// @Router /payments/checkout/{booking_id} [get]
func (h *PaymentHandler) Checkout(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	bookingID, err := strconv.ParseInt(c.Param("booking_id"), 10, 64)
	if err != nil || bookingID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid booking_id"})
		return
	}

	result, err := h.checkout.Checkout(c.Request.Context(), userCtx.UserID, bookingID, utils.ClientMetaFromRequest(c))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			h.fail(c, http.StatusNotFound, "booking_not_found", h.homeURL())
			return
		}
		h.logger.WithError(err).WithField("booking_id", bookingID).Error("Checkout failed")
		h.fail(c, statusForError(err), "payment_failed", h.bookingURL(bookingID))
		return
	}

	if result.AlreadyPaid {
		target := h.withQuery(h.confirmationURL(bookingID), "info", "already_paid")
		if wantsJSON(c) {
			c.JSON(http.StatusOK, gin.H{
				"already_paid": true,
				"booking":      result.Booking,
				"redirect_url": target,
			})
			return
		}
		c.Redirect(http.StatusSeeOther, target)
		return
	}

	if wantsJSON(c) {
		cfg := h.checkout.Config()
		c.JSON(http.StatusOK, gin.H{
			"checkout_url":    result.RedirectURL,
			"session_id":      result.SessionID,
			"booking_id":      result.Booking.ID,
			"amount":          result.Booking.FinalAmount,
			"currency":        cfg.Currency,
			"publishable_key": cfg.PublishableKey,
		})
		return
	}
	c.Redirect(http.StatusSeeOther, result.RedirectURL)
}

// ============================================================================
// SUCCESS RETURN - GET /api/v1/payments/success
// ============================================================================

// Success confirms a returning checkout against the provider and settles it
// @Summary Checkout success return
// @Description Verifies the checkout session with the provider and settles the booking
// @Tags Payments
// @Produce json
// @Param booking_id query int true "Booking ID"
// @Param session_id query string false "Checkout session ID"
// @Success 200 {object} map[string]interface{} "Booking and payment"
// @Success 303 "Session not paid, back to checkout"
// @Failure 400 {object} map[string]interface{} "Session belongs to another booking"
// @Failure 404 {object} map[string]interface{} "Booking not found"
// @Router /payments/success [get]
func (h *PaymentHandler) Success(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	bookingID, err := strconv.ParseInt(c.Query("booking_id"), 10, 64)
	if err != nil || bookingID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid booking_id"})
		return
	}
	sessionID := strings.TrimSpace(c.Query("session_id"))

	result, err := h.checkout.ConfirmReturn(c.Request.Context(), userCtx.UserID, bookingID, sessionID, utils.ClientMetaFromRequest(c))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "booking_not_found"})
		case errors.Is(err, services.ErrSessionMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_mismatch", "message": err.Error()})
		default:
			h.logger.WithError(err).WithFields(logrus.Fields{
				"booking_id": bookingID,
				"session_id": sessionID,
			}).Error("Failed to confirm payment")
			c.JSON(statusForError(err), gin.H{"error": "payment_confirmation_failed"})
		}
		return
	}

	if !result.Paid {
		c.Redirect(http.StatusSeeOther, h.withQuery(checkoutPath(bookingID), "error", "payment_incomplete"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":           fmt.Sprintf("Payment successful! Your booking reference is %s", result.Booking.BookingReference),
		"booking_reference": result.Booking.BookingReference,
		"booking":           result.Booking,
		"payment":           result.Payment,
	})
}

// ============================================================================
// CANCEL RETURN - GET /api/v1/payments/cancel
// ============================================================================

// Cancel shows the cancel notice. Nothing is mutated; the booking stays payable.
// @Summary Checkout cancel return
// @Tags Payments
// @Produce json
// @Param booking_id query int true "Booking ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{} "Booking not found"
// @Router /payments/cancel [get]
func (h *PaymentHandler) Cancel(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	bookingID, err := strconv.ParseInt(c.Query("booking_id"), 10, 64)
	if err != nil || bookingID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid booking_id"})
		return
	}

	booking, err := h.checkout.CancelInfo(c.Request.Context(), userCtx.UserID, bookingID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "booking_not_found"})
			return
		}
		h.logger.WithError(err).WithField("booking_id", bookingID).Error("Failed to load canceled booking")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Payment was canceled. Your booking is still reserved and can be paid later.",
		"booking":      booking,
		"checkout_url": checkoutPath(bookingID),
	})
}

// ============================================================================
// ADMIN - POST /api/v1/admin/payments/:intent_id/refund
// ============================================================================

// Refund refunds a completed payment in full or in part
// @Summary Refund payment
// @Tags Payments Admin
// @Accept json
// @Produce json
// @Param intent_id path string true "Payment intent ID"
// @Param request body RefundRequest false "Partial refund amount"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{} "Invalid amount"
// @Failure 404 {object} map[string]interface{} "No completed payment"
// @Failure 502 {object} map[string]interface{} "Provider error"
// @Router /admin/payments/{intent_id}/refund [post]
func (h *PaymentHandler) Refund(c *gin.Context) {
	intentID := c.Param("intent_id")

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	refunded, err := h.checkout.Refund(c.Request.Context(), intentID, req.Amount, utils.ClientMetaFromRequest(c))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no completed payment for intent"})
		case errors.Is(err, services.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "refund amount must be positive and not exceed the payment"})
		default:
			c.JSON(statusForError(err), gin.H{"error": "refund_failed", "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_intent_id": intentID,
		"refunded":          refunded,
	})
}

// GetIntent handles GET /api/v1/admin/payments/intents/:intent_id
func (h *PaymentHandler) GetIntent(c *gin.Context) {
	lookup, err := h.checkout.LookupIntent(c.Request.Context(), c.Param("intent_id"))
	if err != nil {
		h.logger.WithError(err).WithField("payment_intent_id", c.Param("intent_id")).Warn("Intent lookup failed")
		c.JSON(statusForError(err), gin.H{"error": "intent_lookup_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, lookup)
}

// fail redirects browsers to the front-end with an error flag; JSON clients
// get the flag in the body
func (h *PaymentHandler) fail(c *gin.Context, status int, code, target string) {
	if wantsJSON(c) {
		c.JSON(status, gin.H{"error": code})
		return
	}
	c.Redirect(http.StatusSeeOther, h.withQuery(target, "error", code))
}

func (h *PaymentHandler) homeURL() string {
	return h.frontendURL + "/"
}

func (h *PaymentHandler) bookingURL(bookingID int64) string {
	return fmt.Sprintf("%s/bookings/%d", h.frontendURL, bookingID)
}

func (h *PaymentHandler) confirmationURL(bookingID int64) string {
	return fmt.Sprintf("%s/bookings/%d/confirmation", h.frontendURL, bookingID)
}

func (h *PaymentHandler) withQuery(target, key, value string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + key + "=" + url.QueryEscape(value)
}

func checkoutPath(bookingID int64) string {
	return fmt.Sprintf("/api/v1/payments/checkout/%d", bookingID)
}

func wantsJSON(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "application/json")
}

func statusForError(err error) int {
	if errors.Is(err, services.ErrGateway) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
