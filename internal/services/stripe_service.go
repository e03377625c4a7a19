package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/startickets/payment-backend/internal/config"
	"github.com/startickets/payment-backend/internal/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Metadata keys attached to every checkout session. Webhook handlers read
// them back to find the booking.
const (
	MetadataBookingID        = "bookingId"
	MetadataBookingReference = "bookingReference"
	MetadataCustomerID       = "customerId"
	MetadataEventID          = "eventId"
)

// PaymentGateway is the provider surface the payment core depends on
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, booking *models.Booking, successURL, cancelURL string) (*CheckoutSessionResult, error)
	VerifyWebhookSignature(payload []byte, signature string) bool
	ConstructEvent(payload []byte, signature string) (*stripe.Event, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSessionInfo, error)
	ProcessPayment(ctx context.Context, intentID string) (*PaymentIntentInfo, error)
	RefundPayment(ctx context.Context, intentID string, amount *decimal.Decimal) (bool, error)
}

// CheckoutSessionResult is a freshly created hosted checkout page
type CheckoutSessionResult struct {
	SessionID string
	URL       string
	ExpiresAt time.Time
}

// CheckoutSessionInfo is the live state of a checkout session
type CheckoutSessionInfo struct {
	ID              string
	Status          string // open, complete, expired
	PaymentStatus   string // paid, unpaid, no_payment_required
	PaymentIntentID string
	Metadata        map[string]string
}

// IsPaid reports whether the customer has paid for the session
func (s *CheckoutSessionInfo) IsPaid() bool {
	return s.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid) ||
		s.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusNoPaymentRequired)
}

// PaymentIntentInfo is a provider-neutral view of a payment intent
type PaymentIntentInfo struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Succeeded      bool              `json:"succeeded"`
	FailureMessage string            `json:"failure_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// StripeService talks to Stripe with an explicitly configured client
type StripeService struct {
	client *client.API
	config config.StripeConfig
	logger *logrus.Logger
	now    func() time.Time
}

// NewStripeService creates a Stripe gateway from explicit configuration
func NewStripeService(cfg config.StripeConfig, logger *logrus.Logger) *StripeService {
	backendConfig := &stripe.BackendConfig{
		LeveledLogger:     logger,
		MaxNetworkRetries: stripe.Int64(2),
	}
	if cfg.APIBaseURL != "" {
		backendConfig.URL = stripe.String(cfg.APIBaseURL)
		backendConfig.MaxNetworkRetries = stripe.Int64(0)
	}

	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	}

	if cfg.Currency == "" {
		cfg.Currency = models.DefaultCurrency
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = webhook.DefaultTolerance
	}

	return &StripeService{
		client: client.New(cfg.SecretKey, backends),
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// ToMinorUnits converts a currency amount to cents
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromMinorUnits converts cents to a currency amount
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// CreateCheckoutSession creates a single line item hosted checkout for the booking
func (s *StripeService) CreateCheckoutSession(ctx context.Context, booking *models.Booking, successURL, cancelURL string) (*CheckoutSessionResult, error) {
	if booking == nil {
		return nil, gatewayErr("create checkout session", errors.New("booking is required"))
	}
	if !booking.FinalAmount.IsPositive() {
		return nil, gatewayErr("create checkout session", ErrInvalidAmount)
	}

	expiresAt := s.now().Add(s.config.SessionTTL)

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{models.DefaultPaymentMethod}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(s.config.Currency),
					UnitAmount: stripe.Int64(ToMinorUnits(booking.FinalAmount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(fmt.Sprintf("Event Tickets - %s", booking.EventName)),
						Description: stripe.String(fmt.Sprintf("Booking Reference: %s", booking.BookingReference)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		ExpiresAt:  stripe.Int64(expiresAt.Unix()),
	}
	if booking.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(booking.CustomerEmail)
	}
	params.AddMetadata(MetadataBookingID, strconv.FormatInt(booking.ID, 10))
	params.AddMetadata(MetadataBookingReference, booking.BookingReference)
	params.AddMetadata(MetadataCustomerID, strconv.FormatInt(booking.CustomerID, 10))
	params.AddMetadata(MetadataEventID, strconv.FormatInt(booking.EventID, 10))
	params.Context = ctx

	sess, err := s.client.CheckoutSessions.New(params)
	if err != nil {
		s.logger.WithError(err).WithField("booking_id", booking.ID).Error("Failed to create checkout session")
		return nil, gatewayErr("create checkout session", err)
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"session_id": sess.ID,
	}).Info("Created checkout session")

	return &CheckoutSessionResult{
		SessionID: sess.ID,
		URL:       sess.URL,
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyWebhookSignature reports whether payload carries a valid signature
func (s *StripeService) VerifyWebhookSignature(payload []byte, signature string) bool {
	_, err := s.ConstructEvent(payload, signature)
	return err == nil
}

// ConstructEvent authenticates and parses a webhook payload
func (s *StripeService) ConstructEvent(payload []byte, signature string) (*stripe.Event, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", ErrSignatureInvalid)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.config.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.config.WebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: event id or type missing", ErrSignatureInvalid)
	}
	return &event, nil
}

// GetCheckoutSession fetches the live state of a checkout session
func (s *StripeService) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSessionInfo, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := s.client.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to retrieve checkout session")
		return nil, gatewayErr("get checkout session", err)
	}

	info := &CheckoutSessionInfo{
		ID:            sess.ID,
		Status:        string(sess.Status),
		PaymentStatus: string(sess.PaymentStatus),
		Metadata:      sess.Metadata,
	}
	if sess.PaymentIntent != nil {
		info.PaymentIntentID = sess.PaymentIntent.ID
	}
	return info, nil
}

// GetPaymentIntent fetches a payment intent
func (s *StripeService) GetPaymentIntent(ctx context.Context, intentID string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.client.PaymentIntents.Get(intentID, params)
	if err != nil {
		s.logger.WithError(err).WithField("payment_intent_id", intentID).Error("Failed to retrieve payment intent")
		return nil, gatewayErr("get payment intent", err)
	}
	return pi, nil
}

// ProcessPayment reads a payment intent back from the provider and
// summarises its outcome
func (s *StripeService) ProcessPayment(ctx context.Context, intentID string) (*PaymentIntentInfo, error) {
	pi, err := s.GetPaymentIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return intentInfo(pi), nil
}

// RefundPayment refunds the intent in full, or partially when amount is set.
// Returns true when the provider reports the refund as succeeded.
func (s *StripeService) RefundPayment(ctx context.Context, intentID string, amount *decimal.Decimal) (bool, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	if amount != nil {
		if !amount.IsPositive() {
			return false, gatewayErr("refund", ErrInvalidAmount)
		}
		params.Amount = stripe.Int64(ToMinorUnits(*amount))
	}
	params.Context = ctx

	refund, err := s.client.Refunds.New(params)
	if err != nil {
		s.logger.WithError(err).WithField("payment_intent_id", intentID).Error("Failed to create refund")
		return false, gatewayErr("refund", err)
	}

	s.logger.WithFields(logrus.Fields{
		"payment_intent_id": intentID,
		"refund_id":         refund.ID,
		"status":            refund.Status,
	}).Info("Created refund")

	return refund.Status == stripe.RefundStatusSucceeded, nil
}

func intentInfo(pi *stripe.PaymentIntent) *PaymentIntentInfo {
	info := &PaymentIntentInfo{
		ID:        pi.ID,
		Status:    string(pi.Status),
		Amount:    FromMinorUnits(pi.Amount),
		Currency:  string(pi.Currency),
		Succeeded: pi.Status == stripe.PaymentIntentStatusSucceeded,
		Metadata:  pi.Metadata,
	}
	if pi.LastPaymentError != nil {
		info.FailureMessage = pi.LastPaymentError.Msg
	}
	return info
}
