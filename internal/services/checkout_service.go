package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/startickets/payment-backend/internal/database"
	"github.com/startickets/payment-backend/internal/models"
	"github.com/startickets/payment-backend/internal/utils"
)

// CheckoutConfig holds the URLs and keys the checkout flow hands out
type CheckoutConfig struct {
	PublicURL      string
	PublishableKey string
	Currency       string
	CacheTTL       time.Duration
}

// CheckoutResult is the outcome of starting a checkout
type CheckoutResult struct {
	Booking     *models.Booking
	AlreadyPaid bool
	SessionID   string
	RedirectURL string
	Reused      bool
}

// ReturnResult is the outcome of the customer's return from the provider
type ReturnResult struct {
	Booking *models.Booking
	Payment *models.Payment
	Paid    bool
}

// IntentLookup is the support view of one payment intent
type IntentLookup struct {
	Intent     *PaymentIntentInfo     `json:"intent"`
	Payment    *models.Payment        `json:"payment,omitempty"`
	AuditTrail []*models.PaymentAudit `json:"audit_trail"`
}

// CheckoutService orchestrates the customer-facing payment flow
type CheckoutService struct {
	db         database.TxBeginner
	bookings   *database.BookingRepository
	payments   *database.PaymentRepository
	reconciler *ReconciliationService
	gateway    PaymentGateway
	cache      CheckoutCache
	publisher  EventPublisher
	audit      PaymentAuditStore
	config     CheckoutConfig
	logger     *logrus.Logger
	now        func() time.Time
}

// NewCheckoutService creates a new checkout service. cache may be nil.
func NewCheckoutService(
	db database.TxBeginner,
	bookings *database.BookingRepository,
	payments *database.PaymentRepository,
	reconciler *ReconciliationService,
	gateway PaymentGateway,
	cache CheckoutCache,
	publisher EventPublisher,
	audit PaymentAuditStore,
	cfg CheckoutConfig,
	logger *logrus.Logger,
) *CheckoutService {
	if cfg.Currency == "" {
		cfg.Currency = models.DefaultCurrency
	}
	return &CheckoutService{
		db:         db,
		bookings:   bookings,
		payments:   payments,
		reconciler: reconciler,
		gateway:    gateway,
		cache:      cache,
		publisher:  publisher,
		audit:      audit,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Config returns the checkout configuration
func (s *CheckoutService) Config() CheckoutConfig {
	return s.config
}

// SuccessURL is where the provider sends the customer after paying
func (s *CheckoutService) SuccessURL(bookingID int64) string {
	return fmt.Sprintf("%s/api/v1/payments/success?booking_id=%d&session_id={CHECKOUT_SESSION_ID}", s.config.PublicURL, bookingID)
}

// CancelURL is where the provider sends the customer after backing out
func (s *CheckoutService) CancelURL(bookingID int64) string {
	return fmt.Sprintf("%s/api/v1/payments/cancel?booking_id=%d", s.config.PublicURL, bookingID)
}

// Checkout starts (or resumes) a hosted checkout for the customer's booking.
// Returns ErrNotFound when the booking does not exist or is not theirs.
func (s *CheckoutService) Checkout(ctx context.Context, customerID, bookingID int64, meta utils.ClientMeta) (*CheckoutResult, error) {
	log := s.logger.WithFields(logrus.Fields{"booking_id": bookingID, "customer_id": customerID})

	booking, err := s.bookings.GetByIDForCustomer(ctx, bookingID, customerID)
	if err != nil {
		return nil, persistenceErr("load booking", err)
	}
	if booking == nil {
		return nil, ErrNotFound
	}

	result := &CheckoutResult{Booking: booking}
	if booking.IsPaid() {
		log.Info("Checkout requested for a paid booking")
		result.AlreadyPaid = true
		return result, nil
	}

	if cached := s.cachedCheckout(ctx, bookingID, log); cached != nil {
		result.SessionID = cached.SessionID
		result.RedirectURL = cached.URL
		result.Reused = true
		s.recordAudit(ctx, s.checkoutAudit(models.PaymentEventCheckoutReused, booking, cached.SessionID, meta))
		return result, nil
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, booking, s.SuccessURL(bookingID), s.CancelURL(bookingID))
	if err != nil {
		log.WithError(err).Error("Checkout session creation failed")
		s.recordAudit(ctx, s.checkoutAudit(models.PaymentEventCheckoutFailed, booking, "", meta).SetError(err))
		return nil, err
	}

	result.SessionID = session.SessionID
	result.RedirectURL = session.URL

	if s.cache != nil {
		ttl := s.config.CacheTTL
		if remaining := session.ExpiresAt.Sub(s.now()); remaining < ttl {
			ttl = remaining
		}
		if ttl > 0 {
			cached := &CachedCheckout{SessionID: session.SessionID, URL: session.URL, ExpiresAt: session.ExpiresAt}
			if err := s.cache.Set(ctx, bookingID, cached, ttl); err != nil {
				log.WithError(err).Warn("Failed to cache checkout session")
			}
		}
	}

	s.recordAudit(ctx, s.checkoutAudit(models.PaymentEventCheckoutCreated, booking, session.SessionID, meta))
	return result, nil
}

func (s *CheckoutService) cachedCheckout(ctx context.Context, bookingID int64, log *logrus.Entry) *CachedCheckout {
	if s.cache == nil {
		return nil
	}
	cached, err := s.cache.Get(ctx, bookingID)
	if err != nil {
		log.WithError(err).Warn("Checkout cache unavailable")
		return nil
	}
	// Leave the customer enough time to actually pay
	if cached == nil || cached.URL == "" || cached.ExpiresAt.Before(s.now().Add(5*time.Minute)) {
		return nil
	}
	return cached
}

// ConfirmReturn handles the customer's return from a paid checkout. The
// live session decides; the settlement is the one webhooks use.
func (s *CheckoutService) ConfirmReturn(ctx context.Context, customerID, bookingID int64, sessionID string, meta utils.ClientMeta) (*ReturnResult, error) {
	log := s.logger.WithFields(logrus.Fields{"booking_id": bookingID, "session_id": sessionID})

	booking, err := s.bookings.GetByIDForCustomer(ctx, bookingID, customerID)
	if err != nil {
		return nil, persistenceErr("load booking", err)
	}
	if booking == nil {
		return nil, ErrNotFound
	}

	if sessionID == "" {
		return s.currentState(ctx, booking)
	}

	info, err := s.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ref, ok := info.Metadata[MetadataBookingID]; ok && ref != fmt.Sprint(bookingID) {
		log.WithField("session_booking_id", ref).Warn("Checkout session belongs to another booking")
		return nil, ErrSessionMismatch
	}

	if !info.IsPaid() {
		log.WithField("payment_status", info.PaymentStatus).Info("Customer returned from an unpaid session")
		s.recordAudit(ctx, s.checkoutAudit(models.PaymentEventReturnUnpaid, booking, sessionID, meta))
		return s.currentState(ctx, booking)
	}

	var settlement *SettlementResult
	err = database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := s.reconciler.Settle(ctx, tx, Settlement{
			Outcome:   OutcomeCompleted,
			BookingID: bookingID,
			IntentID:  info.PaymentIntentID,
			SessionID: sessionID,
			Source:    models.PaymentSourceReturnLeg,
		})
		settlement = res
		return err
	})
	if err != nil {
		log.WithError(err).Error("Failed to settle returning checkout")
		return nil, err
	}

	notifySettlement(ctx, s.publisher, s.audit, s.logger, "", settlement, models.PaymentSourceReturnLeg)
	s.recordAudit(ctx, s.checkoutAudit(models.PaymentEventReturnConfirmed, booking, sessionID, meta).
		SetPaymentIntent(info.PaymentIntentID))
	if s.cache != nil {
		if err := s.cache.Delete(ctx, bookingID); err != nil {
			log.WithError(err).Warn("Failed to clear checkout cache")
		}
	}

	result := &ReturnResult{Booking: booking, Payment: settlement.Payment, Paid: true}
	if settlement.Booking != nil {
		result.Booking = settlement.Booking
		result.Paid = settlement.Booking.IsPaid()
	}
	if result.Payment == nil {
		if result.Payment, err = s.payments.GetLatestForBooking(ctx, bookingID); err != nil {
			return nil, persistenceErr("load payment", err)
		}
	}
	return result, nil
}

func (s *CheckoutService) currentState(ctx context.Context, booking *models.Booking) (*ReturnResult, error) {
	result := &ReturnResult{Booking: booking, Paid: booking.IsPaid()}
	if result.Paid {
		payment, err := s.payments.GetLatestForBooking(ctx, booking.ID)
		if err != nil {
			return nil, persistenceErr("load payment", err)
		}
		result.Payment = payment
	}
	return result, nil
}

// CancelInfo returns the booking for the cancel notice. It never mutates state.
func (s *CheckoutService) CancelInfo(ctx context.Context, customerID, bookingID int64) (*models.Booking, error) {
	booking, err := s.bookings.GetByIDForCustomer(ctx, bookingID, customerID)
	if err != nil {
		return nil, persistenceErr("load booking", err)
	}
	if booking == nil {
		return nil, ErrNotFound
	}
	return booking, nil
}

// Refund refunds a completed payment in full or in part. Booking state is
// left alone.
func (s *CheckoutService) Refund(ctx context.Context, intentID string, amount *decimal.Decimal, meta utils.ClientMeta) (bool, error) {
	log := s.logger.WithField("payment_intent_id", intentID)

	payment, err := s.payments.GetByIntentID(ctx, intentID)
	if err != nil {
		return false, persistenceErr("load payment", err)
	}
	if payment == nil || payment.Status != models.PaymentStatusCompleted {
		return false, ErrNotFound
	}
	if amount != nil && (!amount.IsPositive() || amount.GreaterThan(payment.Amount)) {
		return false, ErrInvalidAmount
	}

	refunded := payment.Amount
	if amount != nil {
		refunded = *amount
	}

	audit := models.NewPaymentAudit(models.PaymentEventRefundCompleted, models.PaymentSourceStripeAPI).
		SetBooking(payment.BookingID, "").
		SetPaymentIntent(intentID).
		SetAmount(refunded, payment.Currency).
		SetClient(meta.IP, meta.UserAgent, meta.DeviceType).
		SetCorrelationID(meta.CorrelationID)

	ok, err := s.gateway.RefundPayment(ctx, intentID, amount)
	if err != nil || !ok {
		audit.EventType = models.PaymentEventRefundFailed
		audit.SetError(err)
	}
	s.recordAudit(ctx, audit)

	if err != nil {
		log.WithError(err).Error("Refund failed")
		return false, err
	}
	log.WithFields(logrus.Fields{"amount": refunded.StringFixed(2), "succeeded": ok}).Info("Refund requested")
	return ok, nil
}

// LookupIntent returns the provider's view of an intent with local state
func (s *CheckoutService) LookupIntent(ctx context.Context, intentID string) (*IntentLookup, error) {
	info, err := s.gateway.ProcessPayment(ctx, intentID)
	if err != nil {
		return nil, err
	}

	payment, err := s.payments.GetByIntentID(ctx, intentID)
	if err != nil {
		return nil, persistenceErr("load payment", err)
	}

	trail, err := s.audit.GetByPaymentIntentID(ctx, intentID)
	if err != nil {
		return nil, persistenceErr("load audit trail", err)
	}
	if trail == nil {
		trail = []*models.PaymentAudit{}
	}

	return &IntentLookup{Intent: info, Payment: payment, AuditTrail: trail}, nil
}

func (s *CheckoutService) checkoutAudit(eventType models.PaymentEventType, booking *models.Booking, sessionID string, meta utils.ClientMeta) *models.PaymentAudit {
	return models.NewPaymentAudit(eventType, models.PaymentSourceBackend).
		SetBooking(booking.ID, booking.BookingReference).
		SetSession(sessionID).
		SetAmount(booking.FinalAmount, s.config.Currency).
		SetPaymentStatus(string(booking.PaymentStatus)).
		SetClient(meta.IP, meta.UserAgent, meta.DeviceType).
		SetCorrelationID(meta.CorrelationID)
}

func (s *CheckoutService) recordAudit(ctx context.Context, audit *models.PaymentAudit) {
	if err := s.audit.Log(ctx, audit); err != nil {
		s.logger.WithError(err).WithField("event_type", audit.EventType).Warn("Payment audit write failed")
	}
}
