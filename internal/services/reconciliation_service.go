package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/startickets/payment-backend/internal/database"
	"github.com/startickets/payment-backend/internal/models"
)

// SettlementOutcome is what the provider told us about a payment
type SettlementOutcome string

const (
	// OutcomeSucceeded settles by payment intent (payment_intent.succeeded)
	OutcomeSucceeded SettlementOutcome = "succeeded"
	// OutcomeCompleted settles by booking (checkout.session.completed, success return)
	OutcomeCompleted SettlementOutcome = "completed"
	// OutcomeFailed records a failed attempt (payment_intent.payment_failed)
	OutcomeFailed SettlementOutcome = "failed"
	// OutcomeCanceled records a canceled intent (payment_intent.canceled)
	OutcomeCanceled SettlementOutcome = "canceled"
)

// Settlement is one reconciliation request
type Settlement struct {
	Outcome   SettlementOutcome
	BookingID int64 // required for OutcomeCompleted
	IntentID  string
	SessionID string
	Reason    string
	Source    models.PaymentEventSource
}

// SettlementResult reports what a settlement changed
type SettlementResult struct {
	Outcome        SettlementOutcome
	Applied        bool // false when the booking or payment was unknown
	BookingChanged bool
	PaymentChanged bool
	PaymentCreated bool
	Booking        *models.Booking
	Payment        *models.Payment
}

// Changed reports whether any row was written
func (r *SettlementResult) Changed() bool {
	return r.BookingChanged || r.PaymentChanged || r.PaymentCreated
}

// ReconciliationService applies provider outcomes to bookings and payments.
// Webhooks and the success return share it so both paths follow the same rules.
type ReconciliationService struct {
	bookings *database.BookingRepository
	payments *database.PaymentRepository
	logger   *logrus.Logger
	now      func() time.Time
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(bookings *database.BookingRepository, payments *database.PaymentRepository, logger *logrus.Logger) *ReconciliationService {
	return &ReconciliationService{
		bookings: bookings,
		payments: payments,
		logger:   logger,
		now:      time.Now,
	}
}

// Settle applies s inside the caller's transaction q. The booking row is
// always locked before the payment row. Completed is never left.
func (r *ReconciliationService) Settle(ctx context.Context, q database.Queryer, s Settlement) (*SettlementResult, error) {
	bookings := r.bookings.WithTx(q)
	payments := r.payments.WithTx(q)

	switch s.Outcome {
	case OutcomeSucceeded:
		return r.settleSucceeded(ctx, bookings, payments, s)
	case OutcomeCompleted:
		return r.settleCompleted(ctx, bookings, payments, s)
	case OutcomeFailed, OutcomeCanceled:
		return r.settleFailed(ctx, bookings, payments, s)
	}
	return nil, fmt.Errorf("unknown settlement outcome %q", s.Outcome)
}

// settleSucceeded: payment by intent → Completed, its booking → Completed
func (r *ReconciliationService) settleSucceeded(ctx context.Context, bookings *database.BookingRepository, payments *database.PaymentRepository, s Settlement) (*SettlementResult, error) {
	result := &SettlementResult{Outcome: s.Outcome}
	log := r.logger.WithFields(logrus.Fields{"payment_intent_id": s.IntentID, "outcome": s.Outcome})

	booking, payment, err := r.lockByIntent(ctx, bookings, payments, s.IntentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		log.Info("No payment recorded for intent, nothing to settle")
		return result, nil
	}
	result.Applied = true
	result.Booking, result.Payment = booking, payment

	if payment.Status != models.PaymentStatusCompleted {
		changed, err := payments.MarkCompleted(ctx, s.IntentID, nil)
		if err != nil {
			return nil, persistenceErr("complete payment", err)
		}
		result.PaymentChanged = changed
		payment.Status = models.PaymentStatusCompleted
		payment.FailureReason = nil
	}

	if booking != nil {
		if err := r.completeBooking(ctx, bookings, booking, s.IntentID, result, log); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// settleCompleted: booking → Completed with the intent as transaction id,
// creating the payment row when none exists
func (r *ReconciliationService) settleCompleted(ctx context.Context, bookings *database.BookingRepository, payments *database.PaymentRepository, s Settlement) (*SettlementResult, error) {
	result := &SettlementResult{Outcome: s.Outcome}
	log := r.logger.WithFields(logrus.Fields{
		"booking_id":        s.BookingID,
		"payment_intent_id": s.IntentID,
		"session_id":        s.SessionID,
		"outcome":           s.Outcome,
	})

	// Sessions that needed no payment carry no intent; the session id stands in
	transactionID := s.IntentID
	if transactionID == "" {
		transactionID = s.SessionID
	}
	if transactionID == "" {
		return nil, fmt.Errorf("settlement for booking %d has neither intent nor session id", s.BookingID)
	}

	booking, err := bookings.GetByIDForUpdate(ctx, s.BookingID)
	if err != nil {
		return nil, persistenceErr("lock booking", err)
	}
	if booking == nil {
		log.Warn("Booking not found, nothing to settle")
		return result, nil
	}
	result.Applied = true
	result.Booking = booking

	payment, err := payments.GetByIntentIDForUpdate(ctx, transactionID)
	if err != nil {
		return nil, persistenceErr("lock payment", err)
	}
	if payment != nil && payment.BookingID != booking.ID {
		log.WithField("payment_booking_id", payment.BookingID).Error("Payment intent is recorded against another booking")
		return result, nil
	}
	result.Payment = payment

	if booking.IsPaid() && booking.TransactionID() != transactionID {
		// A second paid session for one booking; leave it for a refund
		log.WithField("existing_transaction_id", booking.TransactionID()).Warn("Booking already completed by another payment")
		return result, nil
	}

	if !booking.IsPaid() {
		if err := r.completeBooking(ctx, bookings, booking, transactionID, result, log); err != nil {
			return nil, err
		}
	}

	var sessionID *string
	if s.SessionID != "" {
		sessionID = &s.SessionID
	}

	switch {
	case payment == nil:
		created := models.NewCompletedPayment(booking, transactionID, s.SessionID, r.now())
		ok, err := payments.CreateIfAbsent(ctx, created)
		if err != nil {
			return nil, persistenceErr("create payment", err)
		}
		if ok {
			result.PaymentCreated = true
			result.Payment = created
			break
		}
		// Lost an insert race on the intent; settle the row that won
		changed, err := payments.MarkCompleted(ctx, transactionID, sessionID)
		if err != nil {
			return nil, persistenceErr("complete payment", err)
		}
		result.PaymentChanged = changed
	case payment.Status != models.PaymentStatusCompleted:
		changed, err := payments.MarkCompleted(ctx, transactionID, sessionID)
		if err != nil {
			return nil, persistenceErr("complete payment", err)
		}
		result.PaymentChanged = changed
		payment.Status = models.PaymentStatusCompleted
		payment.FailureReason = nil
	}

	return result, nil
}

// settleFailed: payment → Failed unless Completed, Pending booking → Failed
func (r *ReconciliationService) settleFailed(ctx context.Context, bookings *database.BookingRepository, payments *database.PaymentRepository, s Settlement) (*SettlementResult, error) {
	result := &SettlementResult{Outcome: s.Outcome}
	log := r.logger.WithFields(logrus.Fields{"payment_intent_id": s.IntentID, "outcome": s.Outcome})

	reason := s.Reason
	if s.Outcome == OutcomeCanceled {
		reason = models.CanceledFailureReason
	}
	if reason == "" {
		reason = "Payment failed"
	}

	booking, payment, err := r.lockByIntent(ctx, bookings, payments, s.IntentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		log.Info("No payment recorded for intent, nothing to settle")
		return result, nil
	}
	result.Applied = true
	result.Booking, result.Payment = booking, payment

	if payment.Status == models.PaymentStatusCompleted {
		log.Warn("Ignoring failure for a completed payment")
		return result, nil
	}

	changed, err := payments.MarkFailed(ctx, s.IntentID, reason)
	if err != nil {
		return nil, persistenceErr("fail payment", err)
	}
	result.PaymentChanged = changed
	payment.Status = models.PaymentStatusFailed
	payment.FailureReason = &reason

	if booking != nil && booking.PaymentStatus == models.PaymentStatusPending {
		changed, err := bookings.MarkFailed(ctx, booking.ID)
		if err != nil {
			return nil, persistenceErr("fail booking", err)
		}
		result.BookingChanged = changed
		if changed {
			booking.PaymentStatus = models.PaymentStatusFailed
		}
	}

	log.WithFields(logrus.Fields{
		"reason":          reason,
		"booking_changed": result.BookingChanged,
	}).Info("Payment failure recorded")
	return result, nil
}

// lockByIntent finds the booking of an intent and locks booking then payment
func (r *ReconciliationService) lockByIntent(ctx context.Context, bookings *database.BookingRepository, payments *database.PaymentRepository, intentID string) (*models.Booking, *models.Payment, error) {
	if intentID == "" {
		return nil, nil, errors.New("payment intent id is required")
	}

	probe, err := payments.GetByIntentID(ctx, intentID)
	if err != nil {
		return nil, nil, persistenceErr("find payment", err)
	}
	if probe == nil {
		return nil, nil, nil
	}

	booking, err := bookings.GetByIDForUpdate(ctx, probe.BookingID)
	if err != nil {
		return nil, nil, persistenceErr("lock booking", err)
	}

	payment, err := payments.GetByIntentIDForUpdate(ctx, intentID)
	if err != nil {
		return nil, nil, persistenceErr("lock payment", err)
	}
	return booking, payment, nil
}

func (r *ReconciliationService) completeBooking(ctx context.Context, bookings *database.BookingRepository, booking *models.Booking, transactionID string, result *SettlementResult, log *logrus.Entry) error {
	if booking.IsPaid() {
		return nil
	}

	previous := booking.PaymentStatus
	changed, err := bookings.MarkCompleted(ctx, booking.ID, transactionID, models.DefaultPaymentMethod)
	if err != nil {
		return persistenceErr("complete booking", err)
	}
	result.BookingChanged = changed
	if !changed {
		return nil
	}

	method := models.DefaultPaymentMethod
	booking.PaymentStatus = models.PaymentStatusCompleted
	booking.PaymentTransactionID = &transactionID
	booking.PaymentMethod = &method

	entry := log.WithField("booking_id", booking.ID)
	if previous == models.PaymentStatusFailed {
		entry.Warn("Booking recovered from Failed by a later successful payment")
	} else {
		entry.Info("Booking completed")
	}
	return nil
}
