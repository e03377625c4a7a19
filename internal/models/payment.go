package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is the only currency the payment core handles
const DefaultCurrency = "usd"

// CanceledFailureReason is stored on payments whose intent was canceled
const CanceledFailureReason = "Payment was canceled by user"

// Payment is one settlement attempt for a booking, keyed by the provider
// payment intent id. Failures update the same row.
type Payment struct {
	ID                    int64           `json:"payment_id" db:"payment_id"`
	BookingID             int64           `json:"booking_id" db:"booking_id"`
	StripePaymentIntentID string          `json:"stripe_payment_intent_id" db:"stripe_payment_intent_id"`
	StripeSessionID       *string         `json:"stripe_session_id,omitempty" db:"stripe_session_id"`
	Amount                decimal.Decimal `json:"amount" db:"amount"`
	Currency              string          `json:"currency" db:"currency"`
	Status                PaymentStatus   `json:"status" db:"status"`
	PaymentMethod         *string         `json:"payment_method,omitempty" db:"payment_method"`
	FailureReason         *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// NewCompletedPayment builds the payment row written when a booking is
// settled through checkout (webhook or return leg)
func NewCompletedPayment(booking *Booking, intentID, sessionID string, now time.Time) *Payment {
	method := DefaultPaymentMethod
	p := &Payment{
		BookingID:             booking.ID,
		StripePaymentIntentID: intentID,
		Amount:                booking.FinalAmount,
		Currency:              DefaultCurrency,
		Status:                PaymentStatusCompleted,
		PaymentMethod:         &method,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if sessionID != "" {
		p.StripeSessionID = &sessionID
	}
	return p
}
