package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is shared by bookings and payments
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "Pending"
	PaymentStatusCompleted PaymentStatus = "Completed"
	PaymentStatusFailed    PaymentStatus = "Failed"
)

// IsTerminal reports whether the status is a settled outcome
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// DefaultPaymentMethod is the only method offered through hosted checkout
const DefaultPaymentMethod = "card"

// Booking is a ticket reservation as seen by the payment core.
// EventName and CustomerEmail are read-only joins used for the checkout line item.
type Booking struct {
	ID                   int64           `json:"booking_id" db:"booking_id"`
	BookingReference     string          `json:"booking_reference" db:"booking_reference"`
	CustomerID           int64           `json:"customer_id" db:"customer_id"`
	EventID              int64           `json:"event_id" db:"event_id"`
	EventName            string          `json:"event_name,omitempty" db:"event_name"`
	CustomerEmail        string          `json:"-" db:"customer_email"`
	FinalAmount          decimal.Decimal `json:"final_amount" db:"final_amount"`
	PaymentStatus        PaymentStatus   `json:"payment_status" db:"payment_status"`
	PaymentMethod        *string         `json:"payment_method,omitempty" db:"payment_method"`
	PaymentTransactionID *string         `json:"payment_transaction_id,omitempty" db:"payment_transaction_id"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// IsPaid returns true once the booking has been settled successfully
func (b *Booking) IsPaid() bool {
	return b.PaymentStatus == PaymentStatusCompleted
}

// TransactionID returns the provider transaction id or an empty string
func (b *Booking) TransactionID() string {
	if b.PaymentTransactionID == nil {
		return ""
	}
	return *b.PaymentTransactionID
}
