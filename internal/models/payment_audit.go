package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentEventType represents the type of payment event
type PaymentEventType string

const (
	PaymentEventCheckoutCreated      PaymentEventType = "checkout_created"
	PaymentEventCheckoutReused       PaymentEventType = "checkout_reused"
	PaymentEventCheckoutFailed       PaymentEventType = "checkout_failed"
	PaymentEventWebhookReceived      PaymentEventType = "webhook_received"
	PaymentEventWebhookRejected      PaymentEventType = "webhook_rejected"
	PaymentEventWebhookDuplicate     PaymentEventType = "webhook_duplicate"
	PaymentEventWebhookFailed        PaymentEventType = "webhook_failed"
	PaymentEventReturnConfirmed      PaymentEventType = "return_confirmed"
	PaymentEventReturnUnpaid         PaymentEventType = "return_unpaid"
	PaymentEventSettlementApplied    PaymentEventType = "settlement_applied"
	PaymentEventRefundCompleted      PaymentEventType = "refund_completed"
	PaymentEventRefundFailed         PaymentEventType = "refund_failed"
	PaymentEventReconciliationIgnore PaymentEventType = "reconciliation_ignored"
)

// PaymentEventSource identifies where the event originated
type PaymentEventSource string

const (
	PaymentSourceBackend       PaymentEventSource = "backend"
	PaymentSourceStripeWebhook PaymentEventSource = "stripe_webhook"
	PaymentSourceStripeAPI     PaymentEventSource = "stripe_api"
	PaymentSourceReturnLeg     PaymentEventSource = "return_leg"
	PaymentSourceReplay        PaymentEventSource = "replay"
)

// JSONB is a map stored as a JSON column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	}
	return nil
}

// PaymentAudit is an immutable audit log entry for payment events
type PaymentAudit struct {
	ID               uuid.UUID          `json:"id" db:"id"`
	BookingID        *int64             `json:"booking_id,omitempty" db:"booking_id"`
	BookingReference *string            `json:"booking_reference,omitempty" db:"booking_reference"`
	PaymentIntentID  *string            `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	SessionID        *string            `json:"session_id,omitempty" db:"session_id"`
	StripeEventID    *string            `json:"stripe_event_id,omitempty" db:"stripe_event_id"`
	EventType        PaymentEventType   `json:"event_type" db:"event_type"`
	EventSource      PaymentEventSource `json:"event_source" db:"event_source"`

	Amount   *decimal.Decimal `json:"amount,omitempty" db:"amount"`
	Currency *string          `json:"currency,omitempty" db:"currency"`

	PaymentStatus *string `json:"payment_status,omitempty" db:"payment_status"`
	Details       JSONB   `json:"details,omitempty" db:"details"`
	ErrorMessage  *string `json:"error_message,omitempty" db:"error_message"`

	IPAddress     *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent     *string `json:"user_agent,omitempty" db:"user_agent"`
	DeviceType    *string `json:"device_type,omitempty" db:"device_type"`
	CorrelationID *string `json:"correlation_id,omitempty" db:"correlation_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewPaymentAudit creates a new payment audit entry with required fields
func NewPaymentAudit(eventType PaymentEventType, source PaymentEventSource) *PaymentAudit {
	return &PaymentAudit{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
	}
}

// SetBooking records the booking the event concerns
func (pa *PaymentAudit) SetBooking(id int64, reference string) *PaymentAudit {
	pa.BookingID = &id
	if reference != "" {
		pa.BookingReference = &reference
	}
	return pa
}

// SetPaymentIntent sets the provider payment intent id
func (pa *PaymentAudit) SetPaymentIntent(id string) *PaymentAudit {
	if id != "" {
		pa.PaymentIntentID = &id
	}
	return pa
}

// SetSession sets the provider checkout session id
func (pa *PaymentAudit) SetSession(id string) *PaymentAudit {
	if id != "" {
		pa.SessionID = &id
	}
	return pa
}

// SetStripeEvent sets the provider event id
func (pa *PaymentAudit) SetStripeEvent(id string) *PaymentAudit {
	if id != "" {
		pa.StripeEventID = &id
	}
	return pa
}

// SetAmount sets the amount and currency
func (pa *PaymentAudit) SetAmount(amount decimal.Decimal, currency string) *PaymentAudit {
	pa.Amount = &amount
	pa.Currency = &currency
	return pa
}

// SetPaymentStatus sets the resulting payment status
func (pa *PaymentAudit) SetPaymentStatus(status string) *PaymentAudit {
	pa.PaymentStatus = &status
	return pa
}

// SetDetail adds a key to the details payload
func (pa *PaymentAudit) SetDetail(key string, value interface{}) *PaymentAudit {
	if pa.Details == nil {
		pa.Details = JSONB{}
	}
	pa.Details[key] = value
	return pa
}

// SetError sets error information
func (pa *PaymentAudit) SetError(err error) *PaymentAudit {
	if err != nil {
		msg := err.Error()
		pa.ErrorMessage = &msg
	}
	return pa
}

// SetClient sets request metadata
func (pa *PaymentAudit) SetClient(ip, userAgent, deviceType string) *PaymentAudit {
	if ip != "" {
		pa.IPAddress = &ip
	}
	if userAgent != "" {
		pa.UserAgent = &userAgent
	}
	if deviceType != "" {
		pa.DeviceType = &deviceType
	}
	return pa
}

// SetCorrelationID ties the entry to a request
func (pa *PaymentAudit) SetCorrelationID(id string) *PaymentAudit {
	if id != "" {
		pa.CorrelationID = &id
	}
	return pa
}
