package models

import "time"

// PaymentWebhook is the audit and dedup ledger row for one provider event.
// StripeEventID is unique; Processed flips to true only after the event's
// state transition committed.
type PaymentWebhook struct {
	ID            int64      `json:"webhook_id" db:"webhook_id"`
	StripeEventID string     `json:"stripe_event_id" db:"stripe_event_id"`
	EventType     string     `json:"event_type" db:"event_type"`
	Payload       string     `json:"payload" db:"payload"`
	Processed     bool       `json:"processed" db:"processed"`
	Attempts      int        `json:"attempts" db:"attempts"`
	LastError     *string    `json:"last_error,omitempty" db:"last_error"`
	ReceivedAt    time.Time  `json:"received_at" db:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}
