package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/startickets/payment-backend/internal/models"
)

// ErrWebhookAlreadyProcessed is returned when a record was flipped to
// processed by someone else between claim and mark.
var ErrWebhookAlreadyProcessed = errors.New("webhook already processed")

// PaymentWebhookRepository is the ledger of received provider events
type PaymentWebhookRepository struct {
	db Queryer
}

// NewPaymentWebhookRepository creates a new PaymentWebhookRepository
func NewPaymentWebhookRepository(db Queryer) *PaymentWebhookRepository {
	return &PaymentWebhookRepository{db: db}
}

// WithTx returns a copy of the repository bound to q
func (r *PaymentWebhookRepository) WithTx(q Queryer) *PaymentWebhookRepository {
	return &PaymentWebhookRepository{db: q}
}

const webhookSelect = `
	SELECT webhook_id, stripe_event_id, event_type, payload, processed,
		   attempts, last_error, received_at, processed_at
	FROM payment_webhooks`

// RecordReceived stores a verified event as unprocessed. A redelivery of
// the same event id keeps the original row and returns false.
func (r *PaymentWebhookRepository) RecordReceived(ctx context.Context, rec *models.PaymentWebhook) (bool, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}

	query := `
		INSERT INTO payment_webhooks (stripe_event_id, event_type, payload, processed, received_at)
		VALUES ($1, $2, $3, FALSE, $4)
		ON CONFLICT (stripe_event_id) DO NOTHING
		RETURNING webhook_id
	`

	err := r.db.QueryRowxContext(ctx, query, rec.StripeEventID, rec.EventType, rec.Payload, rec.ReceivedAt).Scan(&rec.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record webhook: %w", err)
	}
	return true, nil
}

// GetByEventID retrieves a record by provider event id. Returns nil, nil when absent.
func (r *PaymentWebhookRepository) GetByEventID(ctx context.Context, eventID string) (*models.PaymentWebhook, error) {
	return r.get(ctx, webhookSelect+` WHERE stripe_event_id = $1`, eventID)
}

// ClaimForUpdate row-locks the record of eventID. Concurrent deliveries of
// one event serialise here.
func (r *PaymentWebhookRepository) ClaimForUpdate(ctx context.Context, eventID string) (*models.PaymentWebhook, error) {
	return r.get(ctx, webhookSelect+` WHERE stripe_event_id = $1 FOR UPDATE`, eventID)
}

func (r *PaymentWebhookRepository) get(ctx context.Context, query string, args ...interface{}) (*models.PaymentWebhook, error) {
	var rec models.PaymentWebhook
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return &rec, nil
}

// MarkProcessed flips the record to processed. Exactly one row must change.
func (r *PaymentWebhookRepository) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	query := `
		UPDATE payment_webhooks
		SET processed = TRUE, processed_at = $2, last_error = NULL
		WHERE stripe_event_id = $1 AND processed = FALSE
	`

	result, err := r.db.ExecContext(ctx, query, eventID, at)
	if err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	if rows != 1 {
		return ErrWebhookAlreadyProcessed
	}
	return nil
}

// RecordFailure bumps the attempt counter and keeps the last error
func (r *PaymentWebhookRepository) RecordFailure(ctx context.Context, eventID, message string) error {
	query := `
		UPDATE payment_webhooks
		SET attempts = attempts + 1, last_error = $2
		WHERE stripe_event_id = $1 AND processed = FALSE
	`

	if _, err := r.db.ExecContext(ctx, query, eventID, message); err != nil {
		return fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return nil
}

// ListUnprocessed returns unprocessed records, oldest first. With
// maxAttempts > 0 records that already failed that many times are left out.
func (r *PaymentWebhookRepository) ListUnprocessed(ctx context.Context, limit, maxAttempts int) ([]*models.PaymentWebhook, error) {
	records := []*models.PaymentWebhook{}
	query := webhookSelect + `
		WHERE processed = FALSE AND ($2 <= 0 OR attempts < $2)
		ORDER BY received_at ASC
		LIMIT $1`

	if err := r.db.SelectContext(ctx, &records, query, limit, maxAttempts); err != nil {
		return nil, fmt.Errorf("failed to list unprocessed webhooks: %w", err)
	}
	return records, nil
}

// CountExhausted counts unprocessed records with at least maxAttempts failures
func (r *PaymentWebhookRepository) CountExhausted(ctx context.Context, maxAttempts int) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM payment_webhooks WHERE processed = FALSE AND attempts >= $1`

	if err := r.db.GetContext(ctx, &count, query, maxAttempts); err != nil {
		return 0, fmt.Errorf("failed to count exhausted webhooks: %w", err)
	}
	return count, nil
}
