package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/startickets/payment-backend/internal/models"
)

// PaymentRepository handles the payments table. One row per provider
// payment intent, enforced by a unique index on stripe_payment_intent_id.
type PaymentRepository struct {
	db Queryer
}

// NewPaymentRepository creates a new PaymentRepository
func NewPaymentRepository(db Queryer) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// WithTx returns a copy of the repository bound to q
func (r *PaymentRepository) WithTx(q Queryer) *PaymentRepository {
	return &PaymentRepository{db: q}
}

const paymentSelect = `
	SELECT payment_id, booking_id, stripe_payment_intent_id, stripe_session_id,
		   amount, currency, status, payment_method, failure_reason,
		   created_at, updated_at
	FROM payments`

// GetByIntentID retrieves a payment by provider intent id. Returns nil, nil when absent.
func (r *PaymentRepository) GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	return r.get(ctx, paymentSelect+` WHERE stripe_payment_intent_id = $1`, intentID)
}

// GetByIntentIDForUpdate retrieves and row-locks a payment
func (r *PaymentRepository) GetByIntentIDForUpdate(ctx context.Context, intentID string) (*models.Payment, error) {
	return r.get(ctx, paymentSelect+` WHERE stripe_payment_intent_id = $1 FOR UPDATE`, intentID)
}

// GetLatestForBooking returns the most recent payment row of a booking
func (r *PaymentRepository) GetLatestForBooking(ctx context.Context, bookingID int64) (*models.Payment, error) {
	return r.get(ctx, paymentSelect+` WHERE booking_id = $1 ORDER BY created_at DESC, payment_id DESC LIMIT 1`, bookingID)
}

func (r *PaymentRepository) get(ctx context.Context, query string, args ...interface{}) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.GetContext(ctx, &payment, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &payment, nil
}

// CreateIfAbsent inserts the payment unless a row for the same intent exists.
// Returns true when this call created the row.
func (r *PaymentRepository) CreateIfAbsent(ctx context.Context, payment *models.Payment) (bool, error) {
	query := `
		INSERT INTO payments (
			booking_id, stripe_payment_intent_id, stripe_session_id,
			amount, currency, status, payment_method, failure_reason,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (stripe_payment_intent_id) DO NOTHING
		RETURNING payment_id
	`

	err := r.db.QueryRowxContext(ctx, query,
		payment.BookingID, payment.StripePaymentIntentID, payment.StripeSessionID,
		payment.Amount, payment.Currency, payment.Status, payment.PaymentMethod, payment.FailureReason,
		payment.CreatedAt, payment.UpdatedAt,
	).Scan(&payment.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create payment: %w", err)
	}
	return true, nil
}

// MarkCompleted moves a non-Completed payment to Completed
func (r *PaymentRepository) MarkCompleted(ctx context.Context, intentID string, sessionID *string) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'Completed',
			failure_reason = NULL,
			payment_method = COALESCE(payment_method, 'card'),
			stripe_session_id = COALESCE($2, stripe_session_id),
			updated_at = NOW()
		WHERE stripe_payment_intent_id = $1 AND status <> 'Completed'
	`
	return r.exec(ctx, "complete payment", query, intentID, sessionID)
}

// MarkFailed records a failure on a payment that has not completed
func (r *PaymentRepository) MarkFailed(ctx context.Context, intentID, reason string) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'Failed', failure_reason = $2, updated_at = NOW()
		WHERE stripe_payment_intent_id = $1 AND status <> 'Completed'
	`
	return r.exec(ctx, "fail payment", query, intentID, reason)
}

func (r *PaymentRepository) exec(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	return rows > 0, nil
}
