package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/startickets/payment-backend/internal/models"
)

// BookingRepository reads and settles bookings for the payment core.
// The wider booking lifecycle (seat holds, creation) lives elsewhere.
type BookingRepository struct {
	db Queryer
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db Queryer) *BookingRepository {
	return &BookingRepository{db: db}
}

// WithTx returns a copy of the repository bound to q (usually a *sqlx.Tx)
func (r *BookingRepository) WithTx(q Queryer) *BookingRepository {
	return &BookingRepository{db: q}
}

const bookingSelect = `
	SELECT b.booking_id, b.booking_reference, b.customer_id, b.event_id,
		   COALESCE(e.event_name, '') AS event_name,
		   COALESCE(u.email, '') AS customer_email,
		   b.final_amount, b.payment_status, b.payment_method,
		   b.payment_transaction_id, b.created_at, b.updated_at
	FROM bookings b
	LEFT JOIN events e ON e.event_id = b.event_id
	LEFT JOIN users u ON u.user_id = b.customer_id`

// GetByID retrieves a booking by ID. Returns nil, nil when absent.
func (r *BookingRepository) GetByID(ctx context.Context, bookingID int64) (*models.Booking, error) {
	return r.get(ctx, bookingSelect+` WHERE b.booking_id = $1`, bookingID)
}

// GetByIDForCustomer retrieves a booking only if it belongs to customerID
func (r *BookingRepository) GetByIDForCustomer(ctx context.Context, bookingID, customerID int64) (*models.Booking, error) {
	return r.get(ctx, bookingSelect+` WHERE b.booking_id = $1 AND b.customer_id = $2`, bookingID, customerID)
}

// GetByIDForUpdate retrieves and row-locks a booking. Must run inside a transaction.
func (r *BookingRepository) GetByIDForUpdate(ctx context.Context, bookingID int64) (*models.Booking, error) {
	return r.get(ctx, bookingSelect+` WHERE b.booking_id = $1 FOR UPDATE OF b`, bookingID)
}

func (r *BookingRepository) get(ctx context.Context, query string, args ...interface{}) (*models.Booking, error) {
	var booking models.Booking
	if err := r.db.GetContext(ctx, &booking, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &booking, nil
}

// MarkCompleted settles the booking with the provider transaction id.
// A booking that is already Completed is left untouched; the returned flag
// reports whether a row changed.
func (r *BookingRepository) MarkCompleted(ctx context.Context, bookingID int64, transactionID, method string) (bool, error) {
	query := `
		UPDATE bookings
		SET payment_status = 'Completed',
			payment_transaction_id = $2,
			payment_method = $3,
			updated_at = NOW()
		WHERE booking_id = $1 AND payment_status <> 'Completed'
	`
	return r.exec(ctx, "complete booking", query, bookingID, transactionID, method)
}

// MarkFailed moves a Pending booking to Failed
func (r *BookingRepository) MarkFailed(ctx context.Context, bookingID int64) (bool, error) {
	query := `
		UPDATE bookings
		SET payment_status = 'Failed', updated_at = NOW()
		WHERE booking_id = $1 AND payment_status = 'Pending'
	`
	return r.exec(ctx, "fail booking", query, bookingID)
}

func (r *BookingRepository) exec(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
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
