package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/startickets/payment-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

var bookingRowColumns = []string{
	"booking_id", "booking_reference", "customer_id", "event_id",
	"event_name", "customer_email", "final_amount", "payment_status",
	"payment_method", "payment_transaction_id", "created_at", "updated_at",
}

func TestBookingRepository_GetByIDForCustomer(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepository(db)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery(`SELECT (.+) FROM bookings b (.+) WHERE b.booking_id = \$1 AND b.customer_id = \$2`).
			WithArgs(int64(42), int64(7)).
			WillReturnRows(sqlmock.NewRows(bookingRowColumns).AddRow(
				int64(42), "BK-42", int64(7), int64(3),
				"Summer Fest", "fan@example.com", "49.99", "Pending",
				nil, nil, now, now,
			))

		booking, err := repo.GetByIDForCustomer(ctx, 42, 7)
		require.NoError(t, err)
		require.NotNil(t, booking)
		assert.Equal(t, int64(42), booking.ID)
		assert.Equal(t, "Summer Fest", booking.EventName)
		assert.True(t, decimal.RequireFromString("49.99").Equal(booking.FinalAmount))
		assert.Equal(t, models.PaymentStatusPending, booking.PaymentStatus)
		assert.Nil(t, booking.PaymentTransactionID)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Not Found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM bookings b`).
			WithArgs(int64(42), int64(8)).
			WillReturnRows(sqlmock.NewRows(bookingRowColumns))

		booking, err := repo.GetByIDForCustomer(ctx, 42, 8)
		assert.NoError(t, err)
		assert.Nil(t, booking)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Database Error", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM bookings b`).
			WithArgs(int64(42), int64(7)).
			WillReturnError(fmt.Errorf("connection reset"))

		booking, err := repo.GetByIDForCustomer(ctx, 42, 7)
		assert.Error(t, err)
		assert.Nil(t, booking)
		assert.Contains(t, err.Error(), "failed to get booking")

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBookingRepository_GetByIDForUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepository(db)
	now := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM bookings b (.+) FOR UPDATE OF b`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(bookingRowColumns).AddRow(
			int64(42), "BK-42", int64(7), int64(3),
			"", "", "49.99", "Completed",
			"card", "pi_123", now, now,
		))

	booking, err := repo.GetByIDForUpdate(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, booking)
	assert.True(t, booking.IsPaid())
	assert.Equal(t, "pi_123", booking.TransactionID())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepository_MarkCompleted(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepository(db)
	ctx := context.Background()

	t.Run("Transitions", func(t *testing.T) {
		mock.ExpectExec(`UPDATE bookings SET payment_status = 'Completed'(.+)WHERE booking_id = \$1 AND payment_status <> 'Completed'`).
			WithArgs(int64(42), "pi_123", "card").
			WillReturnResult(sqlmock.NewResult(0, 1))

		changed, err := repo.MarkCompleted(ctx, 42, "pi_123", "card")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Already Completed", func(t *testing.T) {
		mock.ExpectExec(`UPDATE bookings`).
			WithArgs(int64(42), "pi_999", "card").
			WillReturnResult(sqlmock.NewResult(0, 0))

		changed, err := repo.MarkCompleted(ctx, 42, "pi_999", "card")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBookingRepository_MarkFailed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepository(db)

	mock.ExpectExec(`UPDATE bookings SET payment_status = 'Failed'(.+)payment_status = 'Pending'`).
		WithArgs(int64(42)).
		WillReturnError(fmt.Errorf("deadlock detected"))

	changed, err := repo.MarkFailed(context.Background(), 42)
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Contains(t, err.Error(), "failed to fail booking")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	t.Run("Commit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE bookings`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := WithTx(ctx, db, func(tx *sqlx.Tx) error {
			_, err := NewBookingRepository(db).WithTx(tx).MarkFailed(ctx, 1)
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Rollback", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := fmt.Errorf("boom")
		err := WithTx(ctx, db, func(tx *sqlx.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
