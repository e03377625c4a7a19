package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/startickets/payment-backend/internal/config"
	"github.com/startickets/payment-backend/internal/database"
	"github.com/startickets/payment-backend/internal/models"
	"github.com/startickets/payment-backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

type webhookFixture struct {
	svc       *WebhookService
	mock      sqlmock.Sqlmock
	publisher *fakePublisher
	audit     *fakeAudit
}

func setupWebhookService(t *testing.T) *webhookFixture {
	db, mock := newMockDB(t)
	logger := testLogger()

	reconciler := NewReconciliationService(database.NewBookingRepository(db), database.NewPaymentRepository(db), logger)
	gateway := NewStripeService(config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
	}, logger)

	f := &webhookFixture{mock: mock, publisher: &fakePublisher{}, audit: &fakeAudit{}}
	f.svc = NewWebhookService(db, database.NewPaymentWebhookRepository(db), reconciler, gateway, f.publisher, f.audit, logger)
	return f
}

func eventPayload(id, eventType, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":%s}}`, id, eventType, object)
}

const (
	paidSessionObject   = `{"id":"cs_test_1","object":"checkout.session","payment_status":"paid","payment_intent":"pi_123","metadata":{"bookingId":"42"}}`
	succeededIntent     = `{"id":"pi_123","object":"payment_intent","status":"succeeded","amount":4999,"currency":"usd"}`
	declinedIntent      = `{"id":"pi_123","object":"payment_intent","status":"requires_payment_method","last_payment_error":{"message":"Your card was declined."}}`
	unpaidSessionObject = `{"id":"cs_test_2","object":"checkout.session","payment_status":"unpaid","metadata":{"bookingId":"42"}}`
)

func (f *webhookFixture) expectIngest(eventID, eventType string, inserted bool) {
	rows := sqlmock.NewRows([]string{"webhook_id"})
	if inserted {
		rows.AddRow(int64(1))
	}
	f.mock.ExpectQuery(sqlInsertWebhook).
		WithArgs(eventID, eventType, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)
}

func (f *webhookFixture) handle(t *testing.T, payload string) (*ProcessResult, error) {
	return f.svc.HandleWebhook(context.Background(), []byte(payload), signPayload(t, payload), utils.ClientMeta{IP: "54.187.174.169"})
}

func TestWebhookService_SettlesOnceAcrossRedeliveries(t *testing.T) {
	f := setupWebhookService(t)
	sessionEvent := eventPayload("evt_1", EventCheckoutSessionCompleted, paidSessionObject)

	// first delivery completes booking 42 and records pi_123
	f.expectIngest("evt_1", EventCheckoutSessionCompleted, true)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(sqlClaimWebhook).WithArgs("evt_1").
		WillReturnRows(webhookRow("evt_1", EventCheckoutSessionCompleted, false))
	f.mock.ExpectQuery(sqlLockBooking).WithArgs(int64(42)).
		WillReturnRows(bookingRow(models.PaymentStatusPending, nil))
	f.mock.ExpectQuery(sqlLockPayment).WithArgs("pi_123").
		WillReturnRows(sqlmock.NewRows(paymentColumns))
	f.mock.ExpectExec(sqlCompleteBook).WithArgs(int64(42), "pi_123", "card").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(sqlInsertPayment).
		WillReturnRows(sqlmock.NewRows([]string{"payment_id"}).AddRow(int64(9)))
	f.mock.ExpectExec(sqlMarkProcessed).WithArgs("evt_1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.handle(t, sessionEvent)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Handled)
	assert.True(t, res.Settlement.PaymentCreated)

	published := f.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, RoutingKeyPaymentCompleted, published[0].Type)
	assert.Equal(t, int64(42), published[0].BookingID)
	assert.Equal(t, "BK-42", published[0].BookingReference)
	assert.Equal(t, "pi_123", published[0].PaymentIntentID)
	assert.Equal(t, "49.99", published[0].Amount.StringFixed(2))

	// the same event again is a no-op
	f.expectIngest("evt_1", EventCheckoutSessionCompleted, false)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(sqlClaimWebhook).WithArgs("evt_1").
		WillReturnRows(webhookRow("evt_1", EventCheckoutSessionCompleted, true))
	f.mock.ExpectCommit()

	res, err = f.handle(t, sessionEvent)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Nil(t, res.Settlement)

	// a later intent event for the same payment changes nothing
	f.expectIngest("evt_2", EventPaymentIntentSucceeded, true)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(sqlClaimWebhook).WithArgs("evt_2").
		WillReturnRows(webhookRow("evt_2", EventPaymentIntentSucceeded, false))
	f.mock.ExpectQuery(sqlProbePayment).WithArgs("pi_123").
		WillReturnRows(paymentRow("pi_123", models.PaymentStatusCompleted))
	f.mock.ExpectQuery(sqlLockBooking).WithArgs(int64(42)).
		WillReturnRows(bookingRow(models.PaymentStatusCompleted, "pi_123"))
	f.mock.ExpectQuery(sqlLockPayment).WithArgs("pi_123").
		WillReturnRows(paymentRow("pi_123", models.PaymentStatusCompleted))
	f.mock.ExpectExec(sqlMarkProcessed).WithArgs("evt_2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err = f.handle(t, eventPayload("evt_2", EventPaymentIntentSucceeded, succeededIntent))
	require.NoError(t, err)
	assert.False(t, res.Settlement.Changed())

	assert.Len(t, f.publisher.published(), 1)
	assert.Equal(t, []models.PaymentEventType{
		models.PaymentEventWebhookReceived,
		models.PaymentEventSettlementApplied,
		models.PaymentEventWebhookDuplicate,
		models.PaymentEventWebhookReceived,
		models.PaymentEventSettlementApplied,
	}, f.audit.types())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhookService_RejectsBadSignature(t *testing.T) {
	f := setupWebhookService(t)
	payload := eventPayload("evt_1", EventPaymentIntentSucceeded, succeededIntent)

	res, err := f.svc.HandleWebhook(context.Background(), []byte(payload), "t=1,v1=deadbeef", utils.ClientMeta{IP: "203.0.113.9"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, models.PaymentEventWebhookRejected, f.audit.entries[0].EventType)
	require.NotNil(t, f.audit.entries[0].IPAddress)
	assert.Equal(t, "203.0.113.9", *f.audit.entries[0].IPAddress)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhookService_IngestFailureAsksForRetry(t *testing.T) {
	f := setupWebhookService(t)

	f.mock.ExpectQuery(sqlInsertWebhook).WillReturnError(errors.New("database is down"))

	_, err := f.handle(t, eventPayload("evt_1", EventPaymentIntentSucceeded, succeededIntent))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSignatureInvalid)

	var perr *PersistenceError
	assert.True(t, errors.As(err, &perr))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhookService_UnknownEventTypeIsMarkedProcessed(t *testing.T) {
	f := setupWebhookService(t)

	f.expectIngest("evt_9", "customer.created", true)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(sqlClaimWebhook).WithArgs("evt_9").
		WillReturnRows(webhookRow("evt_9", "customer.created", false))
	f.mock.ExpectExec(sqlMarkProcessed).WithArgs("evt_9", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.handle(t, eventPayload("evt_9", "customer.created", `{"id":"cus_1","object":"customer"}`))
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.False(t, res.Duplicate)
	assert.Empty(t, f.publisher.published())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhookService_CheckoutSessionNoOps(t *testing.T) {
	tests := []struct {
		name   string
		object string
	}{
		{"Unpaid Session", unpaidSessionObject},
		{"Missing Booking Id", `{"id":"cs_test_3","object":"checkout.session","payment_status":"paid","payment_intent":"pi_123","metadata":{}}`},
		{"Invalid Booking Id", `{"id":"cs_test_4","object":"checkout.session","payment_status":"paid","payment_intent":"pi_123","metadata":{"bookingId":"BK-42"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupWebhookService(t)

			f.expectIngest("evt_5", EventCheckoutSessionCompleted, true)
			f.mock.ExpectBegin()
			f.mock.ExpectQuery(sqlClaimWebhook).WithArgs("evt_5").
				WillReturnRows(webhookRow("evt_5", EventCheckoutSessionCompleted, false))
			f.mock.ExpectExec(sqlMarkProcessed).WithArgs("evt_5", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			f.mock.ExpectCommit()

			res, err := f.handle(t, eventPayload("evt_5", EventCheckoutSessionCompleted, tt.object))
			require.NoError(t, err)
			assert.True(t, res.Handled)
			assert.False(t, res.Settlement.Applied)
			assert.Empty(t, f.publisher.published())
			assert.Contains(t, f.audit.types(), models.PaymentEventReconciliationIgnore)
			assert.NoError(t, f.mock.ExpectationsWereMet())
		})
	}
}

func TestWebhookService_PaymentFailed(t *testing.T) {
	f := setupWebhookService(t)

	f.expectIngest("evt_7", EventPaymentIntentFailed, true)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(sqlClaimWebhook).WithArgs("evt_7").
		WillReturnRows(webhookRow("evt_7", EventPaymentIntentFailed, false))
	f.mock.ExpectQuery(sqlProbePayment).WithArgs("pi_123").
		WillReturnRows(paymentRow("pi_123", models.PaymentStatusPending))
	f.mock.ExpectQuery(sqlLockBooking).WithArgs(int64(42)).
		WillReturnRows(bookingRow(models.PaymentStatusPending, nil))
	f.mock.ExpectQuery(sqlLockPayment).WithArgs("pi_123").
		WillReturnRows(paymentRow("pi_123", models.PaymentStatusPending))
	f.mock.ExpectExec(sqlFailPayment).WithArgs("pi_123", "Your card was declined.").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(sqlFailBooking).WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(sqlMarkProcessed).WithArgs("evt_7", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.handle(t, eventPayload("evt_7", EventPaymentIntentFailed, declinedIntent))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, res.Settlement.Booking.PaymentStatus)

	published := f.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, RoutingKeyPaymentFailed, published[0].Type)
	assert.Equal(t, "Your card was declined.", published[0].Reason)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhookService_PaymentCanceled(t *testing.T) {
	f := setupWebhookService(t)
	canceledIntent := `{"id":"pi_123","object":"payment_intent","status":"canceled","cancellation_reason":"abandoned"}`

	f.expectIngest("evt_8", EventPaymentIntentCanceled, true)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(sqlClaimWebhook).WithArgs("evt_8").
		WillReturnRows(webhookRow("evt_8", EventPaymentIntentCanceled, false))
	f.mock.ExpectQuery(sqlProbePayment).WithArgs("pi_123").
		WillReturnRows(paymentRow("pi_123", models.PaymentStatusPending))
	f.mock.ExpectQuery(sqlLockBooking).WithArgs(int64(42)).
		WillReturnRows(bookingRow(models.PaymentStatusPending, nil))
	f.mock.ExpectQuery(sqlLockPayment).WithArgs("pi_123").
		WillReturnRows(paymentRow("pi_123", models.PaymentStatusPending))
	f.mock.ExpectExec(sqlFailPayment).WithArgs("pi_123", models.CanceledFailureReason).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(sqlFailBooking).WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(sqlMarkProcessed).WithArgs("evt_8", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.handle(t, eventPayload("evt_8", EventPaymentIntentCanceled, canceledIntent))
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Equal(t, OutcomeCanceled, res.Settlement.Outcome)
	assert.Equal(t, models.PaymentStatusFailed, res.Settlement.Booking.PaymentStatus)

	published := f.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, RoutingKeyPaymentFailed, published[0].Type)
	assert.Equal(t, models.CanceledFailureReason, published[0].Reason)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhookService_FailureRollsBackAndRecordsAttempt(t *testing.T) {
	f := setupWebhookService(t)

	f.expectIngest("evt_3", EventPaymentIntentSucceeded, true)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(sqlClaimWebhook).WithArgs("evt_3").
		WillReturnRows(webhookRow("evt_3", EventPaymentIntentSucceeded, false))
	f.mock.ExpectQuery(sqlProbePayment).WithArgs("pi_123").
		WillReturnError(errors.New("connection reset"))
	f.mock.ExpectRollback()
	f.mock.ExpectExec(sqlRecordFailure).WithArgs("evt_3", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := f.handle(t, eventPayload("evt_3", EventPaymentIntentSucceeded, succeededIntent))
	assert.Nil(t, res)

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "find payment", perr.Op)
	assert.Contains(t, f.audit.types(), models.PaymentEventWebhookFailed)
	assert.Empty(t, f.publisher.published())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhookService_LostMarkProcessedRace(t *testing.T) {
	f := setupWebhookService(t)

	f.expectIngest("evt_9", "customer.created", true)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(sqlClaimWebhook).WithArgs("evt_9").
		WillReturnRows(webhookRow("evt_9", "customer.created", false))
	f.mock.ExpectExec(sqlMarkProcessed).WithArgs("evt_9", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectRollback()
	f.mock.ExpectExec(sqlRecordFailure).WithArgs("evt_9", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := f.handle(t, eventPayload("evt_9", "customer.created", `{"id":"cus_1"}`))
	assert.ErrorIs(t, err, database.ErrWebhookAlreadyProcessed)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhookService_ProcessEventWithoutIngestRecord(t *testing.T) {
	f := setupWebhookService(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(sqlClaimWebhook).WithArgs("evt_8").
		WillReturnRows(sqlmock.NewRows(webhookColumns))
	f.expectIngest("evt_8", "customer.created", true)
	f.mock.ExpectExec(sqlMarkProcessed).WithArgs("evt_8", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	event := &stripe.Event{ID: "evt_8", Type: "customer.created"}
	res, err := f.svc.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWebhookService_ProcessStored(t *testing.T) {
	t.Run("Replays Stored Payload", func(t *testing.T) {
		f := setupWebhookService(t)

		f.mock.ExpectBegin()
		f.mock.ExpectQuery(sqlClaimWebhook).WithArgs("evt_9").
			WillReturnRows(webhookRow("evt_9", "customer.created", false))
		f.mock.ExpectExec(sqlMarkProcessed).WithArgs("evt_9", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()

		rec := &models.PaymentWebhook{
			StripeEventID: "evt_9",
			EventType:     "customer.created",
			Payload:       eventPayload("evt_9", "customer.created", `{"id":"cus_1"}`),
		}
		res, err := f.svc.ProcessStored(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, "evt_9", res.EventID)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("Payload For Another Event", func(t *testing.T) {
		f := setupWebhookService(t)

		rec := &models.PaymentWebhook{
			StripeEventID: "evt_9",
			Payload:       eventPayload("evt_10", "customer.created", `{"id":"cus_1"}`),
		}
		_, err := f.svc.ProcessStored(context.Background(), rec)
		assert.Error(t, err)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("Corrupt Payload", func(t *testing.T) {
		f := setupWebhookService(t)

		_, err := f.svc.ProcessStored(context.Background(), &models.PaymentWebhook{StripeEventID: "evt_9", Payload: "{"})
		assert.Error(t, err)
	})
}
