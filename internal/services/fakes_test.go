package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/startickets/payment-backend/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

type fakeGateway struct {
	mu            sync.Mutex
	session       *CheckoutSessionResult
	sessionErr    error
	sessionInfo   *CheckoutSessionInfo
	sessionGetErr error
	intent        *PaymentIntentInfo
	refundOK      bool
	refundErr     error

	createCalls  int
	lastSuccess  string
	lastCancel   string
	refundAmount *decimal.Decimal
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, booking *models.Booking, successURL, cancelURL string) (*CheckoutSessionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	g.lastSuccess, g.lastCancel = successURL, cancelURL
	if g.sessionErr != nil {
		return nil, g.sessionErr
	}
	return g.session, nil
}

func (g *fakeGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	return false
}

func (g *fakeGateway) ConstructEvent(payload []byte, signature string) (*stripe.Event, error) {
	return nil, ErrSignatureInvalid
}

func (g *fakeGateway) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSessionInfo, error) {
	if g.sessionGetErr != nil {
		return nil, g.sessionGetErr
	}
	return g.sessionInfo, nil
}

func (g *fakeGateway) ProcessPayment(ctx context.Context, intentID string) (*PaymentIntentInfo, error) {
	return g.intent, nil
}

func (g *fakeGateway) RefundPayment(ctx context.Context, intentID string, amount *decimal.Decimal) (bool, error) {
	g.refundAmount = amount
	return g.refundOK, g.refundErr
}

type fakePublisher struct {
	mu     sync.Mutex
	events []PaymentEvent
}

func (p *fakePublisher) Publish(ctx context.Context, event PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() []PaymentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PaymentEvent(nil), p.events...)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*models.PaymentAudit
	trail   []*models.PaymentAudit
}

func (a *fakeAudit) Log(ctx context.Context, audit *models.PaymentAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, audit)
	return nil
}

func (a *fakeAudit) GetByPaymentIntentID(ctx context.Context, intentID string) ([]*models.PaymentAudit, error) {
	return a.trail, nil
}

func (a *fakeAudit) types() []models.PaymentEventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.PaymentEventType
	for _, e := range a.entries {
		out = append(out, e.EventType)
	}
	return out
}

type fakeCache struct {
	entries map[int64]*CachedCheckout
	lastTTL time.Duration
	deleted []int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[int64]*CachedCheckout{}}
}

func (c *fakeCache) Get(ctx context.Context, bookingID int64) (*CachedCheckout, error) {
	return c.entries[bookingID], nil
}

func (c *fakeCache) Set(ctx context.Context, bookingID int64, checkout *CachedCheckout, ttl time.Duration) error {
	c.entries[bookingID] = checkout
	c.lastTTL = ttl
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, bookingID int64) error {
	delete(c.entries, bookingID)
	c.deleted = append(c.deleted, bookingID)
	return nil
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

var bookingColumns = []string{
	"booking_id", "booking_reference", "customer_id", "event_id",
	"event_name", "customer_email", "final_amount", "payment_status",
	"payment_method", "payment_transaction_id", "created_at", "updated_at",
}

var paymentColumns = []string{
	"payment_id", "booking_id", "stripe_payment_intent_id", "stripe_session_id",
	"amount", "currency", "status", "payment_method", "failure_reason",
	"created_at", "updated_at",
}

var webhookColumns = []string{
	"webhook_id", "stripe_event_id", "event_type", "payload", "processed",
	"attempts", "last_error", "received_at", "processed_at",
}

// bookingRow returns booking 42 of customer 7 for 49.99 in the given state
func bookingRow(status models.PaymentStatus, transactionID interface{}) *sqlmock.Rows {
	now := time.Now()
	var method interface{}
	if transactionID != nil {
		method = "card"
	}
	return sqlmock.NewRows(bookingColumns).AddRow(
		int64(42), "BK-42", int64(7), int64(3),
		"Summer Fest", "fan@example.com", "49.99", string(status),
		method, transactionID, now, now,
	)
}

func paymentRow(intentID string, status models.PaymentStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(paymentColumns).AddRow(
		int64(9), int64(42), intentID, nil,
		"49.99", "usd", string(status), "card", nil,
		now, now,
	)
}

func webhookRow(eventID, eventType string, processed bool) *sqlmock.Rows {
	return sqlmock.NewRows(webhookColumns).AddRow(
		int64(1), eventID, eventType, "{}", processed,
		int64(0), nil, time.Now(), nil,
	)
}

// SQL patterns shared by service tests
const (
	sqlLockBooking   = `SELECT (.+) FROM bookings b (.+) WHERE b.booking_id = \$1 FOR UPDATE OF b`
	sqlScopedBooking = `SELECT (.+) FROM bookings b (.+) WHERE b.booking_id = \$1 AND b.customer_id = \$2`
	sqlProbePayment  = `SELECT (.+) FROM payments WHERE stripe_payment_intent_id = \$1$`
	sqlLockPayment   = `SELECT (.+) FROM payments WHERE stripe_payment_intent_id = \$1 FOR UPDATE`
	sqlLatestPayment = `SELECT (.+) FROM payments WHERE booking_id = \$1 ORDER BY`
	sqlCompleteBook  = `UPDATE bookings SET payment_status = 'Completed'`
	sqlFailBooking   = `UPDATE bookings SET payment_status = 'Failed'`
	sqlInsertPayment = `INSERT INTO payments`
	sqlCompletePay   = `UPDATE payments SET status = 'Completed'`
	sqlFailPayment   = `UPDATE payments SET status = 'Failed'`
	sqlClaimWebhook  = `SELECT (.+) FROM payment_webhooks WHERE stripe_event_id = \$1 FOR UPDATE`
	sqlInsertWebhook = `INSERT INTO payment_webhooks`
	sqlMarkProcessed = `UPDATE payment_webhooks SET processed = TRUE`
	sqlRecordFailure = `UPDATE payment_webhooks SET attempts = attempts \+ 1`
)
