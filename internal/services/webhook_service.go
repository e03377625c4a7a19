package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/startickets/payment-backend/internal/database"
	"github.com/startickets/payment-backend/internal/models"
	"github.com/startickets/payment-backend/internal/utils"
	"github.com/stripe/stripe-go/v76"
)

// Provider event types the engine acts on
const (
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
	EventPaymentIntentCanceled    = "payment_intent.canceled"
	EventCheckoutSessionCompleted = "checkout.session.completed"
)

// PaymentAuditStore persists and reads the payment audit trail
type PaymentAuditStore interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
	GetByPaymentIntentID(ctx context.Context, intentID string) ([]*models.PaymentAudit, error)
}

// ProcessResult describes what happened to one provider event
type ProcessResult struct {
	EventID    string
	EventType  string
	Duplicate  bool
	Handled    bool // false for event types the engine ignores
	Settlement *SettlementResult
}

// WebhookService ingests provider events and applies each one exactly once
type WebhookService struct {
	db         database.TxBeginner
	webhooks   *database.PaymentWebhookRepository
	reconciler *ReconciliationService
	gateway    PaymentGateway
	publisher  EventPublisher
	audit      PaymentAuditStore
	logger     *logrus.Logger
	now        func() time.Time
}

// NewWebhookService creates a new webhook service
func NewWebhookService(
	db database.TxBeginner,
	webhooks *database.PaymentWebhookRepository,
	reconciler *ReconciliationService,
	gateway PaymentGateway,
	publisher EventPublisher,
	audit PaymentAuditStore,
	logger *logrus.Logger,
) *WebhookService {
	return &WebhookService{
		db:         db,
		webhooks:   webhooks,
		reconciler: reconciler,
		gateway:    gateway,
		publisher:  publisher,
		audit:      audit,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleWebhook authenticates a raw delivery, records it and processes it.
// ErrSignatureInvalid means the delivery must be rejected with 400; any other
// error means the provider should retry.
func (s *WebhookService) HandleWebhook(ctx context.Context, payload []byte, signature string, meta utils.ClientMeta) (*ProcessResult, error) {
	event, err := s.gateway.ConstructEvent(payload, signature)
	if err != nil {
		s.logger.WithError(err).WithField("ip", meta.IP).Warn("Rejected webhook delivery")
		s.recordAudit(ctx, models.NewPaymentAudit(models.PaymentEventWebhookRejected, models.PaymentSourceStripeWebhook).
			SetError(err).
			SetClient(meta.IP, meta.UserAgent, meta.DeviceType).
			SetCorrelationID(meta.CorrelationID))
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})

	rec := &models.PaymentWebhook{
		StripeEventID: event.ID,
		EventType:     string(event.Type),
		Payload:       string(payload),
		ReceivedAt:    s.now(),
	}
	inserted, err := s.webhooks.RecordReceived(ctx, rec)
	if err != nil {
		log.WithError(err).Error("Failed to persist webhook record")
		return nil, persistenceErr("record webhook", err)
	}
	if inserted {
		s.recordAudit(ctx, models.NewPaymentAudit(models.PaymentEventWebhookReceived, models.PaymentSourceStripeWebhook).
			SetStripeEvent(event.ID).
			SetDetail("event_type", string(event.Type)).
			SetClient(meta.IP, meta.UserAgent, meta.DeviceType).
			SetCorrelationID(meta.CorrelationID))
	} else {
		log.Info("Webhook redelivered, keeping original record")
	}

	return s.ProcessEvent(ctx, event)
}

// ProcessEvent applies one event inside a single transaction. The webhook
// row is claimed with a row lock so concurrent deliveries serialise; the
// second one finds it processed and becomes a no-op.
func (s *WebhookService) ProcessEvent(ctx context.Context, event *stripe.Event) (*ProcessResult, error) {
	return s.process(ctx, event, models.PaymentSourceStripeWebhook)
}

func (s *WebhookService) process(ctx context.Context, event *stripe.Event, source models.PaymentEventSource) (*ProcessResult, error) {
	result := &ProcessResult{EventID: event.ID, EventType: string(event.Type)}
	log := s.logger.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})

	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		webhooks := s.webhooks.WithTx(tx)

		rec, err := s.claim(ctx, webhooks, event)
		if err != nil {
			return err
		}
		if rec.Processed {
			result.Duplicate = true
			return nil
		}

		settlement, handled, err := s.dispatch(ctx, tx, event, source)
		if err != nil {
			return err
		}
		result.Handled = handled
		result.Settlement = settlement

		if err := webhooks.MarkProcessed(ctx, event.ID, s.now()); err != nil {
			return persistenceErr("mark webhook processed", err)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Webhook processing failed")
		if ferr := s.webhooks.RecordFailure(ctx, event.ID, err.Error()); ferr != nil {
			log.WithError(ferr).Warn("Failed to record webhook failure")
		}
		s.recordAudit(ctx, models.NewPaymentAudit(models.PaymentEventWebhookFailed, source).
			SetStripeEvent(event.ID).
			SetDetail("event_type", string(event.Type)).
			SetError(err))
		return nil, err
	}

	switch {
	case result.Duplicate:
		log.Info("Duplicate webhook ignored")
		s.recordAudit(ctx, models.NewPaymentAudit(models.PaymentEventWebhookDuplicate, source).
			SetStripeEvent(event.ID).
			SetDetail("event_type", string(event.Type)))
	case !result.Handled:
		log.Info("Unhandled webhook event type, marked processed")
	default:
		notifySettlement(ctx, s.publisher, s.audit, s.logger, event.ID, result.Settlement, source)
	}

	return result, nil
}

// ProcessStored re-runs a stored delivery. Its signature was verified when
// it was first received.
func (s *WebhookService) ProcessStored(ctx context.Context, rec *models.PaymentWebhook) (*ProcessResult, error) {
	var event stripe.Event
	if err := json.Unmarshal([]byte(rec.Payload), &event); err != nil {
		return nil, fmt.Errorf("failed to parse stored webhook %s: %w", rec.StripeEventID, err)
	}
	if event.ID != rec.StripeEventID {
		return nil, fmt.Errorf("stored webhook %s carries event %s", rec.StripeEventID, event.ID)
	}
	return s.process(ctx, &event, models.PaymentSourceReplay)
}

// claim locks the webhook row, inserting it when ingestion was bypassed
func (s *WebhookService) claim(ctx context.Context, webhooks *database.PaymentWebhookRepository, event *stripe.Event) (*models.PaymentWebhook, error) {
	rec, err := webhooks.ClaimForUpdate(ctx, event.ID)
	if err != nil {
		return nil, persistenceErr("claim webhook", err)
	}
	if rec != nil {
		return rec, nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	rec = &models.PaymentWebhook{
		StripeEventID: event.ID,
		EventType:     string(event.Type),
		Payload:       string(payload),
		ReceivedAt:    s.now(),
	}
	inserted, err := webhooks.RecordReceived(ctx, rec)
	if err != nil {
		return nil, persistenceErr("record webhook", err)
	}
	if inserted {
		return rec, nil
	}

	// Someone else recorded it after our first look
	rec, err = webhooks.ClaimForUpdate(ctx, event.ID)
	if err != nil {
		return nil, persistenceErr("claim webhook", err)
	}
	if rec == nil {
		return nil, persistenceErr("claim webhook", errors.New("record vanished"))
	}
	return rec, nil
}

func (s *WebhookService) dispatch(ctx context.Context, tx *sqlx.Tx, event *stripe.Event, source models.PaymentEventSource) (*SettlementResult, bool, error) {
	switch string(event.Type) {
	case EventPaymentIntentSucceeded:
		pi, err := decodePaymentIntent(event)
		if err != nil {
			return nil, true, err
		}
		res, err := s.reconciler.Settle(ctx, tx, Settlement{
			Outcome:  OutcomeSucceeded,
			IntentID: pi.ID,
			Source:   source,
		})
		return res, true, err

	case EventPaymentIntentFailed, EventPaymentIntentCanceled:
		pi, err := decodePaymentIntent(event)
		if err != nil {
			return nil, true, err
		}
		outcome := OutcomeFailed
		if string(event.Type) == EventPaymentIntentCanceled {
			outcome = OutcomeCanceled
		}
		reason := ""
		if pi.LastPaymentError != nil {
			reason = pi.LastPaymentError.Msg
		}
		res, err := s.reconciler.Settle(ctx, tx, Settlement{
			Outcome:  outcome,
			IntentID: pi.ID,
			Reason:   reason,
			Source:   source,
		})
		return res, true, err

	case EventCheckoutSessionCompleted:
		raw, err := eventObject(event)
		if err != nil {
			return nil, true, err
		}
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, true, fmt.Errorf("failed to parse checkout session: %w", err)
		}
		log := s.logger.WithFields(logrus.Fields{"event_id": event.ID, "session_id": sess.ID})

		bookingID, err := strconv.ParseInt(sess.Metadata[MetadataBookingID], 10, 64)
		if err != nil {
			log.WithField("metadata", sess.Metadata).Warn("Checkout session without a usable booking id")
			return &SettlementResult{Outcome: OutcomeCompleted}, true, nil
		}

		info := &CheckoutSessionInfo{PaymentStatus: string(sess.PaymentStatus)}
		if !info.IsPaid() {
			log.WithField("payment_status", sess.PaymentStatus).Info("Checkout session completed without payment, waiting for intent events")
			return &SettlementResult{Outcome: OutcomeCompleted}, true, nil
		}

		intentID := ""
		if sess.PaymentIntent != nil {
			intentID = sess.PaymentIntent.ID
		}
		res, err := s.reconciler.Settle(ctx, tx, Settlement{
			Outcome:   OutcomeCompleted,
			BookingID: bookingID,
			IntentID:  intentID,
			SessionID: sess.ID,
			Source:    source,
		})
		return res, true, err
	}

	return nil, false, nil
}

func eventObject(event *stripe.Event) ([]byte, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("event %s has no data object", event.ID)
	}
	return event.Data.Raw, nil
}

func decodePaymentIntent(event *stripe.Event) (*stripe.PaymentIntent, error) {
	raw, err := eventObject(event)
	if err != nil {
		return nil, err
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return nil, fmt.Errorf("failed to parse payment intent: %w", err)
	}
	if pi.ID == "" {
		return nil, errors.New("payment intent id missing from event")
	}
	return &pi, nil
}

func (s *WebhookService) recordAudit(ctx context.Context, audit *models.PaymentAudit) {
	if err := s.audit.Log(ctx, audit); err != nil {
		s.logger.WithError(err).WithField("event_type", audit.EventType).Warn("Payment audit write failed")
	}
}

// notifySettlement runs after commit. Events go out only for settlements
// that changed state; every applied settlement is audited.
func notifySettlement(ctx context.Context, publisher EventPublisher, audit PaymentAuditStore, logger *logrus.Logger, eventID string, res *SettlementResult, source models.PaymentEventSource) {
	if res == nil {
		return
	}

	entry := models.NewPaymentAudit(models.PaymentEventSettlementApplied, source).
		SetStripeEvent(eventID).
		SetDetail("outcome", string(res.Outcome)).
		SetDetail("booking_changed", res.BookingChanged).
		SetDetail("payment_changed", res.PaymentChanged).
		SetDetail("payment_created", res.PaymentCreated)
	if !res.Applied {
		entry.EventType = models.PaymentEventReconciliationIgnore
	}
	if res.Booking != nil {
		entry.SetBooking(res.Booking.ID, res.Booking.BookingReference).
			SetPaymentStatus(string(res.Booking.PaymentStatus))
	}
	if res.Payment != nil {
		entry.SetPaymentIntent(res.Payment.StripePaymentIntentID).
			SetAmount(res.Payment.Amount, res.Payment.Currency)
		if res.Payment.StripeSessionID != nil {
			entry.SetSession(*res.Payment.StripeSessionID)
		}
	}
	if err := audit.Log(ctx, entry); err != nil {
		logger.WithError(err).Warn("Payment audit write failed")
	}

	if !res.Changed() || res.Payment == nil {
		return
	}

	event := PaymentEvent{
		Type:            RoutingKeyPaymentCompleted,
		PaymentIntentID: res.Payment.StripePaymentIntentID,
		BookingID:       res.Payment.BookingID,
		Amount:          res.Payment.Amount,
		Currency:        res.Payment.Currency,
		Source:          string(source),
	}
	if res.Outcome == OutcomeFailed || res.Outcome == OutcomeCanceled {
		event.Type = RoutingKeyPaymentFailed
		if res.Payment.FailureReason != nil {
			event.Reason = *res.Payment.FailureReason
		}
	}
	if res.Booking != nil {
		event.BookingReference = res.Booking.BookingReference
	}

	if err := publisher.Publish(ctx, event); err != nil {
		logger.WithError(err).WithField("booking_id", event.BookingID).Warn("Payment event not published")
	}
}
