package services

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/startickets/payment-backend/internal/database"
	"github.com/startickets/payment-backend/internal/models"
)

// StoredEventProcessor re-applies a webhook that was recorded but never processed
type StoredEventProcessor interface {
	ProcessStored(ctx context.Context, rec *models.PaymentWebhook) (*ProcessResult, error)
}

// Replay outcome statuses
const (
	ReplayApplied   = "applied"
	ReplayDuplicate = "duplicate"
	ReplayFailed    = "failed"
)

// ReplayOutcome is what happened to one stored webhook
type ReplayOutcome struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Attempts  int    `json:"attempts"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// ReplaySummary aggregates one replay run. Skipped counts the unprocessed
// rows at the attempt cap; they are not listed in Outcomes.
type ReplaySummary struct {
	Scanned    int             `json:"scanned"`
	Applied    int             `json:"applied"`
	Duplicates int             `json:"duplicates"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Outcomes   []ReplayOutcome `json:"outcomes"`
}

// WebhookReplayer drives unprocessed webhook rows back through the processor.
// Rows that already failed maxAttempts times are left for manual inspection.
type WebhookReplayer struct {
	webhooks    *database.PaymentWebhookRepository
	processor   StoredEventProcessor
	maxAttempts int
	logger      *logrus.Logger
}

// NewWebhookReplayer creates a replayer. maxAttempts <= 0 disables the cap.
func NewWebhookReplayer(webhooks *database.PaymentWebhookRepository, processor StoredEventProcessor, maxAttempts int, logger *logrus.Logger) *WebhookReplayer {
	return &WebhookReplayer{
		webhooks:    webhooks,
		processor:   processor,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// ReplayPending processes up to limit unprocessed webhooks, oldest first.
// A failing row does not stop the run; the error is only returned when the
// rows cannot be listed.
func (r *WebhookReplayer) ReplayPending(ctx context.Context, limit int) (*ReplaySummary, error) {
	pending, err := r.webhooks.ListUnprocessed(ctx, limit, r.maxAttempts)
	if err != nil {
		return nil, err
	}

	summary := &ReplaySummary{Scanned: len(pending), Outcomes: make([]ReplayOutcome, 0, len(pending))}
	if r.maxAttempts > 0 {
		exhausted, err := r.webhooks.CountExhausted(ctx, r.maxAttempts)
		if err != nil {
			r.logger.WithError(err).Warn("Failed to count webhooks at the attempt cap")
		}
		summary.Skipped = exhausted
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}

		outcome := ReplayOutcome{EventID: rec.StripeEventID, EventType: rec.EventType, Attempts: rec.Attempts}
		result, err := r.processor.ProcessStored(ctx, rec)
		switch {
		case err != nil:
			outcome.Status = ReplayFailed
			outcome.Error = err.Error()
			summary.Failed++
		case result.Duplicate:
			outcome.Status = ReplayDuplicate
			summary.Duplicates++
		default:
			outcome.Status = ReplayApplied
			summary.Applied++
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	r.logger.WithFields(logrus.Fields{
		"scanned":    summary.Scanned,
		"applied":    summary.Applied,
		"duplicates": summary.Duplicates,
		"skipped":    summary.Skipped,
		"failed":     summary.Failed,
	}).Info("Webhook replay finished")

	return summary, nil
}
