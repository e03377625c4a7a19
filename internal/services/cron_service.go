package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// replayJobTimeout bounds one scheduled replay run
const replayJobTimeout = 2 * time.Minute

// CronService manages scheduled background jobs
type CronService struct {
	cron      *cron.Cron
	replayer  *WebhookReplayer
	batchSize int
	logger    *logrus.Logger
}

// NewCronService creates a new CronService. Schedules use the six-field
// format with seconds, e.g. "0 */5 * * * *".
func NewCronService(replayer *WebhookReplayer, batchSize int, logger *logrus.Logger) *CronService {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	return &CronService{
		cron:      c,
		replayer:  replayer,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Start schedules the webhook replay job and starts the scheduler
func (s *CronService) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.replayWebhooksJob); err != nil {
		return fmt.Errorf("failed to schedule webhook replay job: %w", err)
	}
	s.cron.Start()
	s.logger.WithField("schedule", schedule).Info("✓ Scheduled: Replay unprocessed webhooks")
	return nil
}

// Stop stops the scheduler and waits for a running job to finish
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("✓ Cron service stopped")
}

// replayWebhooksJob re-drives webhooks whose first processing failed
func (s *CronService) replayWebhooksJob() {
	if _, err := s.RunReplayNow(context.Background()); err != nil {
		s.logger.WithError(err).Error("[CRON] Webhook replay failed")
	}
}

// RunReplayNow runs the replay job immediately
func (s *CronService) RunReplayNow(ctx context.Context) (*ReplaySummary, error) {
	ctx, cancel := context.WithTimeout(ctx, replayJobTimeout)
	defer cancel()

	start := time.Now()
	summary, err := s.replayer.ReplayPending(ctx, s.batchSize)
	if err != nil {
		return nil, err
	}

	if summary.Scanned > 0 {
		s.logger.WithFields(logrus.Fields{
			"applied":     summary.Applied,
			"failed":      summary.Failed,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("[CRON] Webhook replay run complete")
	}
	return summary, nil
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"jobs":      jobs,
	}
}

// cronLogger routes scheduler logs through logrus
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
