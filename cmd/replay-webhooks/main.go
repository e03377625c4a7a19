package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/startickets/payment-backend/internal/config"
	"github.com/startickets/payment-backend/internal/database"
	"github.com/startickets/payment-backend/internal/services"
)

func main() {
	limit := flag.Int("limit", 100, "maximum number of stored webhooks to replay")
	maxAttempts := flag.Int("max-attempts", 0, "skip webhooks that already failed this many times (0 replays all)")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline for the replay")
	flag.Parse()

	fmt.Println("=== Webhook Replay ===")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	fmt.Println("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("✅ Database connected")

	var publisher services.EventPublisher = services.NoopPublisher{}
	if cfg.AMQP.URL != "" {
		amqpPublisher, err := services.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			log.Fatalf("Failed to connect to message broker: %v", err)
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	webhooks := database.NewPaymentWebhookRepository(db)
	reconciler := services.NewReconciliationService(
		database.NewBookingRepository(db),
		database.NewPaymentRepository(db),
		logger,
	)
	webhookService := services.NewWebhookService(
		db,
		webhooks,
		reconciler,
		services.NewStripeService(cfg.Stripe, logger),
		publisher,
		database.NewPaymentAuditRepository(db, logger),
		logger,
	)

	replayer := services.NewWebhookReplayer(webhooks, webhookService, *maxAttempts, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	summary, err := replayer.ReplayPending(ctx, *limit)
	if err != nil {
		log.Fatalf("Failed to list unprocessed webhooks: %v", err)
	}
	fmt.Printf("Found %d unprocessed webhook(s)\n\n", summary.Scanned)

	for _, o := range summary.Outcomes {
		switch o.Status {
		case services.ReplayApplied:
			fmt.Printf("✅ %s (%s)\n", o.EventID, o.EventType)
		case services.ReplayDuplicate:
			fmt.Printf("↷ %s (%s): already processed\n", o.EventID, o.EventType)
		default:
			fmt.Printf("❌ %s (%s, attempt %d): %s\n", o.EventID, o.EventType, o.Attempts+1, o.Error)
		}
	}

	fmt.Println()
	fmt.Printf("Replayed: %d, duplicates: %d, skipped: %d, failed: %d\n",
		summary.Applied, summary.Duplicates, summary.Skipped, summary.Failed)
	if summary.Failed > 0 {
		os.Exit(1)
	}
}
