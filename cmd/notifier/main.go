// reaper-notifier
//
// Worker fleet for notify tasks: reads the current subscribers of a just-
// opened course and pushes one alert per subscriber. Delivery failures are
// isolated per subscriber and never re-trigger the course transition.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/R0M-GH/reapergt-app/internal/config"
	"github.com/R0M-GH/reapergt-app/internal/db"
	"github.com/R0M-GH/reapergt-app/internal/delivery"
	"github.com/R0M-GH/reapergt-app/internal/notify"
	"github.com/R0M-GH/reapergt-app/internal/profile"
	"github.com/R0M-GH/reapergt-app/internal/queue"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[notifier] Config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "notifier")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("[notifier] Connecting to PostgreSQL…")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[notifier] PostgreSQL: %v", err)
	}
	defer pool.Close()

	log.Println("[notifier] Connecting to Redis…")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("[notifier] Redis: %v", err)
	}
	defer rdb.Close()

	var provider delivery.Provider
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		log.Println("[notifier] VAPID keys not set — using mock delivery (alerts logged, not sent)")
		provider = delivery.NewMock(logger)
	} else {
		provider = delivery.NewWebPush(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber, logger)
	}

	notifyQueue := queue.New(rdb, "notify", queue.Options{
		Visibility:    cfg.VisibilityTimeout,
		MaxDeliveries: cfg.MaxDeliveries,
	}, logger)

	worker := notify.NewWorker(store.New(pool), profile.NewStore(pool), provider, cfg.TermCode, logger)
	worker.UnsubscribeOnNotify = cfg.UnsubscribeOnNotify

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("[notifier] Shutting down…")
		cancel()
	}()

	log.Printf("[notifier] Consuming notify queue with %d workers", cfg.NotifierConcurrency)
	queue.Consume(ctx, notifyQueue, cfg.NotifierConcurrency, worker.HandleMessage, logger)
	log.Println("[notifier] Stopped.")
}
