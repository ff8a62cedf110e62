// reaper-dispatcher
//
// Fires on a fixed interval, enumerates every tracked CRN with live
// subscribers, and fans one scrape task per CRN onto the scrape queue.
// Stateless between ticks: a failed enumeration abandons the tick and the
// next one covers it.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R0M-GH/reapergt-app/internal/config"
	"github.com/R0M-GH/reapergt-app/internal/db"
	"github.com/R0M-GH/reapergt-app/internal/dispatch"
	"github.com/R0M-GH/reapergt-app/internal/queue"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[dispatcher] Config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "dispatcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("[dispatcher] Connecting to PostgreSQL…")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[dispatcher] PostgreSQL: %v", err)
	}
	defer pool.Close()

	log.Println("[dispatcher] Connecting to Redis…")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("[dispatcher] Redis: %v", err)
	}
	defer rdb.Close()

	scrapeQueue := queue.New(rdb, "scrape", queue.Options{
		Visibility:    cfg.VisibilityTimeout,
		MaxDeliveries: cfg.MaxDeliveries,
	}, logger)

	d := dispatch.New(store.New(pool), scrapeQueue, int(cfg.PollInterval/time.Second), logger)
	if err := d.Start(ctx); err != nil {
		log.Fatalf("[dispatcher] Start: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[dispatcher] Shutting down…")
	cancel()
	d.Stop()
	log.Println("[dispatcher] Stopped.")
}
