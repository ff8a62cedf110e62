// reaper-scraper
//
// Worker fleet for scrape tasks: checks registrar availability for one CRN
// at a time, records the observation with a compare-and-set write, and
// emits a notify task on each confirmed closed→open transition. Safe to run
// any number of replicas.
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
	"github.com/R0M-GH/reapergt-app/internal/queue"
	"github.com/R0M-GH/reapergt-app/internal/scrape"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[scraper] Config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "scraper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("[scraper] Connecting to PostgreSQL…")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[scraper] PostgreSQL: %v", err)
	}
	defer pool.Close()

	log.Println("[scraper] Connecting to Redis…")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("[scraper] Redis: %v", err)
	}
	defer rdb.Close()

	opts := queue.Options{Visibility: cfg.VisibilityTimeout, MaxDeliveries: cfg.MaxDeliveries}
	scrapeQueue := queue.New(rdb, "scrape", opts, logger)
	notifyQueue := queue.New(rdb, "notify", opts, logger)

	fetcher := scrape.NewHTTPFetcher(cfg.AvailabilityURL, cfg.TermCode, cfg.FetchTimeout, logger)
	worker := scrape.NewWorker(store.New(pool), fetcher, notifyQueue, logger)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("[scraper] Shutting down…")
		cancel()
	}()

	log.Printf("[scraper] Consuming scrape queue with %d workers", cfg.ScraperConcurrency)
	queue.Consume(ctx, scrapeQueue, cfg.ScraperConcurrency, worker.HandleMessage, logger)
	log.Println("[scraper] Stopped.")
}
