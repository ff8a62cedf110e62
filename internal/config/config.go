// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, the process exits with an error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration shared by the reaper processes.
// Each binary only reads the fields it needs; required fields are the same
// everywhere so a single environment works for all four.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// Dispatcher
	PollInterval time.Duration // how often a full scrape round is dispatched

	// Queues
	VisibilityTimeout time.Duration // lease before an unacked task is redelivered
	MaxDeliveries     int           // deliveries before a task is dead-lettered

	// Scraper
	AvailabilityURL    string // availability endpoint base URL
	TermCode           string // registration term, e.g. "202508"
	FetchTimeout       time.Duration
	ScraperConcurrency int

	// Notifier
	NotifierConcurrency int
	VAPIDPublicKey      string
	VAPIDPrivateKey     string
	VAPIDSubscriber     string // contact address claimed in push tokens
	UnsubscribeOnNotify bool   // drop a subscriber once their open alert is sent
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	port := os.Getenv("API_PORT")
	if port == "" {
		port = "8083"
	}

	pollSecs, err := intEnv("POLL_INTERVAL_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	if pollSecs < 15 {
		return nil, fmt.Errorf("POLL_INTERVAL_SECONDS must be at least 15, got %d", pollSecs)
	}

	visSecs, err := intEnv("QUEUE_VISIBILITY_SECONDS", 90)
	if err != nil {
		return nil, err
	}

	maxDeliveries, err := intEnv("QUEUE_MAX_DELIVERIES", 4)
	if err != nil {
		return nil, err
	}

	fetchSecs, err := intEnv("FETCH_TIMEOUT_SECONDS", 20)
	if err != nil {
		return nil, err
	}

	scrapers, err := intEnv("SCRAPER_CONCURRENCY", 8)
	if err != nil {
		return nil, err
	}

	notifiers, err := intEnv("NOTIFIER_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}

	availURL := os.Getenv("AVAILABILITY_URL")
	if availURL == "" {
		availURL = "https://oscar.gatech.edu/api/availability"
	}

	term := os.Getenv("TERM_CODE")
	if term == "" {
		term = "202508"
	}

	subscriber := os.Getenv("VAPID_SUBSCRIBER")
	if subscriber == "" {
		subscriber = "mailto:support@getreaper.com"
	}

	return &Config{
		Port:                port,
		DatabaseURL:         dbURL,
		RedisURL:            redisURL,
		PollInterval:        time.Duration(pollSecs) * time.Second,
		VisibilityTimeout:   time.Duration(visSecs) * time.Second,
		MaxDeliveries:       maxDeliveries,
		AvailabilityURL:     availURL,
		TermCode:            term,
		FetchTimeout:        time.Duration(fetchSecs) * time.Second,
		ScraperConcurrency:  scrapers,
		NotifierConcurrency: notifiers,
		VAPIDPublicKey:      os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:     os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber:     subscriber,
		UnsubscribeOnNotify: os.Getenv("UNSUBSCRIBE_ON_NOTIFY") == "true",
	}, nil
}

// intEnv parses a positive integer environment variable with a default.
func intEnv(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, s)
	}
	return v, nil
}
