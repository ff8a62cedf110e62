// Package scrape checks registrar seat availability and records status
// transitions for tracked courses.
package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/R0M-GH/reapergt-app/internal/course"
)

// ErrCourseNotFound marks a CRN the registrar does not recognise. Permanent:
// the worker flags the course invalid instead of retrying.
var ErrCourseNotFound = errors.New("course not found")

// Fetcher returns the current availability for one CRN.
type Fetcher interface {
	Fetch(ctx context.Context, crn string) (*course.Availability, error)
}

// HTTPFetcher queries the availability endpoint. The endpoint owns the
// catalog parsing; this client only speaks its JSON contract.
type HTTPFetcher struct {
	baseURL string
	term    string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPFetcher constructs a fetcher bound to one registration term. The
// timeout caps the whole fetch including in-process retries; anything
// slower is reported as transient and left to queue redelivery. Each single
// attempt gets a third of the budget so a stalled attempt still leaves room
// to retry.
func NewHTTPFetcher(baseURL, term string, timeout time.Duration, logger *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		term:    term,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout / 3},
		logger:  logger,
	}
}

// availabilityResponse mirrors the availability endpoint JSON.
type availabilityResponse struct {
	Exists         bool `json:"exists"`
	IsOpen         bool `json:"isOpen"`
	SeatsRemaining int  `json:"seatsRemaining"`
}

// Fetch returns availability for a CRN, retrying briefly on transient
// failures inside the fetch deadline.
func (f *HTTPFetcher) Fetch(ctx context.Context, crn string) (*course.Availability, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	u := fmt.Sprintf("%s?term_in=%s&crn_in=%s", f.baseURL, url.QueryEscape(f.term), url.QueryEscape(crn))

	var avail *course.Availability
	err := retry.Do(
		func() error {
			var err error
			avail, err = f.fetchOnce(ctx, u, crn)
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Debug("Retrying availability fetch", "crn", crn, "attempt", n+1, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrCourseNotFound)
		}),
	)
	if err != nil {
		return nil, err
	}
	return avail, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, u, crn string) (*course.Availability, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", crn, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", crn, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("crn %s: %w", crn, ErrCourseNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: unexpected status %d", crn, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read availability for %s: %w", crn, err)
	}

	var ar availabilityResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("decode availability for %s: %w", crn, err)
	}
	if !ar.Exists {
		return nil, fmt.Errorf("crn %s: %w", crn, ErrCourseNotFound)
	}

	return &course.Availability{IsOpen: ar.IsOpen, SeatsRemaining: ar.SeatsRemaining}, nil
}
