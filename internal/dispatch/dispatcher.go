// Package dispatch wires up the cron job that fans one scrape task per
// tracked CRN onto the scrape queue at a fixed interval.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/R0M-GH/reapergt-app/internal/course"
)

// CourseLister enumerates the CRNs currently worth scraping.
type CourseLister interface {
	ListTracked(ctx context.Context) ([]string, error)
}

// Enqueuer accepts scrape tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, body any) error
}

// Dispatcher owns the tick schedule. It is stateless between ticks: a tick
// either enumerates the full course set and enqueues, or abandons entirely
// and leaves the work to the next tick.
type Dispatcher struct {
	cron    *cron.Cron
	courses CourseLister
	tasks   Enqueuer
	spec    string // cron spec, e.g. "@every 60s"
	logger  *slog.Logger
}

// New creates a Dispatcher firing every intervalSeconds seconds.
func New(courses CourseLister, tasks Enqueuer, intervalSeconds int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cron:    cron.New(cron.WithLogger(cron.DefaultLogger)),
		courses: courses,
		tasks:   tasks,
		spec:    fmt.Sprintf("@every %ds", intervalSeconds),
		logger:  logger,
	}
}

// Start registers the tick and starts the scheduler. Also dispatches one
// round immediately so newly tracked courses are not stuck waiting out the
// first interval.
func (d *Dispatcher) Start(ctx context.Context) error {
	_, err := d.cron.AddFunc(d.spec, func() {
		d.RunTick(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	d.cron.Start()
	d.logger.Info("Dispatcher started", "spec", d.spec)

	go d.RunTick(ctx)

	return nil
}

// Stop gracefully shuts down the scheduler.
func (d *Dispatcher) Stop() {
	d.cron.Stop()
	d.logger.Info("Dispatcher stopped")
}

// RunTick performs one dispatch round. Enumeration failure abandons the
// tick — no partial dispatch, no mid-tick retry; the next tick covers it.
// Individual enqueue failures are logged and skipped: a missed CRN is also
// picked up again next tick.
func (d *Dispatcher) RunTick(ctx context.Context) {
	crns, err := d.courses.ListTracked(ctx)
	if err != nil {
		d.logger.Error("Tick abandoned: course enumeration failed", "error", err)
		return
	}

	if len(crns) == 0 {
		d.logger.Info("No tracked courses, nothing to dispatch")
		return
	}

	enqueued := 0
	for _, crn := range crns {
		if ctx.Err() != nil {
			d.logger.Info("Tick interrupted by shutdown", "dispatched", enqueued, "total", len(crns))
			return
		}
		if err := d.tasks.Enqueue(ctx, course.ScrapeTask{CRN: crn}); err != nil {
			d.logger.Warn("Enqueue failed, skipping CRN until next tick", "crn", crn, "error", err)
			continue
		}
		enqueued++
	}

	d.logger.Info("Dispatch round complete", "courses", len(crns), "enqueued", enqueued)
}
