// Package notify fans a confirmed open transition out to everyone
// currently tracking the course.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/R0M-GH/reapergt-app/internal/course"
	"github.com/R0M-GH/reapergt-app/internal/delivery"
	"github.com/R0M-GH/reapergt-app/internal/queue"
)

// registrarURL deep-links the alert back to the section detail page.
const registrarURL = "https://oscar.gatech.edu/pls/bprod/bwckschd.p_disp_detail_sched?term_in=%s&crn_in=%s"

// SubscriberStore is the slice of the status store the notifier needs.
type SubscriberStore interface {
	Subscribers(ctx context.Context, crn string) ([]string, error)
	RemoveSubscriber(ctx context.Context, crn, userID string) error
}

// AddressResolver maps user ids to push subscriptions.
type AddressResolver interface {
	Resolve(ctx context.Context, userID string) (*delivery.Subscription, error)
}

// Worker processes notify tasks. Subscribers are read fresh per task, never
// from the payload: whoever is tracking the course at delivery time gets
// the alert, whoever left does not. Duplicate tasks are tolerated — the
// worst case is a duplicate alert, which is an accepted tradeoff rather
// than a second dedup store with its own race.
type Worker struct {
	store    SubscriberStore
	resolver AddressResolver
	provider delivery.Provider
	term     string
	logger   *slog.Logger

	// UnsubscribeOnNotify treats a delivered open alert as fulfilling the
	// tracking request and drops the subscriber. Deployment policy, off by
	// default; removal is idempotent so duplicate tasks cannot error.
	UnsubscribeOnNotify bool
}

// NewWorker constructs a Worker.
func NewWorker(st SubscriberStore, resolver AddressResolver, provider delivery.Provider, term string, logger *slog.Logger) *Worker {
	return &Worker{
		store:    st,
		resolver: resolver,
		provider: provider,
		term:     term,
		logger:   logger,
	}
}

// HandleMessage adapts Handle to the queue consumer.
func (w *Worker) HandleMessage(ctx context.Context, m *queue.Message) error {
	var task course.NotifyTask
	if err := json.Unmarshal(m.Body, &task); err != nil {
		w.logger.Error("Dropping malformed notify task", "id", m.ID, "error", err)
		return nil
	}
	return w.Handle(ctx, task)
}

// Handle delivers one open alert to every current subscriber of the CRN.
// Per-subscriber failures are isolated: one bad endpoint never blocks the
// rest, and delivery failures are logged, not retried through the queue —
// nacking here would re-alert the subscribers who already got theirs.
func (w *Worker) Handle(ctx context.Context, task course.NotifyTask) error {
	subscribers, err := w.store.Subscribers(ctx, task.CRN)
	if err != nil {
		// Couldn't even enumerate recipients; redelivery is safe because
		// nothing was sent yet.
		return fmt.Errorf("list subscribers: %w", err)
	}
	if len(subscribers) == 0 {
		w.logger.Info("No subscribers left for opened course", "crn", task.CRN)
		return nil
	}

	msg := delivery.NewMessage(task.CRN, task.SeatsRemaining, fmt.Sprintf(registrarURL, w.term, task.CRN))

	delivered, failed := 0, 0
	for _, userID := range subscribers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.notifyOne(ctx, userID, task, msg) {
			delivered++
		} else {
			failed++
		}
	}

	w.logger.Info("Notify fan-out complete",
		"crn", task.CRN, "seats", task.SeatsRemaining,
		"delivered", delivered, "failed", failed,
		"detected_at", task.DetectedAt.Format(time.RFC3339))
	return nil
}

// notifyOne resolves and pushes to a single subscriber. Reports success;
// every failure path logs with subscriber and course context and moves on.
func (w *Worker) notifyOne(ctx context.Context, userID string, task course.NotifyTask, msg delivery.Message) bool {
	sub, err := w.resolver.Resolve(ctx, userID)
	if err != nil {
		w.logger.Warn("Cannot resolve delivery address, skipping subscriber",
			"user", userID, "crn", task.CRN, "error", err)
		return false
	}

	err = retry.Do(
		func() error { return w.provider.Send(ctx, *sub, msg) },
		retry.Attempts(3),
		retry.Delay(300*time.Millisecond),
		retry.MaxDelay(3*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, delivery.ErrSubscriptionGone)
		}),
	)
	if err != nil {
		w.logger.Warn("Push delivery failed",
			"user", userID, "crn", task.CRN, "error", err)
		return false
	}

	if w.UnsubscribeOnNotify {
		if err := w.store.RemoveSubscriber(ctx, task.CRN, userID); err != nil {
			w.logger.Warn("Unsubscribe-on-notify failed",
				"user", userID, "crn", task.CRN, "error", err)
		}
	}
	return true
}
