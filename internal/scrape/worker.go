package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/R0M-GH/reapergt-app/internal/course"
	"github.com/R0M-GH/reapergt-app/internal/queue"
	"github.com/R0M-GH/reapergt-app/internal/store"
)

// casAttempts bounds the read/compare-and-set cycle. Two is already enough
// for the duplicate-scrape race; past this the record is churning and the
// task is handed back to the queue.
const casAttempts = 3

// StatusStore is the slice of the status store the worker needs.
type StatusStore interface {
	Get(ctx context.Context, crn string) (*course.TrackedCourse, error)
	CompareAndSetStatus(ctx context.Context, crn string, expectedPrev, next course.Status, seats int, checkedAt time.Time) error
	MarkInvalid(ctx context.Context, crn string) error
}

// Enqueuer accepts notify tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, body any) error
}

// Worker processes scrape tasks: fetch availability, record the observation
// with a conditional write, and emit exactly one notify task per confirmed
// closed→open transition. Any number of Workers may run concurrently; the
// compare-and-set is what keeps duplicate in-flight tasks from
// double-notifying.
type Worker struct {
	store   StatusStore
	fetcher Fetcher
	notify  Enqueuer
	logger  *slog.Logger

	now func() time.Time
}

// NewWorker constructs a Worker.
func NewWorker(st StatusStore, fetcher Fetcher, notify Enqueuer, logger *slog.Logger) *Worker {
	return &Worker{
		store:   st,
		fetcher: fetcher,
		notify:  notify,
		logger:  logger,
		now:     time.Now,
	}
}

// HandleMessage adapts Handle to the queue consumer. Undecodable payloads
// are acked away with a log record; redelivering them cannot help.
func (w *Worker) HandleMessage(ctx context.Context, m *queue.Message) error {
	var task course.ScrapeTask
	if err := json.Unmarshal(m.Body, &task); err != nil {
		w.logger.Error("Dropping malformed scrape task", "id", m.ID, "error", err)
		return nil
	}
	return w.Handle(ctx, task)
}

// Handle processes one scrape task. A nil return means the task is done
// (including the skip paths); an error asks the queue to redeliver, which
// is the only retry mechanism for transient failures.
func (w *Worker) Handle(ctx context.Context, task course.ScrapeTask) error {
	avail, err := w.fetcher.Fetch(ctx, task.CRN)
	if errors.Is(err, ErrCourseNotFound) {
		// Permanent: stop scheduling it rather than retrying forever.
		w.logger.Warn("CRN no longer exists, marking invalid", "crn", task.CRN)
		if err := w.store.MarkInvalid(ctx, task.CRN); err != nil {
			return fmt.Errorf("mark invalid: %w", err)
		}
		return nil
	}
	if err != nil {
		// Transient: the status record must not change on a failed fetch.
		return fmt.Errorf("fetch availability: %w", err)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		done, err := w.recordObservation(ctx, task.CRN, avail)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		// Lost the write race; re-read and re-evaluate against the fresher
		// status. If the concurrent writer already recorded this same
		// transition, the next pass sees previous=OPEN and stays silent.
	}
	return fmt.Errorf("crn %s: %w after %d attempts", task.CRN, store.ErrConflict, casAttempts)
}

// recordObservation runs one read/compare-and-set cycle. done=true means the
// observation is durably recorded (or the course vanished and the task is
// moot); done=false means the conditional write lost and should be retried.
func (w *Worker) recordObservation(ctx context.Context, crn string, avail *course.Availability) (done bool, err error) {
	cur, err := w.store.Get(ctx, crn)
	if errors.Is(err, store.ErrNotFound) {
		// Untracked mid-flight (last subscriber left). Skip, not error.
		w.logger.Info("Course disappeared before scrape landed, skipping", "crn", crn)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read status: %w", err)
	}
	if cur.Invalid {
		return true, nil
	}

	next := course.StatusFor(avail.IsOpen)
	err = w.store.CompareAndSetStatus(ctx, crn, cur.LastStatus, next, avail.SeatsRemaining, w.now().UTC())
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("record status: %w", err)
	}

	w.logger.Info("Observation recorded",
		"crn", crn, "previous", cur.LastStatus, "status", next, "seats", avail.SeatsRemaining)

	// The conditional write confirmed this process observed the transition
	// first, so it alone emits the notify task.
	if course.ShouldNotify(cur.LastStatus, avail.IsOpen) {
		w.emitNotify(ctx, course.NotifyTask{
			CRN:            crn,
			SeatsRemaining: avail.SeatsRemaining,
			DetectedAt:     w.now().UTC(),
		})
	}
	return true, nil
}

// emitNotify enqueues the notify task with a bounded retry. The transition
// is already durable at this point, so a redelivered scrape task would see
// previous=OPEN and not re-emit; failing loudly is all that is left if the
// queue stays down past the retry budget.
func (w *Worker) emitNotify(ctx context.Context, task course.NotifyTask) {
	err := retry.Do(
		func() error { return w.notify.Enqueue(ctx, task) },
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		w.logger.Error("ALERT LOST: transition recorded but notify enqueue failed",
			"crn", task.CRN, "seats", task.SeatsRemaining, "error", err)
		return
	}
	w.logger.Info("Course opened, notify task emitted", "crn", task.CRN, "seats", task.SeatsRemaining)
}
