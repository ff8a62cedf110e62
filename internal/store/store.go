// Package store implements the durable status store for tracked courses.
//
// It is the only mutably shared resource between worker processes, so every
// status write goes through a conditional UPDATE keyed on the previously
// read status (compare-and-set). Subscriber membership is mutated by the
// tracking API and read fresh by the notifier; it is never cached here.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/R0M-GH/reapergt-app/internal/course"
)

// listPageSize bounds a single enumeration query; ListTracked pages through
// the full set so a dispatcher tick always sees every watched CRN.
const listPageSize = 500

// ─── Sentinel errors ─────────────────────────────────────────────────────────

// ErrNotFound is returned when a tracked course record does not exist.
var ErrNotFound = errors.New("tracked course not found")

// ErrConflict is returned when a compare-and-set loses to a concurrent
// writer. Callers re-read and re-evaluate; it is not a failure.
var ErrConflict = errors.New("course status changed concurrently")

// ─── Store ───────────────────────────────────────────────────────────────────

// Store wraps the PostgreSQL course tables.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ListTracked returns every valid CRN that still has at least one
// subscriber. Keyset-paginated so the enumeration completes even when the
// table outgrows a single fetch; no ordering is promised to callers.
func (s *Store) ListTracked(ctx context.Context) ([]string, error) {
	var crns []string
	last := ""

	for {
		rows, err := s.pool.Query(ctx,
			`SELECT tc.crn
			 FROM tracked_courses tc
			 WHERE tc.invalid = false
			   AND tc.crn > $1
			   AND EXISTS (SELECT 1 FROM course_subscribers cs WHERE cs.crn = tc.crn)
			 ORDER BY tc.crn
			 LIMIT $2`,
			last, listPageSize,
		)
		if err != nil {
			return nil, fmt.Errorf("list tracked courses: %w", err)
		}

		page, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, fmt.Errorf("scan tracked courses: %w", err)
		}

		crns = append(crns, page...)
		if len(page) < listPageSize {
			return crns, nil
		}
		last = page[len(page)-1]
	}
}

// Get returns the durable record for one CRN.
func (s *Store) Get(ctx context.Context, crn string) (*course.TrackedCourse, error) {
	var (
		tc        course.TrackedCourse
		rawStatus string
		checkedAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT crn, last_status, last_seats_remaining, last_checked_at, invalid
		 FROM tracked_courses
		 WHERE crn = $1`,
		crn,
	).Scan(&tc.CRN, &rawStatus, &tc.LastSeatsRemaining, &checkedAt, &tc.Invalid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get course %s: %w", crn, err)
	}

	tc.LastStatus, err = course.ParseStatus(rawStatus)
	if err != nil {
		return nil, fmt.Errorf("course %s: %w", crn, err)
	}
	if checkedAt != nil {
		tc.LastCheckedAt = *checkedAt
	}
	return &tc, nil
}

// CompareAndSetStatus writes a new observation, but only if the stored
// status still matches what the caller previously read. A zero-row update
// means either a concurrent writer won (ErrConflict) or the course was
// removed mid-flight (ErrNotFound); callers treat both as skip paths.
func (s *Store) CompareAndSetStatus(ctx context.Context, crn string, expectedPrev, next course.Status, seats int, checkedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tracked_courses
		 SET last_status          = $1::course_status,
		     last_seats_remaining = $2,
		     last_checked_at      = $3,
		     updated_at           = NOW()
		 WHERE crn = $4
		   AND last_status = $5::course_status`,
		string(next), seats, checkedAt, crn, string(expectedPrev),
	)
	if err != nil {
		return fmt.Errorf("cas status for %s: %w", crn, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Distinguish a lost race from a vanished row.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tracked_courses WHERE crn = $1)`, crn,
	).Scan(&exists); err != nil {
		return fmt.Errorf("cas recheck for %s: %w", crn, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// MarkInvalid flags a CRN the registrar no longer recognises so the
// dispatcher stops scheduling it. Idempotent.
func (s *Store) MarkInvalid(ctx context.Context, crn string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tracked_courses
		 SET invalid = true, updated_at = NOW()
		 WHERE crn = $1`,
		crn,
	)
	if err != nil {
		return fmt.Errorf("mark %s invalid: %w", crn, err)
	}
	return nil
}

// Subscribers returns the user ids currently tracking a CRN. Read at
// delivery time, never from a task payload, so late joiners are included
// and leavers are not.
func (s *Store) Subscribers(ctx context.Context, crn string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM course_subscribers WHERE crn = $1`, crn,
	)
	if err != nil {
		return nil, fmt.Errorf("subscribers for %s: %w", crn, err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan subscribers for %s: %w", crn, err)
	}
	return users, nil
}

// Track subscribes a user to a CRN, creating the course record at UNKNOWN
// on first touch. Both inserts are conflict-free so repeats are harmless.
func (s *Store) Track(ctx context.Context, crn, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracked_courses (crn)
		 VALUES ($1)
		 ON CONFLICT (crn) DO NOTHING`,
		crn,
	)
	if err != nil {
		return fmt.Errorf("track %s: %w", crn, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO course_subscribers (crn, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (crn, user_id) DO NOTHING`,
		crn, userID,
	)
	if err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", userID, crn, err)
	}
	return nil
}

// RemoveSubscriber drops one user from a CRN. Idempotent: removing an
// absent subscriber is a no-op, which is what lets concurrent duplicate
// notify tasks apply the unsubscribe-on-notify policy safely.
func (s *Store) RemoveSubscriber(ctx context.Context, crn, userID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM course_subscribers WHERE crn = $1 AND user_id = $2`,
		crn, userID,
	)
	if err != nil {
		return fmt.Errorf("unsubscribe %s from %s: %w", userID, crn, err)
	}
	return nil
}

// ListTrackedBy returns the course records a user is subscribed to,
// most recently checked first.
func (s *Store) ListTrackedBy(ctx context.Context, userID string) ([]course.TrackedCourse, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tc.crn, tc.last_status, tc.last_seats_remaining, tc.last_checked_at, tc.invalid
		 FROM tracked_courses tc
		 JOIN course_subscribers cs ON cs.crn = tc.crn
		 WHERE cs.user_id = $1
		 ORDER BY tc.last_checked_at DESC NULLS LAST`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list courses for %s: %w", userID, err)
	}
	defer rows.Close()

	courses := make([]course.TrackedCourse, 0)
	for rows.Next() {
		var (
			tc        course.TrackedCourse
			rawStatus string
			checkedAt *time.Time
		)
		if err := rows.Scan(&tc.CRN, &rawStatus, &tc.LastSeatsRemaining, &checkedAt, &tc.Invalid); err != nil {
			return nil, fmt.Errorf("scan course for %s: %w", userID, err)
		}
		if tc.LastStatus, err = course.ParseStatus(rawStatus); err != nil {
			return nil, fmt.Errorf("course %s: %w", tc.CRN, err)
		}
		if checkedAt != nil {
			tc.LastCheckedAt = *checkedAt
		}
		courses = append(courses, tc)
	}
	return courses, rows.Err()
}
