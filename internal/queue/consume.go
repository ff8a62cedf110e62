package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one leased message. A nil return acks the message; an
// error nacks it for redelivery (and eventually the dead list).
type Handler func(ctx context.Context, m *Message) error

// Consume runs concurrency worker goroutines against q until ctx is
// cancelled, plus one ticker that reclaims expired leases left behind by
// dead workers. Handler panics are not recovered: a handler that cannot
// fail cleanly should return an error and let redelivery take over.
func Consume(ctx context.Context, q *Queue, concurrency int, handler Handler, logger *slog.Logger) {
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumeLoop(ctx, q, handler, logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reclaimLoop(ctx, q, logger)
	}()

	wg.Wait()
}

func consumeLoop(ctx context.Context, q *Queue, handler Handler, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		m, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Dequeue failed, backing off", "queue", q.Name(), "error", err)
			sleepCtx(ctx, 2*time.Second)
			continue
		}
		if m == nil {
			continue // queue idle for the block window
		}

		if err := handler(ctx, m); err != nil {
			logger.Warn("Task failed, returning for redelivery",
				"queue", q.Name(), "id", m.ID, "attempt", m.Attempt, "error", err)
			if nerr := q.Nack(ctx, m); nerr != nil {
				// Lease expiry will still redeliver it.
				logger.Error("Nack failed", "queue", q.Name(), "id", m.ID, "error", nerr)
			}
			continue
		}

		if err := q.Ack(ctx, m); err != nil {
			// The task completed; a redelivery after this is what the
			// idempotent handlers exist for.
			logger.Error("Ack failed", "queue", q.Name(), "id", m.ID, "error", err)
		}
	}
}

func reclaimLoop(ctx context.Context, q *Queue, logger *slog.Logger) {
	ticker := time.NewTicker(reclaimPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ReclaimExpired(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Lease reclaim failed", "queue", q.Name(), "error", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
