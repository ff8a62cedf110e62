// Package queue implements an at-least-once task queue on Redis lists.
//
// Layout per queue name:
//
//	queue:<name>:pending    list  — tasks awaiting a worker
//	queue:<name>:processing list  — tasks leased to a worker
//	queue:<name>:leases     zset  — lease deadlines, scored by unix millis
//	queue:<name>:deliveries hash  — message id → delivery count
//	queue:<name>:dead       list  — tasks that exhausted their deliveries
//
// Dequeue moves a task from pending to processing (BLMOVE) and records a
// lease; Ack removes it, Nack returns it to pending. A worker that dies
// mid-task simply lets the lease expire, and ReclaimExpired moves the task
// back to pending for redelivery. Tasks delivered more than MaxDeliveries
// times are shunted to the dead list instead of retried forever.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	blockInterval = 5 * time.Second // BLMOVE block, also the ctx-cancel latency
	reclaimBatch  = 100
	reclaimPeriod = 15 * time.Second
)

// Options tune a queue's redelivery behaviour.
type Options struct {
	Visibility    time.Duration // lease length before a task is reclaimable
	MaxDeliveries int           // deliveries before dead-lettering
}

// Queue is one named task queue.
type Queue struct {
	rdb    *redis.Client
	name   string
	opts   Options
	logger *slog.Logger
}

// New returns a queue handle; queues are created lazily on first use.
func New(rdb *redis.Client, name string, opts Options, logger *slog.Logger) *Queue {
	if opts.Visibility <= 0 {
		opts.Visibility = 90 * time.Second
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 4
	}
	return &Queue{rdb: rdb, name: name, opts: opts, logger: logger}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(part string) string {
	return fmt.Sprintf("queue:%s:%s", q.name, part)
}

// ─── Messages ────────────────────────────────────────────────────────────────

// envelope is the wire shape stored in the redis lists.
type envelope struct {
	ID         string          `json:"id"`
	Body       json.RawMessage `json:"body"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Message is one leased task. Decode Body into the task type, then Ack on
// success or Nack to hand it back for redelivery.
type Message struct {
	ID      string
	Body    json.RawMessage
	Attempt int

	raw string // exact list entry, needed for LREM/ZREM
}

// ─── Producer side ───────────────────────────────────────────────────────────

// Enqueue serialises body and appends it to the pending list.
func (q *Queue) Enqueue(ctx context.Context, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s task: %w", q.name, err)
	}

	raw, err := json.Marshal(envelope{
		ID:         uuid.NewString(),
		Body:       data,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", q.name, err)
	}

	if err := q.rdb.LPush(ctx, q.key("pending"), raw).Err(); err != nil {
		return fmt.Errorf("enqueue on %s: %w", q.name, err)
	}
	return nil
}

// ─── Consumer side ───────────────────────────────────────────────────────────

// Dequeue leases the next task, blocking up to a few seconds. Returns
// (nil, nil) when the queue stayed empty for the block window, so callers
// can loop and still observe context cancellation. Tasks past their
// delivery budget are moved to the dead list transparently.
func (q *Queue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		raw, err := q.rdb.BLMove(ctx, q.key("pending"), q.key("processing"), "RIGHT", "LEFT", blockInterval).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue from %s: %w", q.name, err)
		}

		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// A corrupt entry can never be processed; dead-letter it.
			q.logger.Error("Dropping undecodable queue entry", "queue", q.name, "error", err)
			q.moveToDead(ctx, raw, "")
			continue
		}

		// Lease before counting: if anything below fails, the lease expiry
		// is what gets the entry back to pending.
		deadline := time.Now().Add(q.opts.Visibility)
		if err := q.rdb.ZAdd(ctx, q.key("leases"), redis.Z{
			Score:  float64(deadline.UnixMilli()),
			Member: raw,
		}).Err(); err != nil {
			q.rdb.LRem(ctx, q.key("processing"), 1, raw)
			q.rdb.RPush(ctx, q.key("pending"), raw)
			return nil, fmt.Errorf("lease on %s: %w", q.name, err)
		}

		attempt, err := q.rdb.HIncrBy(ctx, q.key("deliveries"), env.ID, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("count delivery on %s: %w", q.name, err)
		}

		if int(attempt) > q.opts.MaxDeliveries {
			q.logger.Warn("Task exceeded delivery budget, dead-lettering",
				"queue", q.name, "id", env.ID, "deliveries", attempt)
			q.moveToDead(ctx, raw, env.ID)
			continue
		}

		return &Message{ID: env.ID, Body: env.Body, Attempt: int(attempt), raw: raw}, nil
	}
}

// Ack marks a task done and forgets its delivery history. If the lease
// already expired and the entry was reclaimed, the pending copy is left
// alone along with its delivery count.
func (q *Queue) Ack(ctx context.Context, m *Message) error {
	removed, err := q.rdb.LRem(ctx, q.key("processing"), 1, m.raw).Result()
	if err != nil {
		return fmt.Errorf("ack on %s: %w", q.name, err)
	}
	if removed == 0 {
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("leases"), m.raw)
	pipe.HDel(ctx, q.key("deliveries"), m.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack on %s: %w", q.name, err)
	}
	return nil
}

// Nack returns a task to the pending list for redelivery. The delivery
// count is preserved, so repeated nacks still end at the dead list. A
// zero LREM means the reclaimer already re-pended the entry; pushing it
// again would duplicate the task.
func (q *Queue) Nack(ctx context.Context, m *Message) error {
	removed, err := q.rdb.LRem(ctx, q.key("processing"), 1, m.raw).Result()
	if err != nil {
		return fmt.Errorf("nack on %s: %w", q.name, err)
	}
	if removed == 0 {
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("leases"), m.raw)
	pipe.LPush(ctx, q.key("pending"), m.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack on %s: %w", q.name, err)
	}
	return nil
}

// ReclaimExpired returns tasks whose lease ran out to the pending list.
// Safe to run from any number of workers; LREM only moves an entry once.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expired, err := q.rdb.ZRangeByScore(ctx, q.key("leases"), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: reclaimBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan leases on %s: %w", q.name, err)
	}

	reclaimed := 0
	for _, raw := range expired {
		removed, err := q.rdb.LRem(ctx, q.key("processing"), 1, raw).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim on %s: %w", q.name, err)
		}
		q.rdb.ZRem(ctx, q.key("leases"), raw)
		if removed == 0 {
			continue // another worker reclaimed or acked it first
		}
		if err := q.rdb.LPush(ctx, q.key("pending"), raw).Err(); err != nil {
			return reclaimed, fmt.Errorf("requeue on %s: %w", q.name, err)
		}
		reclaimed++
	}

	if reclaimed > 0 {
		q.logger.Warn("Reclaimed expired task leases", "queue", q.name, "count", reclaimed)
	}
	return reclaimed, nil
}

// moveToDead shunts an entry to the dead list. Best-effort: losing the
// race to another consumer just means the entry moved already.
func (q *Queue) moveToDead(ctx context.Context, raw, id string) {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("processing"), 1, raw)
	pipe.ZRem(ctx, q.key("leases"), raw)
	if id != "" {
		pipe.HDel(ctx, q.key("deliveries"), id)
	}
	pipe.LPush(ctx, q.key("dead"), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("Dead-letter move failed", "queue", q.name, "id", id, "error", err)
	}
}
