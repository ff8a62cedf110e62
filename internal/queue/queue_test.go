package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testTask struct {
	CRN string `json:"crn"`
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "scrape", opts, slog.New(slog.DiscardHandler)), client
}

func dequeueOne(t *testing.T, q *Queue) *Message {
	t.Helper()
	m, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if m == nil {
		t.Fatal("Dequeue returned no message")
	}
	return m
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask{CRN: "91575"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	m := dequeueOne(t, q)
	var task testTask
	if err := json.Unmarshal(m.Body, &task); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if task.CRN != "91575" {
		t.Errorf("task = %+v, want CRN 91575", task)
	}
	if m.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", m.Attempt)
	}

	if err := q.Ack(ctx, m); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	for _, key := range []string{"queue:scrape:pending", "queue:scrape:processing", "queue:scrape:dead"} {
		if n := client.LLen(ctx, key).Val(); n != 0 {
			t.Errorf("%s holds %d entries after ack, want 0", key, n)
		}
	}
	if n := client.ZCard(ctx, "queue:scrape:leases").Val(); n != 0 {
		t.Errorf("leases holds %d entries after ack, want 0", n)
	}
	if n := client.HLen(ctx, "queue:scrape:deliveries").Val(); n != 0 {
		t.Errorf("deliveries holds %d entries after ack, want 0", n)
	}
}

func TestNackPreservesDeliveryCount(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask{CRN: "91575"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	m := dequeueOne(t, q)
	if err := q.Nack(ctx, m); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	m = dequeueOne(t, q)
	if m.Attempt != 2 {
		t.Errorf("attempt after nack = %d, want 2", m.Attempt)
	}
}

// A task that fails on every delivery must end on the dead list with its
// delivery history cleared, not circulate forever.
func TestDeadLetterAfterDeliveryBudget(t *testing.T) {
	q, client := newTestQueue(t, Options{MaxDeliveries: 2})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask{CRN: "91575"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 2; i++ {
		m := dequeueOne(t, q)
		if err := q.Nack(ctx, m); err != nil {
			t.Fatalf("Nack %d: %v", i+1, err)
		}
	}

	// The third delivery exceeds the budget; Dequeue dead-letters it and
	// keeps blocking on the now-empty pending list until the deadline.
	deadCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if m, _ := q.Dequeue(deadCtx); m != nil {
		t.Fatalf("dequeued %+v past the delivery budget", m)
	}

	if n := client.LLen(ctx, "queue:scrape:dead").Val(); n != 1 {
		t.Fatalf("dead list holds %d entries, want 1", n)
	}
	if n := client.LLen(ctx, "queue:scrape:pending").Val(); n != 0 {
		t.Errorf("pending holds %d entries, want 0", n)
	}
	if n := client.LLen(ctx, "queue:scrape:processing").Val(); n != 0 {
		t.Errorf("processing holds %d entries, want 0", n)
	}
	if n := client.HLen(ctx, "queue:scrape:deliveries").Val(); n != 0 {
		t.Errorf("deliveries holds %d entries, want 0", n)
	}
}

func TestReclaimExpiredRedelivers(t *testing.T) {
	q, client := newTestQueue(t, Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask{CRN: "91575"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	dequeueOne(t, q) // lease it and walk away

	time.Sleep(80 * time.Millisecond)
	reclaimed, err := q.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}
	if n := client.LLen(ctx, "queue:scrape:processing").Val(); n != 0 {
		t.Errorf("processing holds %d entries after reclaim, want 0", n)
	}

	m := dequeueOne(t, q)
	if m.Attempt != 2 {
		t.Errorf("attempt after reclaim = %d, want 2", m.Attempt)
	}
}

// Once the reclaimer has re-pended an expired lease, a late Nack from the
// original worker must not push a second copy of the task.
func TestNackAfterReclaimDoesNotDuplicate(t *testing.T) {
	q, client := newTestQueue(t, Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask{CRN: "91575"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	m := dequeueOne(t, q)

	time.Sleep(80 * time.Millisecond)
	if reclaimed, err := q.ReclaimExpired(ctx); err != nil || reclaimed != 1 {
		t.Fatalf("ReclaimExpired = %d, %v, want 1, nil", reclaimed, err)
	}

	if err := q.Nack(ctx, m); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if n := client.LLen(ctx, "queue:scrape:pending").Val(); n != 1 {
		t.Fatalf("pending holds %d entries, want exactly 1", n)
	}
}

func TestAckAfterReclaimKeepsPendingCopy(t *testing.T) {
	q, client := newTestQueue(t, Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask{CRN: "91575"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	m := dequeueOne(t, q)

	time.Sleep(80 * time.Millisecond)
	if reclaimed, err := q.ReclaimExpired(ctx); err != nil || reclaimed != 1 {
		t.Fatalf("ReclaimExpired = %d, %v, want 1, nil", reclaimed, err)
	}

	if err := q.Ack(ctx, m); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n := client.LLen(ctx, "queue:scrape:pending").Val(); n != 1 {
		t.Fatalf("pending holds %d entries, want the reclaimed copy", n)
	}
	// The delivery count survives so the redelivered copy still counts
	// toward the dead-letter budget.
	if n := client.HLen(ctx, "queue:scrape:deliveries").Val(); n != 1 {
		t.Errorf("deliveries holds %d entries, want 1", n)
	}
}

func TestUndecodableEntryIsDeadLettered(t *testing.T) {
	q, client := newTestQueue(t, Options{})
	ctx := context.Background()

	if err := client.LPush(ctx, "queue:scrape:pending", "not json").Err(); err != nil {
		t.Fatalf("LPush: %v", err)
	}

	deadCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if m, _ := q.Dequeue(deadCtx); m != nil {
		t.Fatalf("dequeued undecodable entry %+v", m)
	}
	if n := client.LLen(ctx, "queue:scrape:dead").Val(); n != 1 {
		t.Fatalf("dead list holds %d entries, want 1", n)
	}
}
