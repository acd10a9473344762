package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// testQueue opens an initialized queue on a temporary database
func testQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	q, err := New(conn, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := q.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return q
}

func testOp(action Action, resource, entityID string) *Operation {
	payload, _ := json.Marshal(map[string]string{"id": entityID, "title": "Test"})
	return &Operation{
		Action:   action,
		Resource: resource,
		Payload:  payload,
	}
}

// TestEnqueue_FillsDefaults tests id and timestamp generation
func TestEnqueue_FillsDefaults(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	op := testOp(ActionCreate, "rfi", "rfi-1")
	id, err := q.Enqueue(ctx, op)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if id == "" {
		t.Error("Enqueue() returned empty id")
	}
	if op.ID != id {
		t.Errorf("op.ID = %q, want %q", op.ID, id)
	}
	if op.Timestamp.IsZero() {
		t.Error("Enqueue() left Timestamp zero")
	}
	if op.Status != StatusPending {
		t.Errorf("Status = %q, want %q", op.Status, StatusPending)
	}
}

// TestEnqueue_MissingFields tests validation of required fields
func TestEnqueue_MissingFields(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, &Operation{Resource: "rfi"}); err == nil {
		t.Error("Enqueue() succeeded without action, want error")
	}
	if _, err := q.Enqueue(ctx, &Operation{Action: ActionCreate}); err == nil {
		t.Error("Enqueue() succeeded without resource, want error")
	}
}

// TestPendingBatch_Order tests FIFO ordering by timestamp, then insertion
func TestPendingBatch_Order(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)

	// Enqueued out of timestamp order on purpose
	second := testOp(ActionUpdate, "rfi", "rfi-1")
	second.Timestamp = base.Add(2 * time.Minute)
	first := testOp(ActionCreate, "rfi", "rfi-1")
	first.Timestamp = base.Add(1 * time.Minute)

	secondID, err := q.Enqueue(ctx, second)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	firstID, err := q.Enqueue(ctx, first)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	batch, err := q.PendingBatch(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBatch() failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("PendingBatch() returned %d operations, want 2", len(batch))
	}
	if batch[0].ID != firstID || batch[1].ID != secondID {
		t.Errorf("batch order = [%s %s], want [%s %s]",
			batch[0].ID, batch[1].ID, firstID, secondID)
	}
}

// TestPendingBatch_TiesByInsertion tests submission order for equal timestamps
func TestPendingBatch_TiesByInsertion(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	ts := time.Now()
	var want []string
	for i := 0; i < 3; i++ {
		op := testOp(ActionUpdate, "rfi", "rfi-1")
		op.Timestamp = ts
		id, err := q.Enqueue(ctx, op)
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		want = append(want, id)
	}

	batch, err := q.PendingBatch(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBatch() failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("PendingBatch() returned %d operations, want 3", len(batch))
	}
	for i, op := range batch {
		if op.ID != want[i] {
			t.Errorf("batch[%d] = %s, want %s", i, op.ID, want[i])
		}
	}
}

// TestPendingBatch_Limit tests batch size limiting
func TestPendingBatch_Limit(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(ctx, testOp(ActionCreate, "rfi", fmt.Sprintf("rfi-%d", i))); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	batch, err := q.PendingBatch(ctx, 3)
	if err != nil {
		t.Fatalf("PendingBatch() failed: %v", err)
	}
	if len(batch) != 3 {
		t.Errorf("PendingBatch(3) returned %d operations, want 3", len(batch))
	}
}

// TestMarkSynced_Success tests the pending-to-synced transition
func TestMarkSynced_Success(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testOp(ActionCreate, "rfi", "rfi-1"))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := q.MarkSynced(ctx, id); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	op, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if op.Status != StatusSynced {
		t.Errorf("Status = %q, want %q", op.Status, StatusSynced)
	}
	if op.LastSyncAttempt == nil {
		t.Error("LastSyncAttempt = nil after sync")
	}
}

// TestMarkSynced_AlreadyResolved tests the compare-and-set guard
func TestMarkSynced_AlreadyResolved(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testOp(ActionCreate, "rfi", "rfi-1"))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := q.MarkSynced(ctx, id); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	err = q.MarkSynced(ctx, id)
	if !errors.Is(err, ErrNotInStatus) {
		t.Errorf("second MarkSynced() error = %v, want ErrNotInStatus", err)
	}
}

// TestMarkFailed_RetryCeiling tests that exactly the ceiling is enforced
func TestMarkFailed_RetryCeiling(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testOp(ActionCreate, "rfi", "rfi-1"))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	cause := errors.New("connection refused")

	// First two failures keep the operation pending
	for attempt := 1; attempt < DefaultRetryCeiling; attempt++ {
		if err := q.MarkFailed(ctx, id, cause); err != nil {
			t.Fatalf("MarkFailed() attempt %d failed: %v", attempt, err)
		}
		op, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if op.Status != StatusPending {
			t.Fatalf("Status after attempt %d = %q, want pending", attempt, op.Status)
		}
		if op.RetryCount != attempt {
			t.Errorf("RetryCount = %d, want %d", op.RetryCount, attempt)
		}
	}

	// The third failure is terminal
	if err := q.MarkFailed(ctx, id, cause); err != nil {
		t.Fatalf("MarkFailed() final attempt failed: %v", err)
	}
	op, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if op.Status != StatusFailed {
		t.Errorf("Status after ceiling = %q, want failed", op.Status)
	}
	if op.LastError != "connection refused" {
		t.Errorf("LastError = %q, want 'connection refused'", op.LastError)
	}

	// Terminally failed operations never reappear in the batch
	batch, err := q.PendingBatch(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBatch() failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("PendingBatch() returned %d operations after terminal failure, want 0", len(batch))
	}
}

// TestDeadLetter_SkipsRetries tests immediate terminal failure
func TestDeadLetter_SkipsRetries(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testOp(ActionCreate, "bogus", "bogus-1"))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := q.DeadLetter(ctx, id, errors.New("unknown resource kind")); err != nil {
		t.Fatalf("DeadLetter() failed: %v", err)
	}

	op, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if op.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", op.Status)
	}
	if op.LastError != "unknown resource kind" {
		t.Errorf("LastError = %q, want 'unknown resource kind'", op.LastError)
	}
}

// TestRetry_ResetsBudget tests manual requeue of a failed operation
func TestRetry_ResetsBudget(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testOp(ActionCreate, "rfi", "rfi-1"))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := q.DeadLetter(ctx, id, errors.New("boom")); err != nil {
		t.Fatalf("DeadLetter() failed: %v", err)
	}

	if err := q.Retry(ctx, id); err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}

	op, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if op.Status != StatusPending {
		t.Errorf("Status = %q, want pending", op.Status)
	}
	if op.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", op.RetryCount)
	}
	if op.LastError != "" {
		t.Errorf("LastError = %q, want empty", op.LastError)
	}
}

// TestRetry_NotFailed tests that pending operations cannot be reset
func TestRetry_NotFailed(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testOp(ActionCreate, "rfi", "rfi-1"))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	err = q.Retry(ctx, id)
	if !errors.Is(err, ErrNotInStatus) {
		t.Errorf("Retry() error = %v, want ErrNotInStatus", err)
	}
}

// TestRetryAll tests bulk requeue
func TestRetryAll(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, testOp(ActionCreate, "rfi", fmt.Sprintf("rfi-%d", i)))
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		if i < 2 {
			if err := q.DeadLetter(ctx, id, errors.New("boom")); err != nil {
				t.Fatalf("DeadLetter() failed: %v", err)
			}
		}
	}

	n, err := q.RetryAll(ctx)
	if err != nil {
		t.Fatalf("RetryAll() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("RetryAll() = %d, want 2", n)
	}

	pending, err := q.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() failed: %v", err)
	}
	if pending != 3 {
		t.Errorf("CountPending() = %d, want 3", pending)
	}
}

// TestGet_NotFound tests the missing-operation error
func TestGet_NotFound(t *testing.T) {
	q := testQueue(t)

	_, err := q.Get(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

// TestGetStats tests per-status counts
func TestGetStats(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := q.Enqueue(ctx, testOp(ActionCreate, "rfi", fmt.Sprintf("rfi-%d", i)))
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		ids = append(ids, id)
	}
	if err := q.MarkSynced(ctx, ids[0]); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if err := q.DeadLetter(ctx, ids[1], errors.New("boom")); err != nil {
		t.Fatalf("DeadLetter() failed: %v", err)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	if stats.Pending != 2 || stats.Failed != 1 || stats.Synced != 1 {
		t.Errorf("GetStats() = %+v, want pending=2 failed=1 synced=1", stats)
	}
}

// TestPruneSynced tests removal of old synced operations
func TestPruneSynced(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testOp(ActionCreate, "rfi", "rfi-1"))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := q.MarkSynced(ctx, id); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	// Fresh synced rows survive a 1h prune
	n, err := q.PruneSynced(ctx, time.Hour)
	if err != nil {
		t.Fatalf("PruneSynced() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("PruneSynced(1h) = %d, want 0", n)
	}

	// With a negative age everything synced qualifies
	n, err = q.PruneSynced(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("PruneSynced() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneSynced(-1h) = %d, want 1", n)
	}

	if _, err := q.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after prune error = %v, want ErrNotFound", err)
	}
}

// TestEntityID tests payload id extraction
func TestEntityID(t *testing.T) {
	op := testOp(ActionUpdate, "rfi", "rfi-42")
	if got := op.EntityID(); got != "rfi-42" {
		t.Errorf("EntityID() = %q, want 'rfi-42'", got)
	}

	op.Payload = json.RawMessage(`not json`)
	if got := op.EntityID(); got != "" {
		t.Errorf("EntityID() on malformed payload = %q, want empty", got)
	}
}
