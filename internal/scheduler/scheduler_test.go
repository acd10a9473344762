package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fieldsync/fieldsync/internal/delivery"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/status"
)

// fakeDeliverer scripts per-operation outcomes and records call order
type fakeDeliverer struct {
	mu      sync.Mutex
	calls   []string
	outcome func(op *queue.Operation) error
	block   chan struct{} // when set, deliveries wait here
}

func (f *fakeDeliverer) Deliver(ctx context.Context, op *queue.Operation) (*delivery.Ack, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, op.ID)
	f.mu.Unlock()

	if f.outcome != nil {
		if err := f.outcome(op); err != nil {
			return nil, err
		}
	}
	return &delivery.Ack{RemoteID: op.EntityID(), ReceivedAt: time.Now()}, nil
}

func (f *fakeDeliverer) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeOnline struct{ online atomic.Bool }

func (f *fakeOnline) IsOnline() bool { return f.online.Load() }

func online() *fakeOnline {
	f := &fakeOnline{}
	f.online.Store(true)
	return f
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	q, err := queue.New(conn, nil)
	if err != nil {
		t.Fatalf("queue.New() failed: %v", err)
	}
	if err := q.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return q
}

func enqueue(t *testing.T, q *queue.Queue, entityID string) string {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"id": entityID})
	id, err := q.Enqueue(context.Background(), &queue.Operation{
		Action:   queue.ActionCreate,
		Resource: "rfi",
		Payload:  payload,
	})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return id
}

func testConfig() *Config {
	return &Config{
		BatchSize:       10,
		TickInterval:    time.Hour, // tests drive passes explicitly
		FollowUpDelay:   10 * time.Millisecond,
		DeliveryTimeout: 5 * time.Second,
		BreakerCooldown: time.Hour,
	}
}

// TestSyncNow_DrainsQueue tests a full pass over pending operations
func TestSyncNow_DrainsQueue(t *testing.T) {
	q := testQueue(t)
	d := &fakeDeliverer{}

	var want []string
	for i := 0; i < 3; i++ {
		want = append(want, enqueue(t, q, fmt.Sprintf("rfi-%d", i)))
	}

	s, err := New(q, d, online(), status.NewBus(nil), testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	got := d.delivered()
	if len(got) != 3 {
		t.Fatalf("delivered %d operations, want 3", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery[%d] = %s, want %s (queue order)", i, got[i], want[i])
		}
	}

	pending, err := q.CountPending(context.Background())
	if err != nil {
		t.Fatalf("CountPending() failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("CountPending() = %d after drain, want 0", pending)
	}

	if s.LastSyncTime().IsZero() {
		t.Error("LastSyncTime() still zero after a pass")
	}
}

// TestSyncNow_Offline tests that passes never start offline
func TestSyncNow_Offline(t *testing.T) {
	q := testQueue(t)
	d := &fakeDeliverer{}
	enqueue(t, q, "rfi-1")

	off := &fakeOnline{}
	s, err := New(q, d, off, status.NewBus(nil), testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if len(d.delivered()) != 0 {
		t.Errorf("delivered %d operations while offline, want 0", len(d.delivered()))
	}
}

// TestSyncNow_PartialFailure tests that one failure doesn't abort the batch
func TestSyncNow_PartialFailure(t *testing.T) {
	q := testQueue(t)

	bad := enqueue(t, q, "rfi-bad")
	good := enqueue(t, q, "rfi-good")

	d := &fakeDeliverer{outcome: func(op *queue.Operation) error {
		if op.ID == bad {
			return fmt.Errorf("%w: connection reset", delivery.ErrTransient)
		}
		return nil
	}}

	s, err := New(q, d, online(), status.NewBus(nil), testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	if len(d.delivered()) != 2 {
		t.Errorf("attempted %d deliveries, want 2 (failure must not abort batch)", len(d.delivered()))
	}

	badOp, err := q.Get(context.Background(), bad)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if badOp.Status != queue.StatusPending {
		t.Errorf("failed op status = %q, want pending for retry", badOp.Status)
	}
	if badOp.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", badOp.RetryCount)
	}

	goodOp, err := q.Get(context.Background(), good)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if goodOp.Status != queue.StatusSynced {
		t.Errorf("good op status = %q, want synced", goodOp.Status)
	}
}

// TestSyncNow_TerminalFailureDeadLetters tests dead-lettering malformed ops
func TestSyncNow_TerminalFailureDeadLetters(t *testing.T) {
	q := testQueue(t)
	id := enqueue(t, q, "rfi-1")

	d := &fakeDeliverer{outcome: func(op *queue.Operation) error {
		return fmt.Errorf("%w (status 422)", delivery.ErrMalformed)
	}}

	s, err := New(q, d, online(), status.NewBus(nil), testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	op, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if op.Status != queue.StatusFailed {
		t.Errorf("status = %q, want failed without retries", op.Status)
	}
}

// TestSyncNow_PermissionTripsBreaker tests the circuit breaker
func TestSyncNow_PermissionTripsBreaker(t *testing.T) {
	q := testQueue(t)

	denied := enqueue(t, q, "rfi-denied")
	waiting := enqueue(t, q, "rfi-waiting")

	d := &fakeDeliverer{outcome: func(op *queue.Operation) error {
		if op.ID == denied {
			return fmt.Errorf("%w (status 403)", delivery.ErrPermissionDenied)
		}
		return nil
	}}

	s, err := New(q, d, online(), status.NewBus(nil), testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	// The pass stops at the permission error
	if len(d.delivered()) != 1 {
		t.Errorf("attempted %d deliveries, want 1 (breaker aborts pass)", len(d.delivered()))
	}
	if !s.BreakerOpen() {
		t.Error("BreakerOpen() = false after permission error")
	}

	// The denied op is dead-lettered; the rest stays pending
	deniedOp, _ := q.Get(context.Background(), denied)
	if deniedOp.Status != queue.StatusFailed {
		t.Errorf("denied op status = %q, want failed", deniedOp.Status)
	}
	waitingOp, _ := q.Get(context.Background(), waiting)
	if waitingOp.Status != queue.StatusPending {
		t.Errorf("waiting op status = %q, want pending", waitingOp.Status)
	}

	// Further passes are suspended
	if s.TriggerSync() {
		t.Error("TriggerSync() = true with breaker open, want false")
	}
	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if len(d.delivered()) != 1 {
		t.Error("breaker did not suspend the follow-up pass")
	}
}

// TestTriggerSync_ReentranceGuard tests that overlapping triggers coalesce
func TestTriggerSync_ReentranceGuard(t *testing.T) {
	q := testQueue(t)
	enqueue(t, q, "rfi-1")

	d := &fakeDeliverer{block: make(chan struct{})}

	s, err := New(q, d, online(), status.NewBus(nil), testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if !s.TriggerSync() {
		t.Fatal("first TriggerSync() = false, want true")
	}

	// Wait until the pass takes the syncing flag
	deadline := time.Now().Add(2 * time.Second)
	for !s.IsSyncing() {
		if time.Now().After(deadline) {
			t.Fatal("pass never started")
		}
		time.Sleep(time.Millisecond)
	}

	if s.TriggerSync() {
		t.Error("second TriggerSync() = true while pass in flight, want false")
	}

	close(d.block)
	s.Stop()

	if got := d.delivered(); len(got) != 1 {
		t.Errorf("delivered %d operations, want 1 (no concurrent pass)", len(got))
	}
}

// TestSyncNow_FollowUpAfterFullBatch tests the follow-up pass
func TestSyncNow_FollowUpAfterFullBatch(t *testing.T) {
	q := testQueue(t)
	d := &fakeDeliverer{}

	config := testConfig()
	config.BatchSize = 2
	for i := 0; i < 5; i++ {
		enqueue(t, q, fmt.Sprintf("rfi-%d", i))
	}

	s, err := New(q, d, online(), status.NewBus(nil), config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	// Follow-up passes drain the remainder in the background
	deadline := time.Now().Add(5 * time.Second)
	for {
		pending, err := q.CountPending(context.Background())
		if err != nil {
			t.Fatalf("CountPending() failed: %v", err)
		}
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("follow-up passes never drained the queue, %d pending", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Stop()
	if got := d.delivered(); len(got) != 5 {
		t.Errorf("delivered %d operations, want 5", len(got))
	}
}

// TestSyncNow_PublishesStatus tests snapshot publication around a pass
func TestSyncNow_PublishesStatus(t *testing.T) {
	q := testQueue(t)
	d := &fakeDeliverer{}
	enqueue(t, q, "rfi-1")

	bus := status.NewBus(nil)
	var mu sync.Mutex
	var sawSyncing bool
	var last status.Snapshot
	bus.Subscribe(func(snap status.Snapshot) {
		mu.Lock()
		if snap.Syncing {
			sawSyncing = true
		}
		last = snap
		mu.Unlock()
	})

	s, err := New(q, d, online(), bus, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !sawSyncing {
		t.Error("no snapshot with Syncing=true was published")
	}
	if last.Syncing {
		t.Error("final snapshot still has Syncing=true")
	}
	if last.PendingCount != 0 {
		t.Errorf("final PendingCount = %d, want 0", last.PendingCount)
	}
	if last.LastSyncTime == nil {
		t.Error("final snapshot missing LastSyncTime")
	}
}

// TestOnSynced_Hook tests the post-delivery callback
func TestOnSynced_Hook(t *testing.T) {
	q := testQueue(t)
	d := &fakeDeliverer{}
	enqueue(t, q, "rfi-1")

	var mu sync.Mutex
	var confirmed []string
	config := testConfig()
	config.OnSynced = func(op *queue.Operation) {
		mu.Lock()
		confirmed = append(confirmed, op.EntityID())
		mu.Unlock()
	}

	s, err := New(q, d, online(), status.NewBus(nil), config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(confirmed) != 1 || confirmed[0] != "rfi-1" {
		t.Errorf("OnSynced calls = %v, want [rfi-1]", confirmed)
	}
}

// TestMarkFailed_CASPreventsDoubleResolve tests the queue-level guard the
// scheduler relies on when passes race
func TestMarkFailed_CASPreventsDoubleResolve(t *testing.T) {
	q := testQueue(t)
	id := enqueue(t, q, "rfi-1")

	if err := q.MarkSynced(context.Background(), id); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	err := q.MarkFailed(context.Background(), id, errors.New("late failure"))
	if !errors.Is(err, queue.ErrNotInStatus) {
		t.Errorf("MarkFailed() on synced op error = %v, want ErrNotInStatus", err)
	}
}

// TestTickLoop_PeriodicSync tests that the timer alone picks up pending work
func TestTickLoop_PeriodicSync(t *testing.T) {
	q := testQueue(t)
	d := &fakeDeliverer{}

	config := testConfig()
	config.TickInterval = 20 * time.Millisecond

	s, err := New(q, d, online(), status.NewBus(nil), config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	// An empty queue ticks without starting passes
	time.Sleep(100 * time.Millisecond)
	if got := len(d.delivered()); got != 0 {
		t.Fatalf("delivered %d operations with an empty queue, want 0", got)
	}
	if !s.LastSyncTime().IsZero() {
		t.Error("LastSyncTime() set without any work")
	}

	// A pending operation goes out on the next tick, with no trigger
	id := enqueue(t, q, "rfi-1")
	deadline := time.Now().Add(5 * time.Second)
	for {
		op, err := q.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if op.Status == queue.StatusSynced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer never delivered the pending operation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// staticTokenDeliverer sends operations through a real HTTP client with a
// fixed credential
type staticTokenDeliverer struct {
	client *delivery.HTTPClient
}

func (d *staticTokenDeliverer) Deliver(ctx context.Context, op *queue.Operation) (*delivery.Ack, error) {
	return d.client.Deliver(ctx, "field-token", op)
}

// TestSyncNow_RetryAfterLostAckReusesOperationID tests redelivery after a
// lost acknowledgement: the retry must carry the same idempotency key, so a
// duplicate-aware remote applies the create exactly once and rejects nothing
func TestSyncNow_RetryAfterLostAckReusesOperationID(t *testing.T) {
	q := testQueue(t)

	var mu sync.Mutex
	applied := 0
	committed := make(map[string]bool)
	created := make(map[string]bool)
	var keys []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		var body struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)

		// A replay of a committed key returns the stored result without
		// re-applying
		if committed[key] {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":%q}`, body.ID)
			return
		}

		// A create for an existing entity under a fresh key is a real
		// duplicate
		if created[body.ID] {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}

		created[body.ID] = true
		committed[key] = true
		applied++
		// The create is committed remote-side but the ack never arrives
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	id := enqueue(t, q, "rfi-lost-ack")
	d := &staticTokenDeliverer{client: delivery.NewHTTPClient(srv.URL)}

	s, err := New(q, d, online(), status.NewBus(nil), testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	// First pass: the remote applies the create, the 502 looks transient
	// on this side, and the operation stays pending
	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	op, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if op.Status != queue.StatusPending {
		t.Fatalf("status after lost ack = %q, want pending", op.Status)
	}
	if op.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", op.RetryCount)
	}

	// Second pass redelivers the same operation id and gets the stored ack
	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	op, err = q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if op.Status != queue.StatusSynced {
		t.Errorf("status after replay = %q, want synced", op.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if applied != 1 {
		t.Errorf("remote applied %d creates, want 1 (replay must be a no-op)", applied)
	}
	if len(keys) != 2 || keys[0] != id || keys[1] != id {
		t.Errorf("idempotency keys = %v, want [%s %s]", keys, id, id)
	}
}
