// Package engine wires the mirror store, operation queue, connectivity
// monitor, token-guarded pipeline and sync scheduler into one explicitly
// constructed service with an init/shutdown lifecycle.
//
// This is the surface the application layer consumes: local writes go
// through Create/Update/Delete, which persist to the mirror first and then
// enqueue an operation for eventual delivery. Everything else - status
// listeners, manual sync, failed-operation inspection - is thin delegation
// to the underlying components.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/fieldsync/fieldsync/internal/model"
	"github.com/fieldsync/fieldsync/internal/netmon"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/scheduler"
	"github.com/fieldsync/fieldsync/internal/status"
	"github.com/fieldsync/fieldsync/internal/store"
)

// Options assembles the engine's collaborators. Store, Queue and Deliverer
// are required; Monitor is optional (without one the engine assumes online
// and relies on delivery failures for backpressure).
type Options struct {
	Store     *store.Store
	Queue     *queue.Queue
	Deliverer scheduler.Deliverer
	Monitor   *netmon.Monitor

	// SchedulerConfig overrides scheduler defaults. OnSynced is owned
	// by the engine and must be left nil.
	SchedulerConfig *scheduler.Config

	// Logger for engine activity
	Logger *log.Logger
}

// Engine is the offline-first synchronization service.
type Engine struct {
	store   *store.Store
	queue   *queue.Queue
	monitor *netmon.Monitor
	sched   *scheduler.Scheduler
	bus     *status.Bus
	logger  *log.Logger

	// Read by enqueue paths that may race Start and Stop.
	started atomic.Bool
}

// New constructs an Engine from explicit dependencies. Nothing starts
// running until Start is called, so tests can build multiple isolated
// instances.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if opts.Deliverer == nil {
		return nil, fmt.Errorf("deliverer cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	e := &Engine{
		store:   opts.Store,
		queue:   opts.Queue,
		monitor: opts.Monitor,
		bus:     status.NewBus(opts.Logger),
		logger:  opts.Logger,
	}

	schedConfig := opts.SchedulerConfig
	if schedConfig == nil {
		schedConfig = scheduler.DefaultConfig()
	}
	schedConfig.OnSynced = e.onSynced

	var online scheduler.OnlineChecker = alwaysOnline{}
	if opts.Monitor != nil {
		online = opts.Monitor
	}

	sched, err := scheduler.New(opts.Queue, opts.Deliverer, online, e.bus, schedConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	e.sched = sched

	return e, nil
}

// Start initializes schemas, starts the connectivity monitor and the sync
// scheduler, and publishes the initial status snapshot.
func (e *Engine) Start(ctx context.Context) error {
	if e.started.Load() {
		return fmt.Errorf("engine already started")
	}

	if err := e.store.InitSchemaContext(ctx); err != nil {
		return fmt.Errorf("failed to initialize mirror schema: %w", err)
	}
	if err := e.queue.InitSchemaContext(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	if e.monitor != nil {
		// An offline->online transition syncs immediately instead of
		// waiting for the next timer tick. Going offline only updates
		// state; in-flight deliveries fail naturally into the retry
		// path.
		e.monitor.OnTransition(func(online bool) {
			e.publishSnapshot(online)
			if online {
				e.sched.TriggerSync()
			}
		})
		if err := e.monitor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start connectivity monitor: %w", err)
		}
	}

	e.sched.Start()
	e.started.Store(true)

	e.publishSnapshot(e.isOnline())
	e.logger.Printf("Engine started")

	// Anything left over from the previous run goes out as soon as
	// we're online.
	e.sched.TriggerSync()

	return nil
}

// Stop shuts the engine down gracefully: the scheduler finishes its
// in-flight pass, the monitor stops, and the store is left open for the
// owner to close.
func (e *Engine) Stop() error {
	if !e.started.Load() {
		return nil
	}

	e.sched.Stop()
	if e.monitor != nil {
		_ = e.monitor.Stop()
	}

	e.started.Store(false)
	e.logger.Printf("Engine stopped")
	return nil
}

// Create persists a new interaction locally and queues it for delivery.
//
// The mirror write and the enqueue are both synchronous; a failure in
// either is surfaced to the caller immediately, because an edit that
// never queued would never reach the remote system.
func (e *Engine) Create(ctx context.Context, in *model.Interaction) error {
	now := time.Now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	in.SyncPending = true
	in.LocalStatus = model.LocalCreated

	if err := e.store.PutContext(ctx, in); err != nil {
		return fmt.Errorf("local write failed: %w", err)
	}

	return e.enqueue(ctx, queue.ActionCreate, in)
}

// Update persists changes to an existing interaction and queues them.
func (e *Engine) Update(ctx context.Context, in *model.Interaction) error {
	in.UpdatedAt = time.Now()
	in.SyncPending = true
	if in.LocalStatus != model.LocalCreated {
		// A record still unseen by the remote stays "created" so the
		// eventual delivery is a create, not an update of nothing.
		in.LocalStatus = model.LocalUpdated
	}

	if err := e.store.PutContext(ctx, in); err != nil {
		return fmt.Errorf("local write failed: %w", err)
	}

	return e.enqueue(ctx, queue.ActionUpdate, in)
}

// Delete tombstones an interaction locally and queues the remote delete.
// The record is physically purged only after the delete is confirmed.
func (e *Engine) Delete(ctx context.Context, id string) error {
	kind, _, err := model.SplitID(id)
	if err != nil {
		return err
	}

	if err := e.store.MarkTombstonedContext(ctx, id); err != nil {
		return fmt.Errorf("local write failed: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return fmt.Errorf("failed to encode delete payload: %w", err)
	}

	op := &queue.Operation{
		Action:   queue.ActionDelete,
		Resource: string(kind),
		Payload:  payload,
	}
	if _, err := e.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("failed to queue delete: %w", err)
	}

	e.afterEnqueue()
	return nil
}

// Get returns one interaction from the local mirror.
func (e *Engine) Get(ctx context.Context, id string) (*model.Interaction, error) {
	return e.store.GetContext(ctx, id)
}

// List returns interactions from the local mirror.
func (e *Engine) List(ctx context.Context, filter store.Filter) ([]*model.Interaction, error) {
	return e.store.ListContext(ctx, filter)
}

// PendingSyncCount returns the number of operations awaiting delivery.
func (e *Engine) PendingSyncCount(ctx context.Context) (int, error) {
	return e.queue.CountPending(ctx)
}

// ManualSync runs one sync pass now and waits for it to complete.
// Offline or already-syncing states are a no-op, not an error.
func (e *Engine) ManualSync(ctx context.Context) error {
	return e.sched.SyncNow(ctx)
}

// AddSyncStatusListener subscribes a listener to status snapshots. The
// current snapshot is delivered immediately; the returned function
// unsubscribes.
func (e *Engine) AddSyncStatusListener(l status.Listener) (unsubscribe func()) {
	return e.bus.Subscribe(l)
}

// RetryFailedOperation resets one failed operation to pending and kicks
// the scheduler.
func (e *Engine) RetryFailedOperation(ctx context.Context, id string) error {
	if err := e.queue.Retry(ctx, id); err != nil {
		return err
	}
	e.afterEnqueue()
	return nil
}

// RetryAllFailed resets every failed operation to pending.
func (e *Engine) RetryAllFailed(ctx context.Context) (int, error) {
	n, err := e.queue.RetryAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.afterEnqueue()
	}
	return n, nil
}

// FailedSyncOperations returns the terminally failed operations for
// manual inspection. This is the only place individual error detail is
// exposed; the status snapshot stays aggregate.
func (e *Engine) FailedSyncOperations(ctx context.Context) ([]*queue.Operation, error) {
	return e.queue.Failed(ctx)
}

// QueueStats returns per-status operation counts.
func (e *Engine) QueueStats(ctx context.Context) (queue.Stats, error) {
	return e.queue.GetStats(ctx)
}

// Status returns the current aggregate sync snapshot.
func (e *Engine) Status() status.Snapshot {
	return e.bus.Current()
}

// enqueue records a mutation operation for an interaction.
func (e *Engine) enqueue(ctx context.Context, action queue.Action, in *model.Interaction) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode operation payload: %w", err)
	}

	op := &queue.Operation{
		Action:   action,
		Resource: string(in.Kind),
		Payload:  payload,
	}
	if _, err := e.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("failed to queue %s: %w", action, err)
	}

	e.afterEnqueue()
	return nil
}

// afterEnqueue refreshes the snapshot and, when online, starts a pass so
// new writes don't wait for the periodic timer.
func (e *Engine) afterEnqueue() {
	e.publishSnapshot(e.isOnline())
	if e.started.Load() && e.isOnline() {
		e.sched.TriggerSync()
	}
}

// onSynced confirms a delivered operation against the mirror: deletes are
// purged, creates and updates get their sync flags cleared.
func (e *Engine) onSynced(op *queue.Operation) {
	entityID := op.EntityID()
	if entityID == "" {
		return
	}

	ctx := context.Background()
	var err error
	if op.Action == queue.ActionDelete {
		err = e.store.PurgeTombstonedContext(ctx, entityID)
	} else {
		err = e.store.ConfirmSyncedContext(ctx, entityID)
	}
	if err != nil {
		e.logger.Printf("Failed to confirm %s %s in mirror: %v", op.Action, entityID, err)
	}
}

func (e *Engine) isOnline() bool {
	if e.monitor == nil {
		return true
	}
	return e.monitor.IsOnline()
}

// publishSnapshot recomputes the aggregate snapshot outside a sync pass.
func (e *Engine) publishSnapshot(online bool) {
	pending, err := e.queue.CountPending(context.Background())
	if err != nil {
		e.logger.Printf("Failed to count pending operations: %v", err)
	}

	snapshot := status.Snapshot{
		Online:       online,
		PendingCount: pending,
		Syncing:      e.sched.IsSyncing(),
	}
	if t := e.sched.LastSyncTime(); !t.IsZero() {
		snapshot.LastSyncTime = &t
	}

	e.bus.Publish(snapshot)
}

// alwaysOnline is the OnlineChecker used when no monitor is configured.
type alwaysOnline struct{}

func (alwaysOnline) IsOnline() bool { return true }
