// Package scheduler drains the operation queue against the remote system.
//
// A single logical worker runs sync passes: the periodic timer, manual
// triggers, connectivity transitions and new enqueues all funnel into
// TriggerSync, and a re-entrance guard ensures overlapping wake-ups never
// run two passes concurrently. Operations within a batch are delivered
// strictly in queue order, one at a time; a failure for one operation
// never aborts the batch.
package scheduler

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/delivery"
	"github.com/fieldsync/fieldsync/internal/queue"
	"github.com/fieldsync/fieldsync/internal/status"
)

// Deliverer sends one operation to the remote system. Implemented by the
// token-guarded pipeline; tests substitute fakes.
type Deliverer interface {
	Deliver(ctx context.Context, op *queue.Operation) (*delivery.Ack, error)
}

// OnlineChecker reports current connectivity. Implemented by netmon.Monitor.
type OnlineChecker interface {
	IsOnline() bool
}

// Config holds scheduler configuration.
type Config struct {
	// BatchSize is how many pending operations one pass picks up
	// (default: 10).
	BatchSize int

	// TickInterval is the periodic re-evaluation interval when no
	// write or connectivity event occurs (default: 60s).
	TickInterval time.Duration

	// FollowUpDelay is the pause before the next pass when a full
	// batch left work behind (default: 1s).
	FollowUpDelay time.Duration

	// DeliveryTimeout bounds each network call so a hung delivery
	// cannot pin the syncing flag forever (default: 30s).
	DeliveryTimeout time.Duration

	// BreakerCooldown is how long delivery stays suspended after a
	// permission error (default: 5m).
	BreakerCooldown time.Duration

	// OnSynced, if set, is called after an operation is confirmed
	// synced. The engine uses it to clear mirror sync flags and purge
	// tombstones.
	OnSynced func(op *queue.Operation)

	// Logger for scheduler activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:       10,
		TickInterval:    60 * time.Second,
		FollowUpDelay:   1 * time.Second,
		DeliveryTimeout: 30 * time.Second,
		BreakerCooldown: 5 * time.Minute,
		Logger:          log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Scheduler is the background sync worker: idle -> syncing -> idle.
type Scheduler struct {
	queue     *queue.Queue
	deliverer Deliverer
	online    OnlineChecker
	bus       *status.Bus
	config    *Config

	mu           sync.Mutex
	syncing      bool
	lastSyncTime time.Time
	breakerUntil time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin the periodic timer.
func New(q *queue.Queue, d Deliverer, online OnlineChecker, bus *status.Bus, config *Config) (*Scheduler, error) {
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if d == nil {
		return nil, errors.New("deliverer cannot be nil")
	}
	if online == nil {
		return nil, errors.New("online checker cannot be nil")
	}
	if bus == nil {
		return nil, errors.New("status bus cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 60 * time.Second
	}
	if config.FollowUpDelay <= 0 {
		config.FollowUpDelay = time.Second
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = 30 * time.Second
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		queue:     q,
		deliverer: d,
		online:    online,
		bus:       bus,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches the periodic timer loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.tickLoop()
}

// Stop halts the timer and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// TriggerSync requests an immediate sync pass on the scheduler's own
// goroutine. Returns false without doing anything if offline, suspended
// by the circuit breaker, or a pass is already running.
func (s *Scheduler) TriggerSync() bool {
	if !s.canStartPass() {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPass()
	}()
	return true
}

// SyncNow runs one sync pass synchronously and returns once it completes.
// A no-op (offline, already syncing, breaker open, nothing pending) is
// not an error.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	if !s.canStartPass() {
		return nil
	}
	return s.runPassCtx(ctx)
}

// LastSyncTime returns when the most recent pass completed, zero if none.
func (s *Scheduler) LastSyncTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncTime
}

// IsSyncing reports whether a pass is currently running.
func (s *Scheduler) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

// BreakerOpen reports whether the permission-error circuit breaker is
// currently suspending delivery.
func (s *Scheduler) BreakerOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.breakerUntil)
}

// canStartPass checks the pass preconditions that don't need the queue.
func (s *Scheduler) canStartPass() bool {
	if !s.online.IsOnline() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return false
	}
	if time.Now().Before(s.breakerUntil) {
		return false
	}
	return true
}

// tickLoop is the only source of periodic syncing when no write or
// connectivity event occurs.
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			pending, err := s.queue.CountPending(s.ctx)
			if err != nil {
				s.config.Logger.Printf("Failed to count pending operations: %v", err)
				continue
			}
			if pending == 0 {
				continue
			}
			s.TriggerSync()
		}
	}
}

// runPass executes one bounded sync pass against the scheduler context.
func (s *Scheduler) runPass() {
	if err := s.runPassCtx(s.ctx); err != nil {
		s.config.Logger.Printf("Sync pass error: %v", err)
	}
}

// runPassCtx is the pass algorithm. The end state transitions of each
// operation are compare-and-set in the queue, so even a bypassed guard
// could not double-process an entry.
func (s *Scheduler) runPassCtx(ctx context.Context) error {
	// Check-then-set under one lock: the re-entrance guard.
	s.mu.Lock()
	if s.syncing || time.Now().Before(s.breakerUntil) {
		s.mu.Unlock()
		return nil
	}
	s.syncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
		s.publish()
	}()

	pending, err := s.queue.CountPending(ctx)
	if err != nil {
		return err
	}
	if pending == 0 {
		return nil
	}

	s.publish()

	batch, err := s.queue.PendingBatch(ctx, s.config.BatchSize)
	if err != nil {
		return err
	}

	delivered := 0
	for _, op := range batch {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if s.deliverOne(ctx, op) {
			delivered++
		}

		s.mu.Lock()
		tripped := time.Now().Before(s.breakerUntil)
		s.mu.Unlock()
		if tripped {
			break
		}
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	remaining, err := s.queue.CountPending(ctx)
	if err != nil {
		return err
	}

	s.config.Logger.Printf("Sync pass complete: delivered=%d/%d remaining=%d",
		delivered, len(batch), remaining)

	// A full batch with work left behind yields to other work instead
	// of looping synchronously.
	if len(batch) == s.config.BatchSize && remaining > 0 {
		s.scheduleFollowUp()
	}

	return nil
}

// deliverOne attempts one operation and converts the outcome into a queue
// status transition. Returns true on confirmed delivery.
func (s *Scheduler) deliverOne(ctx context.Context, op *queue.Operation) bool {
	dctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	_, err := s.deliverer.Deliver(dctx, op)
	cancel()

	if err == nil {
		if merr := s.queue.MarkSynced(ctx, op.ID); merr != nil {
			// Another pass got here first; nothing left to do.
			if !errors.Is(merr, queue.ErrNotInStatus) {
				s.config.Logger.Printf("Failed to mark %s synced: %v", op.ID, merr)
			}
			return false
		}
		if s.config.OnSynced != nil {
			s.config.OnSynced(op)
		}
		return true
	}

	switch {
	case errors.Is(err, delivery.ErrPermissionDenied):
		s.deadLetter(ctx, op.ID, err)
		s.tripBreaker()

	case delivery.IsTerminal(err):
		s.deadLetter(ctx, op.ID, err)

	default:
		// Transient failures and exhausted auth retries count against
		// the retry ceiling.
		if merr := s.queue.MarkFailed(ctx, op.ID, err); merr != nil && !errors.Is(merr, queue.ErrNotInStatus) {
			s.config.Logger.Printf("Failed to mark %s failed: %v", op.ID, merr)
		}
	}
	return false
}

func (s *Scheduler) deadLetter(ctx context.Context, id string, cause error) {
	if err := s.queue.DeadLetter(ctx, id, cause); err != nil && !errors.Is(err, queue.ErrNotInStatus) {
		s.config.Logger.Printf("Failed to dead-letter %s: %v", id, err)
	}
}

// tripBreaker suspends delivery for the cooldown window. Enqueues keep
// working throughout; only passes are suspended.
func (s *Scheduler) tripBreaker() {
	s.mu.Lock()
	s.breakerUntil = time.Now().Add(s.config.BreakerCooldown)
	until := s.breakerUntil
	s.mu.Unlock()

	s.config.Logger.Printf("Permission error: suspending sync until %s",
		until.Format(time.RFC3339))
}

// scheduleFollowUp queues the next pass after a short delay.
func (s *Scheduler) scheduleFollowUp() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.config.FollowUpDelay):
		}
		if s.canStartPass() {
			s.runPass()
		}
	}()
}

// publish recomputes and broadcasts the status snapshot.
func (s *Scheduler) publish() {
	pending, err := s.queue.CountPending(context.Background())
	if err != nil {
		s.config.Logger.Printf("Failed to count pending operations: %v", err)
	}

	s.mu.Lock()
	snapshot := status.Snapshot{
		Online:       s.online.IsOnline(),
		PendingCount: pending,
		Syncing:      s.syncing,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		snapshot.LastSyncTime = &t
	}
	s.mu.Unlock()

	s.bus.Publish(snapshot)
}
