// Package status publishes the engine's aggregate sync state to observers.
//
// The snapshot is ephemeral: it is recomputed from the operation queue and
// connectivity monitor after every state change and never persisted.
package status

import (
	"log"
	"os"
	"sync"
	"time"
)

// Snapshot is the process-wide sync status delivered to listeners.
type Snapshot struct {
	Online       bool       `json:"online"`
	PendingCount int        `json:"pending_count"`
	Syncing      bool       `json:"syncing"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
}

// Listener receives status snapshots. Listeners are called synchronously;
// a panicking listener is logged and skipped without affecting the others.
type Listener func(Snapshot)

// Bus fans snapshots out to subscribed listeners.
type Bus struct {
	logger *log.Logger

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	current   Snapshot
}

// NewBus creates a Bus. If logger is nil, a default stderr logger is used.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[status] ", log.LstdFlags)
	}
	return &Bus{
		logger:    logger,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
// The current snapshot is delivered synchronously before Subscribe
// returns, so new observers never start from a blank state.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	snapshot := b.current
	b.mu.Unlock()

	b.deliver(l, snapshot)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Publish stores the snapshot as current and notifies every listener.
func (b *Bus) Publish(s Snapshot) {
	b.mu.Lock()
	b.current = s
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		b.deliver(l, s)
	}
}

// Current returns the most recently published snapshot.
func (b *Bus) Current() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// deliver invokes one listener with panic isolation.
func (b *Bus) deliver(l Listener, s Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("Status listener panicked: %v", r)
		}
	}()
	l(s)
}
