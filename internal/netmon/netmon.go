// Package netmon tracks online/offline state for the sync engine.
//
// The monitor combines three signals:
//   - an initial reachability snapshot taken at startup,
//   - a periodic reachability probe against the remote endpoint,
//   - optional host-environment signals: a state file maintained by the
//     platform's network layer, watched with fsnotify, and direct
//     SetOnline calls from the embedding application.
//
// Dependents register transition callbacks; the offline-to-online edge is
// what lets the scheduler sync immediately instead of waiting for its
// next timer tick.
package netmon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Probe reports whether the remote endpoint is currently reachable.
type Probe func(ctx context.Context) bool

// HTTPProbe builds a Probe that issues a HEAD request against url.
// Any response at all counts as reachable; only transport failures
// (DNS, refused connection, timeout) count as offline.
func HTTPProbe(url string, timeout time.Duration) Probe {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}

// Config holds monitor configuration.
type Config struct {
	// Probe checks reachability. Required.
	Probe Probe

	// ProbeInterval is how often to re-probe (default: 15s).
	ProbeInterval time.Duration

	// StateFile, if set, is a file whose content ("online"/"offline")
	// is maintained by the host environment's network layer. Changes
	// are picked up via fsnotify and override probing until the next
	// probe tick.
	StateFile string

	// Logger for monitor activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults (no probe; callers must set one).
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 15 * time.Second,
		Logger:        log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor is a two-state machine (online/offline) notifying listeners on
// every transition.
type Monitor struct {
	config  *Config
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	online    bool
	listeners []func(online bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. Use Start to take the initial snapshot and begin
// watching.
func New(config *Config) (*Monitor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Probe == nil {
		return nil, fmt.Errorf("probe cannot be nil")
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 15 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// OnTransition registers a callback invoked with the new state whenever
// online/offline flips. Register before Start; callbacks run on the
// monitor's goroutine and must not block.
func (m *Monitor) OnTransition(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start takes the initial reachability snapshot and launches the probe
// loop and, if configured, the state-file watcher.
func (m *Monitor) Start(ctx context.Context) error {
	// Initial snapshot, synchronous so callers observe a settled state.
	m.online = m.config.Probe(ctx)
	m.config.Logger.Printf("Initial connectivity: online=%v", m.online)

	if m.config.StateFile != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create state-file watcher: %w", err)
		}
		// Watch the parent directory so atomic rename-into-place
		// updates are seen too.
		if err := watcher.Add(filepath.Dir(m.config.StateFile)); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", m.config.StateFile, err)
		}
		m.watcher = watcher

		m.wg.Add(1)
		go m.watchStateFile()

		m.applyStateFile()
	}

	m.wg.Add(1)
	go m.probeLoop()

	return nil
}

// Stop shuts down the monitor and waits for its goroutines.
func (m *Monitor) Stop() error {
	m.cancel()
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.wg.Wait()
	return nil
}

// IsOnline returns the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline applies a host-environment connectivity signal.
// No-op when the state is unchanged.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if online {
		m.config.Logger.Printf("Connectivity transition: offline -> online")
	} else {
		m.config.Logger.Printf("Connectivity transition: online -> offline")
	}

	for _, fn := range listeners {
		m.notify(fn, online)
	}
}

// notify invokes one listener, recovering a panic so a faulty listener
// cannot kill the monitor goroutine.
func (m *Monitor) notify(fn func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.config.Logger.Printf("Connectivity listener panicked: %v", r)
		}
	}()
	fn(online)
}

// probeLoop periodically re-checks reachability.
func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-ticker.C:
			m.SetOnline(m.config.Probe(m.ctx))
		}
	}
}

// watchStateFile reacts to host network-state changes written to the
// configured state file.
func (m *Monitor) watchStateFile() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name != m.config.StateFile {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			m.applyStateFile()

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.config.Logger.Printf("State-file watcher error: %v", err)
		}
	}
}

// applyStateFile reads the state file and applies its verdict.
// A missing or unreadable file is ignored; probing remains authoritative.
func (m *Monitor) applyStateFile() {
	data, err := os.ReadFile(m.config.StateFile)
	if err != nil {
		return
	}

	switch strings.TrimSpace(string(data)) {
	case "online", "up":
		m.SetOnline(true)
	case "offline", "down":
		m.SetOnline(false)
	}
}
