// Package pipeline wraps outbound deliveries with credential handling:
// pre-flight expiry checks, single-flight refresh shared across concurrent
// callers, and a retry-once-after-refresh cycle on authorization failures.
//
// The pipeline is the mechanism the sync scheduler relies on to avoid
// flooding the credential provider when a token expires mid-batch: no
// matter how many deliveries are in flight, at most one refresh runs, and
// refresh attempts are throttled across the whole pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fieldsync/fieldsync/internal/delivery"
	"github.com/fieldsync/fieldsync/internal/queue"
)

// Credential is an opaque bearer token with a known expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// ExpiresWithin reports whether the credential is invalid now or will be
// within the given buffer.
func (c Credential) ExpiresWithin(buffer time.Duration) bool {
	if c.Token == "" {
		return true
	}
	return !time.Now().Add(buffer).Before(c.ExpiresAt)
}

// Provider obtains fresh credentials out-of-band (the application's OAuth
// layer). The pipeline only needs two things from it: whether a refresh
// succeeded, and whether the new credential actually differs from the old
// one.
type Provider interface {
	Refresh(ctx context.Context) (Credential, error)
}

// ErrRefreshThrottled is returned when a refresh was needed but the
// pipeline-wide throttle window has not elapsed since the last attempt.
var ErrRefreshThrottled = errors.New("credential refresh throttled")

// ErrRefreshUnchanged is returned when the provider handed back the same
// credential it was asked to replace, a sign of a broken refresh
// implementation that would otherwise loop forever.
var ErrRefreshUnchanged = errors.New("credential refresh returned unchanged token")

// Config holds pipeline configuration.
type Config struct {
	// ExpiryBuffer triggers a pre-flight refresh when the credential
	// expires within this window (default: 30s).
	ExpiryBuffer time.Duration

	// RefreshMinInterval throttles refresh attempts across the whole
	// pipeline (default: one per 5s).
	RefreshMinInterval time.Duration

	// Logger for pipeline activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ExpiryBuffer:       30 * time.Second,
		RefreshMinInterval: 5 * time.Second,
		Logger:             log.New(os.Stderr, "[pipeline] ", log.LstdFlags),
	}
}

// Pipeline guards deliveries with a currently-valid credential.
type Pipeline struct {
	client   delivery.Client
	provider Provider
	config   *Config

	group singleflight.Group

	mu          sync.Mutex
	cred        Credential
	lastAttempt time.Time
}

// New creates a Pipeline around a delivery client and credential provider.
//
// initial may be the zero Credential, in which case the first delivery
// performs a refresh before going out.
func New(client delivery.Client, provider Provider, initial Credential, config *Config) (*Pipeline, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.ExpiryBuffer <= 0 {
		config.ExpiryBuffer = 30 * time.Second
	}
	if config.RefreshMinInterval <= 0 {
		config.RefreshMinInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[pipeline] ", log.LstdFlags)
	}

	return &Pipeline{
		client:   client,
		provider: provider,
		config:   config,
		cred:     initial,
	}, nil
}

// Deliver sends one operation through the guarded client.
//
// Pre-flight: a credential that is invalid or inside the expiry buffer is
// refreshed first; concurrent callers share a single refresh. Post-flight:
// an ErrAuthExpired failure triggers exactly one refresh-and-retry cycle;
// a second authorization failure is terminal for this call. Permission
// errors are never refreshed and pass straight through to the scheduler.
func (p *Pipeline) Deliver(ctx context.Context, op *queue.Operation) (*delivery.Ack, error) {
	cred, err := p.ensureCredential(ctx)
	if err != nil {
		// No valid credential means no request went out; treat it like
		// a network failure so the operation stays pending.
		return nil, fmt.Errorf("%w: credential unavailable: %v", delivery.ErrTransient, err)
	}

	ack, err := p.client.Deliver(ctx, cred.Token, op)
	if err == nil {
		return ack, nil
	}

	if !errors.Is(err, delivery.ErrAuthExpired) {
		return nil, err
	}

	// The token died between pre-flight and the server's check.
	// One refresh-and-retry cycle, then give up.
	cred, rerr := p.refresh(ctx)
	if rerr != nil {
		return nil, fmt.Errorf("%w: refresh after auth failure: %v", delivery.ErrTransient, rerr)
	}

	ack, err = p.client.Deliver(ctx, cred.Token, op)
	if err != nil && errors.Is(err, delivery.ErrAuthExpired) {
		return nil, fmt.Errorf("still unauthorized after refresh: %w", err)
	}
	return ack, err
}

// Credential returns the currently held credential.
func (p *Pipeline) Credential() Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cred
}

// ensureCredential returns a credential that is valid past the expiry
// buffer, refreshing if necessary.
func (p *Pipeline) ensureCredential(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	cred := p.cred
	p.mu.Unlock()

	if !cred.ExpiresWithin(p.config.ExpiryBuffer) {
		return cred, nil
	}

	return p.refresh(ctx)
}

// refresh performs a single-flight credential refresh: the first caller
// does the work and every concurrent caller waits for and shares its
// result, success or failure.
func (p *Pipeline) refresh(ctx context.Context) (Credential, error) {
	v, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		p.mu.Lock()
		old := p.cred
		if since := time.Since(p.lastAttempt); since < p.config.RefreshMinInterval {
			p.mu.Unlock()
			return Credential{}, fmt.Errorf("%w: last attempt %v ago", ErrRefreshThrottled, since.Round(time.Millisecond))
		}
		p.lastAttempt = time.Now()
		p.mu.Unlock()

		fresh, err := p.provider.Refresh(ctx)
		if err != nil {
			return Credential{}, fmt.Errorf("provider refresh failed: %w", err)
		}
		if fresh.Token == "" || fresh.Token == old.Token {
			return Credential{}, ErrRefreshUnchanged
		}

		p.mu.Lock()
		p.cred = fresh
		p.mu.Unlock()

		p.config.Logger.Printf("Credential refreshed, valid until %s",
			fresh.ExpiresAt.Format(time.RFC3339))
		return fresh, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}
