// Package delivery defines the narrow contract through which the sync
// engine talks to the remote project-management API, together with the
// typed error taxonomy the rest of the engine relies on.
//
// The engine never sees HTTP status codes or response bodies; it sees an
// Ack or one of the sentinel errors in errors.go. An HTTP-backed client
// is provided in http.go; tests substitute function-field fakes.
package delivery

import (
	"context"
	"time"

	"github.com/fieldsync/fieldsync/internal/queue"
)

// Ack is the remote system's acknowledgement of a delivered operation.
type Ack struct {
	// RemoteID is the identifier the remote system assigned (or
	// confirmed) for the affected entity.
	RemoteID string

	// ReceivedAt is when the remote system recorded the operation.
	ReceivedAt time.Time
}

// Client performs the actual network call for one queued operation.
//
// Implementations must make delivery idempotent per operation id: the
// operation id travels with the request (the HTTP client sends it as an
// Idempotency-Key header) and the remote system treats repeated delivery
// of the same id as a no-op, returning the original acknowledgement. This
// is what makes at-least-once delivery safe when an ack is lost.
//
// Errors must be one of the package sentinels (wrapped with %w); any other
// error is treated as transient by the scheduler.
type Client interface {
	Deliver(ctx context.Context, token string, op *queue.Operation) (*Ack, error)
}
