package delivery

import "errors"

// Delivery error taxonomy.
//
// Classification happens once, at the collaborator boundary: clients map
// transport-level failures onto these sentinels and the rest of the engine
// only ever checks them with errors.Is():
//
//	if errors.Is(err, delivery.ErrAuthExpired) {
//	    // refresh the credential and retry once
//	}
var (
	// ErrAuthExpired is returned when the remote rejected the request
	// because the credential has expired. Fixable by a token refresh.
	ErrAuthExpired = errors.New("credential expired")

	// ErrPermissionDenied is returned when the authenticated principal
	// lacks permission for the resource. Refreshing a token cannot fix
	// this; it trips the scheduler's circuit breaker.
	ErrPermissionDenied = errors.New("permission denied for resource")

	// ErrNotFound is returned when the remote entity the operation
	// targets does not exist.
	ErrNotFound = errors.New("remote resource not found")

	// ErrTransient is returned for network failures and server-side
	// errors that are likely to succeed on retry.
	ErrTransient = errors.New("transient delivery failure")

	// ErrMalformed is returned when the remote rejected the operation
	// payload itself. Retrying cannot fix a data-shape problem, so
	// these operations are dead-lettered.
	ErrMalformed = errors.New("malformed operation")
)

// IsRetryable returns true if the error may succeed on a later attempt
// and the operation should stay pending (up to the retry ceiling).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// IsTerminal returns true if retrying the operation cannot succeed and it
// should be dead-lettered instead of retried.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrMalformed) {
		return true
	}

	if errors.Is(err, ErrNotFound) {
		return true
	}

	// Permission problems need an administrator, not a retry.
	if errors.Is(err, ErrPermissionDenied) {
		return true
	}

	return false
}
