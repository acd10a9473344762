package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/queue"
)

// resourcePaths maps a resource kind to its remote collection path.
// An operation whose kind is not listed here cannot be interpreted and
// is reported as malformed so the scheduler dead-letters it.
var resourcePaths = map[string]string{
	"rfi":          "rfis",
	"submittal":    "submittals",
	"change_order": "change_orders",
	"punch_item":   "punch_items",
}

// HTTPClient delivers operations to the remote API over HTTP.
//
// Status codes are mapped onto the package error taxonomy here, once, so
// no other component ever inspects a response.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the remote API at baseURL.
//
// The http.Client carries no timeout of its own; the scheduler bounds
// every delivery with a per-call context deadline.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

// Deliver implements Client.
func (c *HTTPClient) Deliver(ctx context.Context, token string, op *queue.Operation) (*Ack, error) {
	collection, ok := resourcePaths[op.Resource]
	if !ok {
		return nil, fmt.Errorf("%w: unknown resource kind %q", ErrMalformed, op.Resource)
	}

	method, path, err := routeFor(op, collection)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if op.Action != queue.ActionDelete {
		body = bytes.NewReader(op.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrMalformed, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", op.ID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// DNS failures, refused connections, context deadlines: all
		// worth another attempt later.
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	return decodeAck(resp.Body, op)
}

// routeFor maps a queued operation to its HTTP method and path.
func routeFor(op *queue.Operation, collection string) (method, path string, err error) {
	switch op.Action {
	case queue.ActionCreate:
		return http.MethodPost, "/" + collection, nil
	case queue.ActionUpdate, queue.ActionDelete:
		entityID := op.EntityID()
		if entityID == "" {
			return "", "", fmt.Errorf("%w: %s operation %s has no entity id", ErrMalformed, op.Action, op.ID)
		}
		path := "/" + collection + "/" + url.PathEscape(entityID)
		if op.Action == queue.ActionDelete {
			return http.MethodDelete, path, nil
		}
		return http.MethodPut, path, nil
	default:
		return "", "", fmt.Errorf("%w: unknown action %q", ErrMalformed, op.Action)
	}
}

// classifyStatus maps an HTTP status code onto the error taxonomy.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w (status %d)", ErrAuthExpired, code)
	case code == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrPermissionDenied, code)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w (status %d)", ErrNotFound, code)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w (status %d)", ErrMalformed, code)
	default:
		// 408, 429, 5xx and anything unexpected.
		return fmt.Errorf("%w (status %d)", ErrTransient, code)
	}
}

// decodeAck parses the remote acknowledgement. An empty or unparseable
// body still counts as success (2xx already committed the operation);
// the ack falls back to the operation's own entity id.
func decodeAck(r io.Reader, op *queue.Operation) (*Ack, error) {
	ack := &Ack{
		RemoteID:   op.EntityID(),
		ReceivedAt: time.Now(),
	}

	var payload struct {
		ID         string    `json:"id"`
		ReceivedAt time.Time `json:"received_at"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err == nil {
		if payload.ID != "" {
			ack.RemoteID = payload.ID
		}
		if !payload.ReceivedAt.IsZero() {
			ack.ReceivedAt = payload.ReceivedAt
		}
	}

	return ack, nil
}
