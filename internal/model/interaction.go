// Package model defines the interaction record mirrored from the remote
// project-management API, together with the local sync metadata that the
// offline engine maintains on each record.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the type of project interaction.
type Kind string

const (
	KindRFI         Kind = "rfi"
	KindSubmittal   Kind = "submittal"
	KindChangeOrder Kind = "change_order"
	KindPunchItem   Kind = "punch_item"
)

// LocalStatus tags a record with the kind of local mutation that has not
// yet been confirmed by the remote system. The zero value means the record
// matches remote state.
type LocalStatus string

const (
	LocalNone    LocalStatus = ""
	LocalCreated LocalStatus = "created"
	LocalUpdated LocalStatus = "updated"
	LocalDeleted LocalStatus = "deleted"
)

// Interaction is the generic project interaction record (RFI, submittal,
// change order, ...) held in the local mirror store.
//
// The ID format is "<kind>-<externalID>", globally unique across kinds.
// Remote-specific fields that the engine does not interpret are carried
// opaquely in Payload.
type Interaction struct {
	ID string `json:"id"`

	Kind        Kind   `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"` // draft, open, answered, closed, void
	Assignee    string `json:"assignee,omitempty"`

	// Payload carries fields owned by the remote API that the engine
	// round-trips without interpreting.
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DueAt     *time.Time `json:"due_at,omitempty"`

	// Sync metadata. Field names keep the legacy underscore prefix used
	// on the wire by the dashboard layer.
	SyncPending bool        `json:"_syncPending,omitempty"`
	LocalStatus LocalStatus `json:"_localStatus,omitempty"`
}

// MakeID builds the canonical record identifier from a kind and the
// remote system's external identifier.
func MakeID(kind Kind, externalID string) string {
	return fmt.Sprintf("%s-%s", kind, externalID)
}

// SplitID parses a record identifier into its kind and external ID parts.
func SplitID(id string) (Kind, string, error) {
	i := strings.Index(id, "-")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("malformed interaction id %q (want <kind>-<externalID>)", id)
	}
	return Kind(id[:i]), id[i+1:], nil
}

// Validate checks that the record has the fields the mirror store requires.
func (in *Interaction) Validate() error {
	if in.ID == "" {
		return fmt.Errorf("id is required")
	}
	if in.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if !strings.HasPrefix(in.ID, string(in.Kind)+"-") {
		return fmt.Errorf("id %q does not match kind %q", in.ID, in.Kind)
	}
	if in.Title == "" {
		return fmt.Errorf("title is required")
	}
	if in.Status == "" {
		return fmt.Errorf("status is required")
	}
	if in.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if in.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}
