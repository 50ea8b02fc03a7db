// Package events defines the notification stream emitted by the scheduler.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/forumsentry/forumsentry/internal/monitor"
)

// Kind denotes the type of change an Event describes.
type Kind string

// Supported event kinds.
const (
	KindStatusChanged   Kind = "STATUS_CHANGED"
	KindLogAppended     Kind = "LOG_APPENDED"
	KindMetadataChanged Kind = "METADATA_CHANGED"
)

// MetadataField names the target attribute a METADATA_CHANGED event refers to.
type MetadataField string

// Metadata fields observers can react to.
const (
	FieldForumType       MetadataField = "forum_type"
	FieldRobotsHints     MetadataField = "robots_hints"
	FieldInvitationCodes MetadataField = "invitation_codes"
)

// Event captures a single observable change on a target. Delivery to
// observers is best-effort; no acknowledgment or retry exists.
type Event struct {
	// TargetID identifies the changed target.
	TargetID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which change occurred.
	Kind Kind
	// Status and Previous are set for STATUS_CHANGED events.
	Status   monitor.Status
	Previous monitor.Status
	// Line is set for LOG_APPENDED events.
	Line string
	// Field is set for METADATA_CHANGED events.
	Field MetadataField
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TargetID == "" {
		return errors.New("target id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindStatusChanged:
		if e.Status == "" {
			return errors.New("status change requires status")
		}
	case KindLogAppended:
		if e.Line == "" {
			return errors.New("log append requires a line")
		}
	case KindMetadataChanged:
		if e.Field == "" {
			return errors.New("metadata change requires a field")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}
