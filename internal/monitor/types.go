// Package monitor defines core types shared across subsystems.
package monitor

import (
	"time"
)

// Status represents the lifecycle state of a watched target.
type Status string

// Target status values persisted in the target store.
const (
	StatusIdle        Status = "IDLE"
	StatusChecking    Status = "CHECKING"
	StatusOpen        Status = "OPEN"
	StatusNeedsInvite Status = "NEEDS_INVITE"
	StatusRegistered  Status = "REGISTERED"
	StatusClosed      Status = "CLOSED"
	StatusError       Status = "ERROR"
)

// AllowedTransition reports whether a status change is legal. REGISTERED is
// absorbing: once a registration succeeded no probe may move the target away
// from it.
func AllowedTransition(from, to Status) bool {
	if from == StatusRegistered {
		return to == StatusRegistered
	}
	return true
}

// maxLogEntries bounds the per-target activity log. Older entries are
// silently evicted.
const maxLogEntries = 50

// Credentials is the identity used when attempting a registration.
type Credentials struct {
	Handle string `json:"handle"`
	Email  string `json:"email"`
	Secret string `json:"secret"`
}

// CodeSource identifies where an invitation code was discovered.
type CodeSource string

// Invitation code sources.
const (
	CodeSourceURL  CodeSource = "url"
	CodeSourcePage CodeSource = "page"
)

// InvitationCode is a candidate invite/referral code with its provenance.
type InvitationCode struct {
	Code   string     `json:"code"`
	Source CodeSource `json:"source"`
}

// LogEntry is one timestamped line of target activity.
type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Target represents a monitored destination with credentials and lifecycle
// status. It is mutated only by the scheduler and the probe engine.
type Target struct {
	ID              string           `json:"id"`
	URL             string           `json:"url"`
	Credentials     Credentials      `json:"credentials"`
	Status          Status           `json:"status"`
	LastCheck       time.Time        `json:"last_check"`
	Log             []LogEntry       `json:"log"`
	ForumType       string           `json:"forum_type,omitempty"`
	RobotsHints     []string         `json:"robots_hints,omitempty"`
	InvitationCodes []InvitationCode `json:"invitation_codes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// AppendLog prepends a line to the target log, evicting the oldest entries
// beyond the capacity. The log is ordered newest-first.
func (t *Target) AppendLog(at time.Time, message string) {
	entries := make([]LogEntry, 0, min(len(t.Log)+1, maxLogEntries))
	entries = append(entries, LogEntry{At: at, Message: message})
	for _, e := range t.Log {
		if len(entries) >= maxLogEntries {
			break
		}
		entries = append(entries, e)
	}
	t.Log = entries
}

// MergeRobotsHints unions new hints into the target's hint set. It reports
// whether the set changed.
func (t *Target) MergeRobotsHints(hints []string) bool {
	existing := make(map[string]struct{}, len(t.RobotsHints))
	for _, h := range t.RobotsHints {
		existing[h] = struct{}{}
	}
	changed := false
	for _, h := range hints {
		if h == "" {
			continue
		}
		if _, ok := existing[h]; ok {
			continue
		}
		existing[h] = struct{}{}
		t.RobotsHints = append(t.RobotsHints, h)
		changed = true
	}
	return changed
}

// MergeInvitationCodes unions new codes into the target, deduplicating by
// code value regardless of source. It reports whether the list changed.
func (t *Target) MergeInvitationCodes(codes []InvitationCode) bool {
	existing := make(map[string]struct{}, len(t.InvitationCodes))
	for _, c := range t.InvitationCodes {
		existing[c.Code] = struct{}{}
	}
	changed := false
	for _, c := range codes {
		if c.Code == "" {
			continue
		}
		if _, ok := existing[c.Code]; ok {
			continue
		}
		existing[c.Code] = struct{}{}
		t.InvitationCodes = append(t.InvitationCodes, c)
		changed = true
	}
	return changed
}

// ProbeResult is the terminal classification of one probe run.
type ProbeResult struct {
	Outcome            Status           `json:"outcome"`
	ForumType          string           `json:"forum_type,omitempty"`
	RobotsHints        []string         `json:"robots_hints,omitempty"`
	InvitationCodes    []InvitationCode `json:"invitation_codes,omitempty"`
	NeedsInvite        bool             `json:"needs_invite"`
	CaptchaDetected    bool             `json:"captcha_detected"`
	BlockedByChallenge bool             `json:"blocked_by_challenge"`
	// Log carries the probe's activity lines, oldest-first, for the
	// scheduler to append to the target log.
	Log []string `json:"log,omitempty"`
}

// ActionKind distinguishes fill-plan actions.
type ActionKind string

// Supported fill-plan action kinds.
const (
	ActionFill   ActionKind = "fill"
	ActionToggle ActionKind = "toggle"
)

// FillAction sets or toggles a single form field.
type FillAction struct {
	Selector string     `json:"selector"`
	Value    string     `json:"value,omitempty"`
	Kind     ActionKind `json:"kind"`
}

// FillPlan is an ordered fill sequence plus the selector used to submit.
type FillPlan struct {
	Actions        []FillAction `json:"actions"`
	SubmitSelector string       `json:"submit_selector"`
}

// Cookie is the subset of browser cookie state a bypass solution injects.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// BypassSolution is the session state returned by a challenge solver.
type BypassSolution struct {
	Cookies   []Cookie `json:"cookies"`
	UserAgent string   `json:"user_agent"`
}
