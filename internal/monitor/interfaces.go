package monitor

import (
	"context"
	"time"
)

// TargetStore persists targets. Implementations must make each call atomic.
type TargetStore interface {
	LoadAll(ctx context.Context) ([]Target, error)
	// LoadDue returns the targets eligible for a scheduled probe, which
	// excludes anything in REGISTERED status.
	LoadDue(ctx context.Context) ([]Target, error)
	Get(ctx context.Context, id string) (Target, error)
	Upsert(ctx context.Context, target Target) error
	// UpdateStatus atomically sets status and last-check without rewriting
	// the rest of the row.
	UpdateStatus(ctx context.Context, id string, status Status, lastCheck time.Time) error
	Delete(ctx context.Context, id string) error
}

// Browser opens exclusive browsing sessions for probes.
type Browser interface {
	NewSession(ctx context.Context) (BrowserSession, error)
}

// BrowserSession is the per-probe handle onto a remote browser tab. It is the
// only exclusively-owned mutable resource of a probe and must be closed on
// every exit path.
type BrowserSession interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	Location(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
	Fill(ctx context.Context, selector, value string) error
	Toggle(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	FrameURLs(ctx context.Context) ([]string, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	SetUserAgent(ctx context.Context, userAgent string) error
	Close() error
}

// BypassClient attempts to pre-solve an anti-bot challenge for a URL.
type BypassClient interface {
	Solve(ctx context.Context, url string) (BypassSolution, error)
}

// Planner asks an external language-model service for a fill-and-submit plan.
// A nil plan with a nil error means the planner declined.
type Planner interface {
	Plan(ctx context.Context, formHTML string, target Target) (*FillPlan, error)
}

// PassiveFetcher performs cheap, short-timeout GETs outside the browser
// (robots.txt probing, discovery feeds).
type PassiveFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// SnapshotStore archives raw page markup and returns a URI.
type SnapshotStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for snapshot deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces target IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
