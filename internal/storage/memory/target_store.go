// Package memory provides in-memory persistence for single-process runs and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forumsentry/forumsentry/internal/monitor"
)

// TargetStore keeps targets in a mutex-guarded map. Values are copied on the
// way in and out so callers can never alias store state.
type TargetStore struct {
	mu      sync.RWMutex
	targets map[string]monitor.Target
}

// NewTargetStore creates an empty in-memory TargetStore.
func NewTargetStore() *TargetStore {
	return &TargetStore{targets: make(map[string]monitor.Target)}
}

// LoadAll returns every target ordered by creation time.
func (s *TargetStore) LoadAll(_ context.Context) ([]monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, cloneTarget(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// LoadDue returns every target except those already registered.
func (s *TargetStore) LoadDue(ctx context.Context) ([]monitor.Target, error) {
	all, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	due := make([]monitor.Target, 0, len(all))
	for _, t := range all {
		if t.Status == monitor.StatusRegistered {
			continue
		}
		due = append(due, t)
	}
	return due, nil
}

// Get returns one target by id.
func (s *TargetStore) Get(_ context.Context, id string) (monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return monitor.Target{}, fmt.Errorf("target %q not found", id)
	}
	return cloneTarget(t), nil
}

// Upsert inserts or replaces a target.
func (s *TargetStore) Upsert(_ context.Context, target monitor.Target) error {
	if target.ID == "" {
		return fmt.Errorf("target id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[target.ID] = cloneTarget(target)
	return nil
}

// UpdateStatus sets status and last-check without touching the rest of the
// record.
func (s *TargetStore) UpdateStatus(_ context.Context, id string, status monitor.Status, lastCheck time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return fmt.Errorf("target %q not found", id)
	}
	t.Status = status
	t.LastCheck = lastCheck
	s.targets[id] = t
	return nil
}

// Delete removes a target; deleting an unknown id is an error.
func (s *TargetStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[id]; !ok {
		return fmt.Errorf("target %q not found", id)
	}
	delete(s.targets, id)
	return nil
}

func cloneTarget(t monitor.Target) monitor.Target {
	out := t
	out.Log = append([]monitor.LogEntry(nil), t.Log...)
	out.RobotsHints = append([]string(nil), t.RobotsHints...)
	out.InvitationCodes = append([]monitor.InvitationCode(nil), t.InvitationCodes...)
	return out
}
