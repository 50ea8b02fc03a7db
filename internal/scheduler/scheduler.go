// Package scheduler drives the periodic probe loop over the target store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forumsentry/forumsentry/internal/events"
	"github.com/forumsentry/forumsentry/internal/metrics"
	"github.com/forumsentry/forumsentry/internal/monitor"
)

// Typed errors surfaced to the operator API.
var (
	// ErrProbeInFlight rejects a manual probe of a target that is already
	// being probed.
	ErrProbeInFlight = errors.New("probe already in flight for target")
	// ErrTargetRegistered rejects probing a target whose registration
	// already succeeded.
	ErrTargetRegistered = errors.New("target is already registered")
)

// Prober executes one full classification run for a target.
type Prober interface {
	Probe(ctx context.Context, target monitor.Target) monitor.ProbeResult
}

// Config controls Scheduler pacing.
type Config struct {
	// Interval is the base pause between batches.
	Interval time.Duration
	// Jitter widens each pause to Interval ± Jitter, recomputed per batch.
	Jitter time.Duration
	// ProbeTimeout is the hard deadline for a single probe.
	ProbeTimeout time.Duration
	// TargetPause separates consecutive targets inside a batch.
	TargetPause time.Duration
	// StaleCheckingAfter is how long a target may sit in CHECKING before
	// it is treated as an orphan of a crashed run and probed again.
	StaleCheckingAfter time.Duration
}

// Scheduler walks due targets on a jittered interval, runs probes under a
// hard deadline, persists the outcome and emits change events.
type Scheduler struct {
	store   monitor.TargetStore
	prober  Prober
	emitter events.Emitter
	clock   monitor.Clock
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	baseCtx  context.Context
}

// New constructs a Scheduler.
func New(
	store monitor.TargetStore,
	prober Prober,
	emitter events.Emitter,
	clock monitor.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Jitter < 0 || cfg.Jitter >= cfg.Interval {
		cfg.Jitter = 0
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Minute
	}
	if cfg.StaleCheckingAfter <= 0 {
		cfg.StaleCheckingAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		prober:   prober,
		emitter:  emitter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		inFlight: make(map[string]struct{}),
		baseCtx:  context.Background(),
	}
}

// Run blocks, probing due targets in batches until the context finishes. The
// first batch starts immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	for {
		s.runBatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.nextWait()):
		}
	}
}

// nextWait draws a fresh jittered pause so probe timing never settles into a
// fingerprintable rhythm.
func (s *Scheduler) nextWait() time.Duration {
	if s.cfg.Jitter == 0 {
		return s.cfg.Interval
	}
	offset := time.Duration(rand.Int63n(int64(2*s.cfg.Jitter))) - s.cfg.Jitter
	return s.cfg.Interval + offset
}

func (s *Scheduler) runBatch(ctx context.Context) {
	targets, err := s.store.LoadDue(ctx)
	if err != nil {
		s.logger.Error("load due targets failed", zap.Error(err))
		return
	}
	s.logger.Debug("batch starting", zap.Int("targets", len(targets)))

	for i, target := range targets {
		if ctx.Err() != nil {
			return
		}
		if !s.shouldProbe(target) {
			continue
		}
		if !s.acquire(target.ID) {
			continue
		}
		s.probeAcquired(ctx, target)
		s.release(target.ID)

		if s.cfg.TargetPause > 0 && i < len(targets)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.TargetPause):
			}
		}
	}
}

// shouldProbe filters the due batch: CHECKING targets are skipped unless the
// status is stale enough to be an orphan of a crashed run.
func (s *Scheduler) shouldProbe(target monitor.Target) bool {
	if target.Status != monitor.StatusChecking {
		return true
	}
	age := s.clock.Now().Sub(target.LastCheck)
	if age <= s.cfg.StaleCheckingAfter {
		return false
	}
	s.logger.Warn("recovering target stuck in CHECKING",
		zap.String("target_id", target.ID),
		zap.Duration("age", age),
	)
	return true
}

// ProbeNow starts an immediate probe of one target in the background. It
// returns ErrProbeInFlight when the target is already being probed and
// ErrTargetRegistered when its registration already succeeded.
func (s *Scheduler) ProbeNow(ctx context.Context, id string) error {
	target, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}
	if target.Status == monitor.StatusRegistered {
		return ErrTargetRegistered
	}
	if !s.acquire(target.ID) {
		return ErrProbeInFlight
	}

	go func() {
		defer s.release(target.ID)
		s.probeAcquired(s.backgroundContext(), target)
	}()
	return nil
}

// probeAcquired runs one probe end to end. The caller holds the in-flight
// slot for target.ID.
func (s *Scheduler) probeAcquired(ctx context.Context, target monitor.Target) {
	metrics.IncProbesInFlight()
	defer metrics.DecProbesInFlight()

	start := s.clock.Now()
	previous := target.Status

	if previous != monitor.StatusChecking {
		if err := s.store.UpdateStatus(ctx, target.ID, monitor.StatusChecking, start); err != nil {
			s.logger.Error("mark checking failed",
				zap.String("target_id", target.ID), zap.Error(err))
			return
		}
		s.emitStatus(target.ID, previous, monitor.StatusChecking)
	}
	target.Status = monitor.StatusChecking
	target.LastCheck = start

	result := s.executeProbe(ctx, target)
	s.applyResult(ctx, target, result, start)
}

// executeProbe applies the hard deadline and absorbs prober panics so one
// hostile page cannot take down the whole loop.
func (s *Scheduler) executeProbe(ctx context.Context, target monitor.Target) (result monitor.ProbeResult) {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("probe panicked",
				zap.String("target_id", target.ID),
				zap.Any("panic", r),
			)
			result = monitor.ProbeResult{
				Outcome: monitor.StatusError,
				Log:     []string{fmt.Sprintf("probe panicked: %v", r)},
			}
		}
	}()
	return s.prober.Probe(probeCtx, target)
}

// applyResult folds a probe result into the stored target and emits one
// event per observable change.
func (s *Scheduler) applyResult(ctx context.Context, target monitor.Target, result monitor.ProbeResult, start time.Time) {
	now := s.clock.Now()

	outcome := result.Outcome
	if outcome == "" || outcome == monitor.StatusChecking {
		outcome = monitor.StatusError
	}
	if !monitor.AllowedTransition(target.Status, outcome) {
		outcome = monitor.StatusError
	}

	for _, line := range result.Log {
		target.AppendLog(now, line)
		s.emitter.Emit(events.Event{
			TargetID: target.ID,
			TS:       now,
			Kind:     events.KindLogAppended,
			Line:     line,
		})
	}

	if result.ForumType != "" && result.ForumType != target.ForumType {
		target.ForumType = result.ForumType
		s.emitMetadata(target.ID, events.FieldForumType)
	}
	if target.MergeRobotsHints(result.RobotsHints) {
		s.emitMetadata(target.ID, events.FieldRobotsHints)
	}
	if target.MergeInvitationCodes(result.InvitationCodes) {
		s.emitMetadata(target.ID, events.FieldInvitationCodes)
	}

	target.Status = outcome
	target.LastCheck = now
	if err := s.store.Upsert(ctx, target); err != nil {
		s.logger.Error("persist probe result failed",
			zap.String("target_id", target.ID), zap.Error(err))
	}
	s.emitStatus(target.ID, monitor.StatusChecking, outcome)

	metrics.ObserveProbe(target.URL, string(outcome), now.Sub(start))
	s.logger.Info("probe finished",
		zap.String("target_id", target.ID),
		zap.String("url", target.URL),
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", now.Sub(start)),
	)
}

func (s *Scheduler) emitStatus(id string, from, to monitor.Status) {
	s.emitter.Emit(events.Event{
		TargetID: id,
		TS:       s.clock.Now(),
		Kind:     events.KindStatusChanged,
		Status:   to,
		Previous: from,
	})
}

func (s *Scheduler) emitMetadata(id string, field events.MetadataField) {
	s.emitter.Emit(events.Event{
		TargetID: id,
		TS:       s.clock.Now(),
		Kind:     events.KindMetadataChanged,
		Field:    field,
	})
}

func (s *Scheduler) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// backgroundContext detaches manual probes from the HTTP request that
// triggered them; they ride on Run's context instead.
func (s *Scheduler) backgroundContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}
