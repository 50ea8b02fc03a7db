// Package probe implements the layered page-classification pipeline.
package probe

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forumsentry/forumsentry/internal/fingerprint"
	"github.com/forumsentry/forumsentry/internal/metrics"
	"github.com/forumsentry/forumsentry/internal/monitor"
)

// Config controls engine timeouts and limits.
type Config struct {
	// NavigationTimeout bounds each browser navigation.
	NavigationTimeout time.Duration
	// PassiveTimeout bounds the robots.txt signal fetch.
	PassiveTimeout time.Duration
	// FallbackPathLimit caps how many software-agnostic paths are tried
	// when no fingerprint matched.
	FallbackPathLimit int
	// SnapshotPrefix prefixes archived page paths.
	SnapshotPrefix string
	// MaxPlannerFragmentBytes caps the markup handed to the planner when
	// no form could be isolated.
	MaxPlannerFragmentBytes int
}

// Engine orchestrates one target's full probe. Bypass, planner and snapshot
// dependencies are optional; a nil value degrades the corresponding
// capability without failing probes.
type Engine struct {
	browser   monitor.Browser
	registry  *fingerprint.Registry
	passive   monitor.PassiveFetcher
	bypass    monitor.BypassClient
	planner   monitor.Planner
	snapshots monitor.SnapshotStore
	hasher    monitor.Hasher
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Engine.
func New(
	browser monitor.Browser,
	registry *fingerprint.Registry,
	passive monitor.PassiveFetcher,
	bypass monitor.BypassClient,
	planner monitor.Planner,
	snapshots monitor.SnapshotStore,
	hasher monitor.Hasher,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 20 * time.Second
	}
	if cfg.PassiveTimeout <= 0 {
		cfg.PassiveTimeout = 5 * time.Second
	}
	if cfg.FallbackPathLimit <= 0 {
		cfg.FallbackPathLimit = 4
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "pages"
	}
	if cfg.MaxPlannerFragmentBytes <= 0 {
		cfg.MaxPlannerFragmentBytes = 32 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		browser:   browser,
		registry:  registry,
		passive:   passive,
		bypass:    bypass,
		planner:   planner,
		snapshots: snapshots,
		hasher:    hasher,
		cfg:       cfg,
		logger:    logger,
	}
}

// stepResult drives the pipeline state machine: a step either hands off to
// the next step or finishes the probe with the outcome already set.
type stepResult int

const (
	stepContinue stepResult = iota
	stepFinished
)

type run struct {
	engine  *Engine
	target  monitor.Target
	session monitor.BrowserSession
	origin  string
	markup  string
	result  monitor.ProbeResult
}

// Probe executes the full pipeline for one target. It never returns an
// error: pipeline faults are folded into an ERROR outcome so the caller's
// batch continues.
func (e *Engine) Probe(ctx context.Context, target monitor.Target) monitor.ProbeResult {
	r := &run{
		engine: e,
		target: target,
		origin: originOf(target.URL),
		result: monitor.ProbeResult{Outcome: monitor.StatusOpen},
	}

	r.gatherPassiveSignals(ctx)

	session, err := e.browser.NewSession(ctx)
	if err != nil {
		r.logf("browser session unavailable: %v", err)
		r.result.Outcome = monitor.StatusError
		return r.result
	}
	r.session = session
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			e.logger.Warn("browser session close failed",
				zap.String("target_id", target.ID), zap.Error(closeErr))
		}
	}()

	steps := []func(context.Context) stepResult{
		r.applyBypass,
		r.navigate,
		r.detectChallenge,
		r.walkFingerprintPaths,
		r.followRegisterLink,
		r.extractInvites,
		r.detectClosed,
		r.detectInviteGate,
		r.attemptFill,
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			r.logf("probe deadline exceeded")
			r.result.Outcome = monitor.StatusError
			break
		}
		if step(ctx) == stepFinished {
			break
		}
	}

	r.archiveSnapshot(ctx)
	return r.result
}

// gatherPassiveSignals fetches robots.txt from the origin and scans it for
// software hints. Failures never block the pipeline.
func (r *run) gatherPassiveSignals(ctx context.Context) {
	e := r.engine
	if e.passive == nil || r.origin == "" {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.PassiveTimeout)
	defer cancel()

	body, err := e.passive.Fetch(fetchCtx, r.origin+"/robots.txt")
	if err != nil {
		e.logger.Debug("robots.txt fetch failed",
			zap.String("target_id", r.target.ID), zap.Error(err))
		return
	}
	text := strings.ToLower(string(body))
	for _, word := range softwareHintWords {
		if strings.Contains(text, word) {
			r.result.RobotsHints = append(r.result.RobotsHints, word)
		}
	}
	if len(r.result.RobotsHints) > 0 {
		r.logf("robots.txt hints: %v", r.result.RobotsHints)
	}
}

func (r *run) applyBypass(ctx context.Context) stepResult {
	e := r.engine
	if e.bypass == nil {
		return stepContinue
	}
	solution, err := e.bypass.Solve(ctx, r.target.URL)
	if err != nil {
		metrics.ObserveBypass("failed")
		r.logf("challenge bypass failed: %v", err)
		return stepContinue
	}
	metrics.ObserveBypass("solved")
	if err := r.session.SetCookies(ctx, solution.Cookies); err != nil {
		r.logf("bypass cookie injection failed: %v", err)
	}
	if solution.UserAgent != "" {
		if err := r.session.SetUserAgent(ctx, solution.UserAgent); err != nil {
			r.logf("bypass user-agent injection failed: %v", err)
		}
	}
	r.logf("challenge bypass applied (%d cookies)", len(solution.Cookies))
	return stepContinue
}

func (r *run) navigate(ctx context.Context) stepResult {
	if err := r.session.Navigate(ctx, r.target.URL, r.engine.cfg.NavigationTimeout); err != nil {
		// Later steps tolerate a partially loaded page.
		r.logf("navigation error: %v", err)
	}
	r.refreshMarkup(ctx)
	return stepContinue
}

func (r *run) detectChallenge(ctx context.Context) stepResult {
	title, err := r.session.Title(ctx)
	if err != nil {
		r.logf("title read failed: %v", err)
	}
	if !containsAny(title, challengeMarkers) && !containsAny(r.markup, challengeMarkers) {
		return stepContinue
	}
	r.result.BlockedByChallenge = true
	if r.engine.bypass == nil {
		r.logf("anti-bot challenge detected and no bypass configured")
	} else {
		r.logf("anti-bot challenge persisted after bypass")
	}
	r.result.Outcome = monitor.StatusClosed
	return stepFinished
}

// walkFingerprintPaths identifies the site software and tries its known
// registration paths, stopping at the first page carrying registration
// keywords. Unfingerprinted sites get a prefix of the common path list.
func (r *run) walkFingerprintPaths(ctx context.Context) stepResult {
	e := r.engine

	var paths []string
	if sig, ok := e.registry.Detect(r.markup); ok {
		r.result.ForumType = sig.Name
		r.logf("fingerprinted as %s", sig.Name)
		paths = sig.RegistrationPaths
	} else {
		paths = e.registry.FallbackPaths(e.cfg.FallbackPathLimit)
	}

	form, err := AnalyzePage(r.markup)
	if err == nil && form.HasCredentialInputs() {
		// Already on a page with a usable form; no need to wander.
		return stepContinue
	}

	for _, path := range paths {
		dest := r.origin + path
		if err := r.session.Navigate(ctx, dest, e.cfg.NavigationTimeout); err != nil {
			r.logf("path %s unreachable: %v", path, err)
			continue
		}
		r.refreshMarkup(ctx)
		if isRegistrationPage(r.markup) {
			r.logf("registration page found at %s", path)
			return stepContinue
		}
	}

	// Nothing matched; return to the target URL so link-following sees the
	// original page.
	if err := r.session.Navigate(ctx, r.target.URL, e.cfg.NavigationTimeout); err != nil {
		r.logf("return navigation error: %v", err)
	}
	r.refreshMarkup(ctx)
	return stepContinue
}

// followRegisterLink follows the first registration-vocabulary link once
// when the current page still lacks credential inputs.
func (r *run) followRegisterLink(ctx context.Context) stepResult {
	form, err := AnalyzePage(r.markup)
	if err != nil || form.HasCredentialInputs() {
		return stepContinue
	}
	href, ok := FindRegisterLink(r.markup)
	if !ok {
		return stepContinue
	}
	loc, locErr := r.session.Location(ctx)
	if locErr != nil || loc == "" {
		loc = r.target.URL
	}
	dest := resolveURL(loc, href)
	r.logf("following registration link %s", dest)
	if err := r.session.Navigate(ctx, dest, r.engine.cfg.NavigationTimeout); err != nil {
		r.logf("link navigation error: %v", err)
	}
	r.refreshMarkup(ctx)
	return stepContinue
}

func (r *run) extractInvites(ctx context.Context) stepResult {
	loc, err := r.session.Location(ctx)
	if err != nil || loc == "" {
		loc = r.target.URL
	}
	codes := ExtractInvitationCodes(loc, r.markup)
	if len(codes) > 0 {
		r.result.InvitationCodes = codes
		r.logf("found %d invitation code(s)", len(codes))
	}
	return stepContinue
}

// detectClosed trusts an explicit closed phrase only when no form or invite
// evidence exists, preventing false positives from incidental matches.
func (r *run) detectClosed(_ context.Context) stepResult {
	if !containsAny(r.markup, closedPhrases) {
		return stepContinue
	}
	form, err := AnalyzePage(r.markup)
	if err == nil && (form.HasCredentialInputs() || form.HasInviteField) {
		return stepContinue
	}
	r.logf("registration explicitly closed")
	r.result.Outcome = monitor.StatusClosed
	return stepFinished
}

// detectInviteGate classifies invite-gated forms before any fill attempt;
// such a form must never be submitted blind.
func (r *run) detectInviteGate(_ context.Context) stepResult {
	form, err := AnalyzePage(r.markup)
	if err != nil || !form.HasInviteField {
		return stepContinue
	}
	r.result.NeedsInvite = true
	r.result.Outcome = monitor.StatusNeedsInvite
	r.logf("registration gated by invitation code")
	return stepFinished
}

func (r *run) attemptFill(ctx context.Context) stepResult {
	form, err := AnalyzePage(r.markup)
	if err != nil {
		r.logf("form analysis failed: %v", err)
		return stepFinished
	}
	if form.HeuristicEligible() {
		return r.heuristicFill(ctx, form)
	}
	return r.plannerFill(ctx, form)
}

// heuristicFill handles the simple-form shape: email + password and no open
// questions.
func (r *run) heuristicFill(ctx context.Context, form *PageForm) stepResult {
	if r.captchaPresent(ctx, form) {
		r.result.CaptchaDetected = true
		r.logf("captcha present, not submitting")
		return stepFinished
	}

	creds := r.target.Credentials
	r.fillField(ctx, form.EmailSelector, creds.Email)
	if form.UsernameSelector != "" {
		r.fillField(ctx, form.UsernameSelector, creds.Handle)
	}
	r.fillField(ctx, form.PasswordSelector, creds.Secret)
	if form.ConfirmSelector != "" {
		r.fillField(ctx, form.ConfirmSelector, creds.Secret)
	}

	if form.SubmitSelector == "" {
		r.logf("no submit control found")
		return stepFinished
	}
	r.logf("submitting registration form")
	if err := r.session.Click(ctx, form.SubmitSelector); err != nil {
		r.logf("submit failed: %v", err)
		return stepFinished
	}
	r.refreshMarkup(ctx)
	r.classifySubmission()
	return stepFinished
}

// plannerFill delegates irregular forms to the AI planner. A missing or
// empty plan leaves the target unresolved.
func (r *run) plannerFill(ctx context.Context, form *PageForm) stepResult {
	e := r.engine
	if e.planner == nil {
		r.logf("form shape needs planner, none configured")
		return stepFinished
	}

	fragment := form.LargestFormHTML
	if fragment == "" {
		fragment = r.markup
		if len(fragment) > e.cfg.MaxPlannerFragmentBytes {
			fragment = fragment[:e.cfg.MaxPlannerFragmentBytes]
		}
	}

	plan, err := e.planner.Plan(ctx, fragment, r.target)
	if err != nil {
		metrics.ObservePlannerCall("error")
		r.logf("planner error: %v", err)
		return stepFinished
	}
	if plan == nil {
		metrics.ObservePlannerCall("empty")
		r.logf("planner returned no plan")
		return stepFinished
	}
	metrics.ObservePlannerCall("plan")

	for _, action := range plan.Actions {
		var actErr error
		switch action.Kind {
		case monitor.ActionToggle:
			actErr = r.session.Toggle(ctx, action.Selector)
		default:
			actErr = r.session.Fill(ctx, action.Selector, action.Value)
		}
		if actErr != nil {
			// One failed action must not sink the rest of the plan.
			r.logf("plan action on %q failed: %v", action.Selector, actErr)
		}
	}

	r.logf("submitting planner form")
	if err := r.session.Click(ctx, plan.SubmitSelector); err != nil {
		r.logf("planner submit failed: %v", err)
		return stepFinished
	}
	r.refreshMarkup(ctx)
	r.classifySubmission()
	return stepFinished
}

// classifySubmission decides between REGISTERED and OPEN from the post-submit
// page.
func (r *run) classifySubmission() {
	if containsAny(r.markup, successWords) {
		r.result.Outcome = monitor.StatusRegistered
		r.logf("registration confirmed")
		return
	}
	r.result.Outcome = monitor.StatusOpen
	r.logf("submitted but no success confirmation")
}

func (r *run) captchaPresent(ctx context.Context, form *PageForm) bool {
	if form.CaptchaPresent {
		return true
	}
	frames, err := r.session.FrameURLs(ctx)
	if err != nil {
		return false
	}
	for _, f := range frames {
		if containsAny(f, captchaFrameMarkers) {
			return true
		}
	}
	return false
}

func (r *run) fillField(ctx context.Context, selector, value string) {
	if selector == "" || value == "" {
		return
	}
	if err := r.session.Fill(ctx, selector, value); err != nil {
		r.logf("fill %q failed: %v", selector, err)
	}
}

func (r *run) refreshMarkup(ctx context.Context) {
	html, err := r.session.HTML(ctx)
	if err != nil {
		r.logf("markup read failed: %v", err)
		return
	}
	r.markup = html
}

// archiveSnapshot stores the final page markup for operator forensics.
// Best-effort: archive faults never change the probe outcome.
func (r *run) archiveSnapshot(ctx context.Context) {
	e := r.engine
	if e.snapshots == nil || e.hasher == nil || r.markup == "" {
		return
	}
	hash, err := e.hasher.Hash([]byte(r.markup))
	if err != nil {
		return
	}
	putCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	path := fmt.Sprintf("%s/%s/%s.html", e.cfg.SnapshotPrefix, r.target.ID, hash)
	if _, err := e.snapshots.PutObject(putCtx, path, "text/html; charset=utf-8", []byte(r.markup)); err != nil {
		e.logger.Debug("snapshot archive failed",
			zap.String("target_id", r.target.ID), zap.Error(err))
	}
}

func (r *run) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	r.result.Log = append(r.result.Log, line)
	r.engine.logger.Debug(line, zap.String("target_id", r.target.ID))
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func resolveURL(base, href string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(ref).String()
}
