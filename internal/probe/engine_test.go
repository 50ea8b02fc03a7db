package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forumsentry/forumsentry/internal/fingerprint"
	"github.com/forumsentry/forumsentry/internal/monitor"
)

type fakePage struct {
	title string
	html  string
}

// fakeSession simulates a browser tab over a static page map. Navigating to
// an unmapped URL fails; clicking switches to the afterSubmit page when set.
type fakeSession struct {
	mu sync.Mutex

	pages       map[string]fakePage
	current     string
	afterSubmit string

	fills   map[string]string
	toggles []string
	clicks  []string
	frames  []string
	cookies []monitor.Cookie
	ua      string
	closed  bool
}

func newFakeSession(pages map[string]fakePage) *fakeSession {
	return &fakeSession{pages: pages, fills: make(map[string]string)}
}

func (s *fakeSession) Navigate(_ context.Context, url string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[url]; !ok {
		return errors.New("no route to host")
	}
	s.current = url
	return nil
}

func (s *fakeSession) Location(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *fakeSession) Title(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[s.current].title, nil
}

func (s *fakeSession) HTML(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[s.current].html, nil
}

func (s *fakeSession) Exists(_ context.Context, selector string) (bool, error) {
	html, _ := s.HTML(context.Background())
	return len(html) > 0 && selector != "", nil
}

func (s *fakeSession) Fill(_ context.Context, selector, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[selector] = value
	return nil
}

func (s *fakeSession) Toggle(_ context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggles = append(s.toggles, selector)
	return nil
}

func (s *fakeSession) Click(_ context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, selector)
	if s.afterSubmit != "" {
		s.pages["submitted"] = fakePage{html: s.afterSubmit}
		s.current = "submitted"
	}
	return nil
}

func (s *fakeSession) FrameURLs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, nil
}

func (s *fakeSession) SetCookies(_ context.Context, cookies []monitor.Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = cookies
	return nil
}

func (s *fakeSession) SetUserAgent(_ context.Context, ua string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ua = ua
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeBrowser struct {
	session *fakeSession
	err     error
}

func (b *fakeBrowser) NewSession(context.Context) (monitor.BrowserSession, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.session, nil
}

type fakeBypass struct {
	solution monitor.BypassSolution
	err      error
	calls    int
}

func (b *fakeBypass) Solve(context.Context, string) (monitor.BypassSolution, error) {
	b.calls++
	return b.solution, b.err
}

type fakePlanner struct {
	plan  *monitor.FillPlan
	err   error
	calls int
}

func (p *fakePlanner) Plan(context.Context, string, monitor.Target) (*monitor.FillPlan, error) {
	p.calls++
	return p.plan, p.err
}

type fakeFetcher struct {
	body []byte
	err  error
}

func (f *fakeFetcher) Fetch(context.Context, string) ([]byte, error) {
	return f.body, f.err
}

func newTestEngine(t *testing.T, browser monitor.Browser, opts ...func(*Engine)) *Engine {
	t.Helper()
	e := New(
		browser,
		fingerprint.NewRegistry(),
		nil, nil, nil, nil, nil,
		Config{NavigationTimeout: time.Second, PassiveTimeout: time.Second},
		zap.NewNop(),
	)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func testTarget(url string) monitor.Target {
	return monitor.Target{
		ID:  "t-1",
		URL: url,
		Credentials: monitor.Credentials{
			Handle: "quietlurker",
			Email:  "quietlurker@example.com",
			Secret: "correct horse battery",
		},
		Status: monitor.StatusIdle,
	}
}

const simpleFormHTML = `<html><body><form action="/register" method="post">
<input type="email" name="email">
<input type="text" name="username">
<input type="password" name="password">
<input type="password" name="password_confirm">
<button type="submit">Sign up</button>
</form></body></html>`

func TestProbeHeuristicRegistration(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/register": {title: "Register", html: simpleFormHTML},
	})
	session.afterSubmit = `<html><body>Welcome! Please check your email to activate your account.</body></html>`

	e := newTestEngine(t, &fakeBrowser{session: session})
	result := e.Probe(context.Background(), testTarget("https://forum.example/register"))

	assert.Equal(t, monitor.StatusRegistered, result.Outcome)
	assert.Equal(t, "quietlurker@example.com", session.fills[`input[name="email"]`])
	assert.Equal(t, "quietlurker", session.fills[`input[name="username"]`])
	assert.Equal(t, "correct horse battery", session.fills[`input[name="password"]`])
	assert.Equal(t, "correct horse battery", session.fills[`input[name="password_confirm"]`])
	require.Len(t, session.clicks, 1)
	assert.True(t, session.closed)
}

func TestProbeSubmitWithoutConfirmationStaysOpen(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/register": {html: simpleFormHTML},
	})
	session.afterSubmit = `<html><body>Something went wrong.</body></html>`

	e := newTestEngine(t, &fakeBrowser{session: session})
	result := e.Probe(context.Background(), testTarget("https://forum.example/register"))

	assert.Equal(t, monitor.StatusOpen, result.Outcome)
	assert.Len(t, session.clicks, 1)
}

func TestProbeInviteGateNeverSubmits(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/signup": {html: `<html><body><form>
			<input type="email" name="email">
			<input type="password" name="password">
			<input type="text" name="referral_code" placeholder="Referral code">
			<button type="submit">Join</button>
		</form></body></html>`},
	})

	e := newTestEngine(t, &fakeBrowser{session: session})
	result := e.Probe(context.Background(), testTarget("https://forum.example/signup"))

	assert.Equal(t, monitor.StatusNeedsInvite, result.Outcome)
	assert.True(t, result.NeedsInvite)
	assert.Empty(t, session.clicks)
	assert.Empty(t, session.fills)
}

func TestProbeChallengeWithoutBypassIsBlocked(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/": {
			title: "Just a moment...",
			html:  `<html><body><div id="cf-challenge-running"></div></body></html>`,
		},
	})

	e := newTestEngine(t, &fakeBrowser{session: session})
	result := e.Probe(context.Background(), testTarget("https://forum.example/"))

	assert.Equal(t, monitor.StatusClosed, result.Outcome)
	assert.True(t, result.BlockedByChallenge)
	assert.Empty(t, session.clicks)
}

func TestProbeBypassInjectsSolution(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/register": {html: simpleFormHTML},
	})
	session.afterSubmit = `<html><body>Welcome aboard</body></html>`

	bypass := &fakeBypass{solution: monitor.BypassSolution{
		Cookies:   []monitor.Cookie{{Name: "cf_clearance", Value: "tok"}},
		UserAgent: "Mozilla/5.0 (cleared)",
	}}
	e := newTestEngine(t, &fakeBrowser{session: session}, func(e *Engine) { e.bypass = bypass })

	result := e.Probe(context.Background(), testTarget("https://forum.example/register"))

	assert.Equal(t, monitor.StatusRegistered, result.Outcome)
	assert.Equal(t, 1, bypass.calls)
	require.Len(t, session.cookies, 1)
	assert.Equal(t, "cf_clearance", session.cookies[0].Name)
	assert.Equal(t, "Mozilla/5.0 (cleared)", session.ua)
}

func TestProbeClosedPhraseWithoutForm(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/": {html: `<html><body>
			<p>Registration is closed. Ask a member for details.</p>
		</body></html>`},
	})

	e := newTestEngine(t, &fakeBrowser{session: session})
	result := e.Probe(context.Background(), testTarget("https://forum.example/"))

	assert.Equal(t, monitor.StatusClosed, result.Outcome)
	assert.False(t, result.BlockedByChallenge)
	assert.Empty(t, session.clicks)
}

func TestProbeClosedPhraseIgnoredWhenFormPresent(t *testing.T) {
	t.Parallel()

	// A forum thread quoting "registration is closed" must not shadow a
	// live form on the same page.
	session := newFakeSession(map[string]fakePage{
		"https://forum.example/register": {html: `<html><body>
			<blockquote>back then registration is closed, they said</blockquote>` +
			simpleFormHTML + `</body></html>`},
	})
	session.afterSubmit = `<html><body>Welcome</body></html>`

	e := newTestEngine(t, &fakeBrowser{session: session})
	result := e.Probe(context.Background(), testTarget("https://forum.example/register"))

	assert.Equal(t, monitor.StatusRegistered, result.Outcome)
}

func TestProbeCaptchaBlocksHeuristicSubmit(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/register": {html: `<html><body><form>
			<input type="email" name="email">
			<input type="password" name="password">
			<div class="g-recaptcha"></div>
			<button type="submit">Register</button>
		</form></body></html>`},
	})

	e := newTestEngine(t, &fakeBrowser{session: session})
	result := e.Probe(context.Background(), testTarget("https://forum.example/register"))

	assert.Equal(t, monitor.StatusOpen, result.Outcome)
	assert.True(t, result.CaptchaDetected)
	assert.Empty(t, session.clicks)
}

func TestProbePlannerDeclineLeavesOpen(t *testing.T) {
	t.Parallel()

	// A textarea makes the form ineligible for the heuristic path.
	session := newFakeSession(map[string]fakePage{
		"https://forum.example/apply": {html: `<html><body><form>
			<input type="email" name="email">
			<input type="password" name="password">
			<textarea name="why_join"></textarea>
			<button type="submit">Apply</button>
		</form></body></html>`},
	})

	planner := &fakePlanner{}
	e := newTestEngine(t, &fakeBrowser{session: session}, func(e *Engine) { e.planner = planner })

	result := e.Probe(context.Background(), testTarget("https://forum.example/apply"))

	assert.Equal(t, monitor.StatusOpen, result.Outcome)
	assert.Equal(t, 1, planner.calls)
	assert.Empty(t, session.clicks)
}

func TestProbePlannerPlanIsExecuted(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/apply": {html: `<html><body><form id="apply">
			<input type="email" name="email">
			<input type="password" name="password">
			<textarea name="why_join"></textarea>
			<input type="checkbox" id="tos">
			<button type="submit">Apply</button>
		</form></body></html>`},
	})
	session.afterSubmit = `<html><body>Thank you for registering! Welcome.</body></html>`

	planner := &fakePlanner{plan: &monitor.FillPlan{
		Actions: []monitor.FillAction{
			{Selector: `input[name="email"]`, Value: "quietlurker@example.com", Kind: monitor.ActionFill},
			{Selector: `textarea[name="why_join"]`, Value: "long-time reader", Kind: monitor.ActionFill},
			{Selector: "#tos", Kind: monitor.ActionToggle},
		},
		SubmitSelector: "button[type=submit]",
	}}
	e := newTestEngine(t, &fakeBrowser{session: session}, func(e *Engine) { e.planner = planner })

	result := e.Probe(context.Background(), testTarget("https://forum.example/apply"))

	assert.Equal(t, monitor.StatusRegistered, result.Outcome)
	assert.Equal(t, "long-time reader", session.fills[`textarea[name="why_join"]`])
	assert.Equal(t, []string{"#tos"}, session.toggles)
	assert.Equal(t, []string{"button[type=submit]"}, session.clicks)
}

func TestProbeFingerprintPathWalk(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/": {html: `<html><head>
			<script src="https://forum.example.discourse-cdn.com/app.js"></script>
			</head><body>home</body></html>`},
		"https://forum.example/signup": {html: simpleFormHTML},
	})
	session.afterSubmit = `<html><body>Welcome</body></html>`

	e := newTestEngine(t, &fakeBrowser{session: session})
	result := e.Probe(context.Background(), testTarget("https://forum.example/"))

	assert.Equal(t, "discourse", result.ForumType)
	assert.Equal(t, monitor.StatusRegistered, result.Outcome)
}

func TestProbeFollowsRegisterLink(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/": {html: `<html><body>
			<a href="/members/new">Sign up</a>
		</body></html>`},
		"https://forum.example/members/new": {html: simpleFormHTML},
	})
	session.afterSubmit = `<html><body>Welcome</body></html>`

	e := newTestEngine(t, &fakeBrowser{session: session})
	result := e.Probe(context.Background(), testTarget("https://forum.example/"))

	assert.Equal(t, monitor.StatusRegistered, result.Outcome)
}

func TestProbeCollectsInviteCodes(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/": {html: `<html><body>
			<p>Registration is closed. Use code FRIEND4242 to skip the queue.</p>
		</body></html>`},
	})

	e := newTestEngine(t, &fakeBrowser{session: session})
	result := e.Probe(context.Background(), testTarget("https://forum.example/"))

	assert.Equal(t, monitor.StatusClosed, result.Outcome)
	require.Len(t, result.InvitationCodes, 1)
	assert.Equal(t, "FRIEND4242", result.InvitationCodes[0].Code)
	assert.Equal(t, monitor.CodeSourcePage, result.InvitationCodes[0].Source)
}

func TestProbeRobotsHints(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/register": {html: simpleFormHTML},
	})
	session.afterSubmit = `<html><body>Welcome</body></html>`

	fetcher := &fakeFetcher{body: []byte("User-agent: *\nDisallow: /admin/\n# generated by Discourse\n")}
	e := newTestEngine(t, &fakeBrowser{session: session}, func(e *Engine) { e.passive = fetcher })

	result := e.Probe(context.Background(), testTarget("https://forum.example/register"))

	assert.Contains(t, result.RobotsHints, "discourse")
}

func TestProbeSessionFailureIsError(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &fakeBrowser{err: errors.New("browser pool exhausted")})
	result := e.Probe(context.Background(), testTarget("https://forum.example/"))

	assert.Equal(t, monitor.StatusError, result.Outcome)
	assert.NotEmpty(t, result.Log)
}

func TestProbeCancelledContextIsError(t *testing.T) {
	t.Parallel()

	session := newFakeSession(map[string]fakePage{
		"https://forum.example/": {html: "<html><body>home</body></html>"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newTestEngine(t, &fakeBrowser{session: session})
	result := e.Probe(ctx, testTarget("https://forum.example/"))

	assert.Equal(t, monitor.StatusError, result.Outcome)
	assert.True(t, session.closed)
}
