// Package browser drives headless Chrome sessions via chromedp.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/forumsentry/forumsentry/internal/monitor"
)

// Config controls the browser driver.
type Config struct {
	MaxParallel int
	UserAgent   string
	// OpTimeout bounds individual non-navigation operations.
	OpTimeout time.Duration
}

// Driver implements monitor.Browser backed by a shared Chrome exec allocator.
type Driver struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a Driver and its allocator.
func New(cfg Config) (*Driver, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 15 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Driver{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (d *Driver) Close() {
	d.allocCancel()
}

// NewSession acquires a browser slot and opens a fresh tab context. The
// session must be closed by the caller on every exit path.
func (d *Driver) NewSession(ctx context.Context) (monitor.BrowserSession, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	taskCtx, taskCancel := chromedp.NewContext(d.allocator)

	s := &session{
		driver:  d,
		taskCtx: taskCtx,
		cancel:  taskCancel,
	}
	if d.cfg.UserAgent != "" {
		if err := s.SetUserAgent(ctx, d.cfg.UserAgent); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (d *Driver) acquire(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	select {
	case d.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (d *Driver) release() {
	if d.limiter == nil {
		return
	}
	select {
	case <-d.limiter:
	default:
	}
}

type session struct {
	driver  *Driver
	taskCtx context.Context
	cancel  context.CancelFunc
}

// run executes actions against the tab under the caller's deadline plus the
// driver's per-op timeout, whichever is tighter.
func (s *session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = s.driver.cfg.OpTimeout
	}
	opCtx, cancel := context.WithTimeout(s.taskCtx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(opCtx, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return fmt.Errorf("browser op canceled: %w", ctx.Err())
	}
}

func (s *session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	err := s.run(ctx, timeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *session) Location(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, 0, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

func (s *session) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.run(ctx, 0, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return title, nil
}

func (s *session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, 0, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (s *session) Exists(ctx context.Context, selector string) (bool, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return false, fmt.Errorf("encode selector: %w", err)
	}
	var found bool
	expr := fmt.Sprintf("document.querySelector(%s) !== null", sel)
	if err := s.run(ctx, 0, chromedp.Evaluate(expr, &found)); err != nil {
		return false, fmt.Errorf("query %q: %w", selector, err)
	}
	return found, nil
}

func (s *session) Fill(ctx context.Context, selector, value string) error {
	err := s.run(ctx, 0,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	return nil
}

func (s *session) Toggle(ctx context.Context, selector string) error {
	if err := s.run(ctx, 0, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("toggle %q: %w", selector, err)
	}
	return nil
}

func (s *session) Click(ctx context.Context, selector string) error {
	err := s.run(ctx, 0,
		chromedp.Click(selector, chromedp.ByQuery),
		// Allow post-click navigations and SPA transitions to settle.
		chromedp.Sleep(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

func (s *session) FrameURLs(ctx context.Context) ([]string, error) {
	var urls []string
	err := s.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return fmt.Errorf("get frame tree: %w", err)
		}
		collectFrameURLs(tree, &urls)
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return urls, nil
}

func collectFrameURLs(tree *page.FrameTree, out *[]string) {
	if tree == nil {
		return
	}
	if tree.Frame != nil && tree.Frame.URL != "" {
		*out = append(*out, tree.Frame.URL)
	}
	for _, child := range tree.ChildFrames {
		collectFrameURLs(child, out)
	}
}

func (s *session) SetCookies(ctx context.Context, cookies []monitor.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, ck := range cookies {
		params = append(params, &network.CookieParam{
			Name:   ck.Name,
			Value:  ck.Value,
			Domain: ck.Domain,
			Path:   ck.Path,
		})
	}
	err := s.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := storage.SetCookies(params).Do(ctx); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
		return nil
	}))
	return err
}

func (s *session) SetUserAgent(ctx context.Context, userAgent string) error {
	err := s.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	}))
	return err
}

func (s *session) Close() error {
	s.cancel()
	s.driver.release()
	return nil
}
