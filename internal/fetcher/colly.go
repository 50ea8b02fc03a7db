// Package fetcher implements cheap non-browser GETs using gocolly.
package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Colly performs single short-timeout GETs for passive signal gathering
// (robots.txt) and discovery feeds. Browser navigation never goes through
// here.
type Colly struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Colly fetcher.
func New(cfg Config) *Colly {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &Colly{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and returns the response body.
func (f *Colly) Fetch(ctx context.Context, url string) ([]byte, error) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		mu       sync.Mutex
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = fmt.Errorf("fetch %s (status %d): %w", url, status, err)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := collector.Visit(url); err != nil {
			mu.Lock()
			if fetchErr == nil {
				fetchErr = fmt.Errorf("visit %s: %w", url, err)
			}
			mu.Unlock()
			return
		}
		collector.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	if fetchErr != nil {
		return nil, fetchErr
	}
	return body, nil
}
