// Package discovery polls an external candidate feed and proposes new target
// URLs to the collection.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forumsentry/forumsentry/internal/metrics"
	"github.com/forumsentry/forumsentry/internal/monitor"
)

// Decision classifies what the poller did with one candidate URL.
type Decision string

// Decisions recorded in the poller history.
const (
	DecisionAdded            Decision = "ADDED"
	DecisionDuplicate        Decision = "DUPLICATE"
	DecisionIgnoredDomain    Decision = "IGNORED_DOMAIN"
	DecisionIgnoredNoKeyword Decision = "IGNORED_NO_KEYWORD"
	DecisionError            Decision = "ERROR"
)

// HistoryEntry is one structured observation of feed processing, newest kept
// first in the bounded history.
type HistoryEntry struct {
	At       time.Time `json:"at"`
	ItemID   string    `json:"item_id"`
	URL      string    `json:"url,omitempty"`
	Decision Decision  `json:"decision"`
	Detail   string    `json:"detail,omitempty"`
}

// Item is one entry of the external feed.
type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Link  string `json:"link"`
}

// Feed retrieves the current feed items.
type Feed interface {
	FetchItems(ctx context.Context) ([]Item, error)
}

// Registrar is the callback into the target collection. It reports false
// when the URL is already watched.
type Registrar interface {
	AddCandidate(ctx context.Context, url string) (bool, error)
}

// urlPattern is deliberately permissive; the denylist and dedupe layers
// downstream absorb the noise.
var urlPattern = regexp.MustCompile(`https?://[^\s"'<>()\[\]]+`)

var defaultKeywords = []string{
	"forum", "community", "board", "tracker", "invite",
	"registration", "signup", "sign up", "private",
}

var defaultDenylist = []string{
	"google.com", "youtube.com", "twitter.com", "x.com",
	"facebook.com", "instagram.com", "github.com",
	"wikipedia.org", "imgur.com", "t.me",
}

// Config controls Poller pacing and filtering.
type Config struct {
	// Interval is the base pause between polls, widened by ±Jitter.
	Interval time.Duration
	Jitter   time.Duration
	// Keywords gate feed items; an item mentioning none of them is ignored.
	Keywords []string
	// DenylistDomains excludes known non-candidate hosts by suffix match.
	DenylistDomains []string
	// SeenCap bounds the processed-item dedupe set.
	SeenCap int
	// HistoryCap bounds the retained decision history.
	HistoryCap int
}

// Poller drives the feed loop.
type Poller struct {
	feed      Feed
	registrar Registrar
	clock     monitor.Clock
	cfg       Config
	logger    *zap.Logger

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	history   []HistoryEntry
}

// NewPoller constructs a Poller.
func NewPoller(feed Feed, registrar Registrar, clock monitor.Clock, cfg Config, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Jitter < 0 || cfg.Jitter >= cfg.Interval {
		cfg.Jitter = 0
	}
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = defaultKeywords
	}
	if len(cfg.DenylistDomains) == 0 {
		cfg.DenylistDomains = defaultDenylist
	}
	if cfg.SeenCap <= 0 {
		cfg.SeenCap = 1000
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		feed:      feed,
		registrar: registrar,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
}

// Run blocks, polling the feed until the context finishes. The first poll
// starts immediately.
func (p *Poller) Run(ctx context.Context) {
	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.nextWait()):
		}
	}
}

func (p *Poller) nextWait() time.Duration {
	if p.cfg.Jitter == 0 {
		return p.cfg.Interval
	}
	offset := time.Duration(rand.Int63n(int64(2*p.cfg.Jitter))) - p.cfg.Jitter
	return p.cfg.Interval + offset
}

// Poll fetches the feed once and processes every unseen item.
func (p *Poller) Poll(ctx context.Context) {
	items, err := p.feed.FetchItems(ctx)
	if err != nil {
		p.logger.Warn("feed fetch failed", zap.Error(err))
		p.record(HistoryEntry{Decision: DecisionError, Detail: err.Error()})
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if item.ID == "" || !p.markSeen(item.ID) {
			continue
		}
		p.processItem(ctx, item)
	}
}

func (p *Poller) processItem(ctx context.Context, item Item) {
	text := item.Title + " " + item.Body
	if !p.relevant(text) {
		p.record(HistoryEntry{ItemID: item.ID, Decision: DecisionIgnoredNoKeyword})
		return
	}

	candidates := urlPattern.FindAllString(text+" "+item.Link, -1)
	for _, candidate := range candidates {
		candidate = strings.TrimRight(candidate, ".,;:!?")
		host := hostOf(candidate)
		if host == "" {
			continue
		}
		if p.denied(host) {
			p.record(HistoryEntry{ItemID: item.ID, URL: candidate, Decision: DecisionIgnoredDomain})
			continue
		}

		added, err := p.registrar.AddCandidate(ctx, candidate)
		switch {
		case err != nil:
			p.logger.Warn("candidate registration failed",
				zap.String("url", candidate), zap.Error(err))
			p.record(HistoryEntry{ItemID: item.ID, URL: candidate, Decision: DecisionError, Detail: err.Error()})
		case added:
			p.logger.Info("candidate added",
				zap.String("item_id", item.ID), zap.String("url", candidate))
			p.record(HistoryEntry{ItemID: item.ID, URL: candidate, Decision: DecisionAdded})
		default:
			p.record(HistoryEntry{ItemID: item.ID, URL: candidate, Decision: DecisionDuplicate})
		}
	}
}

func (p *Poller) relevant(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range p.cfg.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (p *Poller) denied(host string) bool {
	for _, domain := range p.cfg.DenylistDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// markSeen records the item id in the bounded recency set and reports
// whether the item is new.
func (p *Poller) markSeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return false
	}
	p.seen[id] = struct{}{}
	p.seenOrder = append(p.seenOrder, id)
	for len(p.seenOrder) > p.cfg.SeenCap {
		oldest := p.seenOrder[0]
		p.seenOrder = p.seenOrder[1:]
		delete(p.seen, oldest)
	}
	return true
}

func (p *Poller) record(entry HistoryEntry) {
	entry.At = p.clock.Now()
	metrics.ObserveDiscoveryDecision(string(entry.Decision))

	p.mu.Lock()
	defer p.mu.Unlock()
	entries := make([]HistoryEntry, 0, min(len(p.history)+1, p.cfg.HistoryCap))
	entries = append(entries, entry)
	for _, e := range p.history {
		if len(entries) >= p.cfg.HistoryCap {
			break
		}
		entries = append(entries, e)
	}
	p.history = entries
}

// History returns the retained decisions, newest first.
func (p *Poller) History() []HistoryEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]HistoryEntry, len(p.history))
	copy(out, p.history)
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// HTTPFeed reads a JSON feed document through the passive fetcher.
type HTTPFeed struct {
	fetcher monitor.PassiveFetcher
	url     string
}

// NewHTTPFeed constructs an HTTPFeed.
func NewHTTPFeed(fetcher monitor.PassiveFetcher, feedURL string) (*HTTPFeed, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if feedURL == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	return &HTTPFeed{fetcher: fetcher, url: feedURL}, nil
}

// FetchItems downloads and decodes the feed document.
func (f *HTTPFeed) FetchItems(ctx context.Context) ([]Item, error) {
	body, err := f.fetcher.Fetch(ctx, f.url)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	var items []Item
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return items, nil
}
