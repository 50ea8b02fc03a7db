package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticFeed struct {
	items []Item
	err   error
}

func (f *staticFeed) FetchItems(context.Context) ([]Item, error) {
	return f.items, f.err
}

type fakeRegistrar struct {
	mu    sync.Mutex
	added []string
	known map[string]bool
	err   error
}

func (r *fakeRegistrar) AddCandidate(_ context.Context, url string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	if r.known == nil {
		r.known = make(map[string]bool)
	}
	if r.known[url] {
		return false, nil
	}
	r.known[url] = true
	r.added = append(r.added, url)
	return true, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestPoller(feed Feed, registrar Registrar, cfg Config) *Poller {
	return NewPoller(feed, registrar, fixedClock{now: time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)}, cfg, zap.NewNop())
}

func decisions(p *Poller) []Decision {
	var out []Decision
	for _, e := range p.History() {
		out = append(out, e.Decision)
	}
	return out
}

func TestPollAddsRelevantCandidate(t *testing.T) {
	t.Parallel()

	feed := &staticFeed{items: []Item{{
		ID:    "item-1",
		Title: "new private tracker open for signup",
		Body:  "grab an account at https://tracker.example/register before it closes",
	}}}
	registrar := &fakeRegistrar{}
	p := newTestPoller(feed, registrar, Config{})

	p.Poll(context.Background())

	assert.Equal(t, []string{"https://tracker.example/register"}, registrar.added)
	history := p.History()
	require.Len(t, history, 1)
	assert.Equal(t, DecisionAdded, history[0].Decision)
	assert.Equal(t, "item-1", history[0].ItemID)
}

func TestPollSkipsSeenItems(t *testing.T) {
	t.Parallel()

	feed := &staticFeed{items: []Item{{
		ID:    "item-1",
		Title: "forum signup https://tracker.example/",
	}}}
	registrar := &fakeRegistrar{}
	p := newTestPoller(feed, registrar, Config{})

	p.Poll(context.Background())
	p.Poll(context.Background())

	assert.Len(t, registrar.added, 1)
	assert.Len(t, p.History(), 1)
}

func TestPollIgnoresItemsWithoutKeywords(t *testing.T) {
	t.Parallel()

	feed := &staticFeed{items: []Item{{
		ID:    "item-1",
		Title: "look at this cat https://cats.example/",
	}}}
	registrar := &fakeRegistrar{}
	p := newTestPoller(feed, registrar, Config{})

	p.Poll(context.Background())

	assert.Empty(t, registrar.added)
	assert.Equal(t, []Decision{DecisionIgnoredNoKeyword}, decisions(p))
}

func TestPollIgnoresDenylistedDomains(t *testing.T) {
	t.Parallel()

	feed := &staticFeed{items: []Item{{
		ID:    "item-1",
		Title: "forum invite thread",
		Body:  "see https://www.youtube.com/watch?v=x and https://board.example/join",
	}}}
	registrar := &fakeRegistrar{}
	p := newTestPoller(feed, registrar, Config{})

	p.Poll(context.Background())

	assert.Equal(t, []string{"https://board.example/join"}, registrar.added)
	assert.Equal(t, []Decision{DecisionAdded, DecisionIgnoredDomain}, decisions(p))
}

func TestPollRecordsDuplicates(t *testing.T) {
	t.Parallel()

	registrar := &fakeRegistrar{known: map[string]bool{"https://board.example/join": true}}
	feed := &staticFeed{items: []Item{{
		ID:    "item-1",
		Title: "signup here https://board.example/join",
	}}}
	p := newTestPoller(feed, registrar, Config{})

	p.Poll(context.Background())

	assert.Empty(t, registrar.added)
	assert.Equal(t, []Decision{DecisionDuplicate}, decisions(p))
}

func TestPollRecordsRegistrarErrors(t *testing.T) {
	t.Parallel()

	registrar := &fakeRegistrar{err: errors.New("store unavailable")}
	feed := &staticFeed{items: []Item{{
		ID:    "item-1",
		Title: "signup here https://board.example/join",
	}}}
	p := newTestPoller(feed, registrar, Config{})

	p.Poll(context.Background())

	history := p.History()
	require.Len(t, history, 1)
	assert.Equal(t, DecisionError, history[0].Decision)
	assert.Contains(t, history[0].Detail, "store unavailable")
}

func TestPollRecordsFeedFailure(t *testing.T) {
	t.Parallel()

	p := newTestPoller(&staticFeed{err: errors.New("feed down")}, &fakeRegistrar{}, Config{})
	p.Poll(context.Background())

	assert.Equal(t, []Decision{DecisionError}, decisions(p))
}

func TestSeenSetIsBounded(t *testing.T) {
	t.Parallel()

	registrar := &fakeRegistrar{}
	feed := &staticFeed{}
	p := newTestPoller(feed, registrar, Config{SeenCap: 3})

	for i := range 5 {
		feed.items = []Item{{ID: fmt.Sprintf("item-%d", i), Title: "nothing here"}}
		p.Poll(context.Background())
	}

	// The oldest ids fell out of the recency set and are processed again.
	feed.items = []Item{{ID: "item-0", Title: "nothing here"}}
	p.Poll(context.Background())
	assert.Len(t, p.History(), 6)
}

func TestHistoryIsBoundedNewestFirst(t *testing.T) {
	t.Parallel()

	feed := &staticFeed{}
	p := newTestPoller(feed, &fakeRegistrar{}, Config{HistoryCap: 2})

	for i := range 4 {
		feed.items = []Item{{ID: fmt.Sprintf("item-%d", i), Title: "nothing"}}
		p.Poll(context.Background())
	}

	history := p.History()
	require.Len(t, history, 2)
	assert.Equal(t, "item-3", history[0].ItemID)
	assert.Equal(t, "item-2", history[1].ItemID)
}
