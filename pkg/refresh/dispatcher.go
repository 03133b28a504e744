package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Query is the opaque parameter bag of a list request: the resource plus
// every filter, sort and pagination parameter.
type Query struct {
	Resource string
	Params   url.Values
}

func (q Query) clone() Query {
	out := Query{Resource: q.Resource}
	if q.Params != nil {
		out.Params = make(url.Values, len(q.Params))
		for k, v := range q.Params {
			out.Params[k] = append([]string(nil), v...)
		}
	}
	return out
}

// Page is one list response. It replaces the cached page wholesale.
type Page struct {
	Query     Query
	Items     []json.RawMessage
	Total     int
	FetchedAt time.Time
}

// Querier runs list queries against the CRUD service.
type Querier interface {
	List(ctx context.Context, q Query) (Page, error)
}

// Observer is told about every background refresh outcome.
type Observer interface {
	Refreshed(ctx context.Context, took time.Duration, err error)
}

type Config struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Observer Observer
}

type replaceEntry struct {
	id uint64
	fn func(Page)
}

// Dispatcher re-issues the last successful explicit fetch and keeps its result.
type Dispatcher struct {
	q     Querier
	clock clock.Clock
	log   *slog.Logger
	obs   Observer

	mu        sync.Mutex
	last      *Query
	cached    *Page
	seq       uint64 // last issued request
	applied   uint64 // request whose result is cached
	listeners []replaceEntry
	nextID    uint64
}

func New(q Querier, cfg Config) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		q:     q,
		clock: cfg.Clock,
		log:   cfg.Logger.With("component", "refresh"),
		obs:   cfg.Observer,
	}
}

// Fetch runs an explicit list query. On success the query becomes the one
// Refresh replays and the result replaces the cache. Errors go to the caller.
func (d *Dispatcher) Fetch(ctx context.Context, q Query) (Page, error) {
	q = q.clone()
	seq := d.begin()
	page, err := d.q.List(ctx, q)
	if err != nil {
		return Page{}, fmt.Errorf("list %s: %w", q.Resource, err)
	}
	d.replace(seq, q, page, true)
	return page, nil
}

// Refresh replays the last successful query. It is a no-op before the first
// Fetch. Failures are logged and swallowed; the cache keeps the older page.
func (d *Dispatcher) Refresh(ctx context.Context) {
	d.mu.Lock()
	if d.last == nil {
		d.mu.Unlock()
		d.log.Debug("refresh skipped, no query issued yet")
		return
	}
	q := d.last.clone()
	d.mu.Unlock()

	seq := d.begin()
	start := d.clock.Now()
	page, err := d.q.List(ctx, q)
	took := d.clock.Since(start)
	if d.obs != nil {
		d.obs.Refreshed(ctx, took, err)
	}
	if err != nil {
		d.log.Warn("background refresh failed",
			slog.String("resource", q.Resource),
			slog.Duration("took", took),
			slog.Any("err", err),
		)
		return
	}
	d.replace(seq, q, page, false)
}

func (d *Dispatcher) begin() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return d.seq
}

func (d *Dispatcher) replace(seq uint64, q Query, page Page, capture bool) {
	page.Query = q
	if page.FetchedAt.IsZero() {
		page.FetchedAt = d.clock.Now()
	}

	d.mu.Lock()
	if seq < d.applied {
		d.mu.Unlock()
		d.log.Debug("dropping stale list response", slog.Uint64("seq", seq), slog.Uint64("applied", d.applied))
		return
	}
	d.applied = seq
	d.cached = &page
	if capture {
		captured := q.clone()
		d.last = &captured
	}
	listeners := make([]replaceEntry, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	for _, l := range listeners {
		d.notify(l, page)
	}
}

func (d *Dispatcher) notify(l replaceEntry, page Page) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("replace listener panicked", slog.Uint64("listener", l.id), slog.Any("panic", r))
		}
	}()
	l.fn(page)
}

// OnReplace registers fn for every cache replacement.
func (d *Dispatcher) OnReplace(fn func(Page)) (unsubscribe func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, replaceEntry{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, l := range d.listeners {
				if l.id == id {
					d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Cached returns the current page, if any request ever succeeded.
func (d *Dispatcher) Cached() (Page, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached == nil {
		return Page{}, false
	}
	return *d.cached, true
}

// LastQuery returns the query Refresh would replay.
func (d *Dispatcher) LastQuery() (Query, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return Query{}, false
	}
	return d.last.clone(), true
}

// Reset forgets the captured query and cache. Listeners stay registered.
// Requests still in flight are discarded when they complete.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.last = nil
	d.cached = nil
	d.applied = d.seq + 1
	d.mu.Unlock()
}
