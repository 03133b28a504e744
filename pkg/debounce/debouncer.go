package debounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

// Policy decides what a new arrival does to a running timer.
type Policy uint8

const (
	// Sliding cancels and restarts the timer on every arrival.
	Sliding Policy = iota
	// Fixed appends to the buffer and leaves the timer alone.
	Fixed
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "sliding":
		return Sliding, nil
	case "fixed":
		return Fixed, nil
	}
	return Sliding, fmt.Errorf("unknown debounce policy %q", s)
}

// Batch is everything drained for one effect invocation, FIFO per topic.
type Batch struct {
	Topics []rtv1.Topic
	Items  []rtv1.Notification
	Forced bool
}

// Effect is the downstream action bound to one or more topics.
type Effect interface {
	Apply(ctx context.Context, b Batch)
}

type EffectFunc func(ctx context.Context, b Batch)

func (f EffectFunc) Apply(ctx context.Context, b Batch) { f(ctx, b) }

// Windows holds the delay per window class.
type Windows struct {
	Short    time.Duration
	Bulk     time.Duration
	Presence time.Duration
}

func (w Windows) For(t rtv1.Topic) time.Duration {
	switch t.Window() {
	case rtv1.WindowBulk:
		return w.Bulk
	case rtv1.WindowPresence:
		return w.Presence
	}
	return w.Short
}

var DefaultWindows = Windows{Short: 300 * time.Millisecond, Bulk: time.Second, Presence: 300 * time.Millisecond}

var ErrNotBound = errors.New("topic has no effect bound")

type Config struct {
	Windows Windows
	Policy  Policy
	Clock   clock.Clock
	Logger  *slog.Logger
	// Observer, when set, is told about every push and fire.
	Observer Observer
}

// Observer receives coalescing statistics; see telemetry.
type Observer interface {
	Buffered(t rtv1.Topic)
	Fired(t rtv1.Topic, size int, forced bool)
}

const unbound = -1

// burst is the PendingBurst of one topic.
// Invariant: timer != nil iff a fire is scheduled; gen changes on every (re)schedule or cancel.
type burst struct {
	items  []rtv1.Notification
	timer  *clock.Timer
	gen    uint64
	effect int
}

// bound is one Bind call. sem admits a single invocation at a time so drains
// of the same effect apply in fire order; other effects are not held up.
type bound struct {
	eff Effect
	sem chan struct{}
}

// Debouncer coalesces same-topic notifications into one effect call per window.
type Debouncer struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	mu      sync.Mutex
	bursts  [rtv1.TopicCount]burst
	effects []bound
	epoch   uint64
	// epochCtx is cancelled by CancelAll so in-flight effects can abort.
	epochCtx    context.Context
	epochCancel context.CancelFunc
}

func New(cfg Config) (*Debouncer, error) {
	for _, w := range []time.Duration{cfg.Windows.Short, cfg.Windows.Bulk, cfg.Windows.Presence} {
		if w <= 0 {
			return nil, fmt.Errorf("debounce windows must be positive, got %+v", cfg.Windows)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Debouncer{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Logger.With("component", "debounce"),
	}
	for i := range d.bursts {
		d.bursts[i].effect = unbound
	}
	d.epochCtx, d.epochCancel = context.WithCancel(context.Background())
	return d, nil
}

// Bind routes the given topics to effect. A later Bind for the same topic replaces it.
func (d *Debouncer) Bind(effect Effect, topics ...rtv1.Topic) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := len(d.effects)
	d.effects = append(d.effects, bound{eff: effect, sem: make(chan struct{}, 1)})
	for _, t := range topics {
		if t.Valid() {
			d.bursts[t].effect = idx
		}
	}
}

// Push buffers n and (re)arms the timer for its topic.
func (d *Debouncer) Push(n rtv1.Notification) error {
	if !n.Topic.Valid() {
		return fmt.Errorf("%w: %s", rtv1.ErrUnknownTopic, n.Topic)
	}

	d.mu.Lock()
	b := &d.bursts[n.Topic]
	if b.effect == unbound {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotBound, n.Topic)
	}
	b.items = append(b.items, n)
	pending := len(b.items)
	switch {
	case b.timer == nil:
		d.arm(n.Topic, b)
	case d.cfg.Policy == Sliding:
		b.timer.Stop()
		d.arm(n.Topic, b)
	}
	d.mu.Unlock()

	if d.cfg.Observer != nil {
		d.cfg.Observer.Buffered(n.Topic)
	}
	d.log.Debug("notification buffered", slog.String("topic", n.Topic.String()), slog.Int("pending", pending))
	return nil
}

// arm must hold d.mu.
func (d *Debouncer) arm(t rtv1.Topic, b *burst) {
	b.gen++
	gen := b.gen
	b.timer = d.clock.AfterFunc(d.cfg.Windows.For(t), func() { d.fire(t, gen) })
}

func (d *Debouncer) fire(t rtv1.Topic, gen uint64) {
	d.mu.Lock()
	b := &d.bursts[t]
	if b.timer == nil || b.gen != gen {
		// cancelled or rescheduled after this timer was already running
		d.mu.Unlock()
		return
	}
	items := b.items
	b.items = nil
	b.timer = nil
	eff := d.effects[b.effect]
	epoch, epochCtx := d.epoch, d.epochCtx
	d.mu.Unlock()

	d.invoke(context.Background(), eff, epoch, epochCtx, Batch{Topics: []rtv1.Topic{t}, Items: items})
}

// Flush bypasses the window: pending timers for topics are cancelled and each
// distinct bound effect runs once, synchronously, even if nothing was buffered.
// An effect still busy with an earlier batch is waited for unless ctx ends or
// CancelAll is called first.
func (d *Debouncer) Flush(ctx context.Context, topics ...rtv1.Topic) {
	type group struct {
		eff   bound
		batch Batch
	}
	var order []int
	groups := map[int]*group{}

	d.mu.Lock()
	for _, t := range topics {
		if !t.Valid() {
			continue
		}
		b := &d.bursts[t]
		if b.effect == unbound {
			continue
		}
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.gen++
		g, ok := groups[b.effect]
		if !ok {
			g = &group{eff: d.effects[b.effect], batch: Batch{Forced: true}}
			groups[b.effect] = g
			order = append(order, b.effect)
		}
		g.batch.Topics = append(g.batch.Topics, t)
		g.batch.Items = append(g.batch.Items, b.items...)
		b.items = nil
	}
	epoch, epochCtx := d.epoch, d.epochCtx
	d.mu.Unlock()

	for _, idx := range order {
		g := groups[idx]
		d.invoke(ctx, g.eff, epoch, epochCtx, g.batch)
	}
}

// CancelAll stops every live timer and discards buffered payloads.
// No effect scheduled before the call runs after it returns, and the context
// of any effect already running is cancelled.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	dropped := 0
	for i := range d.bursts {
		b := &d.bursts[i]
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		dropped += len(b.items)
		b.items = nil
		b.gen++
	}
	d.epoch++
	d.epochCancel()
	d.epochCtx, d.epochCancel = context.WithCancel(context.Background())
	if dropped > 0 {
		d.log.Debug("pending bursts discarded", slog.Int("notifications", dropped))
	}
}

// Pending reports how many notifications are buffered for t.
func (d *Debouncer) Pending(t rtv1.Topic) int {
	if !t.Valid() {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bursts[t].items)
}

// invoke runs eff once unless the epoch moved on. The effect context ends
// with ctx or with the epoch.
func (d *Debouncer) invoke(ctx context.Context, eff bound, epoch uint64, epochCtx context.Context, b Batch) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(epochCtx, cancel)
	defer stop()
	if ctx.Err() != nil {
		return
	}

	select {
	case eff.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-eff.sem }()

	d.mu.Lock()
	stale := epoch != d.epoch
	d.mu.Unlock()
	if stale {
		return
	}

	if d.cfg.Observer != nil {
		for _, t := range b.Topics {
			d.cfg.Observer.Fired(t, len(b.Items), b.Forced)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("effect panicked", slog.Any("topics", b.Topics), slog.Any("panic", r))
		}
	}()
	eff.eff.Apply(ctx, b)
}
