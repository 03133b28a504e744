package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/roboricindustries/raycon-realtime/pkg/debounce"
	"github.com/roboricindustries/raycon-realtime/pkg/presence"
	"github.com/roboricindustries/raycon-realtime/pkg/refresh"
	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

var ErrNoCommander = errors.New("realtime: presence commander not configured")

// PresenceCommander asks the server to change the current user's presence.
// The change comes back as an ordinary presence-changed notification.
type PresenceCommander interface {
	UpdatePresence(ctx context.Context, cmd rtv1.PresenceUpdateV1) error
}

type SessionConfig struct {
	Transport Transport
	Directory presence.Directory
	Querier   refresh.Querier
	Commander PresenceCommander

	// TrackedKind filters generic-data-changed: only matching entities refresh.
	TrackedKind string
	UserID      string

	Windows     debounce.Windows
	Policy      debounce.Policy
	MaxAttempts int
	Backoff     Backoff

	Clock  clock.Clock
	Logger *slog.Logger

	DebounceObserver debounce.Observer
	RefreshObserver  refresh.Observer
}

// Session wires the connection manager, debouncer, presence store, hierarchy
// and refresh dispatcher for one signed-in user. Build one per session.
type Session struct {
	cfg SessionConfig
	log *slog.Logger

	manager    *Manager
	debouncer  *debounce.Debouncer
	store      *presence.Store
	hierarchy  *presence.Aggregator
	dispatcher *refresh.Dispatcher

	mu     sync.Mutex
	offs   []func()
	bg     context.Context
	stopBg context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Directory == nil {
		return nil, errors.New("realtime: directory is required")
	}
	if cfg.Querier == nil {
		return nil, errors.New("realtime: querier is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d, err := debounce.New(debounce.Config{
		Windows:  cfg.Windows,
		Policy:   cfg.Policy,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
		Observer: cfg.DebounceObserver,
	})
	if err != nil {
		return nil, fmt.Errorf("debouncer: %w", err)
	}
	m, err := NewManager(Config{
		Transport:   cfg.Transport,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		Pending:     d,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	store := presence.NewStore(cfg.Clock, cfg.Logger)

	s := &Session{
		cfg:        cfg,
		log:        cfg.Logger.With("component", "session"),
		manager:    m,
		debouncer:  d,
		store:      store,
		hierarchy:  presence.NewAggregator(cfg.Directory, store, cfg.Logger),
		dispatcher: refresh.New(cfg.Querier, refresh.Config{Clock: cfg.Clock, Logger: cfg.Logger, Observer: cfg.RefreshObserver}),
	}

	d.Bind(debounce.EffectFunc(s.applyRefresh), rtv1.MutationTopics()...)
	d.Bind(debounce.EffectFunc(s.applyPresence), rtv1.PresenceChanged)
	store.Subscribe(s.hierarchy.Listen)
	m.OnStatus(s.onStatus)
	return s, nil
}

// Connect registers topic routing and starts the push channel.
func (s *Session) Connect(token string) error {
	s.mu.Lock()
	if s.offs == nil {
		for _, t := range rtv1.All() {
			s.offs = append(s.offs, s.manager.On(t, s.route))
		}
	}
	if s.bg == nil {
		s.bg, s.stopBg = context.WithCancel(context.Background())
	}
	s.mu.Unlock()
	return s.manager.Connect(token)
}

// Disconnect stops background catch-up work, tears the channel down and
// discards presence state. The captured list query is kept.
func (s *Session) Disconnect() {
	s.stopBackground()
	s.manager.Disconnect()
	s.mu.Lock()
	s.offs = nil
	s.mu.Unlock()
	s.store.Reset()
	s.hierarchy.Reset()
}

// Close is Disconnect plus forgetting the list query; the session is unusable after.
func (s *Session) Close() {
	s.stopBackground()
	s.manager.Close()
	s.mu.Lock()
	s.offs = nil
	s.mu.Unlock()
	s.store.Reset()
	s.hierarchy.Reset()
	s.dispatcher.Reset()
}

func (s *Session) stopBackground() {
	s.mu.Lock()
	stop := s.stopBg
	s.bg, s.stopBg = nil, nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.wg.Wait()
}

func (s *Session) UpdateAuth(token string) error { return s.manager.UpdateAuth(token) }

func (s *Session) OnStatus(fn func(StatusEvent)) func() { return s.manager.OnStatus(fn) }

// Refresh bypasses the debounce window: pending mutation timers are cancelled
// and the refresh runs once before Refresh returns.
func (s *Session) Refresh(ctx context.Context) {
	s.debouncer.Flush(ctx, rtv1.MutationTopics()...)
}

// ReloadHierarchy rebuilds the tree from a fresh directory snapshot.
func (s *Session) ReloadHierarchy(ctx context.Context) ([]presence.Node, error) {
	return s.hierarchy.LoadSnapshot(ctx)
}

// Fetch runs an explicit list query that later refreshes will replay.
func (s *Session) Fetch(ctx context.Context, q refresh.Query) (refresh.Page, error) {
	return s.dispatcher.Fetch(ctx, q)
}

// SetPresence sends a presence command. Local state changes only when the
// server echoes presence-changed.
func (s *Session) SetPresence(ctx context.Context, state rtv1.PresenceState) error {
	if !state.Valid() {
		return fmt.Errorf("presence %q: %w", state, rtv1.ErrInvalidContract)
	}
	if s.cfg.Commander == nil {
		return ErrNoCommander
	}
	cmd := rtv1.PresenceUpdateV1{
		UserID:    rtv1.EntityID(s.cfg.UserID),
		Presence:  state,
		Requested: s.cfg.Clock.Now().UTC(),
	}
	if err := s.cfg.Commander.UpdatePresence(ctx, cmd); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

func (s *Session) Manager() *Manager               { return s.manager }
func (s *Session) Debouncer() *debounce.Debouncer  { return s.debouncer }
func (s *Session) Store() *presence.Store          { return s.store }
func (s *Session) Hierarchy() *presence.Aggregator { return s.hierarchy }
func (s *Session) Dispatcher() *refresh.Dispatcher { return s.dispatcher }

func (s *Session) route(n rtv1.Notification) {
	switch n.Topic {
	case rtv1.PresenceChanged:
		var p rtv1.PresenceChangedV1
		if err := decodeValid(n, &p); err != nil {
			s.log.Warn("dropping presence notification", slog.String("id", n.ID), slog.Any("error", err))
			return
		}
	case rtv1.GenericDataChanged:
		var g rtv1.GenericDataChangedV1
		if err := decodeValid(n, &g); err != nil {
			s.log.Warn("dropping generic change", slog.String("id", n.ID), slog.Any("error", err))
			return
		}
		if !g.Matches(s.cfg.TrackedKind) {
			s.log.Debug("generic change for untracked entity", slog.String("entity", g.Entity))
			return
		}
	}
	if err := s.debouncer.Push(n); err != nil {
		s.log.Warn("notification not buffered", slog.String("topic", n.Topic.String()), slog.Any("error", err))
	}
}

type validator interface {
	Validate() error
}

func decodeValid(n rtv1.Notification, v validator) error {
	if err := n.Decode(v); err != nil {
		return err
	}
	return v.Validate()
}

func (s *Session) applyRefresh(ctx context.Context, b debounce.Batch) {
	s.log.Debug("refreshing after batch", slog.Int("items", len(b.Items)), slog.Bool("forced", b.Forced))
	s.dispatcher.Refresh(ctx)
}

func (s *Session) applyPresence(_ context.Context, b debounce.Batch) {
	for _, n := range b.Items {
		var p rtv1.PresenceChangedV1
		if err := decodeValid(n, &p); err != nil {
			continue
		}
		s.store.Apply(string(p.UserID), p.Presence)
	}
}

// onStatus reloads the snapshot on every connect. After a reconnect it also
// refreshes once, since the drop discarded buffered mutations.
func (s *Session) onStatus(ev StatusEvent) {
	if ev.State != Connected {
		return
	}
	s.mu.Lock()
	ctx := s.bg
	if ctx == nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.hierarchy.LoadSnapshot(ctx); err != nil {
			s.log.Warn("hierarchy snapshot failed", slog.String("session", ev.SessionID), slog.Any("error", err))
		}
		if ev.Reconnect && ctx.Err() == nil {
			s.debouncer.Flush(ctx, rtv1.MutationTopics()...)
		}
	}()
}
