package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

const DefaultMaxAttempts = 5

// Canceler drops every pending debounce timer. *debounce.Debouncer satisfies it.
type Canceler interface {
	CancelAll()
}

type Handler func(rtv1.Notification)

type Config struct {
	Transport Transport
	// MaxAttempts bounds consecutive failed retries before the terminal
	// Disconnected event. Zero means DefaultMaxAttempts.
	MaxAttempts int
	Backoff     Backoff
	Pending     Canceler
	Clock       clock.Clock
	Logger      *slog.Logger
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type statusEntry struct {
	id uint64
	fn func(StatusEvent)
}

// Manager keeps exactly one logical push channel per session.
type Manager struct {
	transport   Transport
	maxAttempts int
	backoff     Backoff
	pending     Canceler
	clock       clock.Clock
	log         *slog.Logger

	// life serializes Connect, Disconnect, UpdateAuth and Close.
	life sync.Mutex

	mu        sync.Mutex
	token     string
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool // once since the last Disconnect
	wanted    bool // Connect called and not undone by Disconnect
	closed    bool
	status    StatusEvent
	handlers  [rtv1.TopicCount][]handlerEntry
	watchers  []statusEntry
	nextID    uint64
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("realtime: transport is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		transport:   cfg.Transport,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		pending:     cfg.Pending,
		clock:       cfg.Clock,
		log:         cfg.Logger.With("component", "connection"),
	}, nil
}

// Connect starts the channel in the background. It is a no-op while a run is
// already active; progress is reported through OnStatus.
func (m *Manager) Connect(token string) error {
	const op = "realtime.Connect"
	if token == "" {
		return ErrMissingToken
	}
	m.life.Lock()
	defer m.life.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.cancel != nil {
		m.mu.Unlock()
		m.log.With("op", op).Info("already connected, ignoring")
		return nil
	}
	m.token = token
	m.wanted = true
	m.startLocked()
	m.mu.Unlock()
	return nil
}

// Disconnect cancels every pending debounce timer, tears the channel down and
// drops all topic handlers. Status watchers stay registered.
func (m *Manager) Disconnect() {
	m.life.Lock()
	defer m.life.Unlock()
	m.disconnect()
}

func (m *Manager) disconnect() {
	const op = "realtime.Disconnect"
	m.cancelPending()

	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.connected = false
	m.wanted = false
	m.handlers = [rtv1.TopicCount][]handlerEntry{}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		// a notification dispatched during teardown may have re-armed a timer
		m.cancelPending()
		m.log.With("op", op).Info("disconnected")
	}
	m.setStatus(StatusEvent{State: Disconnected})
}

// UpdateAuth swaps the credential and restarts the channel. Topic handlers
// survive the cycle. After retries ran out it starts a fresh run with the new
// token. Before the first Connect, or after Disconnect, only the token is stored.
func (m *Manager) UpdateAuth(token string) error {
	const op = "realtime.UpdateAuth"
	if token == "" {
		return ErrMissingToken
	}
	m.life.Lock()
	defer m.life.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.token = token
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	if cancel == nil {
		if m.wanted {
			// the previous run gave up; retry with the new credential
			m.startLocked()
			m.log.With("op", op).Info("credential swapped, reconnecting after terminal state")
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.cancelPending()
	cancel()
	<-done
	m.cancelPending()

	m.mu.Lock()
	m.startLocked()
	m.mu.Unlock()
	m.log.With("op", op).Info("credential swapped, reconnecting")
	return nil
}

// Close disconnects and rejects any later Connect or UpdateAuth.
func (m *Manager) Close() {
	m.life.Lock()
	defer m.life.Unlock()
	m.disconnect()
	m.mu.Lock()
	m.closed = true
	m.watchers = nil
	m.mu.Unlock()
}

func (m *Manager) cancelPending() {
	if m.pending != nil {
		m.pending.CancelAll()
	}
}

func (m *Manager) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go m.run(ctx, m.token, done)
}

func (m *Manager) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)
	log := m.log.With("op", "realtime.run")

	retries := 0
	m.setStatus(StatusEvent{State: Connecting})
	for {
		err := m.cycle(ctx, token, &retries)
		if ctx.Err() != nil {
			return
		}
		m.cancelPending()

		if retries >= m.maxAttempts {
			terminal := fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, retries, err)
			log.Error("giving up on push channel", slog.Int("retries", retries), slog.Any("error", err))
			m.finish(done)
			m.setStatus(StatusEvent{State: Disconnected, Attempt: retries, Err: terminal})
			return
		}
		retries++
		wait := m.backoff.Wait(retries)
		log.Warn("push channel failed, retrying",
			slog.Int("attempt", retries),
			slog.Duration("retry_in", wait),
			slog.Any("error", err),
		)
		m.setStatus(StatusEvent{State: Connecting, Attempt: retries, Err: err})

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(wait):
		}
	}
}

// cycle opens one stream and consumes it until it fails. A successful open
// resets retries.
func (m *Manager) cycle(ctx context.Context, token string, retries *int) error {
	stream, err := m.transport.Open(ctx, token)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer stream.Close()
	*retries = 0

	sessionID := uuid.NewString()
	m.mu.Lock()
	reconnect := m.connected
	m.connected = true
	m.mu.Unlock()

	m.log.Info("push channel connected", slog.String("session", sessionID), slog.Bool("reconnect", reconnect))
	m.setStatus(StatusEvent{State: Connected, SessionID: sessionID, Reconnect: reconnect})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-stop:
		}
	}()

	for {
		n, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, rtv1.ErrMalformedFrame) {
				m.log.Warn("dropping malformed frame", slog.String("session", sessionID), slog.Any("error", err))
				continue
			}
			return fmt.Errorf("stream: %w", err)
		}
		m.dispatch(n)
	}
}

// finish marks the run as ended so a later Connect starts a new one.
func (m *Manager) finish(done chan struct{}) {
	m.mu.Lock()
	if m.done == done {
		m.cancel()
		m.cancel, m.done = nil, nil
	}
	m.mu.Unlock()
}

func (m *Manager) dispatch(n rtv1.Notification) {
	if !n.Topic.Valid() {
		return
	}
	m.mu.Lock()
	hs := make([]handlerEntry, len(m.handlers[n.Topic]))
	copy(hs, m.handlers[n.Topic])
	m.mu.Unlock()

	if len(hs) == 0 {
		m.log.Debug("no handler for topic", slog.String("topic", n.Topic.String()))
		return
	}
	for _, h := range hs {
		m.callHandler(h, n)
	}
}

func (m *Manager) callHandler(h handlerEntry, n rtv1.Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("topic handler panicked", slog.String("topic", n.Topic.String()), slog.Any("panic", r))
		}
	}()
	h.fn(n)
}

// On registers h for topic t until the returned func is called or the
// manager disconnects.
func (m *Manager) On(t rtv1.Topic, h Handler) (off func()) {
	if !t.Valid() {
		m.log.Warn("ignoring handler for unknown topic", slog.Int("topic", int(t)))
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[t] = append(m.handlers[t], handlerEntry{id: id, fn: h})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			hs := m.handlers[t]
			for i, e := range hs {
				if e.id == id {
					m.handlers[t] = append(hs[:i:i], hs[i+1:]...)
					return
				}
			}
		})
	}
}

// OnStatus registers fn for every state transition. fn runs on the
// connection goroutine and must not call Disconnect, UpdateAuth or Close
// synchronously.
func (m *Manager) OnStatus(fn func(StatusEvent)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers = append(m.watchers, statusEntry{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, w := range m.watchers {
				if w.id == id {
					m.watchers = append(m.watchers[:i:i], m.watchers[i+1:]...)
					return
				}
			}
		})
	}
}

// Status returns the latest state transition.
func (m *Manager) Status() StatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setStatus(ev StatusEvent) {
	m.mu.Lock()
	m.status = ev
	ws := make([]statusEntry, len(m.watchers))
	copy(ws, m.watchers)
	m.mu.Unlock()

	for _, w := range ws {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Warn("status watcher panicked", slog.Any("panic", r))
				}
			}()
			w.fn(ev)
		}()
	}
}
