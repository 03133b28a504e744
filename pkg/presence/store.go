package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

// Record is the last known presence of one user.
type Record struct {
	UserID      string
	State       rtv1.PresenceState
	LastUpdated time.Time
}

// Change is what listeners receive on every applied update.
type Change struct {
	UserID   string
	State    rtv1.PresenceState
	Previous rtv1.PresenceState // empty when the user was unknown
}

type Listener func(Change)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Store mirrors server-side presence with last-write-wins by arrival order.
// Any state may follow any other; the server owns transition legality.
type Store struct {
	clock clock.Clock
	log   *slog.Logger

	mu        sync.RWMutex
	records   map[string]Record
	listeners []listenerEntry
	nextID    uint64
	// version counts applied updates; applied holds the version of each
	// user's latest Apply since the last Seed or Reset.
	version uint64
	applied map[string]uint64
}

func NewStore(clk clock.Clock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		clock:   clk,
		log:     logger.With("component", "presence"),
		records: make(map[string]Record),
		applied: make(map[string]uint64),
	}
}

// Apply overwrites the state for userID, creating the record if needed, then
// notifies listeners synchronously in registration order.
func (s *Store) Apply(userID string, state rtv1.PresenceState) {
	s.mu.Lock()
	prev := s.records[userID]
	s.records[userID] = Record{UserID: userID, State: state, LastUpdated: s.clock.Now()}
	s.version++
	s.applied[userID] = s.version
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	change := Change{UserID: userID, State: state, Previous: prev.State}
	for _, l := range listeners {
		s.notify(l, change)
	}
}

func (s *Store) notify(l listenerEntry, c Change) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("presence listener panicked",
				slog.Uint64("listener", l.id),
				slog.String("user", c.UserID),
				slog.Any("panic", r),
			)
		}
	}()
	l.fn(c)
}

// Subscribe registers fn; the returned func removes it and is safe to call twice.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Get returns the record for userID, if any.
func (s *Store) Get(userID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[userID]
	return r, ok
}

// Seed replaces every record with a fresh snapshot. Listeners are not notified.
func (s *Store) Seed(records []Record) {
	next := make(map[string]Record, len(records))
	now := s.clock.Now()
	for _, r := range records {
		if r.LastUpdated.IsZero() {
			r.LastUpdated = now
		}
		next[r.UserID] = r
	}
	s.mu.Lock()
	s.records = next
	s.applied = make(map[string]uint64)
	s.mu.Unlock()
}

// Version identifies the latest applied update. Pass it to Rebase.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Rebase seeds from a snapshot taken after version was read, keeping the
// live record of every user updated since then. The kept records are
// returned so derived views can patch themselves.
func (s *Store) Rebase(version uint64, records []Record) (kept []Record) {
	now := s.clock.Now()
	next := make(map[string]Record, len(records))
	for _, r := range records {
		if r.LastUpdated.IsZero() {
			r.LastUpdated = now
		}
		next[r.UserID] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	applied := make(map[string]uint64)
	for id, v := range s.applied {
		if v <= version {
			continue
		}
		live := s.records[id]
		next[id] = live
		applied[id] = v
		kept = append(kept, live)
	}
	s.records = next
	s.applied = applied
	return kept
}

// Reset drops all records; listeners stay registered.
func (s *Store) Reset() {
	s.mu.Lock()
	s.records = make(map[string]Record)
	s.applied = make(map[string]uint64)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
