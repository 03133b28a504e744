package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

// Manager is a hierarchy root: a presence record plus the center it runs.
type Manager struct {
	Record
	Name       string
	CenterName string
}

// Counselor is a leaf under a manager.
type Counselor struct {
	Record
	Name string
}

// Node groups counselors under their manager. Read-only to callers.
type Node struct {
	Manager    Manager
	Counselors []Counselor
}

// Directory fetches the org structure with each member's current presence.
type Directory interface {
	FetchHierarchy(ctx context.Context) (rtv1.HierarchySnapshotV1, error)
}

// position locates a member: counselor == -1 means the manager itself.
type position struct {
	node      int
	counselor int
}

// Aggregator keeps the manager→counselor tree for supervisory dashboards.
// Only LoadSnapshot changes the tree shape; deltas touch a leaf's State only.
type Aggregator struct {
	dir   Directory
	store *Store
	log   *slog.Logger

	mu    sync.RWMutex
	tree  []Node
	index map[string][]position
}

func NewAggregator(dir Directory, store *Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		dir:   dir,
		store: store,
		log:   logger.With("component", "hierarchy"),
		index: map[string][]position{},
	}
}

// LoadSnapshot fetches the directory and rebuilds the tree. On failure the
// previous tree is kept. The presence store, when set, is seeded from the
// result; users whose presence changed while the fetch was in flight keep
// their newer state in both the store and the tree.
func (a *Aggregator) LoadSnapshot(ctx context.Context) ([]Node, error) {
	var since uint64
	if a.store != nil {
		since = a.store.Version()
	}
	snap, err := a.dir.FetchHierarchy(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch hierarchy: %w", err)
	}

	tree, index := build(snap)

	// a.mu is held across the rebase so a delta landing now waits in Listen
	// and reaches the new tree.
	a.mu.Lock()
	if a.store != nil {
		for _, r := range a.store.Rebase(since, records(tree)) {
			for _, p := range index[r.UserID] {
				setState(tree, p, r.State)
			}
		}
	}
	a.tree = tree
	a.index = index
	a.mu.Unlock()

	a.log.Info("hierarchy snapshot loaded", slog.Int("managers", len(tree)), slog.Int("members", len(index)))
	return a.Tree(), nil
}

func build(snap rtv1.HierarchySnapshotV1) ([]Node, map[string][]position) {
	tree := make([]Node, 0, len(snap.Groups))
	index := map[string][]position{}
	for i, g := range snap.Groups {
		n := Node{
			Manager: Manager{
				Record:     Record{UserID: string(g.Manager.UserID), State: orOffline(g.Manager.Presence)},
				Name:       g.Manager.Name,
				CenterName: g.Manager.CenterName,
			},
			Counselors: make([]Counselor, 0, len(g.Counselors)),
		}
		index[n.Manager.UserID] = append(index[n.Manager.UserID], position{node: i, counselor: -1})
		for j, c := range g.Counselors {
			n.Counselors = append(n.Counselors, Counselor{
				Record: Record{UserID: string(c.UserID), State: orOffline(c.Presence)},
				Name:   c.Name,
			})
			index[string(c.UserID)] = append(index[string(c.UserID)], position{node: i, counselor: j})
		}
		tree = append(tree, n)
	}
	return tree, index
}

func orOffline(s rtv1.PresenceState) rtv1.PresenceState {
	if s.Valid() {
		return s
	}
	return rtv1.Offline
}

func records(tree []Node) []Record {
	var out []Record
	for _, n := range tree {
		out = append(out, n.Manager.Record)
		for _, c := range n.Counselors {
			out = append(out, c.Record)
		}
	}
	return out
}

// ApplyDelta sets the state of every occurrence of userID in the tree.
// Users absent from the tree are ignored. Reports whether anything changed.
func (a *Aggregator) ApplyDelta(userID string, state rtv1.PresenceState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	positions, ok := a.index[userID]
	if !ok {
		return false
	}
	for _, p := range positions {
		setState(a.tree, p, state)
	}
	return true
}

func setState(tree []Node, p position, state rtv1.PresenceState) {
	if p.counselor < 0 {
		tree[p.node].Manager.State = state
	} else {
		tree[p.node].Counselors[p.counselor].State = state
	}
}

// Listen is a presence Store listener that forwards deltas into the tree.
func (a *Aggregator) Listen(c Change) {
	if !a.ApplyDelta(c.UserID, c.State) {
		a.log.Debug("presence delta for user outside hierarchy", slog.String("user", c.UserID))
	}
}

// Tree returns a deep copy of the current tree.
func (a *Aggregator) Tree() []Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Node, len(a.tree))
	for i, n := range a.tree {
		out[i] = Node{Manager: n.Manager, Counselors: append([]Counselor(nil), n.Counselors...)}
	}
	return out
}

// Reset empties the tree until the next snapshot.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.tree = nil
	a.index = map[string][]position{}
	a.mu.Unlock()
}

// CountByState counts counselor leaves per state. Managers are not counted.
func CountByState(tree []Node) map[rtv1.PresenceState]int {
	out := make(map[rtv1.PresenceState]int, len(rtv1.PresenceStates))
	for _, s := range rtv1.PresenceStates {
		out[s] = 0
	}
	for _, n := range tree {
		for _, c := range n.Counselors {
			out[c.State]++
		}
	}
	return out
}

// CountByCenter is CountByState grouped by the manager's center.
func CountByCenter(tree []Node) map[string]map[rtv1.PresenceState]int {
	grouped := map[string][]Node{}
	for _, n := range tree {
		grouped[n.Manager.CenterName] = append(grouped[n.Manager.CenterName], n)
	}
	out := make(map[string]map[rtv1.PresenceState]int, len(grouped))
	for center, nodes := range grouped {
		out[center] = CountByState(nodes)
	}
	return out
}
