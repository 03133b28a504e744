package presence

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

func TestStore_LastWriteWins(t *testing.T) {
	mock := clock.NewMock()
	s := NewStore(mock, nil)

	s.Apply("u1", rtv1.Online)
	mock.Add(time.Hour)
	s.Apply("u1", rtv1.InMeeting)
	mock.Add(time.Millisecond)
	s.Apply("u1", rtv1.OnCall)

	rec, ok := s.Get("u1")
	require.True(t, ok)
	require.Equal(t, rtv1.OnCall, rec.State)
	require.Equal(t, mock.Now(), rec.LastUpdated)
	require.Equal(t, 1, s.Len())
}

func TestStore_UnknownUserCreatesRecord(t *testing.T) {
	s := NewStore(nil, nil)
	_, ok := s.Get("ghost")
	require.False(t, ok)

	s.Apply("ghost", rtv1.Offline)
	rec, ok := s.Get("ghost")
	require.True(t, ok)
	require.Equal(t, rtv1.Offline, rec.State)
}

func TestStore_ListenersInRegistrationOrder(t *testing.T) {
	s := NewStore(nil, nil)
	var order []string
	s.Subscribe(func(Change) { order = append(order, "first") })
	s.Subscribe(func(Change) { order = append(order, "second") })
	s.Subscribe(func(Change) { order = append(order, "third") })

	s.Apply("u1", rtv1.Online)
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestStore_PanickingListenerIsIsolated(t *testing.T) {
	s := NewStore(nil, nil)
	var got []Change
	s.Subscribe(func(Change) { panic("listener failure") })
	s.Subscribe(func(c Change) { got = append(got, c) })

	require.NotPanics(t, func() { s.Apply("u1", rtv1.OnCall) })
	require.Equal(t, []Change{{UserID: "u1", State: rtv1.OnCall}}, got)

	s.Apply("u1", rtv1.Offline)
	require.Len(t, got, 2)
	require.Equal(t, rtv1.OnCall, got[1].Previous)
}

func TestStore_Unsubscribe(t *testing.T) {
	s := NewStore(nil, nil)
	calls := 0
	unsubscribe := s.Subscribe(func(Change) { calls++ })
	other := 0
	s.Subscribe(func(Change) { other++ })

	s.Apply("u1", rtv1.Online)
	unsubscribe()
	unsubscribe()
	s.Apply("u1", rtv1.Offline)

	require.Equal(t, 1, calls)
	require.Equal(t, 2, other)
}

func TestStore_SeedAndReset(t *testing.T) {
	s := NewStore(nil, nil)
	notified := 0
	s.Subscribe(func(Change) { notified++ })
	s.Apply("stale", rtv1.Online)

	s.Seed([]Record{{UserID: "a", State: rtv1.Online}, {UserID: "b", State: rtv1.InMeeting}})
	require.Equal(t, 1, notified)
	require.Equal(t, 2, s.Len())
	_, ok := s.Get("stale")
	require.False(t, ok)
	rec, _ := s.Get("b")
	require.False(t, rec.LastUpdated.IsZero())

	s.Reset()
	require.Equal(t, 0, s.Len())
}

func TestStore_RebaseKeepsLaterUpdates(t *testing.T) {
	s := NewStore(nil, nil)
	s.Apply("old", rtv1.OnCall)
	since := s.Version()
	s.Apply("fresh", rtv1.InMeeting)

	kept := s.Rebase(since, []Record{
		{UserID: "old", State: rtv1.Offline},
		{UserID: "fresh", State: rtv1.Offline},
		{UserID: "new", State: rtv1.Online},
	})
	require.Len(t, kept, 1)
	require.Equal(t, "fresh", kept[0].UserID)

	rec, _ := s.Get("fresh")
	require.Equal(t, rtv1.InMeeting, rec.State)
	rec, _ = s.Get("old")
	require.Equal(t, rtv1.Offline, rec.State)
	require.Equal(t, 3, s.Len())

	// a rebase from the current version takes the snapshot for everyone
	require.Empty(t, s.Rebase(s.Version(), []Record{{UserID: "fresh", State: rtv1.Offline}}))
	rec, _ = s.Get("fresh")
	require.Equal(t, rtv1.Offline, rec.State)
}
