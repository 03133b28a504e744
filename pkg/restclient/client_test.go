package restclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-realtime/pkg/presence"
	"github.com/roboricindustries/raycon-realtime/pkg/realtime"
	"github.com/roboricindustries/raycon-realtime/pkg/refresh"
	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

var (
	_ presence.Directory         = (*Client)(nil)
	_ refresh.Querier            = (*Client)(nil)
	_ realtime.PresenceCommander = (*Client)(nil)
)

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL:         srv.URL + "/api/",
		SnapshotRetries: 2,
		RetryWaitMin:    time.Millisecond,
		RetryWaitMax:    2 * time.Millisecond,
		Tokens:          StaticToken("secret"),
	}, nil)
	require.NoError(t, err)
	return c
}

func TestFetchHierarchyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/directory/hierarchy", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"groups":[{"manager":{"id":7,"name":"Mara","center_name":"North","presence":"online"},
			"counselors":[{"id":"c1","name":"Cole","presence":"on_call"}]}]}`))
	}))

	snap, err := c.FetchHierarchy(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
	require.Len(t, snap.Groups, 1)
	require.Equal(t, rtv1.EntityID("7"), snap.Groups[0].Manager.UserID)
	require.Equal(t, "North", snap.Groups[0].Manager.CenterName)
	require.Equal(t, rtv1.OnCall, snap.Groups[0].Counselors[0].Presence)
}

func TestListSendsQueryOnce(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/api/leads", r.URL.Path)
		require.Equal(t, "open", r.URL.Query().Get("status"))
		require.Equal(t, "3", r.URL.Query().Get("page"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]string{{"id": "a"}, {"id": "b"}},
			"total": 42,
		})
	}))

	page, err := c.List(context.Background(), refresh.Query{Resource: "leads", Params: url.Values{"status": {"open"}, "page": {"3"}}})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, 42, page.Total)
	require.Equal(t, "leads", page.Query.Resource)
	require.EqualValues(t, 1, calls.Load())
}

func TestListDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))

	_, err := c.List(context.Background(), refresh.Query{Resource: "leads"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadGateway, se.Code)
	require.Equal(t, "overloaded", se.Body)
	require.EqualValues(t, 1, calls.Load())
}

func TestUpdatePresence(t *testing.T) {
	got := make(chan rtv1.PresenceUpdateV1, 1)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/api/users/u-1/presence", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var cmd rtv1.PresenceUpdateV1
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		got <- cmd
		w.WriteHeader(http.StatusAccepted)
	}))

	err := c.UpdatePresence(context.Background(), rtv1.PresenceUpdateV1{UserID: "u-1", Presence: rtv1.InMeeting})
	require.NoError(t, err)
	require.Equal(t, rtv1.InMeeting, (<-got).Presence)

	require.Error(t, c.UpdatePresence(context.Background(), rtv1.PresenceUpdateV1{}))
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestSharedTokenRotates(t *testing.T) {
	tokens := NewSharedToken("old")
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Tokens: tokens}, nil)
	require.NoError(t, err)

	cmd := rtv1.PresenceUpdateV1{UserID: "c1", Presence: rtv1.Online}
	require.NoError(t, c.UpdatePresence(context.Background(), cmd))
	require.Equal(t, "Bearer old", seen.Load())

	tokens.Set("new")
	require.NoError(t, c.UpdatePresence(context.Background(), cmd))
	require.Equal(t, "Bearer new", seen.Load())
	require.Empty(t, (&SharedToken{}).Token())
}
