package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

type fakeStream struct {
	frames chan rtv1.Notification
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan rtv1.Notification, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Next(ctx context.Context) (rtv1.Notification, error) {
	select {
	case n := <-s.frames:
		return n, nil
	case err := <-s.errs:
		return rtv1.Notification{}, err
	case <-s.closed:
		return rtv1.Notification{}, io.EOF
	case <-ctx.Done():
		return rtv1.Notification{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// drop ends the stream the way a lost connection would.
func (s *fakeStream) drop() { s.errs <- errors.New("connection reset by peer") }

// fakeTransport hands out fresh streams. failures lists, in order, whether
// each upcoming Open fails; once exhausted every Open succeeds unless failAll.
type fakeTransport struct {
	mu       sync.Mutex
	failures []bool
	failAll  bool
	tokens   []string
	streams  []*fakeStream
	opens    atomic.Int32
}

func (f *fakeTransport) Open(_ context.Context, token string) (Stream, error) {
	f.opens.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	fail := f.failAll
	if len(f.failures) > 0 {
		fail, f.failures = f.failures[0], f.failures[1:]
	}
	if fail {
		return nil, errors.New("handshake refused")
	}
	s := newFakeStream()
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeTransport) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeTransport) latest() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

func (f *fakeTransport) lastToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokens) == 0 {
		return ""
	}
	return f.tokens[len(f.tokens)-1]
}

type countingCanceler struct{ n atomic.Int32 }

func (c *countingCanceler) CancelAll() { c.n.Add(1) }

type statusLog struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (l *statusLog) record(ev StatusEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *statusLog) snapshot() []StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StatusEvent(nil), l.events...)
}

func (l *statusLog) count(st State) int {
	n := 0
	for _, ev := range l.snapshot() {
		if ev.State == st {
			n++
		}
	}
	return n
}

func (l *statusLog) terminal() (StatusEvent, bool) {
	for _, ev := range l.snapshot() {
		if ev.Terminal() {
			return ev, true
		}
	}
	return StatusEvent{}, false
}

func frame(t rtv1.Topic, payload string) rtv1.Notification {
	return rtv1.Notification{ID: t.String() + payload, Topic: t, Payload: []byte(payload)}
}
