// Package natsbus carries the push channel over NATS core subjects.
package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"

	"github.com/roboricindustries/raycon-realtime/pkg/realtime"
	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

type Config struct {
	URL  string
	Name string
	// SubjectPrefix scopes subjects, e.g. "tenant42" gives "tenant42.crm.entity.updated".
	SubjectPrefix  string
	ConnectTimeout time.Duration
	BufferSize     int
}

// Subjects lists the subject of every inbound topic.
func (c Config) Subjects() []string {
	prefix := strings.Trim(c.SubjectPrefix, ".")
	out := make([]string, 0, rtv1.TopicCount)
	for _, t := range rtv1.All() {
		key := t.Meta().RoutingKey
		if prefix != "" {
			key = prefix + "." + key
		}
		out = append(out, key)
	}
	return out
}

// Transport subscribes to one subject per topic. The client library's own
// reconnect is disabled so realtime.Manager stays the only retry loop.
type Transport struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger
}

func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Transport {
	if cfg.Name == "" {
		cfg.Name = "realtime-sync"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, clock: clk, log: logger.With("component", "nats-transport")}
}

func (t *Transport) Open(ctx context.Context, token string) (realtime.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &stream{
		msgs:   make(chan *nats.Msg, t.cfg.BufferSize),
		closed: make(chan struct{}),
		clock:  t.clock,
	}
	timeout := t.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	nc, err := nats.Connect(t.cfg.URL,
		nats.Name(t.cfg.Name),
		nats.Token(token),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.log.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) { s.markClosed() }),
	)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s.nc = nc

	for _, subject := range t.cfg.Subjects() {
		if _, err := nc.ChanSubscribe(subject, s.msgs); err != nil {
			nc.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	if err := nc.FlushTimeout(timeout); err != nil {
		nc.Close()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}
	t.log.Info("nats subscribed", slog.String("url", nc.ConnectedUrlRedacted()), slog.Int("subjects", int(rtv1.TopicCount)))
	return s, nil
}

type stream struct {
	nc     *nats.Conn
	msgs   chan *nats.Msg
	closed chan struct{}
	clock  clock.Clock

	closeOnce sync.Once
	markOnce  sync.Once
}

func (s *stream) markClosed() { s.markOnce.Do(func() { close(s.closed) }) }

func (s *stream) Next(ctx context.Context) (rtv1.Notification, error) {
	select {
	case <-ctx.Done():
		return rtv1.Notification{}, ctx.Err()
	case msg := <-s.msgs:
		n, err := rtv1.DecodeFrame(msg.Data, s.clock.Now())
		if err != nil {
			return rtv1.Notification{}, fmt.Errorf("subject %s: %w", msg.Subject, err)
		}
		return n, nil
	case <-s.closed:
		return rtv1.Notification{}, nats.ErrConnectionClosed
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		if s.nc != nil {
			s.nc.Close()
		}
		s.markClosed()
	})
	return nil
}
