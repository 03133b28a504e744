// Package ws carries the push channel over a WebSocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/roboricindustries/raycon-realtime/pkg/realtime"
	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

var ErrClosed = errors.New("websocket closed")

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	// PongWait is how long the connection may stay silent before it is
	// considered dead. Pings go out at 9/10 of it.
	PongWait     time.Duration
	WriteWait    time.Duration
	MaxFrameSize int64
	Header       http.Header
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 1 << 20
	}
	return c
}

type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	clock  clock.Clock
	log    *slog.Logger
}

func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		clock: clk,
		log:   logger.With("component", "ws-transport"),
	}
}

func (t *Transport) Open(ctx context.Context, token string) (realtime.Stream, error) {
	header := http.Header{}
	for k, v := range t.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	conn.SetReadLimit(t.cfg.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})

	s := &stream{
		conn:  conn,
		cfg:   t.cfg,
		clock: t.clock,
		stop:  make(chan struct{}),
	}
	go s.ping()
	t.log.Info("websocket connected", slog.String("url", t.cfg.URL))
	return s, nil
}

type stream struct {
	conn  *websocket.Conn
	cfg   Config
	clock clock.Clock

	stop chan struct{}
	once sync.Once
}

func (s *stream) ping() {
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *stream) Next(ctx context.Context) (rtv1.Notification, error) {
	for {
		if err := ctx.Err(); err != nil {
			return rtv1.Notification{}, err
		}
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return rtv1.Notification{}, fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return rtv1.Notification{}, fmt.Errorf("read: %w", err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return rtv1.DecodeFrame(data, s.clock.Now())
	}
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.cfg.WriteWait))
		err = s.conn.Close()
	})
	return err
}
