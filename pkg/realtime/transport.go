package realtime

import (
	"context"

	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

// Transport opens the push channel for one connect cycle.
type Transport interface {
	Open(ctx context.Context, token string) (Stream, error)
}

// Stream yields decoded notifications until the channel drops.
// Next may return an error wrapping rtv1.ErrMalformedFrame for a single bad
// frame; the stream stays usable in that case. Any other error ends it.
type Stream interface {
	Next(ctx context.Context) (rtv1.Notification, error)
	Close() error
}

type TransportFunc func(ctx context.Context, token string) (Stream, error)

func (f TransportFunc) Open(ctx context.Context, token string) (Stream, error) { return f(ctx, token) }
