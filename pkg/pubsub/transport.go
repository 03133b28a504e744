package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/raycon-realtime/pkg/realtime"
	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

// Transport opens the push channel as a private RabbitMQ queue bound to every
// topic routing key. Each Open dials its own connection; reconnecting is left
// to realtime.Manager.
type Transport struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger
}

func NewTransport(cfg Config, clk clock.Clock, logger *slog.Logger) *Transport {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, clock: clk, log: logger.With("component", "amqp-transport")}
}

func (t *Transport) Open(ctx context.Context, token string) (realtime.Stream, error) {
	const op = "rabbitmq.Open"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queue := "realtime." + uuid.NewString()
	conn, err := t.cfg.dial(ctx, t.cfg.amqpConfig(ctx, token, queue))
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	msgs, err := t.declare(ch, queue)
	if err != nil {
		_ = SafeClose(ch)
		_ = conn.Close()
		return nil, err
	}
	t.log.With("op", op).Info("consuming", slog.String("queue", queue), slog.String("host", host(t.cfg.URL)))

	return &stream{
		deliveries: msgs,
		closed:     conn.NotifyClose(make(chan *amqp.Error, 1)),
		clock:      t.clock,
		closer: func() error {
			_ = SafeClose(ch)
			return conn.Close()
		},
	}, nil
}

// declare sets up an exclusive auto-delete queue so nothing outlives the cycle.
func (t *Transport) declare(ch *amqp.Channel, queue string) (<-chan amqp.Delivery, error) {
	exchange := t.cfg.exchange()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	q, err := ch.QueueDeclare(queue, false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range RoutingKeys() {
		if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return msgs, nil
}

// RoutingKeys lists the binding key of every inbound topic.
func RoutingKeys() []string {
	out := make([]string, 0, rtv1.TopicCount)
	for _, t := range rtv1.All() {
		out = append(out, t.Meta().RoutingKey)
	}
	return out
}

type stream struct {
	deliveries <-chan amqp.Delivery
	closed     <-chan *amqp.Error
	clock      clock.Clock
	closer     func() error
	once       sync.Once
	closeErr   error
}

func (s *stream) Next(ctx context.Context) (rtv1.Notification, error) {
	select {
	case <-ctx.Done():
		return rtv1.Notification{}, ctx.Err()
	case err, ok := <-s.closed:
		if !ok || err == nil {
			return rtv1.Notification{}, ErrConnClosed
		}
		return rtv1.Notification{}, fmt.Errorf("%w: %v", ErrConnClosed, err)
	case d, ok := <-s.deliveries:
		if !ok {
			return rtv1.Notification{}, ErrConnClosed
		}
		n, err := rtv1.DecodeFrame(d.Body, s.clock.Now())
		if err != nil {
			return rtv1.Notification{}, fmt.Errorf("routing key %s: %w", d.RoutingKey, err)
		}
		return n, nil
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}
