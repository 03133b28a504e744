package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/raycon-realtime/pkg/schemas/common"
)

// Client publishes outbound commands over a long-lived connection.
type Client struct {
	conn   *amqp.Connection
	pool   *ChannelPool
	config Config
	logger *slog.Logger
}

func NewClient(ctx context.Context, config Config, token string, logger *slog.Logger) (*Client, error) {
	const op = "rabbitmq.NewClient"
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := DialWithRetry(ctx, config, token, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(config.exchange(), "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", config.exchange(), err)
	}
	_ = ch.Close()

	c := &Client{
		conn:   conn,
		pool:   NewChannelPool(conn, config.PublishPoolSize, config.PoolRetryDelayMs),
		config: config,
		logger: logger,
	}
	logger.With("op", op).Info("client ready", slog.String("exchange", config.exchange()))
	return c, nil
}

// PublishJSON publishes env on the realtime exchange with AMQP headers copied
// from its Meta. Meta.ID is required.
func (c *Client) PublishJSON(ctx context.Context, routingKey string, env common.Envelope) error {
	if env.Meta.ID == "" {
		return fmt.Errorf("envelope.Meta.ID is required")
	}
	if env.Meta.Time.IsZero() {
		env.Meta.Time = time.Now().UTC()
	}
	cid := env.Meta.ID
	if env.Meta.CorrelationID != nil && *env.Meta.CorrelationID != "" {
		cid = *env.Meta.CorrelationID
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ch, err := c.pool.Borrow(ctx)
	if err != nil {
		return fmt.Errorf("borrow channel: %w", err)
	}
	defer c.pool.Return(ch)

	err = ch.PublishWithContext(ctx, c.config.exchange(), routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Transient,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         c.config.Producer,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	c.logger.Debug("published", slog.String("key", routingKey), slog.String("id", env.Meta.ID))
	return nil
}

func (c *Client) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
