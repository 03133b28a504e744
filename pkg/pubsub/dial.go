package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DialWithRetry connects to RabbitMQ, retrying with cfg.DialBackoff up to
// cfg.DialAttempts times. It respects context cancellation.
func DialWithRetry(ctx context.Context, cfg Config, token string, logger *slog.Logger) (*amqp.Connection, error) {
	const op = "rabbitmq.DialWithRetry"
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("op", op, slog.String("host", host(cfg.URL)))

	attempts := cfg.DialAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial cancelled: %w", err)
		}
		conn, err := cfg.dial(ctx, cfg.amqpConfig(ctx, token, FirstNonEmpty(cfg.Producer, "realtime-sync")+".commands"))
		if err == nil {
			if i > 1 {
				log.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := cfg.DialBackoff.Wait(i)
		log.Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
}

func host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return ""
	}
	return u.Host
}
