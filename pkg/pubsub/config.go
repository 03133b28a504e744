package pubsub

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/raycon-realtime/pkg/realtime"
	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

// Config covers both the push-channel transport and the command client.
type Config struct {
	URL      string
	Username string
	// Exchange defaults to rtv1.Exchange.
	Exchange string
	// Producer is stamped on outbound envelopes and used as AMQP AppId.
	Producer string

	PublishPoolSize    int
	PoolRetryDelayMs   int
	ConnTimeoutSeconds int
	HeartbeatSeconds   int

	// DialAttempts bounds the startup dial of the command client.
	DialAttempts int
	DialBackoff  realtime.Backoff

	// Dialer replaces amqp.DialConfig in tests.
	Dialer func(ctx context.Context, url string, cfg amqp.Config) (*amqp.Connection, error)
}

func (c Config) exchange() string { return FirstNonEmpty(c.Exchange, rtv1.Exchange) }

// amqpConfig carries the bearer token as the SASL PLAIN password. With no
// token the credentials in the URL are used.
func (c Config) amqpConfig(ctx context.Context, token, connName string) amqp.Config {
	timeout := Dsec(c.ConnTimeoutSeconds, 30)
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(connName)

	cfg := amqp.Config{
		Heartbeat:  Dsec(c.HeartbeatSeconds, 10),
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(timeout),
		Properties: props,
	}
	if token != "" {
		cfg.SASL = []amqp.Authentication{&amqp.PlainAuth{
			Username: FirstNonEmpty(c.Username, "realtime"),
			Password: token,
		}}
	}
	return cfg
}

func (c Config) dial(ctx context.Context, cfg amqp.Config) (*amqp.Connection, error) {
	if c.Dialer != nil {
		return c.Dialer(ctx, c.URL, cfg)
	}
	return amqp.DialConfig(c.URL, cfg)
}
