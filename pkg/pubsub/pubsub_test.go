package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-realtime/pkg/realtime"
	"github.com/roboricindustries/raycon-realtime/pkg/schemas/common"
	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

func TestHelpers(t *testing.T) {
	require.Equal(t, 30*time.Second, Dsec(0, 30))
	require.Equal(t, 5*time.Second, Dsec(5, 30))
	require.Equal(t, "a", FirstNonEmpty("a", "b"))
	require.Equal(t, "b", FirstNonEmpty("", "b"))
	require.NoError(t, SafeClose(nil))
}

func TestAMQPConfigCarriesToken(t *testing.T) {
	cfg := Config{Username: "agent-7", ConnTimeoutSeconds: 5}

	withToken := cfg.amqpConfig(context.Background(), "bearer-xyz", "realtime.test")
	require.Len(t, withToken.SASL, 1)
	plain, ok := withToken.SASL[0].(*amqp.PlainAuth)
	require.True(t, ok)
	require.Equal(t, "agent-7", plain.Username)
	require.Equal(t, "bearer-xyz", plain.Password)
	require.Equal(t, 10*time.Second, withToken.Heartbeat)
	require.Equal(t, "realtime.test", withToken.Properties["connection_name"])

	require.Empty(t, cfg.amqpConfig(context.Background(), "", "x").SASL, "URL credentials apply without a token")
}

func TestRoutingKeysCoverEveryTopic(t *testing.T) {
	keys := RoutingKeys()
	require.Len(t, keys, int(rtv1.TopicCount))
	require.Contains(t, keys, "crm.presence.changed")
	require.Contains(t, keys, "crm.batch.changed")
}

func TestDialWithRetryIsBounded(t *testing.T) {
	calls := 0
	cfg := Config{
		URL:          "amqp://broker:5672/",
		DialAttempts: 3,
		DialBackoff:  realtime.Backoff{Delay: time.Millisecond},
		Dialer: func(context.Context, string, amqp.Config) (*amqp.Connection, error) {
			calls++
			return nil, errors.New("connection refused")
		},
	}
	_, err := DialWithRetry(context.Background(), cfg, "tok", nil)
	require.Error(t, err)
	require.Equal(t, 3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DialWithRetry(ctx, cfg, "tok", nil)
	require.ErrorIs(t, err, context.Canceled)

	_, err = DialWithRetry(context.Background(), Config{}, "", nil)
	require.Error(t, err)
}

func TestStreamDecodesDeliveries(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 2)
	closed := make(chan *amqp.Error, 1)
	mock := clock.NewMock()
	closes := 0
	s := &stream{deliveries: deliveries, closed: closed, clock: mock, closer: func() error { closes++; return nil }}

	body, err := rtv1.EncodeFrame(rtv1.EntityAssigned, rtv1.EntityRefV1{ID: "42"})
	require.NoError(t, err)
	deliveries <- amqp.Delivery{RoutingKey: "crm.entity.assigned", Body: body}
	deliveries <- amqp.Delivery{RoutingKey: "crm.entity.assigned", Body: []byte("not json")}

	n, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, rtv1.EntityAssigned, n.Topic)
	require.Equal(t, mock.Now(), n.ReceivedAt)
	require.JSONEq(t, `{"id":"42"}`, string(n.Payload))

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, rtv1.ErrMalformedFrame)

	closed <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, ErrConnClosed)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, 1, closes)
}

type capturePublisher struct {
	key string
	env common.Envelope
	err error
}

func (c *capturePublisher) PublishJSON(_ context.Context, key string, env common.Envelope) error {
	c.key, c.env = key, env
	return c.err
}

func TestPresenceCommanderPublishesEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	mock := clock.NewMock()
	cmd := NewPresenceCommander(pub, "crm-web", mock, nil)

	update := rtv1.PresenceUpdateV1{UserID: "u1", Presence: rtv1.InMeeting, Requested: mock.Now()}
	require.NoError(t, cmd.UpdatePresence(context.Background(), update))

	require.Equal(t, "crm.presence.update", pub.key)
	require.NotEmpty(t, pub.env.Meta.ID)
	require.Equal(t, "presence-update", pub.env.Meta.Type)
	require.Equal(t, mock.Now().UTC(), pub.env.Meta.Time)
	require.NotNil(t, pub.env.Meta.Producer)
	require.Equal(t, "crm-web", *pub.env.Meta.Producer)

	raw, err := json.Marshal(pub.env)
	require.NoError(t, err)
	var back common.GenericEnvelope[rtv1.PresenceUpdateV1]
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, rtv1.InMeeting, back.Data.Presence)

	pub.err = errors.New("channel closed")
	require.Error(t, cmd.UpdatePresence(context.Background(), update))
}

func TestFallbackCommanderIsNoop(t *testing.T) {
	var c realtime.PresenceCommander = NewFallback(nil)
	require.NoError(t, c.UpdatePresence(context.Background(), rtv1.PresenceUpdateV1{UserID: "u1", Presence: rtv1.Online}))
}

var (
	_ realtime.Transport         = (*Transport)(nil)
	_ realtime.PresenceCommander = (*PresenceCommander)(nil)
)
