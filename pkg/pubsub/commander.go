package pubsub

import (
	"context"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/roboricindustries/raycon-realtime/pkg/schemas/common"
	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

// Publisher is the part of Client the commander needs.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, env common.Envelope) error
}

// PresenceCommander sends presence-update commands over the broker.
type PresenceCommander struct {
	pub      Publisher
	producer string
	clock    clock.Clock
	log      *slog.Logger
}

func NewPresenceCommander(pub Publisher, producer string, clk clock.Clock, logger *slog.Logger) *PresenceCommander {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceCommander{pub: pub, producer: producer, clock: clk, log: logger.With("component", "presence-commander")}
}

func (p *PresenceCommander) UpdatePresence(ctx context.Context, cmd rtv1.PresenceUpdateV1) error {
	env := common.GenericEnvelope[rtv1.PresenceUpdateV1]{
		Meta: common.Meta{
			ID:   uuid.NewString(),
			Type: rtv1.PresenceUpdateMeta.EventType,
			Time: p.clock.Now().UTC(),
		},
		Data: cmd,
	}
	if p.producer != "" {
		producer := p.producer
		env.Meta.Producer = &producer
	}
	if err := p.pub.PublishJSON(ctx, rtv1.PresenceUpdateMeta.RoutingKey, common.Envelope{Meta: env.Meta, Data: env.Data}); err != nil {
		return err
	}
	p.log.Info("presence update sent", slog.String("user", string(cmd.UserID)), slog.String("presence", string(cmd.Presence)))
	return nil
}

// FallbackCommander drops commands when no broker is configured.
type FallbackCommander struct {
	log *slog.Logger
}

func NewFallback(logger *slog.Logger) *FallbackCommander {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackCommander{log: logger}
}

func (f *FallbackCommander) UpdatePresence(_ context.Context, cmd rtv1.PresenceUpdateV1) error {
	f.log.Warn("FallbackCommander: skipped presence update", slog.String("user", string(cmd.UserID)))
	return nil
}
