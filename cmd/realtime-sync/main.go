package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roboricindustries/raycon-realtime/pkg/config"
	"github.com/roboricindustries/raycon-realtime/pkg/debounce"
	"github.com/roboricindustries/raycon-realtime/pkg/pubsub"
	"github.com/roboricindustries/raycon-realtime/pkg/realtime"
	"github.com/roboricindustries/raycon-realtime/pkg/refresh"
	"github.com/roboricindustries/raycon-realtime/pkg/restclient"
	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
	"github.com/roboricindustries/raycon-realtime/pkg/telemetry"
	"github.com/roboricindustries/raycon-realtime/pkg/transport/natsbus"
	"github.com/roboricindustries/raycon-realtime/pkg/transport/ws"
)

const producer = "realtime-sync"

var (
	configPath = flag.String("config", "", "Path to configuration file (optional)")
	watch      = flag.String("watch", "", "List resource to load and keep fresh, e.g. leads")
	presenceAt = flag.String("presence", "", "Presence to request for the session user after connecting")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := cfg.Logger.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("realtime sync stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		Endpoint:       cfg.Telemetry.Endpoint,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	clk := clock.New()
	tokens := restclient.NewSharedToken(cfg.Session.Token)
	api, err := restclient.New(restclient.Config{
		BaseURL:         cfg.API.BaseURL,
		Timeout:         cfg.API.Timeout,
		SnapshotRetries: cfg.API.SnapshotRetries,
		Tokens:          tokens,
	}, logger)
	if err != nil {
		return fmt.Errorf("init api client: %w", err)
	}

	transport, commander, cleanup, err := wireTransport(ctx, cfg, api, clk, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	if cfg.Session.UserID == "" {
		commander = pubsub.NewFallback(logger)
	}

	policy, _ := debounce.ParsePolicy(cfg.Debounce.Policy)
	session, err := realtime.NewSession(realtime.SessionConfig{
		Transport:        transport,
		Directory:        api,
		Querier:          api,
		Commander:        commander,
		TrackedKind:      cfg.Session.TrackedKind,
		UserID:           cfg.Session.UserID,
		Windows:          cfg.Debounce.Windows(),
		Policy:           policy,
		MaxAttempts:      cfg.Reconnect.MaxAttempts,
		Backoff:          cfg.Reconnect.BackoffPolicy(),
		Clock:            clk,
		Logger:           logger,
		DebounceObserver: metrics,
		RefreshObserver:  metrics,
	})
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	defer session.Close()

	session.OnStatus(metrics.Status)
	session.OnStatus(func(ev realtime.StatusEvent) {
		if ev.Terminal() {
			logger.Error("push channel gave up", "attempt", ev.Attempt, "error", ev.Err)
		}
	})

	if err := session.Connect(cfg.Session.Token); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	logger.Info("realtime sync started", "transport", cfg.Transport.Kind, "url", cfg.Transport.URL)

	if *watch != "" {
		session.Dispatcher().OnReplace(func(p refresh.Page) {
			logger.Info("list refreshed", "resource", p.Query.Resource, "items", len(p.Items), "total", p.Total)
		})
		if _, err := session.Fetch(ctx, refresh.Query{Resource: *watch}); err != nil {
			logger.Warn("initial list fetch failed", "resource", *watch, "error", err)
		}
	}
	if *presenceAt != "" {
		if err := session.SetPresence(ctx, rtv1.PresenceState(*presenceAt)); err != nil {
			logger.Warn("presence request failed", "presence", *presenceAt, "error", err)
		}
	}

	// SIGHUP re-reads the credential and rotates it without dropping listeners.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-hup:
			next, err := config.Load(*configPath)
			if err != nil {
				logger.Warn("reload failed, keeping current token", "error", err)
				continue
			}
			tokens.Set(next.Session.Token)
			if err := session.UpdateAuth(next.Session.Token); err != nil {
				logger.Warn("token rotation failed", "error", err)
				continue
			}
			logger.Info("session token rotated")
		}
	}
}

// wireTransport picks the push channel and the presence command path.
// Over AMQP presence commands are published on the broker; otherwise they go
// to the REST API. The broker client keeps the token it dialed with.
func wireTransport(ctx context.Context, cfg *config.Config, api *restclient.Client, clk clock.Clock, logger *slog.Logger) (realtime.Transport, realtime.PresenceCommander, func(), error) {
	noop := func() {}

	switch cfg.Transport.Kind {
	case "ws":
		return ws.New(ws.Config{URL: cfg.Transport.URL}, clk, logger), api, noop, nil

	case "nats":
		t := natsbus.New(natsbus.Config{
			URL:           cfg.Transport.URL,
			Name:          producer,
			SubjectPrefix: cfg.Transport.SubjectPrefix,
		}, clk, logger)
		return t, api, noop, nil

	case "amqp":
		pcfg := pubsub.Config{
			URL:         cfg.Transport.URL,
			Username:    cfg.Transport.Username,
			Exchange:    cfg.Transport.Exchange,
			Producer:    producer,
			DialBackoff: cfg.Reconnect.BackoffPolicy(),
		}
		transport := pubsub.NewTransport(pcfg, clk, logger)
		client, err := pubsub.NewClient(ctx, pcfg, cfg.Session.Token, logger)
		if err != nil {
			logger.Warn("amqp command client unavailable, sending presence over the api", "error", err)
			return transport, api, noop, nil
		}
		return transport, pubsub.NewPresenceCommander(client, producer, clk, logger), client.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
}
