package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roboricindustries/raycon-realtime/pkg/realtime"
	rtv1 "github.com/roboricindustries/raycon-realtime/pkg/schemas/realtime/v1"
)

const meterName = "github.com/roboricindustries/raycon-realtime"

// Metrics implements debounce.Observer and refresh.Observer and watches
// connection status.
type Metrics struct {
	buffered        metric.Int64Counter
	fired           metric.Int64Counter
	batchSize       metric.Int64Histogram
	refreshes       metric.Int64Counter
	refreshDuration metric.Float64Histogram
	transitions     metric.Int64Counter
}

// NewMetrics registers the instruments on mp; nil uses the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.buffered, err = meter.Int64Counter("realtime.notifications.buffered",
		metric.WithDescription("Notifications appended to a debounce buffer")); err != nil {
		return nil, err
	}
	if m.fired, err = meter.Int64Counter("realtime.batches.fired",
		metric.WithDescription("Coalesced effect invocations")); err != nil {
		return nil, err
	}
	if m.batchSize, err = meter.Int64Histogram("realtime.batch.size",
		metric.WithDescription("Notifications drained per effect invocation")); err != nil {
		return nil, err
	}
	if m.refreshes, err = meter.Int64Counter("realtime.refresh.total",
		metric.WithDescription("Background list refreshes by outcome")); err != nil {
		return nil, err
	}
	if m.refreshDuration, err = meter.Float64Histogram("realtime.refresh.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("realtime.connection.transitions",
		metric.WithDescription("Connection state transitions")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Buffered(t rtv1.Topic) {
	m.buffered.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", t.String())))
}

func (m *Metrics) Fired(t rtv1.Topic, size int, forced bool) {
	attrs := metric.WithAttributes(attribute.String("topic", t.String()), attribute.Bool("forced", forced))
	m.fired.Add(context.Background(), 1, attrs)
	m.batchSize.Record(context.Background(), int64(size), attrs)
}

func (m *Metrics) Refreshed(ctx context.Context, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.refreshes.Add(ctx, 1, attrs)
	m.refreshDuration.Record(ctx, took.Seconds(), attrs)
}

// Status is a realtime.Manager status watcher.
func (m *Metrics) Status(ev realtime.StatusEvent) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("state", ev.State.String()),
		attribute.Bool("terminal", ev.Terminal()),
	))
}
