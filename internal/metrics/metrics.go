// Package metrics records monitor counters through OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "restock_monitor"

type Recorder struct {
	fetches         metric.Int64Counter
	classifications metric.Int64Counter
	attempts        metric.Int64Counter
	notifications   metric.Int64Counter

	shutdown func(context.Context) error
}

// New wires a periodic stdout exporter when enabled; otherwise counters go to
// a no-op provider.
func New(enabled bool, interval time.Duration) (*Recorder, error) {
	var provider metric.MeterProvider = noop.NewMeterProvider()
	shutdown := func(context.Context) error { return nil }

	if enabled {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
		)
		otel.SetMeterProvider(mp)
		provider = mp
		shutdown = mp.Shutdown
	}
	return newRecorder(provider.Meter(instrumentationName), shutdown)
}

// NewWithProvider is used by tests that read counters back through a manual reader.
func NewWithProvider(mp metric.MeterProvider) (*Recorder, error) {
	return newRecorder(mp.Meter(instrumentationName), func(context.Context) error { return nil })
}

func newRecorder(meter metric.Meter, shutdown func(context.Context) error) (*Recorder, error) {
	r := &Recorder{shutdown: shutdown}
	var err error
	if r.fetches, err = meter.Int64Counter("fetch.attempts",
		metric.WithDescription("page fetch attempts per channel"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if r.classifications, err = meter.Int64Counter("page.classifications",
		metric.WithDescription("classification results per page state")); err != nil {
		return nil, err
	}
	if r.attempts, err = meter.Int64Counter("retry.attempts",
		metric.WithDescription("scheduled attempts per outcome")); err != nil {
		return nil, err
	}
	if r.notifications, err = meter.Int64Counter("notifications",
		metric.WithDescription("notification events per kind")); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Fetch(ctx context.Context, channel string, ok bool) {
	if r == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	r.fetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	))
}

func (r *Recorder) Classified(ctx context.Context, state string) {
	if r == nil {
		return
	}
	r.classifications.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (r *Recorder) Attempt(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Recorder) Notified(ctx context.Context, kind string) {
	if r == nil {
		return
	}
	r.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.shutdown == nil {
		return nil
	}
	return r.shutdown(ctx)
}
