package metrics

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestCountersRecorded(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	r, err := NewWithProvider(mp)
	if err != nil {
		t.Fatal(err)
	}

	r.Fetch(ctx, "tls", true)
	r.Fetch(ctx, "tls", false)
	r.Classified(ctx, "ProductAvailable")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	if totals["fetch.attempts"] != 2 {
		t.Errorf("fetch.attempts got %d, expected 2", totals["fetch.attempts"])
	}
	if totals["page.classifications"] != 1 {
		t.Errorf("page.classifications got %d, expected 1", totals["page.classifications"])
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.Fetch(context.Background(), "plain", true)
	if err := r.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}
