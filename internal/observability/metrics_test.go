package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectorHarness(t *testing.T) (*MetricsCollector, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return newCollectorWithMeter(provider.Meter("test"), nil), reader
}

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not exported", name)
	return metricdata.Metrics{}
}

func TestCollectorRoutesCounterRecords(t *testing.T) {
	collector, reader := collectorHarness(t)
	rec := NewRecorder(nil, collector)
	ctx := context.Background()

	rec.Counter(ctx, "foreman.tasks.total", 1, map[string]string{"status": "completed"})
	rec.Counter(ctx, "foreman.tasks.total", 1, map[string]string{"status": "completed"})

	m := findMetric(t, reader, "foreman.tasks.total")
	sum, ok := m.Data.(metricdata.Sum[float64])
	if !ok {
		t.Fatalf("counter exported as %T", m.Data)
	}
	if len(sum.DataPoints) != 1 {
		t.Fatalf("got %d datapoints, want 1", len(sum.DataPoints))
	}
	dp := sum.DataPoints[0]
	if dp.Value != 2 {
		t.Fatalf("counter value = %v, want 2", dp.Value)
	}
	status, ok := dp.Attributes.Value(attribute.Key("status"))
	if !ok || status.AsString() != "completed" {
		t.Fatalf("status attribute = %v", status)
	}
}

func TestCollectorRoutesGaugeAndTimerRecords(t *testing.T) {
	collector, reader := collectorHarness(t)
	rec := NewRecorder(nil, collector)
	ctx := context.Background()

	rec.Gauge(ctx, "foreman.queue.depth", 4, nil)
	rec.Timer(ctx, "foreman.task.duration", 1500*time.Millisecond, nil)

	gm := findMetric(t, reader, "foreman.queue.depth")
	gauge, ok := gm.Data.(metricdata.Gauge[float64])
	if !ok {
		t.Fatalf("gauge exported as %T", gm.Data)
	}
	if gauge.DataPoints[0].Value != 4 {
		t.Fatalf("gauge value = %v", gauge.DataPoints[0].Value)
	}

	tm := findMetric(t, reader, "foreman.task.duration")
	hist, ok := tm.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("timer exported as %T", tm.Data)
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Fatalf("timer count = %d", dp.Count)
	}
	if dp.Sum != 1.5 {
		t.Fatalf("timer sum = %v, want 1.5 seconds", dp.Sum)
	}
}

func TestCollectorIgnoresPlainEvents(t *testing.T) {
	collector, reader := collectorHarness(t)

	collector.Emit(Event{Severity: SeverityInfo, Message: "no metric here"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		if len(scope.Metrics) != 0 {
			t.Fatalf("plain event produced metrics: %+v", scope.Metrics)
		}
	}
}

func TestDisabledCollectorIsInert(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewMetricsCollector: %v", err)
	}

	rec := NewRecorder(nil, collector)
	rec.Counter(context.Background(), "foreman.tasks.total", 1, nil)

	if err := collector.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
