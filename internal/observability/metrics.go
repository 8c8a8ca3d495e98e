package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// MetricsCollector is the OpenTelemetry sink for metric records. Counter,
// gauge and timer records flow in as events; the collector materializes one
// OTel instrument per metric name and exports everything through the
// Prometheus exporter.
type MetricsCollector struct {
	meter  metric.Meter
	logger *Logger

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
	gauges   map[string]metric.Float64Gauge
	timers   map[string]metric.Float64Histogram

	prometheusServer *http.Server
}

// NewMetricsCollector creates a metrics collector. When disabled it returns
// an inert collector whose Emit is a no-op.
func NewMetricsCollector(config MetricsConfig, logger *Logger) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{logger: logger}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	collector := newCollectorWithMeter(provider.Meter("foreman"), logger)

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

func newCollectorWithMeter(meter metric.Meter, logger *Logger) *MetricsCollector {
	return &MetricsCollector{
		meter:    meter,
		logger:   logger,
		counters: make(map[string]metric.Float64Counter),
		gauges:   make(map[string]metric.Float64Gauge),
		timers:   make(map[string]metric.Float64Histogram),
	}
}

// Emit routes a metric record to its OTel instrument. Plain events pass
// through untouched.
func (m *MetricsCollector) Emit(e Event) {
	if m == nil || m.meter == nil {
		return
	}
	point, ok := MetricFromEvent(e)
	if !ok {
		return
	}

	ctx := context.Background()
	attrs := make([]attribute.KeyValue, 0, len(point.Labels))
	for k, v := range point.Labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	opt := metric.WithAttributes(attrs...)

	switch point.Type {
	case MetricCounter:
		counter, err := m.counter(point.Name)
		if err != nil {
			m.warn("counter %s: %v", point.Name, err)
			return
		}
		counter.Add(ctx, point.Value, opt)
	case MetricGauge:
		gauge, err := m.gauge(point.Name)
		if err != nil {
			m.warn("gauge %s: %v", point.Name, err)
			return
		}
		gauge.Record(ctx, point.Value, opt)
	case MetricTimer:
		timer, err := m.timer(point.Name)
		if err != nil {
			m.warn("timer %s: %v", point.Name, err)
			return
		}
		timer.Record(ctx, point.Value, opt)
	}
}

func (m *MetricsCollector) counter(name string) (metric.Float64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	m.counters[name] = c
	return c, nil
}

func (m *MetricsCollector) gauge(name string) (metric.Float64Gauge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g, nil
	}
	g, err := m.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	m.gauges[name] = g
	return g, nil
}

func (m *MetricsCollector) timer(name string) (metric.Float64Histogram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[name]; ok {
		return t, nil
	}
	t, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	m.timers[name] = t
	return t, nil
}

func (m *MetricsCollector) warn(format string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(fmt.Sprintf(format, args...))
	}
}

// StartPrometheusServer exposes /metrics for Prometheus scraping.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if m.logger != nil {
			m.logger.Info("prometheus metrics server listening", "addr", m.prometheusServer.Addr)
		}
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if m.logger != nil {
				m.logger.Error("prometheus server error", "error", err)
			}
		}
	}()

	return nil
}

// Shutdown stops the Prometheus scrape endpoint.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}
