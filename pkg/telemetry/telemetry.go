// Package telemetry wires up the OpenTelemetry meter provider, its
// Prometheus exporter and the metrics HTTP endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"phishwall/pkg/config"
	"phishwall/pkg/logging"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg            *config.TelemetryConfig
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	registry       *promclient.Registry
	httpServer     *http.Server
	listener       net.Listener
	logger         *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// DNS query metrics
	DNSQueriesTotal     metric.Int64Counter
	DNSQueryDuration    metric.Float64Histogram
	DNSCacheHits        metric.Int64Counter
	DNSCacheMisses      metric.Int64Counter
	DNSBlockedQueries   metric.Int64Counter
	DNSForwardedQueries metric.Int64Counter
	DNSUpstreamFailures metric.Int64Counter
	DNSMalformed        metric.Int64Counter

	// Dispatcher metrics
	DispatcherDropped metric.Int64Counter

	// Rate limiting metrics
	RateLimitViolations metric.Int64Counter

	// Storage metrics
	StorageQueriesDropped metric.Int64Counter

	meter metric.Meter
}

// New creates a new telemetry instance. With telemetry disabled every
// instrument is a no-op.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	if cfg == nil || !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            &config.TelemetryConfig{},
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:            cfg,
		logger:         logger,
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}
	otel.SetTracerProvider(t.tracerProvider)

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	t.registry = promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	return nil
}

// Serve starts the metrics HTTP server on the configured port. It is a
// no-op unless Prometheus is enabled. stats may be nil.
func (t *Telemetry) Serve(stats StatsFunc) error {
	if t.registry == nil {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.PrometheusPort))
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}
	t.listener = ln

	t.httpServer = &http.Server{
		Handler:           NewRouter(t.registry, stats),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Metrics server failed", "error", err)
		}
	}()

	t.logger.Info("Prometheus metrics enabled", "addr", ln.Addr().String())
	return nil
}

// Addr returns the metrics listener address, or "" before Serve.
func (t *Telemetry) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("phishwall")
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.DNSQueriesTotal, "dns.queries.total", "Total number of DNS queries received"},
		{&m.DNSCacheHits, "dns.cache.hits", "Number of DNS cache hits"},
		{&m.DNSCacheMisses, "dns.cache.misses", "Number of DNS cache misses"},
		{&m.DNSBlockedQueries, "dns.queries.blocked", "Number of sinkholed DNS queries"},
		{&m.DNSForwardedQueries, "dns.queries.forwarded", "Number of queries answered by a DoH upstream"},
		{&m.DNSUpstreamFailures, "dns.upstream.failures", "Number of queries answered with SERVFAIL after an upstream failure"},
		{&m.DNSMalformed, "dns.malformed", "Number of datagrams dropped as unparsable"},
		{&m.DispatcherDropped, "dns.dispatcher.dropped", "Number of datagrams dropped because the work queue was full"},
		{&m.RateLimitViolations, "rate_limit.violations", "Number of rate limit violations"},
		{&m.StorageQueriesDropped, "storage.queries.dropped", "Number of audit records dropped due to full buffer"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}
	m.DNSQueryDuration = queryDuration

	return m, nil
}

// RegisterGauge reports fn as an observable gauge, sampled on each scrape.
func (m *Metrics) RegisterGauge(name, desc string, fn func() int64) error {
	if m == nil || m.meter == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge(name,
		metric.WithDescription(desc),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// AddDroppedQuery implements storage.MetricsRecorder.
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageQueriesDropped != nil {
		m.StorageQueriesDropped.Add(ctx, count)
	}
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.httpServer != nil {
		if err := t.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %w", errors.Join(errs...))
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
