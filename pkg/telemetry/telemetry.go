// Package telemetry wires up the Prometheus + OpenTelemetry exporters the
// infrastructure cache uses to report its hot-path counters.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"infracache/pkg/config"
	"infracache/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Telemetry holds telemetry providers and exporters.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds the counters and gauges the infra cache reports. Field
// names mirror the spec's operations rather than a generic DNS server's.
type Metrics struct {
	// Host-info store (§4.2)
	HostLookups     metric.Int64Counter // total host_lookup calls
	HostExpired     metric.Int64Counter // host_lookup calls that hit an expired entry
	HostEntries     metric.Int64UpDownCounter
	RTTTimeouts     metric.Int64Counter // rtt_update calls carrying a timeout sentinel
	RTTReplies      metric.Int64Counter // rtt_update calls carrying a measured RTT
	ProbesAdmitted  metric.Int64Counter // probedelay set, single probe admitted
	CookieMismatch  metric.Int64Counter
	CookieLearned   metric.Int64Counter

	// Sharded map bookkeeping (§4.1), shared by all three stores
	MapEvictions metric.Int64Counter
	MapBytes     metric.Int64UpDownCounter

	// Rate limiting (§4.4, §4.5)
	DomainRateLimitDecisions metric.Int64Counter // attribute "allow"|"block"
	DomainRateLimitEdge      metric.Int64Counter // rising-edge log events
	IPRateLimitDecisions     metric.Int64Counter

	// Process memory, sampled from gopsutil for the /metrics budget gauge.
	ProcessRSSBytes metric.Int64UpDownCounter
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider.
func (t *Telemetry) setupMetrics(_ context.Context, res *resource.Resource) error {
	if t.cfg.PrometheusEnabled {
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		t.prometheusExporter = exporter

		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)

		t.meterProvider = provider
		otel.SetMeterProvider(provider)

		if err := t.startPrometheusServer(); err != nil {
			return fmt.Errorf("failed to start prometheus server: %w", err)
		}

		t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	} else {
		t.meterProvider = noop.NewMeterProvider()
	}

	return nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server.
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns the cache's metrics.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("infracache")

	hostLookups, err := meter.Int64Counter("infra.host.lookups",
		metric.WithDescription("Total host_lookup calls"))
	if err != nil {
		return nil, fmt.Errorf("failed to create host lookups counter: %w", err)
	}

	hostExpired, err := meter.Int64Counter("infra.host.expired",
		metric.WithDescription("host_lookup calls that hit a TTL-expired entry"))
	if err != nil {
		return nil, fmt.Errorf("failed to create host expired counter: %w", err)
	}

	hostEntries, err := meter.Int64UpDownCounter("infra.host.entries",
		metric.WithDescription("Number of live entries in the host-info store"))
	if err != nil {
		return nil, fmt.Errorf("failed to create host entries gauge: %w", err)
	}

	rttTimeouts, err := meter.Int64Counter("infra.rtt.timeouts",
		metric.WithDescription("rtt_update calls reporting a timeout"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rtt timeouts counter: %w", err)
	}

	rttReplies, err := meter.Int64Counter("infra.rtt.replies",
		metric.WithDescription("rtt_update calls reporting a measured RTT"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rtt replies counter: %w", err)
	}

	probesAdmitted, err := meter.Int64Counter("infra.probe.admitted",
		metric.WithDescription("Single-probe admissions granted to stalled servers"))
	if err != nil {
		return nil, fmt.Errorf("failed to create probes admitted counter: %w", err)
	}

	cookieMismatch, err := meter.Int64Counter("infra.cookie.mismatch",
		metric.WithDescription("Server cookie updates rejected for client-half mismatch"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie mismatch counter: %w", err)
	}

	cookieLearned, err := meter.Int64Counter("infra.cookie.learned",
		metric.WithDescription("Cookie state transitions from UNKNOWN to LEARNED"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie learned counter: %w", err)
	}

	mapEvictions, err := meter.Int64Counter("infra.map.evictions",
		metric.WithDescription("Entries evicted from a sharded bounded map"))
	if err != nil {
		return nil, fmt.Errorf("failed to create map evictions counter: %w", err)
	}

	mapBytes, err := meter.Int64UpDownCounter("infra.map.bytes",
		metric.WithDescription("Bytes tracked across all shards of a sharded bounded map"))
	if err != nil {
		return nil, fmt.Errorf("failed to create map bytes gauge: %w", err)
	}

	domainDecisions, err := meter.Int64Counter("infra.ratelimit.domain.decisions",
		metric.WithDescription("Domain rate-limit allow/block decisions"))
	if err != nil {
		return nil, fmt.Errorf("failed to create domain ratelimit decisions counter: %w", err)
	}

	domainEdge, err := meter.Int64Counter("infra.ratelimit.domain.rising_edge",
		metric.WithDescription("Domain rate-limit rising-edge threshold crossings"))
	if err != nil {
		return nil, fmt.Errorf("failed to create domain ratelimit edge counter: %w", err)
	}

	ipDecisions, err := meter.Int64Counter("infra.ratelimit.ip.decisions",
		metric.WithDescription("Client-IP rate-limit allow/block decisions"))
	if err != nil {
		return nil, fmt.Errorf("failed to create ip ratelimit decisions counter: %w", err)
	}

	processRSS, err := meter.Int64UpDownCounter("infra.process.rss_bytes",
		metric.WithDescription("Resident set size of this process, sampled periodically"))
	if err != nil {
		return nil, fmt.Errorf("failed to create process rss gauge: %w", err)
	}

	return &Metrics{
		HostLookups:              hostLookups,
		HostExpired:              hostExpired,
		HostEntries:              hostEntries,
		RTTTimeouts:              rttTimeouts,
		RTTReplies:               rttReplies,
		ProbesAdmitted:           probesAdmitted,
		CookieMismatch:           cookieMismatch,
		CookieLearned:            cookieLearned,
		MapEvictions:             mapEvictions,
		MapBytes:                 mapBytes,
		DomainRateLimitDecisions: domainDecisions,
		DomainRateLimitEdge:      domainEdge,
		IPRateLimitDecisions:     ipDecisions,
		ProcessRSSBytes:          processRSS,
	}, nil
}

// MeterProvider returns the meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown gracefully shuts down telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
