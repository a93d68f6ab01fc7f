package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// MetricsExporterPrometheus exposes metrics through a Prometheus registry
	MetricsExporterPrometheus = "prometheus"

	// MetricsExporterNone keeps metric instruments but records nothing
	MetricsExporterNone = "none"

	instrumentationPrefix = "github.com/giantswarm/oidc-server/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "oidc-server")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// MetricsExporter selects the metrics backend: "prometheus" or "none".
	// Ignored when MetricReader is set.
	MetricsExporter string

	// PrometheusRegistry receives the exported metrics. A new registry is created when nil.
	PrometheusRegistry *prometheus.Registry

	// MetricReader overrides the metrics exporter. Tests use sdkmetric.NewManualReader.
	MetricReader sdkmetric.Reader

	// SpanExporter receives finished spans. Tracing stays no-op when nil.
	SpanExporter sdktrace.SpanExporter

	// LogClientIPs controls whether client IP addresses are included in traces and metrics.
	// Client IP addresses may be considered personal data under GDPR.
	LogClientIPs bool

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	httpMeter     metric.Meter
	serverMeter   metric.Meter
	securityMeter metric.Meter
	storageMeter  metric.Meter

	registry *prometheus.Registry

	metrics *Metrics

	// Shutdown functions (must be registered during New() only, not thread-safe after initialization)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "oidc-server"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.httpMeter = inst.Meter("http")
	inst.serverMeter = inst.Meter("server")
	inst.securityMeter = inst.Meter("security")
	inst.storageMeter = inst.Meter("storage")

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders wires the configured metric reader and span exporter
func (i *Instrumentation) initializeProviders() error {
	reader := i.config.MetricReader
	if reader == nil {
		switch i.config.MetricsExporter {
		case MetricsExporterPrometheus:
			registry := i.config.PrometheusRegistry
			if registry == nil {
				registry = prometheus.NewRegistry()
			}
			exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
			if err != nil {
				return fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			i.registry = registry
			reader = exporter
		case "", MetricsExporterNone:
		default:
			return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
		}
	}

	if reader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(i.resource),
		)
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	} else {
		i.meterProvider = noop.NewMeterProvider()
	}

	if i.config.SpanExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(i.config.SpanExporter),
			sdktrace.WithResource(i.resource),
		)
		i.tracerProvider = tp
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	} else {
		i.tracerProvider = tracenoop.NewTracerProvider()
	}

	return nil
}

// Shutdown gracefully shuts down all instrumentation providers
// This should be called when the application is terminating
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				// Capture first error, but continue shutting down other components
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope
// The full name will be "github.com/giantswarm/oidc-server/{scope}"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationPrefix + scope)
}

// Tracer returns a named tracer for the given scope
// The full name will be "github.com/giantswarm/oidc-server/{scope}"
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationPrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// MetricsHandler serves the Prometheus registry. It returns nil unless the prometheus
// exporter is configured.
func (i *Instrumentation) MetricsHandler() http.Handler {
	if i.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// ShouldLogClientIPs returns whether client IP addresses should be logged
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// StorageSizeCallbacks reports the number of live artifacts per kind. Nil callbacks are skipped.
type StorageSizeCallbacks struct {
	AuthorizeRequests StorageSizeCallback
	AuthorizationCodes StorageSizeCallback
	AccessTokens      StorageSizeCallback
	RefreshTokens     StorageSizeCallback
	Consents          StorageSizeCallback
}

// RegisterStorageSizeCallbacks registers callbacks for storage size metrics.
// Storage implementations call this after instrumentation is set.
func (i *Instrumentation) RegisterStorageSizeCallbacks(cb StorageSizeCallbacks) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	observe := func(observer metric.Observer, gauge metric.Int64ObservableGauge, fn StorageSizeCallback) {
		if fn != nil {
			observer.ObserveInt64(gauge, fn())
		}
	}

	_, err := i.storageMeter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			observe(observer, i.metrics.StorageAuthorizeRequestsCount, cb.AuthorizeRequests)
			observe(observer, i.metrics.StorageCodesCount, cb.AuthorizationCodes)
			observe(observer, i.metrics.StorageAccessTokensCount, cb.AccessTokens)
			observe(observer, i.metrics.StorageRefreshTokensCount, cb.RefreshTokens)
			observe(observer, i.metrics.StorageConsentsCount, cb.Consents)
			return nil
		},
		i.metrics.StorageAuthorizeRequestsCount,
		i.metrics.StorageCodesCount,
		i.metrics.StorageAccessTokensCount,
		i.metrics.StorageRefreshTokensCount,
		i.metrics.StorageConsentsCount,
	)

	return err
}
