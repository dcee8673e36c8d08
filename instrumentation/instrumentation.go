package instrumentation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "mcp-oauth-store"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/giantswarm/mcp-oauth-store/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "mcp-oauth-store")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active
	// When false, uses no-op providers (zero overhead)
	Enabled bool

	// MeterProvider and TracerProvider override the providers used when Enabled.
	// If nil, the otel global providers are used unless InstallSDK is set.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	// InstallSDK creates SDK providers in place of the otel globals when Enabled.
	// Spans and, on Shutdown, collected metrics are written to Logger at debug level.
	InstallSDK bool

	// Logger receives SDK output (default: slog.Default())
	Logger *slog.Logger

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

	metrics *Metrics

	// Shutdown functions (must be registered during New() only, not thread-safe after initialization)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
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
		inst.meterProvider = config.MeterProvider
		inst.tracerProvider = config.TracerProvider
		if config.InstallSDK {
			inst.installSDK(res, config.Logger)
		}
		if inst.meterProvider == nil {
			inst.meterProvider = otel.GetMeterProvider()
		}
		if inst.tracerProvider == nil {
			inst.tracerProvider = otel.GetTracerProvider()
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
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

// Meter returns a named meter for the given scope ("storage", "health").
// The full name will be "github.com/giantswarm/mcp-oauth-store/{scope}"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
// The full name will be "github.com/giantswarm/mcp-oauth-store/{scope}"
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Resource returns the resource describing this service
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// StorageSizeCallbacks groups the per-entity size callbacks. Nil callbacks are skipped.
type StorageSizeCallbacks struct {
	AccessTokens       StorageSizeCallback
	RefreshTokens      StorageSizeCallback
	AuthorizationCodes StorageSizeCallback
	Clients            StorageSizeCallback
}

// RegisterStorageSizeCallbacks registers callbacks for storage size gauges.
// Backends call this from SetInstrumentation. The returned registration must be
// unregistered when the backend is replaced.
func (i *Instrumentation) RegisterStorageSizeCallbacks(backend string, cb StorageSizeCallbacks) (metric.Registration, error) {
	if i.meterProvider == nil {
		return nil, fmt.Errorf("meter provider not initialized")
	}

	attrs := metric.WithAttributes(backendAttr(backend))
	meter := i.Meter("storage")
	m := i.metrics

	return meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			if cb.AccessTokens != nil {
				observer.ObserveInt64(m.StorageSizeAccessTokens, cb.AccessTokens(), attrs)
			}
			if cb.RefreshTokens != nil {
				observer.ObserveInt64(m.StorageSizeRefreshTokens, cb.RefreshTokens(), attrs)
			}
			if cb.AuthorizationCodes != nil {
				observer.ObserveInt64(m.StorageSizeCodes, cb.AuthorizationCodes(), attrs)
			}
			if cb.Clients != nil {
				observer.ObserveInt64(m.StorageSizeClients, cb.Clients(), attrs)
			}
			return nil
		},
		m.StorageSizeAccessTokens,
		m.StorageSizeRefreshTokens,
		m.StorageSizeCodes,
		m.StorageSizeClients,
	)
}
