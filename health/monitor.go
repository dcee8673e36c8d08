// Package health runs storage health checks in the background and keeps the
// latest result available for readiness probes and dashboards.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/giantswarm/mcp-oauth-store/instrumentation"
	"github.com/giantswarm/mcp-oauth-store/storage"
)

const (
	// DefaultInterval is the time between two checks.
	DefaultInterval = 30 * time.Second

	// DefaultTimeout bounds a single check.
	DefaultTimeout = 5 * time.Second
)

// Checker is the part of storage.Store the monitor needs.
type Checker interface {
	HealthCheck(ctx context.Context) *storage.HealthResult
}

// Config configures a Monitor.
type Config struct {
	// Backend labels log lines and metrics (e.g. "valkey")
	Backend string

	// Interval between checks (default 30s)
	Interval time.Duration

	// Timeout bounds each check (default 5s)
	Timeout time.Duration

	// Logger (default: slog.Default())
	Logger *slog.Logger

	// Instrumentation, if set, exports the latest status and latency as gauges
	Instrumentation *instrumentation.Instrumentation

	// OnChange is called after every status transition, outside the lock
	OnChange func(from, to storage.HealthStatus, res *storage.HealthResult)
}

// Monitor periodically runs HealthCheck against one store.
type Monitor struct {
	checker Checker
	cfg     Config
	logger  *slog.Logger

	mu      sync.RWMutex
	last    *storage.HealthResult
	running bool
	stop    chan struct{}
	done    chan struct{}

	reg metric.Registration
}

// NewMonitor creates a stopped monitor. If instrumentation is configured the
// status and latency gauges are registered immediately.
func NewMonitor(checker Checker, cfg Config) (*Monitor, error) {
	if checker == nil {
		return nil, fmt.Errorf("%w: health checker is required", storage.ErrInvalidArgument)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Monitor{
		checker: checker,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "health_monitor", "backend", cfg.Backend),
	}
	if cfg.Instrumentation != nil {
		if err := m.registerGauges(cfg.Instrumentation); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// statusValue maps a status onto the exported gauge value.
func statusValue(s storage.HealthStatus) int64 {
	switch s {
	case storage.HealthHealthy:
		return 2
	case storage.HealthDegraded:
		return 1
	default:
		return 0
	}
}

func (m *Monitor) registerGauges(inst *instrumentation.Instrumentation) error {
	meter := inst.Meter("health")

	status, err := meter.Int64ObservableGauge(
		"storage.health.status",
		metric.WithDescription("Latest health status: 2 healthy, 1 degraded, 0 unhealthy"),
	)
	if err != nil {
		return fmt.Errorf("failed to create storage.health.status gauge: %w", err)
	}
	latency, err := meter.Float64ObservableGauge(
		"storage.health.latency",
		metric.WithDescription("Latency of the latest health check in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create storage.health.latency gauge: %w", err)
	}

	attrs := metric.WithAttributes(attribute.String("backend", m.cfg.Backend))
	m.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		res := m.Last()
		if res == nil {
			return nil
		}
		o.ObserveInt64(status, statusValue(res.Status), attrs)
		o.ObserveFloat64(latency, float64(res.Latency.Microseconds())/1000, attrs)
		return nil
	}, status, latency)
	if err != nil {
		return fmt.Errorf("failed to register health gauges: %w", err)
	}
	return nil
}

// Start runs a first check immediately, then one per interval, until Stop is
// called or ctx is cancelled. Calling Start on a running monitor is a no-op;
// once the loop has ended, Start begins a new one.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	m.logger.Info("Starting health monitor", "interval", m.cfg.Interval)
	go m.loop(ctx, stop, done)
}

func (m *Monitor) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		// A cancelled ctx ends the loop without Stop; let a later Start run again.
		m.mu.Lock()
		if m.running && m.done == done {
			m.running = false
		}
		m.mu.Unlock()
		close(done)
	}()

	m.CheckNow(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckNow(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the loop and waits for an in-flight check to finish.
// Safe to call multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	m.logger.Info("Health monitor stopped")
}

// Close stops the monitor and unregisters its gauges.
func (m *Monitor) Close() error {
	m.Stop()
	if m.reg != nil {
		return m.reg.Unregister()
	}
	return nil
}

// Last returns the latest result, or nil before the first check.
func (m *Monitor) Last() *storage.HealthResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// CheckNow runs one check synchronously and records its result.
func (m *Monitor) CheckNow(ctx context.Context) *storage.HealthResult {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	res := m.checker.HealthCheck(checkCtx)

	m.mu.Lock()
	prev := m.last
	m.last = res
	m.mu.Unlock()

	var from storage.HealthStatus
	if prev != nil {
		from = prev.Status
	}
	if from == res.Status {
		return res
	}

	attrs := []any{"from", from, "to", res.Status, "latency", res.Latency}
	switch {
	case res.Status == storage.HealthUnhealthy:
		m.logger.Error("Storage became unhealthy", append(attrs, "errors", res.Errors)...)
	case res.Status == storage.HealthDegraded:
		m.logger.Warn("Storage degraded", attrs...)
	case prev != nil:
		m.logger.Info("Storage recovered", attrs...)
	default:
		m.logger.Debug("Storage healthy", attrs...)
	}
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(from, res.Status, res)
	}
	return res
}
