package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the credential store
type Metrics struct {
	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeAccessTokens  metric.Int64ObservableGauge
	StorageSizeRefreshTokens metric.Int64ObservableGauge
	StorageSizeCodes         metric.Int64ObservableGauge
	StorageSizeClients       metric.Int64ObservableGauge

	// Security Metrics
	CodeReuseDetected metric.Int64Counter

	// Transaction Metrics
	TransactionsTotal metric.Int64Counter
	TransactionOps    metric.Int64Histogram

	// Connection Metrics
	ConnectionAttemptsTotal metric.Int64Counter
	ConnectionStateChanges  metric.Int64Counter

	// Health Metrics
	HealthChecksTotal   metric.Int64Counter
	HealthCheckDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	storageMeter := inst.Meter("storage")
	healthMeter := inst.Meter("health")

	var err error
	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageSizeAccessTokens, err = storageMeter.Int64ObservableGauge(
		"storage.size.access_tokens",
		metric.WithDescription("Number of live access tokens"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.access_tokens gauge: %w", err)
	}

	m.StorageSizeRefreshTokens, err = storageMeter.Int64ObservableGauge(
		"storage.size.refresh_tokens",
		metric.WithDescription("Number of live refresh tokens"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.refresh_tokens gauge: %w", err)
	}

	m.StorageSizeCodes, err = storageMeter.Int64ObservableGauge(
		"storage.size.authorization_codes",
		metric.WithDescription("Number of live authorization codes"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.authorization_codes gauge: %w", err)
	}

	m.StorageSizeClients, err = storageMeter.Int64ObservableGauge(
		"storage.size.clients",
		metric.WithDescription("Number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.clients gauge: %w", err)
	}

	m.CodeReuseDetected, err = storageMeter.Int64Counter(
		"oauth.code.reuse_detected",
		metric.WithDescription("Number of authorization code reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.reuse_detected counter: %w", err)
	}

	m.TransactionsTotal, err = storageMeter.Int64Counter(
		"storage.transaction.total",
		metric.WithDescription("Number of finished transactions by outcome"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.transaction.total counter: %w", err)
	}

	m.TransactionOps, err = storageMeter.Int64Histogram(
		"storage.transaction.ops",
		metric.WithDescription("Number of buffered operations per transaction"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.transaction.ops histogram: %w", err)
	}

	m.ConnectionAttemptsTotal, err = storageMeter.Int64Counter(
		"storage.connection.attempts",
		metric.WithDescription("Number of backend connection attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.connection.attempts counter: %w", err)
	}

	m.ConnectionStateChanges, err = storageMeter.Int64Counter(
		"storage.connection.state_changes",
		metric.WithDescription("Number of backend connection state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.connection.state_changes counter: %w", err)
	}

	m.HealthChecksTotal, err = healthMeter.Int64Counter(
		"storage.health.checks",
		metric.WithDescription("Number of health checks by resulting status"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.health.checks counter: %w", err)
	}

	m.HealthCheckDuration, err = healthMeter.Float64Histogram(
		"storage.health.latency",
		metric.WithDescription("Health check read/write round trip in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.health.latency histogram: %w", err)
	}

	return m, nil
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(AttrStorageBackend, backend)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		backendAttr(backend),
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		backendAttr(backend),
		attribute.String(AttrStorageOperation, operation),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context, backend string) {
	m.CodeReuseDetected.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
}

// RecordTransaction records a finished transaction. outcome is the final
// transaction state, or "commit_failed".
func (m *Metrics) RecordTransaction(ctx context.Context, backend, outcome string, ops int) {
	attrs := metric.WithAttributes(
		backendAttr(backend),
		attribute.String(AttrTxOutcome, outcome),
	)
	m.TransactionsTotal.Add(ctx, 1, attrs)
	m.TransactionOps.Record(ctx, int64(ops), metric.WithAttributes(backendAttr(backend)))
}

// RecordConnectionAttempt records one connect attempt
func (m *Metrics) RecordConnectionAttempt(ctx context.Context, backend string, success bool) {
	m.ConnectionAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		backendAttr(backend),
		attribute.Bool("success", success),
	))
}

// RecordConnectionStateChange records a connection state transition
func (m *Metrics) RecordConnectionStateChange(ctx context.Context, backend, from, to string) {
	m.ConnectionStateChanges.Add(ctx, 1, metric.WithAttributes(
		backendAttr(backend),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordHealthCheck records a health check result
func (m *Metrics) RecordHealthCheck(ctx context.Context, backend, status string, latencyMs float64) {
	m.HealthChecksTotal.Add(ctx, 1, metric.WithAttributes(
		backendAttr(backend),
		attribute.String(AttrHealthStatus, status),
	))
	m.HealthCheckDuration.Record(ctx, latencyMs, metric.WithAttributes(backendAttr(backend)))
}
