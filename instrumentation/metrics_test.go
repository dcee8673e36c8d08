package instrumentation

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetrics_RecordStorageOperation(t *testing.T) {
	ctx := context.Background()
	inst, reader, _ := newTestInstrumentation(t)
	metrics := inst.Metrics()

	tests := []struct {
		name       string
		operation  string
		result     string
		durationMs float64
	}{
		{"set success", "set_access_token", "success", 1.5},
		{"get not found", "get_access_token", "not_found", 0.4},
		{"duplicate create", "set_refresh_token", "already_exists", 0.9},
		{"connection error", "mark_code_used", "connection_error", 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.RecordStorageOperation(ctx, "valkey", tt.operation, tt.result, tt.durationMs)
		})
	}

	rm := collect(t, reader)
	if got := sumInt64(t, rm, "storage.operation.total"); got != int64(len(tests)) {
		t.Errorf("storage.operation.total = %d, want %d", got, len(tests))
	}

	m, ok := findMetric(rm, "storage.operation.duration")
	if !ok {
		t.Fatal("storage.operation.duration not collected")
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", m.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != uint64(len(tests)) {
		t.Errorf("histogram count = %d, want %d", count, len(tests))
	}
}

func TestMetrics_RecordCodeReuseDetected(t *testing.T) {
	ctx := context.Background()
	inst, reader, _ := newTestInstrumentation(t)

	inst.Metrics().RecordCodeReuseDetected(ctx, "valkey")
	inst.Metrics().RecordCodeReuseDetected(ctx, "memory")

	if got := sumInt64(t, collect(t, reader), "oauth.code.reuse_detected"); got != 2 {
		t.Errorf("oauth.code.reuse_detected = %d, want 2", got)
	}
}

func TestMetrics_RecordTransaction(t *testing.T) {
	ctx := context.Background()
	inst, reader, _ := newTestInstrumentation(t)

	inst.Metrics().RecordTransaction(ctx, "valkey", "committed", 4)
	inst.Metrics().RecordTransaction(ctx, "valkey", "rolled_back", 2)
	inst.Metrics().RecordTransaction(ctx, "valkey", "commit_failed", 4)

	rm := collect(t, reader)
	if got := sumInt64(t, rm, "storage.transaction.total"); got != 3 {
		t.Errorf("storage.transaction.total = %d, want 3", got)
	}

	m, ok := findMetric(rm, "storage.transaction.ops")
	if !ok {
		t.Fatal("storage.transaction.ops not collected")
	}
	hist := m.Data.(metricdata.Histogram[int64])
	var sum int64
	for _, dp := range hist.DataPoints {
		sum += dp.Sum
	}
	if sum != 10 {
		t.Errorf("storage.transaction.ops sum = %d, want 10", sum)
	}
}

func TestMetrics_ConnectionAndHealth(t *testing.T) {
	ctx := context.Background()
	inst, reader, _ := newTestInstrumentation(t)
	metrics := inst.Metrics()

	metrics.RecordConnectionAttempt(ctx, "valkey", false)
	metrics.RecordConnectionAttempt(ctx, "valkey", true)
	metrics.RecordConnectionStateChange(ctx, "valkey", "connecting", "connected")
	metrics.RecordHealthCheck(ctx, "valkey", "healthy", 3.2)
	metrics.RecordHealthCheck(ctx, "valkey", "degraded", 180)

	rm := collect(t, reader)
	if got := sumInt64(t, rm, "storage.connection.attempts"); got != 2 {
		t.Errorf("storage.connection.attempts = %d, want 2", got)
	}
	if got := sumInt64(t, rm, "storage.connection.state_changes"); got != 1 {
		t.Errorf("storage.connection.state_changes = %d, want 1", got)
	}
	if got := sumInt64(t, rm, "storage.health.checks"); got != 2 {
		t.Errorf("storage.health.checks = %d, want 2", got)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// No-op instruments must accept recordings.
	metrics := inst.Metrics()
	metrics.RecordStorageOperation(ctx, "memory", "get_client", "success", 0.1)
	metrics.RecordTransaction(ctx, "memory", "committed", 1)
	metrics.RecordHealthCheck(ctx, "memory", "healthy", 0.1)
}
