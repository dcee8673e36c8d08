package instrumentation

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestInstrumentation returns instrumentation backed by an in-memory metric
// reader and span recorder.
func newTestInstrumentation(t *testing.T) (*Instrumentation, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})

	inst, err := New(Config{
		Enabled:        true,
		ServiceName:    "test-service",
		MeterProvider:  mp,
		TracerProvider: tp,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return inst, reader, sr
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// sumInt64 adds up every data point of an int64 counter.
func sumInt64(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	if !ok {
		t.Fatalf("metric %q not collected", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q has data type %T, want Sum[int64]", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name:   "disabled uses no-op providers",
			config: Config{Enabled: false},
		},
		{
			name: "with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name:   "enabled falls back to global providers",
			config: Config{Enabled: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Meter("storage") == nil {
				t.Error("Meter('storage') returned nil")
			}
			if inst.Tracer("storage") == nil {
				t.Error("Tracer('storage') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.Resource() == nil {
				t.Error("Resource() returned nil")
			}
		})
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, reader, _ := newTestInstrumentation(t)

	reg, err := inst.RegisterStorageSizeCallbacks("memory", StorageSizeCallbacks{
		AccessTokens:  func() int64 { return 3 },
		RefreshTokens: func() int64 { return 2 },
		Clients:       func() int64 { return 1 },
	})
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}
	defer func() { _ = reg.Unregister() }()

	rm := collect(t, reader)

	m, ok := findMetric(rm, "storage.size.access_tokens")
	if !ok {
		t.Fatal("storage.size.access_tokens not collected")
	}
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", m.Data)
	}
	if len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 3 {
		t.Errorf("access token gauge = %+v, want single point of 3", gauge.DataPoints)
	}

	if m, ok := findMetric(rm, "storage.size.authorization_codes"); ok {
		if g, _ := m.Data.(metricdata.Gauge[int64]); len(g.DataPoints) != 0 {
			t.Errorf("nil callback should not be observed, got %+v", g.DataPoints)
		}
	}
}
