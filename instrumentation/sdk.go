package instrumentation

import (
	"context"
	"log/slog"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// installSDK creates SDK providers for the providers config leaves unset.
// Finished spans are logged at debug level as they are exported; metrics are
// collected once and logged on Shutdown.
func (i *Instrumentation) installSDK(res *resource.Resource, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	if i.tracerProvider == nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(&logSpanExporter{logger: logger}),
		)
		i.tracerProvider = tp
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	}

	if i.meterProvider == nil {
		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, func(ctx context.Context) error {
			var rm metricdata.ResourceMetrics
			if err := reader.Collect(ctx, &rm); err == nil {
				logMetrics(ctx, logger, rm)
			}
			return mp.Shutdown(ctx)
		})
	}
}

type logSpanExporter struct {
	logger *slog.Logger
}

func (e *logSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.logger.LogAttrs(ctx, slog.LevelDebug, "Span finished",
			slog.String("name", s.Name()),
			slog.String("trace_id", s.SpanContext().TraceID().String()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
			slog.String("status", s.Status().Code.String()))
	}
	return nil
}

func (e *logSpanExporter) Shutdown(context.Context) error {
	return nil
}

func logMetrics(ctx context.Context, logger *slog.Logger, rm metricdata.ResourceMetrics) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			points, value := summarize(m.Data)
			logger.LogAttrs(ctx, slog.LevelDebug, "Metric collected",
				slog.String("scope", sm.Scope.Name),
				slog.String("name", m.Name),
				slog.Int("points", points),
				slog.Float64("value", value))
		}
	}
}

// summarize returns the number of data points and their total (sums), last
// value (gauges) or total count (histograms).
func summarize(data metricdata.Aggregation) (int, float64) {
	switch d := data.(type) {
	case metricdata.Sum[int64]:
		var total float64
		for _, dp := range d.DataPoints {
			total += float64(dp.Value)
		}
		return len(d.DataPoints), total
	case metricdata.Sum[float64]:
		var total float64
		for _, dp := range d.DataPoints {
			total += dp.Value
		}
		return len(d.DataPoints), total
	case metricdata.Gauge[int64]:
		if n := len(d.DataPoints); n > 0 {
			return n, float64(d.DataPoints[n-1].Value)
		}
	case metricdata.Gauge[float64]:
		if n := len(d.DataPoints); n > 0 {
			return n, d.DataPoints[n-1].Value
		}
	case metricdata.Histogram[float64]:
		var count uint64
		for _, dp := range d.DataPoints {
			count += dp.Count
		}
		return len(d.DataPoints), float64(count)
	case metricdata.Histogram[int64]:
		var count uint64
		for _, dp := range d.DataPoints {
			count += dp.Count
		}
		return len(d.DataPoints), float64(count)
	}
	return 0, 0
}
