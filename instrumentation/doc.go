// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the credential store.
//
// Backends accept an *Instrumentation through SetInstrumentation and use it to
// record a span and metrics for every storage operation:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-oauth-service",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	store.SetInstrumentation(inst)
//
// When Enabled is true and no providers are configured, the otel global
// providers are used, so exporters are wired by the application in the usual
// way (otel.SetMeterProvider, otel.SetTracerProvider). When Enabled is false
// no-op providers are used.
//
// # Available Metrics
//
// Storage:
//   - storage.operation.total{storage.backend, storage.operation, storage.result}
//   - storage.operation.duration{storage.backend, storage.operation} - milliseconds
//   - storage.size.access_tokens, storage.size.refresh_tokens,
//     storage.size.authorization_codes, storage.size.clients{storage.backend} - gauges
//
// Security:
//   - oauth.code.reuse_detected{storage.backend} - MarkAuthorizationCodeUsed returned false
//
// Transactions:
//   - storage.transaction.total{storage.backend, storage.tx.outcome}
//   - storage.transaction.ops{storage.backend} - buffered operations per transaction
//
// Connection:
//   - storage.connection.attempts{storage.backend, success}
//   - storage.connection.state_changes{storage.backend, from, to}
//
// Health:
//   - storage.health.checks{storage.backend, storage.health.status}
//   - storage.health.latency{storage.backend} - read/write round trip in milliseconds
//
// # Security
//
// Credential values never appear in span attributes or metric labels. Only
// operation names, backends, results and client IDs are recorded.
package instrumentation
