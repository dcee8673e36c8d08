// Package storage defines the persistence contract for OAuth credentials.
//
// The storage package describes what every backend must guarantee:
//   - Store: lifecycle, CRUD with TTL, bulk operations, atomic code consumption, stats and health
//   - Tx: a buffered, all-or-nothing write unit used for token rotation
//   - HealthResult and Stats: machine-readable operational signals
//
// It also provides the pieces shared by all backends: the entity model, the
// error taxonomy, argument and record validation, the connection state machine,
// the retry backoff used by Connect, the health check algorithm and a generic
// buffered transaction that backends complete by implementing TxBackend.
//
// Implementations are provided in subpackages:
//   - storage/valkey: Valkey/Redis-compatible storage for production
//   - storage/mongodb: MongoDB storage using document-level atomicity and sessions
//   - storage/memory: In-memory storage for development and testing
//   - storage/mock: Fault-injecting wrapper for unit tests
//
// Every implementation is verified against the shared suite in storage/storagetest.
//
// # TTL Units
//
// All TTLs in this package are expressed in whole seconds (int64). Backends must
// pass the value through to their native expiry primitive unchanged.
package storage
