// Package valkey provides the reference storage.Store backend on Valkey.
//
// Valkey is wire-compatible with Redis, so any Redis 6.2+ server works as well.
// Records are JSON values under namespaced keys; expiry is delegated to the
// server by passing TTL seconds straight through to SET ... EX.
//
// # Key Schema
//
// All keys use a configurable prefix (default "mcp:") to avoid conflicts with
// other applications sharing the same Valkey instance:
//
//	{prefix}token:{token}      -> JSON(AccessToken)        SET NX EX ttl
//	{prefix}refresh:{token}    -> JSON(RefreshToken)       SET NX EX ttl
//	{prefix}code:{code}        -> JSON(AuthorizationCode)  SET NX EX ttl
//	{prefix}client:{clientID}  -> JSON(Client)             SET NX, no TTL
//	{prefix}health:{uuid}      -> probe value              SET NX EX 10
//
// # Atomic Operations
//
//   - Creates use SET NX, so a duplicate key fails with storage.ErrAlreadyExists.
//   - MarkAuthorizationCodeUsed runs a Lua script that reads the code, checks
//     the used flag and rewrites it with KEEPTTL in one server-side step.
//   - Transactions WATCH every touched key on a dedicated connection, verify
//     buffered creates are absent, then apply all writes in MULTI/EXEC. A nil
//     EXEC reply fails the commit with storage.ErrCommitFailed.
//
// # Connection Management
//
// Connect retries with exponential backoff (min(base * 2^attempt, max), no
// jitter) up to MaxRetries and then fails with storage.ErrConnection.
// Transport errors on any command move the store to the error state; the next
// successful reply moves it back to connected.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "mcp:",
//	})
//	if err != nil {
//	    return err
//	}
//	if err := store.Connect(ctx); err != nil {
//	    return err
//	}
//	defer store.Disconnect(ctx)
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Best Practices
//
//   - Always use TLS in production environments
//   - Use dedicated Valkey instances or databases for OAuth storage
//   - ListClients, DeleteTokensByClient and Stats scan the keyspace; keep them
//     off request paths
package valkey
