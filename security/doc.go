// Package security provides the audit trail and secret generation used by the
// credential store's administrative tooling.
//
// # Audit Logging
//
// The Auditor writes one structured "security_audit" log line per
// administrative action (client registration, deletion, bulk token
// revocation, secret checks). User IDs are logged as truncated SHA-256 hashes.
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.LogClientTokensRevoked("ops@example.com", clientID, n)
//
// # Client Secrets
//
// GenerateClientSecret returns 32 random bytes, base64url encoded. Store only
// the result of storage.HashClientSecret.
package security
