package security

// Event type constants for security audit logging.
const (
	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientDeleted is logged when a client registration is removed
	EventClientDeleted = "client_deleted"

	// EventClientTokensRevoked is logged when all access tokens of a client are deleted
	EventClientTokensRevoked = "client_tokens_revoked" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventClientSecretVerified is logged when a client secret check succeeds
	EventClientSecretVerified = "client_secret_verified" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventAuthFailure is logged when a client secret check fails
	EventAuthFailure = "auth_failure"
)
