package storage

import (
	"context"
)

// Lifecycle manages backend connectivity.
type Lifecycle interface {
	// Connect establishes connectivity. It is idempotent if already connected and
	// fails with ErrConnection when the backend stays unreachable within the
	// configured timeout and retry ceiling.
	Connect(ctx context.Context) error

	// Disconnect releases all resources. Safe to call multiple times.
	Disconnect(ctx context.Context) error

	// Status returns the current connection state.
	Status() ConnectionState
}

// AccessTokenStore stores access tokens with a TTL in seconds.
type AccessTokenStore interface {
	// SetAccessToken persists a new access token. It fails with ErrInvalidArgument
	// if ttlSeconds <= 0 and with ErrAlreadyExists if the key is present.
	SetAccessToken(ctx context.Context, token string, value *AccessToken, ttlSeconds int64) error

	// GetAccessToken returns ErrNotFound for absent or expired tokens.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken reports whether a record was removed.
	DeleteAccessToken(ctx context.Context, token string) (bool, error)
}

// RefreshTokenStore stores refresh tokens with a TTL in seconds.
type RefreshTokenStore interface {
	SetRefreshToken(ctx context.Context, token string, value *RefreshToken, ttlSeconds int64) error
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) (bool, error)
}

// AuthorizationCodeStore stores authorization codes and consumes them exactly once.
type AuthorizationCodeStore interface {
	SetAuthorizationCode(ctx context.Context, code string, value *AuthorizationCode, ttlSeconds int64) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	DeleteAuthorizationCode(ctx context.Context, code string) (bool, error)

	// MarkAuthorizationCodeUsed atomically flips Used from false to true on the
	// backend itself. Exactly one caller observes true; every concurrent or later
	// caller observes false. Unknown or expired codes return ErrNotFound.
	//
	// SECURITY: this is the replay guard for the code exchange. Callers must fail
	// closed on any error.
	MarkAuthorizationCodeUsed(ctx context.Context, code string) (bool, error)
}

// ClientStore stores client registrations. Clients have no TTL.
type ClientStore interface {
	// CreateClient fails with ErrAlreadyExists for a duplicate client ID.
	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	DeleteClient(ctx context.Context, clientID string) (bool, error)

	// ListClients enumerates every client. Backends without a secondary index
	// scan the namespace, so this is not for latency-critical paths.
	ListClients(ctx context.Context) ([]*Client, error)

	// ValidateClientSecret checks a plaintext secret against the stored hash.
	// Unknown clients and wrong secrets both return ErrInvalidClientCredentials.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// BulkStore provides derived operations that span many keys.
type BulkStore interface {
	// DeleteTokensByClient removes every access token owned by clientID and
	// returns how many were removed. Used for full client revocation.
	DeleteTokensByClient(ctx context.Context, clientID string) (int, error)

	// FindTokensByRefreshToken resolves the access token a refresh token points
	// to. It returns ErrNotFound if the refresh token is absent and an empty
	// slice if the referenced access token has expired or been deleted.
	FindTokensByRefreshToken(ctx context.Context, refreshToken string) ([]*AccessToken, error)
}

// Monitor exposes operational signals.
type Monitor interface {
	// HealthCheck never returns an error; failures are encoded in the result.
	HealthCheck(ctx context.Context) *HealthResult

	// Stats returns live record counts and backend metrics.
	Stats(ctx context.Context) (*Stats, error)
}

// Transactor opens transactions.
type Transactor interface {
	Begin(ctx context.Context) (Tx, error)
}

// Store is the complete persistence contract. Every backend declares
//
//	var _ storage.Store = (*Store)(nil)
//
// so conformance is checked at compile time.
type Store interface {
	Lifecycle
	AccessTokenStore
	RefreshTokenStore
	AuthorizationCodeStore
	ClientStore
	BulkStore
	Monitor
	Transactor
}
