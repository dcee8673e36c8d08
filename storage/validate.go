package storage

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxKeyLength is the maximum length of a token, code or client key (512 bytes).
	MaxKeyLength = 512
)

// validate caches struct metadata, so one instance is shared.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateTTL rejects non-positive TTLs.
func ValidateTTL(ttlSeconds int64) error {
	if ttlSeconds <= 0 {
		return fmt.Errorf("%w: ttlSeconds must be positive, got %d", ErrInvalidArgument, ttlSeconds)
	}
	return nil
}

// ValidateKey rejects empty or oversized keys.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidArgument)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key exceeds maximum length of %d bytes", ErrInvalidArgument, MaxKeyLength)
	}
	return nil
}

// ValidateRecord checks the validate struct tags of an entity.
func ValidateRecord(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}

// checkSet validates the common arguments of every Set* call.
func checkSet(key string, value any, ttlSeconds int64) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttlSeconds); err != nil {
		return err
	}
	if value == nil {
		return fmt.Errorf("%w: value cannot be nil", ErrInvalidArgument)
	}
	return nil
}

// keyMismatch reports a record whose own identifier disagrees with the storage key.
func keyMismatch(field, key, got string) error {
	if got != "" && got != key {
		return fmt.Errorf("%w: %s does not match key", ErrInvalidArgument, field)
	}
	return nil
}

// expiry derives the absolute expiry from a TTL in seconds.
func expiry(now time.Time, ttlSeconds int64) time.Time {
	return now.Add(time.Duration(ttlSeconds) * time.Second)
}

// PrepareAccessToken validates the arguments of SetAccessToken and returns the
// record to persist: a copy keyed by token, with IssuedAt defaulted and
// ExpiresAt derived from ttlSeconds.
func PrepareAccessToken(token string, value *AccessToken, ttlSeconds int64, now time.Time) (*AccessToken, error) {
	if value == nil {
		return nil, checkSet(token, nil, ttlSeconds)
	}
	if err := checkSet(token, value, ttlSeconds); err != nil {
		return nil, err
	}
	if err := keyMismatch("Token", token, value.Token); err != nil {
		return nil, err
	}
	rec := *value
	rec.Token = token
	rec.Scopes = cloneStrings(value.Scopes)
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = now
	}
	rec.ExpiresAt = expiry(now, ttlSeconds)
	if err := ValidateRecord(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PrepareRefreshToken is the RefreshToken counterpart of PrepareAccessToken.
func PrepareRefreshToken(token string, value *RefreshToken, ttlSeconds int64, now time.Time) (*RefreshToken, error) {
	if value == nil {
		return nil, checkSet(token, nil, ttlSeconds)
	}
	if err := checkSet(token, value, ttlSeconds); err != nil {
		return nil, err
	}
	if err := keyMismatch("Token", token, value.Token); err != nil {
		return nil, err
	}
	rec := *value
	rec.Token = token
	rec.Scopes = cloneStrings(value.Scopes)
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = now
	}
	rec.ExpiresAt = expiry(now, ttlSeconds)
	if err := ValidateRecord(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PrepareAuthorizationCode is the AuthorizationCode counterpart of PrepareAccessToken.
// New codes are always stored unused.
func PrepareAuthorizationCode(code string, value *AuthorizationCode, ttlSeconds int64, now time.Time) (*AuthorizationCode, error) {
	if value == nil {
		return nil, checkSet(code, nil, ttlSeconds)
	}
	if err := checkSet(code, value, ttlSeconds); err != nil {
		return nil, err
	}
	if err := keyMismatch("Code", code, value.Code); err != nil {
		return nil, err
	}
	if value.Used {
		return nil, fmt.Errorf("%w: authorization code cannot be created as used", ErrInvalidArgument)
	}
	rec := *value
	rec.Code = code
	rec.Scopes = cloneStrings(value.Scopes)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ExpiresAt = expiry(now, ttlSeconds)
	if err := ValidateRecord(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PrepareClient validates a client for CreateClient and returns a copy to persist.
func PrepareClient(client *Client, now time.Time) (*Client, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client cannot be nil", ErrInvalidArgument)
	}
	if err := ValidateKey(client.ClientID); err != nil {
		return nil, err
	}
	rec := *client
	rec.RedirectURIs = cloneStrings(client.RedirectURIs)
	rec.Scopes = cloneStrings(client.Scopes)
	rec.GrantTypes = cloneStrings(client.GrantTypes)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if err := ValidateRecord(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
