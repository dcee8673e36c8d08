package storage

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ClientTypePublic marks clients that authenticate without a secret.
const ClientTypePublic = "public"

// dummyHash is compared against when the client does not exist, so lookups for
// unknown clients cost the same bcrypt work as real ones.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashClientSecret returns the bcrypt hash to store in Client.ClientSecretHash.
func HashClientSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: client secret cannot be empty", ErrInvalidArgument)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(h), nil
}

// CheckClientSecret implements ValidateClientSecret on top of a client lookup.
// lookupErr is the error returned by GetClient. A bcrypt comparison always
// runs, whether or not the client exists. Backend failures other than
// ErrNotFound are returned as is so outages are not reported as bad credentials.
func CheckClientSecret(client *Client, lookupErr error, secret string) error {
	hash := dummyHash
	public := false
	if lookupErr == nil && client != nil {
		if client.ClientType == ClientTypePublic {
			public = true
		} else if client.ClientSecretHash != "" {
			hash = client.ClientSecretHash
		}
	}

	cmpErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))

	switch {
	case lookupErr != nil && !IsNotFoundError(lookupErr):
		return lookupErr
	case lookupErr != nil || client == nil:
		return ErrInvalidClientCredentials
	case public:
		return nil
	case client.ClientSecretHash == "" || cmpErr != nil:
		return ErrInvalidClientCredentials
	}
	return nil
}
