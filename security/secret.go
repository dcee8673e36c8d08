package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// ClientSecretBytes is the entropy of a generated client secret.
const ClientSecretBytes = 32

// GenerateClientSecret returns a random URL-safe client secret. Only its
// bcrypt hash is ever stored.
func GenerateClientSecret() (string, error) {
	b := make([]byte, ClientSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
