package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-oauth-store/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Key returns a unique record key with a readable prefix.
func Key(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// GenerateTestAccessToken creates an access token record for clientID
func GenerateTestAccessToken(token, clientID string) *storage.AccessToken {
	return &storage.AccessToken{
		Token:    token,
		ClientID: clientID,
		UserID:   "user-1",
		Scopes:   []string{"read", "write"},
	}
}

// GenerateTestRefreshToken creates a refresh token record paired with access
func GenerateTestRefreshToken(token, access, clientID string) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:       token,
		AccessToken: access,
		ClientID:    clientID,
		UserID:      "user-1",
		Scopes:      []string{"read"},
	}
}

// GenerateTestAuthorizationCode creates an unused S256 authorization code
func GenerateTestAuthorizationCode(code string) *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "client-1",
		UserID:              "user-1",
		Scopes:              []string{"openid"},
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}
}

// GenerateTestClient creates a confidential client whose secret is secret.
// An empty secret yields a public client.
func GenerateTestClient(clientID, secret string) (*storage.Client, error) {
	c := &storage.Client{
		ClientID:     clientID,
		ClientType:   storage.ClientTypePublic,
		ClientName:   "Test Client",
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"openid", "email", "profile"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
	}
	if secret == "" {
		return c, nil
	}
	hash, err := storage.HashClientSecret(secret)
	if err != nil {
		return nil, err
	}
	c.ClientType = "confidential"
	c.ClientSecretHash = hash
	return c, nil
}
