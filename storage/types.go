package storage

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// Entity names used for key namespacing ({prefix}{entity}:{id}) and metrics.
const (
	EntityClient            = "client"
	EntityAccessToken       = "token"
	EntityRefreshToken      = "refresh"
	EntityAuthorizationCode = "code"
)

// Client represents a registered OAuth client. Clients have no TTL.
type Client struct {
	ClientID         string   `validate:"required,max=256"`
	ClientSecretHash string   // bcrypt hash, empty for public clients
	ClientType       string   `validate:"omitempty,oneof=public confidential"`
	ClientName       string   `validate:"max=256"`
	RedirectURIs     []string `validate:"dive,required,uri"`
	Scopes           []string `validate:"dive,required"`
	GrantTypes       []string `validate:"dive,required"`
	CreatedAt        time.Time
}

// VerifySecret compares a plaintext secret with the stored bcrypt hash.
// Public clients (no hash) never verify.
func (c *Client) VerifySecret(secret string) bool {
	if c == nil || c.ClientSecretHash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(secret)) == nil
}

// AccessToken is a bearer credential. Token is the storage key.
type AccessToken struct {
	Token     string   `validate:"required,max=512"`
	ClientID  string   `validate:"required,max=256"`
	UserID    string   `validate:"max=256"`
	Scopes    []string `validate:"dive,required"`
	Resource  string   // RFC 8707 audience, optional
	IssuedAt  time.Time
	ExpiresAt time.Time // derived from the TTL at write time
}

// OAuth2Token converts the record into an oauth2.Token for callers built on golang.org/x/oauth2.
func (t *AccessToken) OAuth2Token() *oauth2.Token {
	if t == nil {
		return nil
	}
	tok := &oauth2.Token{
		AccessToken: t.Token,
		TokenType:   "Bearer",
		Expiry:      t.ExpiresAt,
	}
	if len(t.Scopes) > 0 {
		tok = tok.WithExtra(map[string]any{"scope": strings.Join(t.Scopes, " ")})
	}
	return tok
}

// RefreshToken mints new access tokens. AccessToken references the access
// token issued alongside it.
type RefreshToken struct {
	Token       string   `validate:"required,max=512"`
	AccessToken string   `validate:"required,max=512"`
	ClientID    string   `validate:"required,max=256"`
	UserID      string   `validate:"max=256"`
	Scopes      []string `validate:"dive,required"`
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// AuthorizationCode is a one-time exchange voucher.
// Used only ever transitions from false to true, via MarkAuthorizationCodeUsed.
type AuthorizationCode struct {
	Code                string   `validate:"required,max=512"`
	ClientID            string   `validate:"required,max=256"`
	UserID              string   `validate:"max=256"`
	Scopes              []string `validate:"dive,required"`
	RedirectURI         string   `validate:"omitempty,uri"`
	CodeChallenge       string   `validate:"max=128"`
	CodeChallengeMethod string   `validate:"omitempty,oneof=S256 plain"`
	Resource            string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// Stats is a point-in-time snapshot for capacity planning.
type Stats struct {
	AccessTokens       int64             `json:"access_tokens"`
	RefreshTokens      int64             `json:"refresh_tokens"`
	AuthorizationCodes int64             `json:"authorization_codes"`
	Clients            int64             `json:"clients"`
	Backend            map[string]string `json:"backend,omitempty"`
	CollectedAt        time.Time         `json:"collected_at"`

	// CountsUnavailable is set when a health check gave up counting records
	// within its budget; the per-entity counts are then zero.
	CountsUnavailable bool `json:"counts_unavailable,omitempty"`
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.RedirectURIs = cloneStrings(c.RedirectURIs)
	out.Scopes = cloneStrings(c.Scopes)
	out.GrantTypes = cloneStrings(c.GrantTypes)
	return &out
}

// Clone returns a deep copy.
func (t *AccessToken) Clone() *AccessToken {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = cloneStrings(t.Scopes)
	return &out
}

// Clone returns a deep copy.
func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = cloneStrings(t.Scopes)
	return &out
}

// Clone returns a deep copy.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = cloneStrings(c.Scopes)
	return &out
}
