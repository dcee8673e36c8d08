package mongodb

import (
	"time"

	"github.com/giantswarm/mcp-oauth-store/storage"
)

// BSON documents. The credential key is the _id; expires_at drives the TTL
// index and the read-time expiry filter.

type accessTokenDoc struct {
	Token     string    `bson:"_id"`
	ClientID  string    `bson:"client_id"`
	UserID    string    `bson:"user_id,omitempty"`
	Scopes    []string  `bson:"scopes,omitempty"`
	Resource  string    `bson:"resource,omitempty"`
	IssuedAt  time.Time `bson:"issued_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type refreshTokenDoc struct {
	Token       string    `bson:"_id"`
	AccessToken string    `bson:"access_token"`
	ClientID    string    `bson:"client_id"`
	UserID      string    `bson:"user_id,omitempty"`
	Scopes      []string  `bson:"scopes,omitempty"`
	IssuedAt    time.Time `bson:"issued_at"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

type authorizationCodeDoc struct {
	Code                string    `bson:"_id"`
	ClientID            string    `bson:"client_id"`
	UserID              string    `bson:"user_id,omitempty"`
	Scopes              []string  `bson:"scopes,omitempty"`
	RedirectURI         string    `bson:"redirect_uri,omitempty"`
	CodeChallenge       string    `bson:"code_challenge,omitempty"`
	CodeChallengeMethod string    `bson:"code_challenge_method,omitempty"`
	Resource            string    `bson:"resource,omitempty"`
	CreatedAt           time.Time `bson:"created_at"`
	ExpiresAt           time.Time `bson:"expires_at"`
	Used                bool      `bson:"used"`
}

// clientDoc has no expires_at, so the TTL index never applies to it.
type clientDoc struct {
	ClientID         string    `bson:"_id"`
	ClientSecretHash string    `bson:"client_secret_hash,omitempty"`
	ClientType       string    `bson:"client_type,omitempty"`
	ClientName       string    `bson:"client_name,omitempty"`
	RedirectURIs     []string  `bson:"redirect_uris,omitempty"`
	Scopes           []string  `bson:"scopes,omitempty"`
	GrantTypes       []string  `bson:"grant_types,omitempty"`
	CreatedAt        time.Time `bson:"created_at"`
}

type healthDoc struct {
	ID        string    `bson:"_id"`
	Value     string    `bson:"value"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// expiryDoc decodes just the expiry of any credential document.
type expiryDoc struct {
	ExpiresAt time.Time `bson:"expires_at"`
}

func toAccessTokenDoc(t *storage.AccessToken) *accessTokenDoc {
	return &accessTokenDoc{
		Token:     t.Token,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scopes:    t.Scopes,
		Resource:  t.Resource,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	}
}

func fromAccessTokenDoc(d *accessTokenDoc) *storage.AccessToken {
	if d == nil {
		return nil
	}
	return &storage.AccessToken{
		Token:     d.Token,
		ClientID:  d.ClientID,
		UserID:    d.UserID,
		Scopes:    d.Scopes,
		Resource:  d.Resource,
		IssuedAt:  d.IssuedAt,
		ExpiresAt: d.ExpiresAt,
	}
}

func toRefreshTokenDoc(t *storage.RefreshToken) *refreshTokenDoc {
	return &refreshTokenDoc{
		Token:       t.Token,
		AccessToken: t.AccessToken,
		ClientID:    t.ClientID,
		UserID:      t.UserID,
		Scopes:      t.Scopes,
		IssuedAt:    t.IssuedAt,
		ExpiresAt:   t.ExpiresAt,
	}
}

func fromRefreshTokenDoc(d *refreshTokenDoc) *storage.RefreshToken {
	if d == nil {
		return nil
	}
	return &storage.RefreshToken{
		Token:       d.Token,
		AccessToken: d.AccessToken,
		ClientID:    d.ClientID,
		UserID:      d.UserID,
		Scopes:      d.Scopes,
		IssuedAt:    d.IssuedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}

func toAuthorizationCodeDoc(c *storage.AuthorizationCode) *authorizationCodeDoc {
	return &authorizationCodeDoc{
		Code:                c.Code,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		Scopes:              c.Scopes,
		RedirectURI:         c.RedirectURI,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Resource:            c.Resource,
		CreatedAt:           c.CreatedAt,
		ExpiresAt:           c.ExpiresAt,
		Used:                c.Used,
	}
}

func fromAuthorizationCodeDoc(d *authorizationCodeDoc) *storage.AuthorizationCode {
	if d == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                d.Code,
		ClientID:            d.ClientID,
		UserID:              d.UserID,
		Scopes:              d.Scopes,
		RedirectURI:         d.RedirectURI,
		CodeChallenge:       d.CodeChallenge,
		CodeChallengeMethod: d.CodeChallengeMethod,
		Resource:            d.Resource,
		CreatedAt:           d.CreatedAt,
		ExpiresAt:           d.ExpiresAt,
		Used:                d.Used,
	}
}

func toClientDoc(c *storage.Client) *clientDoc {
	return &clientDoc{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientType:       c.ClientType,
		ClientName:       c.ClientName,
		RedirectURIs:     c.RedirectURIs,
		Scopes:           c.Scopes,
		GrantTypes:       c.GrantTypes,
		CreatedAt:        c.CreatedAt,
	}
}

func fromClientDoc(d *clientDoc) *storage.Client {
	if d == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         d.ClientID,
		ClientSecretHash: d.ClientSecretHash,
		ClientType:       d.ClientType,
		ClientName:       d.ClientName,
		RedirectURIs:     d.RedirectURIs,
		Scopes:           d.Scopes,
		GrantTypes:       d.GrantTypes,
		CreatedAt:        d.CreatedAt,
	}
}
