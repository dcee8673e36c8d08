package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashClientSecret(t *testing.T) {
	hash, err := HashClientSecret("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)

	c := &Client{ClientID: "c", ClientSecretHash: hash}
	assert.True(t, c.VerifySecret("s3cret"))
	assert.False(t, c.VerifySecret("wrong"))

	_, err = HashClientSecret("")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCheckClientSecret(t *testing.T) {
	hash, err := HashClientSecret("s3cret")
	require.NoError(t, err)

	confidential := &Client{ClientID: "conf", ClientSecretHash: hash, ClientType: "confidential"}
	public := &Client{ClientID: "pub", ClientType: ClientTypePublic}
	noHash := &Client{ClientID: "nohash"}
	outage := fmt.Errorf("%w: dial tcp: connection refused", ErrConnection)

	tests := []struct {
		name      string
		client    *Client
		lookupErr error
		secret    string
		wantErr   error
	}{
		{name: "valid secret", client: confidential, secret: "s3cret"},
		{name: "wrong secret", client: confidential, secret: "nope", wantErr: ErrInvalidClientCredentials},
		{name: "empty secret", client: confidential, secret: "", wantErr: ErrInvalidClientCredentials},
		{name: "public client", client: public, secret: ""},
		{name: "confidential client without hash", client: noHash, secret: "test", wantErr: ErrInvalidClientCredentials},
		{name: "unknown client", lookupErr: ErrNotFound, secret: "test", wantErr: ErrInvalidClientCredentials},
		{name: "backend outage", lookupErr: outage, secret: "s3cret", wantErr: ErrConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckClientSecret(tt.client, tt.lookupErr, tt.secret)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCheckClientSecret_UnknownClientIsIndistinguishable(t *testing.T) {
	hash, err := HashClientSecret("s3cret")
	require.NoError(t, err)

	missing := CheckClientSecret(nil, ErrNotFound, "guess")
	wrong := CheckClientSecret(&Client{ClientID: "c", ClientSecretHash: hash}, nil, "guess")

	assert.True(t, errors.Is(missing, ErrInvalidClientCredentials))
	assert.Equal(t, missing.Error(), wrong.Error())
}
