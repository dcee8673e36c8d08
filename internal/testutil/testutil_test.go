package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewMockTime(start)

	assert.Equal(t, start, clk.Now())
	clk.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), clk.Now())
	clk.Set(start)
	assert.Equal(t, start, clk.Now())
}

func TestGeneratePKCEPair(t *testing.T) {
	challenge, verifier := GeneratePKCEPair()

	hash := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), challenge)
	assert.Len(t, verifier, 50)
}

func TestGenerateTestClient(t *testing.T) {
	c, err := GenerateTestClient("c-1", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "confidential", c.ClientType)
	assert.True(t, c.VerifySecret("s3cret"))

	p, err := GenerateTestClient("c-2", "")
	require.NoError(t, err)
	assert.Empty(t, p.ClientSecretHash)
	assert.False(t, p.VerifySecret(""))
}

func TestKey(t *testing.T) {
	assert.NotEqual(t, Key("at"), Key("at"))
}
