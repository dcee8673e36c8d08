package mongodb

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/giantswarm/mcp-oauth-store/internal/testutil"
	"github.com/giantswarm/mcp-oauth-store/storage"
	"github.com/giantswarm/mcp-oauth-store/storage/storagetest"
)

// testURI returns MONGODB_TEST_URI or skips. The server must be a replica set
// for the transaction tests, e.g.
//
//	docker run -d -p 27017:27017 mongo:7 --replSet rs0
//	docker exec <id> mongosh --eval 'rs.initiate()'
//	MONGODB_TEST_URI='mongodb://localhost:27017/?replicaSet=rs0&directConnection=true'
func testURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}
	return uri
}

// newTestStore connects a store to a fresh database that is dropped on cleanup.
func newTestStore(t *testing.T, mutate ...func(*Config)) *Store {
	t.Helper()
	cfg := Config{
		URI:      testURI(t),
		Database: "mcp_oauth_test_" + strings.ReplaceAll(uuid.NewString()[:18], "-", ""),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))

	t.Cleanup(func() {
		ctx := context.Background()
		if err := s.Connect(ctx); err == nil {
			db, _ := s.ready()
			if db != nil {
				_ = db.Drop(ctx)
			}
		}
		_ = s.Disconnect(ctx)
	})
	return s
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty uri", Config{}},
		{"wrong scheme", Config{URI: "http://localhost:27017"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, storage.ErrInvalidArgument)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(Config{URI: "mongodb://localhost:27017", MaxRetries: -1})
	require.NoError(t, err)

	assert.Equal(t, DefaultDatabase, s.cfg.Database)
	assert.Equal(t, DefaultConnectTimeout, s.cfg.ConnectTimeout)
	assert.Equal(t, 0, s.cfg.MaxRetries)
	assert.Equal(t, DefaultBaseRetryDelay, s.cfg.BaseRetryDelay)
	assert.Equal(t, DefaultMaxRetryDelay, s.cfg.MaxRetryDelay)
	assert.Equal(t, storage.StateDisconnected, s.Status())
}

func TestCollectionNames(t *testing.T) {
	s, err := New(Config{URI: "mongodb://localhost:27017", CollectionPrefix: "tenant_a_"})
	require.NoError(t, err)

	assert.Equal(t, "tenant_a_oauth_access_tokens", s.collectionName(storage.EntityAccessToken))
	assert.Equal(t, "tenant_a_oauth_refresh_tokens", s.collectionName(storage.EntityRefreshToken))
	assert.Equal(t, "tenant_a_oauth_auth_codes", s.collectionName(storage.EntityAuthorizationCode))
	assert.Equal(t, "tenant_a_oauth_clients", s.collectionName(storage.EntityClient))
	assert.Equal(t, "tenant_a_oauth_health", s.collectionName(healthEntity))
}

func TestOperationsRequireConnect(t *testing.T) {
	s, err := New(Config{URI: "mongodb://localhost:27017"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.GetAccessToken(ctx, "tok")
	assert.ErrorIs(t, err, storage.ErrConnection)
	_, err = s.Begin(ctx)
	assert.ErrorIs(t, err, storage.ErrConnection)

	res := s.HealthCheck(ctx)
	assert.Equal(t, storage.HealthUnhealthy, res.Status)
	require.NoError(t, s.Disconnect(ctx))
	assert.Equal(t, storage.StateClosed, s.Status())
}

func TestArgumentsValidatedBeforeConnection(t *testing.T) {
	s, err := New(Config{URI: "mongodb://localhost:27017"})
	require.NoError(t, err)
	ctx := context.Background()

	err = s.SetAccessToken(ctx, "tok", &storage.AccessToken{ClientID: "c"}, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
	assert.NotErrorIs(t, err, storage.ErrConnection)

	err = s.SetRefreshToken(ctx, "rt", &storage.RefreshToken{ClientID: "c"}, -1)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	err = s.SetAuthorizationCode(ctx, "", &storage.AuthorizationCode{ClientID: "c"}, 60)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	err = s.CreateClient(ctx, &storage.Client{})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestConnect_Unreachable(t *testing.T) {
	s, err := New(Config{
		URI:            "mongodb://127.0.0.1:1/?connectTimeoutMS=100",
		ConnectTimeout: 100 * time.Millisecond,
		MaxRetries:     2,
		BaseRetryDelay: time.Millisecond,
		MaxRetryDelay:  time.Millisecond,
	})
	require.NoError(t, err)

	err = s.Connect(context.Background())
	require.ErrorIs(t, err, storage.ErrConnection)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, storage.StateError, s.Status())
}

func TestEncodeOps(t *testing.T) {
	ops := []storage.TxOp{
		{Kind: storage.OpSet, Entity: storage.EntityAccessToken, Key: "a", Value: &storage.AccessToken{Token: "a"}},
		{Kind: storage.OpDelete, Entity: storage.EntityRefreshToken, Key: "r"},
	}
	docs, err := encodeOps(ops)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.IsType(t, &accessTokenDoc{}, docs[0])
	assert.Nil(t, docs[1])

	_, err = encodeOps([]storage.TxOp{{Kind: storage.OpSet, Entity: storage.EntityClient, Value: &storage.Client{}}})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestDocumentMapping(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	code := &storage.AuthorizationCode{
		Code:                "c1",
		ClientID:            "client",
		Scopes:              []string{"read"},
		CodeChallenge:       "abc",
		CodeChallengeMethod: "S256",
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Minute),
		Used:                true,
	}
	assert.Equal(t, code, fromAuthorizationCodeDoc(toAuthorizationCodeDoc(code)))

	raw, err := bson.Marshal(toAuthorizationCodeDoc(code))
	require.NoError(t, err)
	var m bson.M
	require.NoError(t, bson.Unmarshal(raw, &m))
	assert.Equal(t, "c1", m["_id"])
	assert.Equal(t, true, m["used"])
	assert.NotContains(t, m, "redirect_uri", "empty optional fields are omitted")

	client := &storage.Client{ClientID: "pub", ClientType: storage.ClientTypePublic, CreatedAt: now}
	raw, err = bson.Marshal(toClientDoc(client))
	require.NoError(t, err)
	m = bson.M{}
	require.NoError(t, bson.Unmarshal(raw, &m))
	assert.NotContains(t, m, "client_secret_hash")
	assert.NotContains(t, m, "expires_at", "clients never expire")

	assert.Nil(t, fromAccessTokenDoc(nil))
	assert.Nil(t, fromRefreshTokenDoc(nil))
	assert.Nil(t, fromClientDoc(nil))
}

func TestIsTransportError(t *testing.T) {
	assert.False(t, isTransportError(nil))
	assert.False(t, isTransportError(context.Canceled))
	assert.False(t, isTransportError(mongo.ErrNoDocuments))
	assert.True(t, isTransportError(mongo.ErrClientDisconnected))
	assert.ErrorIs(t, wrapErr(mongo.ErrClientDisconnected, "x"), storage.ErrConnection)
	assert.False(t, errors.Is(wrapErr(mongo.ErrNoDocuments, "x"), storage.ErrConnection))
}

// ============================================================
// Integration tests (MONGODB_TEST_URI)
// ============================================================

func TestStore_Conformance(t *testing.T) {
	testURI(t)
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestStore_TTLIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	db, err := s.ready()
	require.NoError(t, err)

	cur, err := s.coll(db, storage.EntityAccessToken).Indexes().List(ctx)
	require.NoError(t, err)
	var indexes []bson.M
	require.NoError(t, cur.All(ctx, &indexes))

	var found bool
	for _, idx := range indexes {
		if idx["name"] == "expires_at_ttl" {
			found = true
			assert.EqualValues(t, 0, idx["expireAfterSeconds"])
		}
	}
	assert.True(t, found, "TTL index on expires_at")
}

func TestStore_ReadTimeExpiry(t *testing.T) {
	clk := testutil.NewMockTime(time.Now())
	s := newTestStore(t, func(c *Config) { c.Now = clk.Now })
	ctx := context.Background()

	require.NoError(t, s.SetAccessToken(ctx, "at", &storage.AccessToken{ClientID: "c"}, 60))
	require.NoError(t, s.SetAuthorizationCode(ctx, "code", &storage.AuthorizationCode{ClientID: "c"}, 60))

	// Past expiry but before the TTL monitor reaps the documents.
	clk.Advance(2 * time.Minute)

	_, err := s.GetAccessToken(ctx, "at")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	deleted, err := s.DeleteAccessToken(ctx, "at")
	require.NoError(t, err)
	assert.False(t, deleted)
	_, err = s.MarkAuthorizationCodeUsed(ctx, "code")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.AccessTokens)

	// The expired document is replaced rather than rejected as a duplicate.
	require.NoError(t, s.SetAccessToken(ctx, "at", &storage.AccessToken{ClientID: "c2"}, 60))
	got, err := s.GetAccessToken(ctx, "at")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ClientID)
}

func TestStore_MarkKeepsExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetAuthorizationCode(ctx, "code", &storage.AuthorizationCode{ClientID: "c"}, 600))
	before, err := s.GetAuthorizationCode(ctx, "code")
	require.NoError(t, err)

	marked, err := s.MarkAuthorizationCodeUsed(ctx, "code")
	require.NoError(t, err)
	require.True(t, marked)

	after, err := s.GetAuthorizationCode(ctx, "code")
	require.NoError(t, err)
	assert.True(t, after.Used)
	assert.True(t, before.ExpiresAt.Equal(after.ExpiresAt))
}

func TestStore_StatsIncludeDBStats(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BackendName, stats.Backend["backend"])
	assert.Equal(t, s.cfg.Database, stats.Backend["database"])
	assert.Contains(t, stats.Backend, "collections")
}

func TestStore_ReconnectDisconnectsPreviousClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetAccessToken(ctx, "tok", &storage.AccessToken{ClientID: "c"}, 60))

	s.mu.RLock()
	old := s.client
	s.mu.RUnlock()

	s.observe(mongo.ErrClientDisconnected)
	require.Equal(t, storage.StateError, s.Status())

	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, storage.StateConnected, s.Status())

	s.mu.RLock()
	current := s.client
	s.mu.RUnlock()
	require.NotSame(t, old, current)

	assert.ErrorIs(t, old.Ping(ctx, nil), mongo.ErrClientDisconnected)

	got, err := s.GetAccessToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "c", got.ClientID)
}
