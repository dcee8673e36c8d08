// Package storagetest provides the behavioural test suite every storage.Store
// implementation must pass.
//
// A backend test calls Run with a factory that returns a connected store over a
// fresh, empty namespace:
//
//	func TestStore(t *testing.T) {
//		storagetest.Run(t, func(t *testing.T) storage.Store {
//			return newTestStore(t)
//		})
//	}
//
// The suite disconnects each store when its subtest finishes.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth-store/internal/testutil"
	"github.com/giantswarm/mcp-oauth-store/storage"
)

// Factory returns a connected store over an empty namespace.
type Factory func(t *testing.T) storage.Store

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"AccessTokenCRUD", testAccessTokenCRUD},
		{"RefreshTokenCRUD", testRefreshTokenCRUD},
		{"AuthorizationCodeCRUD", testAuthorizationCodeCRUD},
		{"InvalidArguments", testInvalidArguments},
		{"DuplicateCreateRejected", testDuplicateCreate},
		{"Expiry", testExpiry},
		{"ReplayRejection", testReplayRejection},
		{"ConcurrentMarkSingleWinner", testConcurrentMark},
		{"ConsumeAuthorizationCode", testConsumeAuthorizationCode},
		{"Clients", testClients},
		{"ValidateClientSecret", testValidateClientSecret},
		{"DeleteTokensByClient", testDeleteTokensByClient},
		{"FindTokensByRefreshToken", testFindTokensByRefreshToken},
		{"TxRotation", testTxRotation},
		{"TxReadsCommittedState", testTxReadsCommittedState},
		{"TxRollback", testTxRollback},
		{"TxCommitFailureLeavesStateUnchanged", testTxCommitFailure},
		{"TxDuplicateCreateWithinTx", testTxDuplicateWithinTx},
		{"TxDeleteThenRecreate", testTxDeleteThenRecreate},
		{"TxMarkUnsupported", testTxMarkUnsupported},
		{"TxStateMachine", testTxStateMachine},
		{"RotateTokenPair", testRotateTokenPair},
		{"RotateTokenPairConcurrent", testRotateTokenPairConcurrent},
		{"HealthCheck", testHealthCheck},
		{"Stats", testStats},
		{"IdempotentLifecycle", testIdempotentLifecycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
			tt.fn(t, s)
		})
	}
}

var (
	key          = testutil.Key
	accessToken  = testutil.GenerateTestAccessToken
	refreshToken = testutil.GenerateTestRefreshToken
	authCode     = testutil.GenerateTestAuthorizationCode
)

func testAccessTokenCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tok := key("at")

	require.NoError(t, s.SetAccessToken(ctx, tok, accessToken(tok, "client-1"), 3600))

	got, err := s.GetAccessToken(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, tok, got.Token)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, []string{"read", "write"}, got.Scopes)
	assert.False(t, got.IssuedAt.IsZero())
	assert.WithinDuration(t, got.IssuedAt.Add(time.Hour), got.ExpiresAt, 5*time.Second)

	deleted, err := s.DeleteAccessToken(ctx, tok)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetAccessToken(ctx, tok)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	deleted, err = s.DeleteAccessToken(ctx, tok)
	require.NoError(t, err, "deleting a missing key must not fail")
	assert.False(t, deleted)
}

func testRefreshTokenCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tok := key("rt")

	require.NoError(t, s.SetRefreshToken(ctx, tok, refreshToken(tok, "at-1", "client-1"), 86400))

	got, err := s.GetRefreshToken(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "at-1", got.AccessToken)

	deleted, err := s.DeleteRefreshToken(ctx, tok)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetRefreshToken(ctx, tok)
	assert.True(t, storage.IsNotFoundError(err))
}

func testAuthorizationCodeCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := key("code")

	require.NoError(t, s.SetAuthorizationCode(ctx, code, authCode(code), 600))

	got, err := s.GetAuthorizationCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "S256", got.CodeChallengeMethod)
	assert.Equal(t, "https://app.example.com/callback", got.RedirectURI)
	assert.False(t, got.Used)

	deleted, err := s.DeleteAuthorizationCode(ctx, code)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetAuthorizationCode(ctx, code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testInvalidArguments(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tok := key("at")

	tests := []struct {
		name string
		call func() error
	}{
		{"zero ttl", func() error { return s.SetAccessToken(ctx, tok, accessToken(tok, "c"), 0) }},
		{"negative ttl", func() error { return s.SetRefreshToken(ctx, tok, refreshToken(tok, "a", "c"), -5) }},
		{"code zero ttl", func() error { return s.SetAuthorizationCode(ctx, tok, authCode(tok), 0) }},
		{"nil value", func() error { return s.SetAccessToken(ctx, tok, nil, 60) }},
		{"empty key", func() error { return s.SetAccessToken(ctx, "", accessToken("", "c"), 60) }},
		{"key mismatch", func() error { return s.SetAccessToken(ctx, tok, accessToken("other", "c"), 60) }},
		{"missing client id", func() error { return s.SetAccessToken(ctx, tok, accessToken(tok, ""), 60) }},
		{"code created used", func() error {
			c := authCode(tok)
			c.Used = true
			return s.SetAuthorizationCode(ctx, tok, c, 60)
		}},
		{"nil client", func() error { return s.CreateClient(ctx, nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.ErrorIs(t, err, storage.ErrInvalidArgument)
		})
	}

	_, err := s.GetAccessToken(ctx, tok)
	assert.ErrorIs(t, err, storage.ErrNotFound, "rejected writes must not persist anything")
}

func testDuplicateCreate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tok := key("at")

	require.NoError(t, s.SetAccessToken(ctx, tok, accessToken(tok, "client-original"), 3600))

	err := s.SetAccessToken(ctx, tok, accessToken(tok, "client-overwrite"), 7200)
	require.Error(t, err)
	assert.True(t, storage.IsAlreadyExistsError(err))

	got, err := s.GetAccessToken(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "client-original", got.ClientID, "original record must be unmodified")

	code := key("code")
	require.NoError(t, s.SetAuthorizationCode(ctx, code, authCode(code), 600))
	assert.ErrorIs(t, s.SetAuthorizationCode(ctx, code, authCode(code), 600), storage.ErrAlreadyExists)
}

func testExpiry(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tok := key("at")
	code := key("code")

	require.NoError(t, s.SetAccessToken(ctx, tok, accessToken(tok, "client-1"), 1))
	require.NoError(t, s.SetAuthorizationCode(ctx, code, authCode(code), 1))

	_, err := s.GetAccessToken(ctx, tok)
	require.NoError(t, err, "record must be retrievable immediately after creation")

	// Marking keeps the remaining TTL rather than resetting it.
	marked, err := s.MarkAuthorizationCodeUsed(ctx, code)
	require.NoError(t, err)
	require.True(t, marked)

	time.Sleep(2100 * time.Millisecond)

	_, err = s.GetAccessToken(ctx, tok)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetAuthorizationCode(ctx, code)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// An expired key may be created again.
	require.NoError(t, s.SetAccessToken(ctx, tok, accessToken(tok, "client-2"), 60))
}

func testReplayRejection(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code1 := key("code-1")
	code2 := key("code-2")

	require.NoError(t, s.SetAuthorizationCode(ctx, code1, authCode(code1), 600))

	marked, err := s.MarkAuthorizationCodeUsed(ctx, code1)
	require.NoError(t, err)
	assert.True(t, marked, "first mark wins")

	marked, err = s.MarkAuthorizationCodeUsed(ctx, code1)
	require.NoError(t, err)
	assert.False(t, marked, "second mark must lose")

	_, err = s.MarkAuthorizationCodeUsed(ctx, code2)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetAuthorizationCode(ctx, code1)
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, "client-1", got.ClientID, "marking must preserve the rest of the record")
}

func testConcurrentMark(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const n = 50

	code := key("code")
	require.NoError(t, s.SetAuthorizationCode(ctx, code, authCode(code), 600))

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		mu    sync.Mutex
		wins  int
		loses int
		errs  []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			marked, err := s.MarkAuthorizationCodeUsed(ctx, code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case marked:
				wins++
			default:
				loses++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, wins, "exactly one caller must win")
	assert.Equal(t, n-1, loses)
}

func testConsumeAuthorizationCode(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := key("code")
	require.NoError(t, s.SetAuthorizationCode(ctx, code, authCode(code), 600))

	rec, err := storage.ConsumeAuthorizationCode(ctx, s, code)
	require.NoError(t, err)
	assert.True(t, rec.Used)

	_, err = storage.ConsumeAuthorizationCode(ctx, s, code)
	assert.ErrorIs(t, err, storage.ErrCodeReplayed)

	_, err = storage.ConsumeAuthorizationCode(ctx, s, key("unknown"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()
	ids := []string{key("client-b"), key("client-a")}

	for _, id := range ids {
		require.NoError(t, s.CreateClient(ctx, &storage.Client{
			ClientID:     id,
			ClientType:   "confidential",
			ClientName:   "Test " + id,
			RedirectURIs: []string{"https://app.example.com/callback"},
			Scopes:       []string{"read"},
			GrantTypes:   []string{"authorization_code", "refresh_token"},
		}))
	}

	err := s.CreateClient(ctx, &storage.Client{ClientID: ids[0]})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	got, err := s.GetClient(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Test "+ids[0], got.ClientName)
	assert.False(t, got.CreatedAt.IsZero())

	clients, err := s.ListClients(ctx)
	require.NoError(t, err)
	listed := make([]string, 0, len(clients))
	for _, c := range clients {
		listed = append(listed, c.ClientID)
	}
	assert.ElementsMatch(t, ids, listed)

	deleted, err := s.DeleteClient(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetClient(ctx, ids[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)

	deleted, err = s.DeleteClient(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testValidateClientSecret(t *testing.T, s storage.Store) {
	ctx := context.Background()

	confidential := key("confidential")
	public := key("public")
	c, err := testutil.GenerateTestClient(confidential, "s3cret")
	require.NoError(t, err)
	require.NoError(t, s.CreateClient(ctx, c))
	p, err := testutil.GenerateTestClient(public, "")
	require.NoError(t, err)
	require.NoError(t, s.CreateClient(ctx, p))

	assert.NoError(t, s.ValidateClientSecret(ctx, confidential, "s3cret"))
	assert.ErrorIs(t, s.ValidateClientSecret(ctx, confidential, "wrong"), storage.ErrInvalidClientCredentials)
	assert.ErrorIs(t, s.ValidateClientSecret(ctx, key("unknown"), "s3cret"), storage.ErrInvalidClientCredentials)
	assert.NoError(t, s.ValidateClientSecret(ctx, public, ""))
}

func testDeleteTokensByClient(t *testing.T, s storage.Store) {
	ctx := context.Background()
	victim := key("victim")
	other := key("other")

	for i := 0; i < 3; i++ {
		tok := key(fmt.Sprintf("at-%d", i))
		require.NoError(t, s.SetAccessToken(ctx, tok, accessToken(tok, victim), 3600))
	}
	survivor := key("at-survivor")
	require.NoError(t, s.SetAccessToken(ctx, survivor, accessToken(survivor, other), 3600))

	n, err := s.DeleteTokensByClient(ctx, victim)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.GetAccessToken(ctx, survivor)
	assert.NoError(t, err, "tokens of other clients must survive")

	n, err = s.DeleteTokensByClient(ctx, victim)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testFindTokensByRefreshToken(t *testing.T, s storage.Store) {
	ctx := context.Background()
	at := key("at")
	rt := key("rt")

	require.NoError(t, s.SetAccessToken(ctx, at, accessToken(at, "client-1"), 3600))
	require.NoError(t, s.SetRefreshToken(ctx, rt, refreshToken(rt, at, "client-1"), 86400))

	tokens, err := s.FindTokensByRefreshToken(ctx, rt)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, at, tokens[0].Token)

	_, err = s.DeleteAccessToken(ctx, at)
	require.NoError(t, err)

	tokens, err = s.FindTokensByRefreshToken(ctx, rt)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	_, err = s.FindTokensByRefreshToken(ctx, key("unknown"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// seedPair stores an access/refresh token pair.
func seedPair(t *testing.T, s storage.Store, at, rt string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SetAccessToken(ctx, at, accessToken(at, "client-1"), 3600))
	require.NoError(t, s.SetRefreshToken(ctx, rt, refreshToken(rt, at, "client-1"), 86400))
}

func testTxRotation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a1, r1 := key("A1"), key("R1")
	a2, r2 := key("A2"), key("R2")
	seedPair(t, s, a1, r1)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.TxActive, tx.State())

	delA1, err := tx.DeleteAccessToken(a1)
	require.NoError(t, err)
	delR1, err := tx.DeleteRefreshToken(r1)
	require.NoError(t, err)
	require.NoError(t, tx.SetAccessToken(a2, accessToken(a2, "client-1"), 3600))
	require.NoError(t, tx.SetRefreshToken(r2, refreshToken(r2, a2, "client-1"), 86400))

	res, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.TxCommitted, tx.State())
	assert.Equal(t, 4, res.Ops())

	ok, err := res.Deleted(delA1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = res.Deleted(delR1)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.GetAccessToken(ctx, a1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetRefreshToken(ctx, r1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetAccessToken(ctx, a2)
	require.NoError(t, err)
	assert.Equal(t, a2, got.Token)
	gotRT, err := s.GetRefreshToken(ctx, r2)
	require.NoError(t, err)
	assert.Equal(t, a2, gotRT.AccessToken)
}

func testTxReadsCommittedState(t *testing.T, s storage.Store) {
	ctx := context.Background()
	at := key("at")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SetAccessToken(at, accessToken(at, "client-1"), 3600))

	_, err = tx.GetAccessToken(ctx, at)
	assert.ErrorIs(t, err, storage.ErrNotFound, "reads inside a transaction do not see buffered writes")

	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	_, err = s.GetAccessToken(ctx, at)
	assert.NoError(t, err)
}

func testTxRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a1, r1 := key("A1"), key("R1")
	a2 := key("A2")
	seedPair(t, s, a1, r1)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.DeleteAccessToken(a1)
	require.NoError(t, err)
	require.NoError(t, tx.SetAccessToken(a2, accessToken(a2, "client-1"), 3600))

	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, storage.TxRolledBack, tx.State())

	_, err = s.GetAccessToken(ctx, a1)
	assert.NoError(t, err, "rollback must leave the old token in place")
	_, err = s.GetAccessToken(ctx, a2)
	assert.ErrorIs(t, err, storage.ErrNotFound, "rollback must not create the new token")

	assert.ErrorIs(t, tx.SetAccessToken(a2, accessToken(a2, "client-1"), 60), storage.ErrInvalidState)
	assert.ErrorIs(t, tx.Rollback(ctx), storage.ErrInvalidState)
}

func testTxCommitFailure(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a1, r1 := key("A1"), key("R1")
	a2, r2 := key("A2"), key("R2")
	seedPair(t, s, a1, r1)

	// A2 already exists, so creating it inside the transaction must fail the commit.
	require.NoError(t, s.SetAccessToken(ctx, a2, accessToken(a2, "someone-else"), 3600))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.DeleteAccessToken(a1)
	require.NoError(t, err)
	_, err = tx.DeleteRefreshToken(r1)
	require.NoError(t, err)
	require.NoError(t, tx.SetAccessToken(a2, accessToken(a2, "client-1"), 3600))
	require.NoError(t, tx.SetRefreshToken(r2, refreshToken(r2, a2, "client-1"), 86400))

	res, err := tx.Commit(ctx)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, storage.ErrCommitFailed)
	assert.Equal(t, storage.TxRolledBack, tx.State())

	// Original state entirely unchanged.
	_, err = s.GetAccessToken(ctx, a1)
	assert.NoError(t, err)
	_, err = s.GetRefreshToken(ctx, r1)
	assert.NoError(t, err)
	_, err = s.GetRefreshToken(ctx, r2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	got, err := s.GetAccessToken(ctx, a2)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got.ClientID)
}

func testTxDuplicateWithinTx(t *testing.T, s storage.Store) {
	ctx := context.Background()
	at := key("at")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SetAccessToken(at, accessToken(at, "client-1"), 3600))
	require.NoError(t, tx.SetAccessToken(at, accessToken(at, "client-2"), 3600))

	_, err = tx.Commit(ctx)
	assert.ErrorIs(t, err, storage.ErrCommitFailed)

	_, err = s.GetAccessToken(ctx, at)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testTxDeleteThenRecreate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	at := key("at")
	require.NoError(t, s.SetAccessToken(ctx, at, accessToken(at, "client-old"), 3600))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	del, err := tx.DeleteAccessToken(at)
	require.NoError(t, err)
	require.NoError(t, tx.SetAccessToken(at, accessToken(at, "client-new"), 3600))

	missing, err := tx.DeleteAccessToken(key("never-stored"))
	require.NoError(t, err)

	res, err := tx.Commit(ctx)
	require.NoError(t, err)

	ok, err := res.Deleted(del)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = res.Deleted(missing)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetAccessToken(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, "client-new", got.ClientID)
}

func testTxMarkUnsupported(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := key("code")
	require.NoError(t, s.SetAuthorizationCode(ctx, code, authCode(code), 600))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	marked, err := tx.MarkAuthorizationCodeUsed(ctx, code)
	assert.ErrorIs(t, err, storage.ErrUnsupportedOperation)
	assert.False(t, marked)

	got, err := s.GetAuthorizationCode(ctx, code)
	require.NoError(t, err)
	assert.False(t, got.Used)
}

func testTxStateMachine(t *testing.T, s storage.Store) {
	ctx := context.Background()
	at := key("at")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SetAccessToken(at, accessToken(at, "client-1"), 3600))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	calls := map[string]error{
		"set":      tx.SetAccessToken(key("x"), accessToken("", "c"), 60),
		"delete":   func() error { _, err := tx.DeleteAccessToken(at); return err }(),
		"get":      func() error { _, err := tx.GetAccessToken(ctx, at); return err }(),
		"mark":     func() error { _, err := tx.MarkAuthorizationCodeUsed(ctx, at); return err }(),
		"commit":   func() error { _, err := tx.Commit(ctx); return err }(),
		"rollback": tx.Rollback(ctx),
	}
	for name, err := range calls {
		assert.ErrorIs(t, err, storage.ErrInvalidState, name)
	}
	assert.Equal(t, storage.TxCommitted, tx.State())

	// A pending delete from another transaction does not resolve.
	other, err := s.Begin(ctx)
	require.NoError(t, err)
	foreign, err := other.DeleteAccessToken(at)
	require.NoError(t, err)
	require.NoError(t, other.Rollback(ctx))

	empty, err := s.Begin(ctx)
	require.NoError(t, err)
	res, err := empty.Commit(ctx)
	require.NoError(t, err)
	_, err = res.Deleted(foreign)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func testRotateTokenPair(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a1, r1 := key("A1"), key("R1")
	a2, r2 := key("A2"), key("R2")
	seedPair(t, s, a1, r1)

	res, err := storage.RotateTokenPair(ctx, s, storage.Rotation{
		OldAccessToken:    a1,
		OldRefreshToken:   r1,
		NewAccessToken:    accessToken(a2, "client-1"),
		NewRefreshToken:   &storage.RefreshToken{Token: r2, ClientID: "client-1"},
		AccessTTLSeconds:  3600,
		RefreshTTLSeconds: 86400,
	})
	require.NoError(t, err)
	assert.True(t, res.OldAccessTokenDeleted)
	assert.True(t, res.OldRefreshTokenDeleted)

	tokens, err := s.FindTokensByRefreshToken(ctx, r2)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, a2, tokens[0].Token)

	// Replaying the old refresh token must not issue another pair.
	a3, r3 := key("A3"), key("R3")
	_, err = storage.RotateTokenPair(ctx, s, storage.Rotation{
		OldAccessToken:    a1,
		OldRefreshToken:   r1,
		NewAccessToken:    accessToken(a3, "client-1"),
		NewRefreshToken:   &storage.RefreshToken{Token: r3, ClientID: "client-1"},
		AccessTTLSeconds:  3600,
		RefreshTTLSeconds: 86400,
	})
	assert.ErrorIs(t, err, storage.ErrCommitFailed)
	_, err = s.GetAccessToken(ctx, a3)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRotateTokenPairConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a1, r1 := key("A1"), key("R1")
	seedPair(t, s, a1, r1)

	const n = 8
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		successes []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, r := key(fmt.Sprintf("A-%d", i)), key(fmt.Sprintf("R-%d", i))
			<-start
			_, err := storage.RotateTokenPair(ctx, s, storage.Rotation{
				OldAccessToken:    a1,
				OldRefreshToken:   r1,
				NewAccessToken:    accessToken(a, "client-1"),
				NewRefreshToken:   &storage.RefreshToken{Token: r, ClientID: "client-1"},
				AccessTTLSeconds:  3600,
				RefreshTTLSeconds: 86400,
			})
			if err != nil {
				if !errors.Is(err, storage.ErrCommitFailed) {
					t.Errorf("unexpected rotation error: %v", err)
				}
				return
			}
			mu.Lock()
			successes = append(successes, a)
			mu.Unlock()
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, successes, 1, "exactly one rotation of a refresh token may succeed")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AccessTokens, "only the winning pair may exist")
	assert.Equal(t, int64(1), stats.RefreshTokens)
}

func testHealthCheck(t *testing.T, s storage.Store) {
	res := s.HealthCheck(context.Background())
	require.NotNil(t, res)

	assert.True(t, res.Healthy, "errors: %v", res.Errors)
	assert.Contains(t, []storage.HealthStatus{storage.HealthHealthy, storage.HealthDegraded}, res.Status)
	assert.Empty(t, res.Errors)
	for _, name := range []string{storage.ComponentConnection, storage.ComponentReadWrite, storage.ComponentStats} {
		c, ok := res.Components[name]
		if assert.True(t, ok, "missing component %s", name) {
			assert.Empty(t, c.Error)
		}
	}
	assert.NotNil(t, res.Stats)
}

func testStats(t *testing.T, s storage.Store) {
	ctx := context.Background()

	at := key("at")
	rt := key("rt")
	code := key("code")
	seedPair(t, s, at, rt)
	require.NoError(t, s.SetAuthorizationCode(ctx, code, authCode(code), 600))
	require.NoError(t, s.CreateClient(ctx, &storage.Client{ClientID: key("client")}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AccessTokens)
	assert.Equal(t, int64(1), stats.RefreshTokens)
	assert.Equal(t, int64(1), stats.AuthorizationCodes)
	assert.Equal(t, int64(1), stats.Clients)
	assert.NotEmpty(t, stats.Backend)
	assert.False(t, stats.CollectedAt.IsZero())
}

func testIdempotentLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx), "Connect on a connected store is a no-op")
	assert.Equal(t, storage.StateConnected, s.Status())

	require.NoError(t, s.Disconnect(ctx))
	require.NoError(t, s.Disconnect(ctx), "second Disconnect must not fail")
	assert.NotEqual(t, storage.StateConnected, s.Status())

	res := s.HealthCheck(ctx)
	require.NotNil(t, res, "HealthCheck never fails, even when disconnected")
	assert.False(t, res.Healthy)
	assert.Equal(t, storage.HealthUnhealthy, res.Status)
	assert.NotEmpty(t, res.Errors)
}
