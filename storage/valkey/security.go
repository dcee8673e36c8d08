package valkey

import (
	"context"
	"encoding/json"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-oauth-store/storage"
)

// ============================================================
// Bulk revocation and lookup
// ============================================================

// DeleteTokensByClient scans the access token namespace and deletes every
// token owned by clientID. There is no per-client index, so this is
// O(keyspace) and throttled by the scan limiter.
func (s *Store) DeleteTokensByClient(ctx context.Context, clientID string) (_ int, err error) {
	ctx, done := s.track(ctx, "delete_tokens_by_client")
	defer done(&err)
	if err = storage.ValidateKey(clientID); err != nil {
		return 0, err
	}
	c, err := s.ready()
	if err != nil {
		return 0, err
	}

	removed := 0
	err = s.scan(ctx, c, s.pattern(storage.EntityAccessToken), func(keys []string) error {
		owned, err := s.tokensOwnedBy(ctx, c, keys, clientID)
		if err != nil || len(owned) == 0 {
			return err
		}

		n, err := s.do(ctx, c, c.B().Del().Key(owned...).Build()).AsInt64()
		if err != nil {
			return wrapErr(err, "failed to delete client tokens")
		}
		removed += int(n)
		return nil
	})
	if err != nil {
		return removed, err
	}

	s.logger.Info("Deleted tokens for client",
		"client_id", clientID,
		"count", removed)
	return removed, nil
}

// tokensOwnedBy returns the subset of access token keys whose record belongs to clientID.
func (s *Store) tokensOwnedBy(ctx context.Context, c valkeygo.Client, keys []string, clientID string) ([]string, error) {
	values, err := s.getMany(ctx, c, keys)
	if err != nil {
		return nil, err
	}

	var owned []string
	for key, data := range values {
		var j accessTokenJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.logger.Warn("Failed to unmarshal access token, skipping",
				"key", key,
				"error", err)
			continue
		}
		if j.ClientID == clientID {
			owned = append(owned, key)
		}
	}
	return owned, nil
}

// FindTokensByRefreshToken resolves the access token a refresh token references.
func (s *Store) FindTokensByRefreshToken(ctx context.Context, refreshToken string) (_ []*storage.AccessToken, err error) {
	ctx, done := s.track(ctx, "find_tokens_by_refresh_token")
	defer done(&err)
	if err = storage.ValidateKey(refreshToken); err != nil {
		return nil, err
	}
	c, err := s.ready()
	if err != nil {
		return nil, err
	}

	rt, err := getAndUnmarshal(ctx, s, c, storage.EntityRefreshToken, s.key(storage.EntityRefreshToken, refreshToken), fromRefreshTokenJSON)
	if err != nil {
		return nil, err
	}

	tokens := []*storage.AccessToken{}
	at, err := getAndUnmarshal(ctx, s, c, storage.EntityAccessToken, s.key(storage.EntityAccessToken, rt.AccessToken), fromAccessTokenJSON)
	switch {
	case err == nil:
		tokens = append(tokens, at)
	case !storage.IsNotFoundError(err):
		return nil, err
	}
	return tokens, nil
}
