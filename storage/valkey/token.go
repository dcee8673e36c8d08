package valkey

import (
	"context"

	"github.com/giantswarm/mcp-oauth-store/internal/util"
	"github.com/giantswarm/mcp-oauth-store/storage"
)

// ============================================================
// Access tokens
// ============================================================

// SetAccessToken stores a new access token: SET {prefix}token:{token} NX EX ttlSeconds.
func (s *Store) SetAccessToken(ctx context.Context, token string, value *storage.AccessToken, ttlSeconds int64) (err error) {
	ctx, done := s.track(ctx, "set_access_token")
	defer done(&err)
	rec, err := storage.PrepareAccessToken(token, value, ttlSeconds, s.now())
	if err != nil {
		return err
	}
	c, err := s.ready()
	if err != nil {
		return err
	}
	data, err := marshal(toAccessTokenJSON(rec))
	if err != nil {
		return err
	}
	if err = s.setNX(ctx, c, storage.EntityAccessToken, s.key(storage.EntityAccessToken, token), data, ttlSeconds); err != nil {
		return err
	}

	s.logger.Debug("Saved access token",
		"token_prefix", util.LogPrefix(token),
		"client_id", rec.ClientID,
		"ttl_seconds", ttlSeconds)
	return nil
}

// GetAccessToken returns storage.ErrNotFound for absent or expired tokens.
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, done := s.track(ctx, "get_access_token")
	defer done(&err)
	if err = storage.ValidateKey(token); err != nil {
		return nil, err
	}
	c, err := s.ready()
	if err != nil {
		return nil, err
	}
	return getAndUnmarshal(ctx, s, c, storage.EntityAccessToken, s.key(storage.EntityAccessToken, token), fromAccessTokenJSON)
}

// DeleteAccessToken reports whether a token was removed.
func (s *Store) DeleteAccessToken(ctx context.Context, token string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_access_token")
	defer done(&err)
	if err = storage.ValidateKey(token); err != nil {
		return false, err
	}
	c, err := s.ready()
	if err != nil {
		return false, err
	}
	return s.del(ctx, c, storage.EntityAccessToken, s.key(storage.EntityAccessToken, token))
}

// ============================================================
// Refresh tokens
// ============================================================

// SetRefreshToken stores a new refresh token: SET {prefix}refresh:{token} NX EX ttlSeconds.
func (s *Store) SetRefreshToken(ctx context.Context, token string, value *storage.RefreshToken, ttlSeconds int64) (err error) {
	ctx, done := s.track(ctx, "set_refresh_token")
	defer done(&err)
	rec, err := storage.PrepareRefreshToken(token, value, ttlSeconds, s.now())
	if err != nil {
		return err
	}
	c, err := s.ready()
	if err != nil {
		return err
	}
	data, err := marshal(toRefreshTokenJSON(rec))
	if err != nil {
		return err
	}
	if err = s.setNX(ctx, c, storage.EntityRefreshToken, s.key(storage.EntityRefreshToken, token), data, ttlSeconds); err != nil {
		return err
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.LogPrefix(token),
		"client_id", rec.ClientID,
		"ttl_seconds", ttlSeconds)
	return nil
}

// GetRefreshToken returns storage.ErrNotFound for absent or expired tokens.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.track(ctx, "get_refresh_token")
	defer done(&err)
	if err = storage.ValidateKey(token); err != nil {
		return nil, err
	}
	c, err := s.ready()
	if err != nil {
		return nil, err
	}
	return getAndUnmarshal(ctx, s, c, storage.EntityRefreshToken, s.key(storage.EntityRefreshToken, token), fromRefreshTokenJSON)
}

// DeleteRefreshToken reports whether a token was removed.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_refresh_token")
	defer done(&err)
	if err = storage.ValidateKey(token); err != nil {
		return false, err
	}
	c, err := s.ready()
	if err != nil {
		return false, err
	}
	return s.del(ctx, c, storage.EntityRefreshToken, s.key(storage.EntityRefreshToken, token))
}
