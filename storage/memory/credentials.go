package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/giantswarm/mcp-oauth-store/internal/util"
	"github.com/giantswarm/mcp-oauth-store/storage"
)

// ============================================================
// Generic record helpers
// ============================================================

func setRecord[V any](s *Store, t *table[V], entity, key string, rec V, ttlSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.has(key) {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, entity)
	}
	t.set(key, rec, ttlDuration(ttlSeconds))
	s.logger.Debug("Stored record",
		"entity", entity,
		"key_prefix", util.LogPrefix(key),
		"ttl_seconds", ttlSeconds)
	return nil
}

func getRecord[V any](s *Store, t *table[V], entity, key string) (V, error) {
	var zero V
	if err := storage.ValidateKey(key); err != nil {
		return zero, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := t.get(key)
	if !ok {
		return zero, fmt.Errorf("%w: %s", storage.ErrNotFound, entity)
	}
	return v, nil
}

func deleteRecord[V any](s *Store, t *table[V], key string) (bool, error) {
	if err := storage.ValidateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return t.remove(key), nil
}

// ============================================================
// Access tokens
// ============================================================

// SetAccessToken stores a new access token with a TTL in seconds.
func (s *Store) SetAccessToken(ctx context.Context, token string, value *storage.AccessToken, ttlSeconds int64) (err error) {
	_, done := s.track(ctx, "set_access_token")
	defer done(&err)
	rec, err := storage.PrepareAccessToken(token, value, ttlSeconds, s.now())
	if err != nil {
		return err
	}
	if err = s.ready(); err != nil {
		return err
	}
	return setRecord(s, s.accessTokens, storage.EntityAccessToken, token, rec, ttlSeconds)
}

// GetAccessToken returns storage.ErrNotFound for absent or expired tokens.
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	_, done := s.track(ctx, "get_access_token")
	defer done(&err)
	if err = s.ready(); err != nil {
		return nil, err
	}
	return getRecord(s, s.accessTokens, storage.EntityAccessToken, token)
}

// DeleteAccessToken reports whether a token was removed.
func (s *Store) DeleteAccessToken(ctx context.Context, token string) (_ bool, err error) {
	_, done := s.track(ctx, "delete_access_token")
	defer done(&err)
	if err = s.ready(); err != nil {
		return false, err
	}
	return deleteRecord(s, s.accessTokens, token)
}

// ============================================================
// Refresh tokens
// ============================================================

// SetRefreshToken stores a new refresh token with a TTL in seconds.
func (s *Store) SetRefreshToken(ctx context.Context, token string, value *storage.RefreshToken, ttlSeconds int64) (err error) {
	_, done := s.track(ctx, "set_refresh_token")
	defer done(&err)
	rec, err := storage.PrepareRefreshToken(token, value, ttlSeconds, s.now())
	if err != nil {
		return err
	}
	if err = s.ready(); err != nil {
		return err
	}
	return setRecord(s, s.refreshTokens, storage.EntityRefreshToken, token, rec, ttlSeconds)
}

// GetRefreshToken returns storage.ErrNotFound for absent or expired tokens.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	_, done := s.track(ctx, "get_refresh_token")
	defer done(&err)
	if err = s.ready(); err != nil {
		return nil, err
	}
	return getRecord(s, s.refreshTokens, storage.EntityRefreshToken, token)
}

// DeleteRefreshToken reports whether a token was removed.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) (_ bool, err error) {
	_, done := s.track(ctx, "delete_refresh_token")
	defer done(&err)
	if err = s.ready(); err != nil {
		return false, err
	}
	return deleteRecord(s, s.refreshTokens, token)
}

// ============================================================
// Authorization codes
// ============================================================

// SetAuthorizationCode stores a new, unused authorization code.
func (s *Store) SetAuthorizationCode(ctx context.Context, code string, value *storage.AuthorizationCode, ttlSeconds int64) (err error) {
	_, done := s.track(ctx, "set_authorization_code")
	defer done(&err)
	rec, err := storage.PrepareAuthorizationCode(code, value, ttlSeconds, s.now())
	if err != nil {
		return err
	}
	if err = s.ready(); err != nil {
		return err
	}
	return setRecord(s, s.codes, storage.EntityAuthorizationCode, code, rec, ttlSeconds)
}

// GetAuthorizationCode returns storage.ErrNotFound for absent or expired codes.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	_, done := s.track(ctx, "get_authorization_code")
	defer done(&err)
	if err = s.ready(); err != nil {
		return nil, err
	}
	return getRecord(s, s.codes, storage.EntityAuthorizationCode, code)
}

// DeleteAuthorizationCode reports whether a code was removed.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (_ bool, err error) {
	_, done := s.track(ctx, "delete_authorization_code")
	defer done(&err)
	if err = s.ready(); err != nil {
		return false, err
	}
	return deleteRecord(s, s.codes, code)
}

// MarkAuthorizationCodeUsed flips Used from false to true under the write lock,
// keeping the code's remaining TTL. Exactly one caller observes true.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string) (_ bool, err error) {
	ctx, done := s.track(ctx, "mark_code_used")
	defer done(&err)
	if err = storage.ValidateKey(code); err != nil {
		return false, err
	}
	if err = s.ready(); err != nil {
		return false, err
	}

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	rec, ok := s.codes.get(code)
	if !ok {
		return false, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	if rec.Used {
		s.logger.Warn("Authorization code reuse detected",
			"code_prefix", util.LogPrefix(code),
			"client_id", rec.ClientID)
		if inst := s.inst(); inst != nil {
			inst.Metrics().RecordCodeReuseDetected(ctx, BackendName)
		}
		return false, nil
	}

	left, ok := s.codes.remaining(code)
	if !ok {
		return false, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	rec.Used = true
	s.codes.set(code, rec, left)

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.LogPrefix(code))
	return true, nil
}

// ============================================================
// Clients
// ============================================================

// CreateClient registers a client. Clients never expire.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.track(ctx, "create_client")
	defer done(&err)
	rec, err := storage.PrepareClient(client, s.now())
	if err != nil {
		return err
	}
	if err = s.ready(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clients.has(rec.ClientID) {
		return fmt.Errorf("%w: client", storage.ErrAlreadyExists)
	}
	s.clients.set(rec.ClientID, rec, noTTL)
	s.logger.Info("Registered client",
		"client_id", rec.ClientID,
		"client_type", rec.ClientType)
	return nil
}

// GetClient returns storage.ErrNotFound for unknown clients.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.track(ctx, "get_client")
	defer done(&err)
	if err = s.ready(); err != nil {
		return nil, err
	}
	return getRecord(s, s.clients, storage.EntityClient, clientID)
}

// DeleteClient reports whether a client was removed. Its tokens are left in
// place; use DeleteTokensByClient for full revocation.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (_ bool, err error) {
	_, done := s.track(ctx, "delete_client")
	defer done(&err)
	if err = s.ready(); err != nil {
		return false, err
	}
	return deleteRecord(s, s.clients, clientID)
}

// ListClients returns every client ordered by client ID.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	_, done := s.track(ctx, "list_clients")
	defer done(&err)
	if err = s.ready(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	all := s.clients.values()
	s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(all))
	for _, c := range all {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// ValidateClientSecret validates a client's secret using bcrypt
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	return storage.CheckClientSecret(client, err, clientSecret)
}

// ============================================================
// Bulk operations
// ============================================================

// DeleteTokensByClient removes every access token owned by clientID.
func (s *Store) DeleteTokensByClient(ctx context.Context, clientID string) (_ int, err error) {
	_, done := s.track(ctx, "delete_tokens_by_client")
	defer done(&err)
	if err = storage.ValidateKey(clientID); err != nil {
		return 0, err
	}
	if err = s.ready(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, tok := range s.accessTokens.values() {
		if tok.ClientID != clientID {
			continue
		}
		if s.accessTokens.remove(key) {
			removed++
		}
	}

	s.logger.Info("Deleted tokens for client",
		"client_id", clientID,
		"count", removed)
	return removed, nil
}

// FindTokensByRefreshToken resolves the access token a refresh token references.
func (s *Store) FindTokensByRefreshToken(ctx context.Context, refreshToken string) (_ []*storage.AccessToken, err error) {
	_, done := s.track(ctx, "find_tokens_by_refresh_token")
	defer done(&err)
	if err = s.ready(); err != nil {
		return nil, err
	}

	rt, err := getRecord(s, s.refreshTokens, storage.EntityRefreshToken, refreshToken)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := []*storage.AccessToken{}
	if at, ok := s.accessTokens.get(rt.AccessToken); ok {
		tokens = append(tokens, at)
	}
	return tokens, nil
}
