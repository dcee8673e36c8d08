package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/giantswarm/mcp-oauth-store/internal/util"
	"github.com/giantswarm/mcp-oauth-store/storage"
)

// ============================================================
// Access tokens
// ============================================================

func (s *Store) SetAccessToken(ctx context.Context, token string, value *storage.AccessToken, ttlSeconds int64) (err error) {
	ctx, done := s.track(ctx, "set_access_token")
	defer done(&err)
	rec, err := storage.PrepareAccessToken(token, value, ttlSeconds, s.now())
	if err != nil {
		return err
	}
	db, err := s.ready()
	if err != nil {
		return err
	}
	coll := s.coll(db, storage.EntityAccessToken)
	if err = s.insert(ctx, coll, storage.EntityAccessToken, token, toAccessTokenDoc(rec)); err != nil {
		return err
	}

	s.logger.Debug("Saved access token",
		"token_prefix", util.LogPrefix(token),
		"client_id", rec.ClientID,
		"ttl_seconds", ttlSeconds)
	return nil
}

func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, done := s.track(ctx, "get_access_token")
	defer done(&err)
	if err = storage.ValidateKey(token); err != nil {
		return nil, err
	}
	db, err := s.ready()
	if err != nil {
		return nil, err
	}
	doc, err := findLive[accessTokenDoc](ctx, s, s.coll(db, storage.EntityAccessToken), storage.EntityAccessToken, token)
	if err != nil {
		return nil, err
	}
	return fromAccessTokenDoc(doc), nil
}

func (s *Store) DeleteAccessToken(ctx context.Context, token string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_access_token")
	defer done(&err)
	if err = storage.ValidateKey(token); err != nil {
		return false, err
	}
	db, err := s.ready()
	if err != nil {
		return false, err
	}
	return s.deleteLive(ctx, s.coll(db, storage.EntityAccessToken), storage.EntityAccessToken, token)
}

// ============================================================
// Refresh tokens
// ============================================================

func (s *Store) SetRefreshToken(ctx context.Context, token string, value *storage.RefreshToken, ttlSeconds int64) (err error) {
	ctx, done := s.track(ctx, "set_refresh_token")
	defer done(&err)
	rec, err := storage.PrepareRefreshToken(token, value, ttlSeconds, s.now())
	if err != nil {
		return err
	}
	db, err := s.ready()
	if err != nil {
		return err
	}
	coll := s.coll(db, storage.EntityRefreshToken)
	if err = s.insert(ctx, coll, storage.EntityRefreshToken, token, toRefreshTokenDoc(rec)); err != nil {
		return err
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.LogPrefix(token),
		"client_id", rec.ClientID,
		"ttl_seconds", ttlSeconds)
	return nil
}

func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.track(ctx, "get_refresh_token")
	defer done(&err)
	if err = storage.ValidateKey(token); err != nil {
		return nil, err
	}
	db, err := s.ready()
	if err != nil {
		return nil, err
	}
	doc, err := findLive[refreshTokenDoc](ctx, s, s.coll(db, storage.EntityRefreshToken), storage.EntityRefreshToken, token)
	if err != nil {
		return nil, err
	}
	return fromRefreshTokenDoc(doc), nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, token string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_refresh_token")
	defer done(&err)
	if err = storage.ValidateKey(token); err != nil {
		return false, err
	}
	db, err := s.ready()
	if err != nil {
		return false, err
	}
	return s.deleteLive(ctx, s.coll(db, storage.EntityRefreshToken), storage.EntityRefreshToken, token)
}

// ============================================================
// Authorization codes
// ============================================================

func (s *Store) SetAuthorizationCode(ctx context.Context, code string, value *storage.AuthorizationCode, ttlSeconds int64) (err error) {
	ctx, done := s.track(ctx, "set_authorization_code")
	defer done(&err)
	rec, err := storage.PrepareAuthorizationCode(code, value, ttlSeconds, s.now())
	if err != nil {
		return err
	}
	db, err := s.ready()
	if err != nil {
		return err
	}
	coll := s.coll(db, storage.EntityAuthorizationCode)
	if err = s.insert(ctx, coll, storage.EntityAuthorizationCode, code, toAuthorizationCodeDoc(rec)); err != nil {
		return err
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.LogPrefix(code),
		"client_id", rec.ClientID,
		"ttl_seconds", ttlSeconds)
	return nil
}

func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.track(ctx, "get_authorization_code")
	defer done(&err)
	if err = storage.ValidateKey(code); err != nil {
		return nil, err
	}
	db, err := s.ready()
	if err != nil {
		return nil, err
	}
	doc, err := findLive[authorizationCodeDoc](ctx, s, s.coll(db, storage.EntityAuthorizationCode), storage.EntityAuthorizationCode, code)
	if err != nil {
		return nil, err
	}
	return fromAuthorizationCodeDoc(doc), nil
}

func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_authorization_code")
	defer done(&err)
	if err = storage.ValidateKey(code); err != nil {
		return false, err
	}
	db, err := s.ready()
	if err != nil {
		return false, err
	}
	return s.deleteLive(ctx, s.coll(db, storage.EntityAuthorizationCode), storage.EntityAuthorizationCode, code)
}

// MarkAuthorizationCodeUsed flips used from false to true with a single
// conditional update, so only one caller can match the {used: false} filter.
// expires_at is left untouched, which keeps the remaining TTL.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string) (_ bool, err error) {
	ctx, done := s.track(ctx, "mark_code_used")
	defer done(&err)
	if err = storage.ValidateKey(code); err != nil {
		return false, err
	}
	db, err := s.ready()
	if err != nil {
		return false, err
	}

	coll := s.coll(db, storage.EntityAuthorizationCode)
	filter := append(s.live(code), bson.E{Key: "used", Value: false})
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "used", Value: true}}}}

	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, wrapErr(err, "failed to mark authorization code used")
	}
	if res.ModifiedCount == 1 {
		s.logger.Debug("Marked authorization code as used",
			"code_prefix", util.LogPrefix(code))
		return true, nil
	}

	// Nothing matched: either the code is gone or someone else marked it.
	n, err := coll.CountDocuments(ctx, s.live(code))
	if err != nil {
		return false, wrapErr(err, "failed to look up authorization code")
	}
	if n == 0 {
		return false, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}

	s.logger.Warn("Authorization code reuse detected",
		"code_prefix", util.LogPrefix(code))
	if inst := s.inst(); inst != nil {
		inst.Metrics().RecordCodeReuseDetected(ctx, BackendName)
	}
	return false, nil
}

// ============================================================
// Clients
// ============================================================

func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.track(ctx, "create_client")
	defer done(&err)
	rec, err := storage.PrepareClient(client, s.now())
	if err != nil {
		return err
	}
	db, err := s.ready()
	if err != nil {
		return err
	}
	_, err = s.coll(db, storage.EntityClient).InsertOne(ctx, toClientDoc(rec))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: client %s", storage.ErrAlreadyExists, rec.ClientID)
	}
	if err != nil {
		return wrapErr(err, "failed to store client")
	}

	s.logger.Info("Registered client",
		"client_id", rec.ClientID,
		"client_type", rec.ClientType)
	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.track(ctx, "get_client")
	defer done(&err)
	if err = storage.ValidateKey(clientID); err != nil {
		return nil, err
	}
	db, err := s.ready()
	if err != nil {
		return nil, err
	}

	var doc clientDoc
	err = s.coll(db, storage.EntityClient).FindOne(ctx, bson.D{{Key: "_id", Value: clientID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: client", storage.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr(err, "failed to read client")
	}
	return fromClientDoc(&doc), nil
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_client")
	defer done(&err)
	if err = storage.ValidateKey(clientID); err != nil {
		return false, err
	}
	db, err := s.ready()
	if err != nil {
		return false, err
	}

	res, err := s.coll(db, storage.EntityClient).DeleteOne(ctx, bson.D{{Key: "_id", Value: clientID}})
	if err != nil {
		return false, wrapErr(err, "failed to delete client")
	}
	if res.DeletedCount > 0 {
		s.logger.Info("Deleted client", "client_id", clientID)
	}
	return res.DeletedCount > 0, nil
}

// ListClients returns every client ordered by client ID.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.track(ctx, "list_clients")
	defer done(&err)
	db, err := s.ready()
	if err != nil {
		return nil, err
	}

	cur, err := s.coll(db, storage.EntityClient).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, wrapErr(err, "failed to list clients")
	}
	var docs []clientDoc
	if err = cur.All(ctx, &docs); err != nil {
		return nil, wrapErr(err, "failed to decode clients")
	}

	clients := make([]*storage.Client, 0, len(docs))
	for i := range docs {
		clients = append(clients, fromClientDoc(&docs[i]))
	}
	return clients, nil
}

func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	return storage.CheckClientSecret(client, err, clientSecret)
}

// ============================================================
// Bulk operations
// ============================================================

// DeleteTokensByClient removes the client's live access tokens using the
// client_id index. Expired tokens are left to the TTL monitor and not counted.
func (s *Store) DeleteTokensByClient(ctx context.Context, clientID string) (_ int, err error) {
	ctx, done := s.track(ctx, "delete_tokens_by_client")
	defer done(&err)
	if err = storage.ValidateKey(clientID); err != nil {
		return 0, err
	}
	db, err := s.ready()
	if err != nil {
		return 0, err
	}

	filter := bson.D{
		{Key: "client_id", Value: clientID},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: s.now()}}},
	}
	res, err := s.coll(db, storage.EntityAccessToken).DeleteMany(ctx, filter)
	if err != nil {
		return 0, wrapErr(err, "failed to delete tokens by client")
	}

	s.logger.Info("Deleted access tokens for client",
		"client_id", clientID,
		"count", res.DeletedCount)
	return int(res.DeletedCount), nil
}

func (s *Store) FindTokensByRefreshToken(ctx context.Context, refreshToken string) (_ []*storage.AccessToken, err error) {
	ctx, done := s.track(ctx, "find_tokens_by_refresh_token")
	defer done(&err)
	if err = storage.ValidateKey(refreshToken); err != nil {
		return nil, err
	}
	db, err := s.ready()
	if err != nil {
		return nil, err
	}

	rt, err := findLive[refreshTokenDoc](ctx, s, s.coll(db, storage.EntityRefreshToken), storage.EntityRefreshToken, refreshToken)
	if err != nil {
		return nil, err
	}

	tokens := []*storage.AccessToken{}
	at, err := findLive[accessTokenDoc](ctx, s, s.coll(db, storage.EntityAccessToken), storage.EntityAccessToken, rt.AccessToken)
	switch {
	case err == nil:
		tokens = append(tokens, fromAccessTokenDoc(at))
	case !storage.IsNotFoundError(err):
		return nil, err
	}
	return tokens, nil
}
