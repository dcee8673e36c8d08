package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	"github.com/giantswarm/mcp-oauth-store/instrumentation"
	"github.com/giantswarm/mcp-oauth-store/storage"
)

const (
	// BackendName labels metrics and spans emitted by this backend.
	BackendName = "mongodb"

	// DefaultDatabase is used when Config.Database is empty.
	DefaultDatabase = "mcp_oauth"

	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxRetries     = 3
	DefaultBaseRetryDelay = 100 * time.Millisecond
	DefaultMaxRetryDelay  = 2 * time.Second

	// healthEntity namespaces health probe records.
	healthEntity = "health"
)

// Collection names, one per entity.
const (
	AccessTokensCollection       = "oauth_access_tokens"
	RefreshTokensCollection      = "oauth_refresh_tokens"
	AuthorizationCodesCollection = "oauth_auth_codes"
	ClientsCollection            = "oauth_clients"
	HealthCollection             = "oauth_health"
)

// Config holds configuration for the MongoDB storage backend.
type Config struct {
	// URI is the connection string (required), e.g. "mongodb://localhost:27017/?replicaSet=rs0".
	// Transactions need a replica set or sharded cluster.
	URI string

	// Database is the database holding the collections (default "mcp_oauth")
	Database string

	// CollectionPrefix is prepended to every collection name (optional)
	CollectionPrefix string

	// ConnectTimeout bounds each connection attempt (default 10s)
	ConnectTimeout time.Duration

	// MaxRetries is the retry ceiling for Connect (default 3).
	// A negative value disables retries.
	MaxRetries int

	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now overrides the clock used for stamping and read-time expiry (optional).
	Now func() time.Time
}

// Store is a MongoDB-backed implementation of storage.Store.
//
// Each record is one document whose _id is the credential key, so duplicate
// creates surface as duplicate key errors. Expired documents are removed by a
// TTL index on expires_at; because the server reaps them lazily, every read
// also filters on expires_at.
type Store struct {
	cfg    Config
	logger *slog.Logger
	conn   *storage.ConnectionTracker
	now    func() time.Time

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database

	lifecycle sync.Mutex

	instMu          sync.RWMutex
	instrumentation *instrumentation.Instrumentation
}

// Compile-time interface checks
var (
	_ storage.Store     = (*Store)(nil)
	_ storage.TxBackend = (*Store)(nil)
)

// New creates a disconnected MongoDB store. Call Connect before use.
func New(cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("%w: mongodb uri is required", storage.ErrInvalidArgument)
	}
	if err := options.Client().ApplyURI(cfg.URI).Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid mongodb uri: %w", storage.ErrInvalidArgument, err)
	}

	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.BaseRetryDelay {
		cfg.MaxRetryDelay = cfg.BaseRetryDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	s.conn = storage.NewConnectionTracker(s.onStateChange)
	return s, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// Set it before Connect so the driver's command monitor uses the same tracer provider.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instMu.Lock()
	defer s.instMu.Unlock()
	s.instrumentation = inst
}

func (s *Store) inst() *instrumentation.Instrumentation {
	s.instMu.RLock()
	defer s.instMu.RUnlock()
	return s.instrumentation
}

func (s *Store) onStateChange(from, to storage.ConnectionState, err error) {
	attrs := []any{"backend", BackendName, "from", from, "to", to}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if to == storage.StateError {
		s.logger.Warn("MongoDB connection state changed", attrs...)
	} else {
		s.logger.Debug("MongoDB connection state changed", attrs...)
	}
	if inst := s.inst(); inst != nil {
		inst.Metrics().RecordConnectionStateChange(context.Background(), BackendName, string(from), string(to))
	}
}

// ============================================================
// Lifecycle
// ============================================================

// Connect opens the client, pings the primary and ensures indexes, retrying
// with exponential backoff. It is a no-op when already connected.
func (s *Store) Connect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.conn.Ready() {
		return nil
	}
	s.conn.Set(storage.StateConnecting, nil)

	var client *mongo.Client
	attempt := 0
	op := func() error {
		attempt++
		c, err := s.dial(ctx)
		if inst := s.inst(); inst != nil {
			inst.Metrics().RecordConnectionAttempt(ctx, BackendName, err == nil)
		}
		if err != nil {
			if isAuthError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("MongoDB connection attempt failed, retrying",
			"database", s.cfg.Database,
			"attempt", attempt,
			"retry_in", next,
			"error", err)
	}

	b := storage.NewRetryBackOff(ctx, s.cfg.BaseRetryDelay, s.cfg.MaxRetryDelay, uint64(s.cfg.MaxRetries))
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		s.conn.Set(storage.StateError, err)
		return fmt.Errorf("%w: failed to connect to mongodb after %d attempts: %w",
			storage.ErrConnection, attempt, err)
	}

	db := client.Database(s.cfg.Database)
	if err := s.ensureIndexes(ctx, db); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		s.conn.Set(storage.StateError, err)
		return fmt.Errorf("%w: failed to create indexes: %w", storage.ErrConnection, err)
	}

	s.mu.Lock()
	prev := s.client
	s.client = client
	s.db = db
	s.mu.Unlock()
	s.conn.Set(storage.StateConnected, nil)

	// Reconnecting from StateError replaces a client that was never disconnected.
	if prev != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConnectTimeout)
		if err := prev.Disconnect(dctx); err != nil {
			s.logger.Warn("Failed to disconnect previous MongoDB client", "error", err)
		}
		cancel()
	}

	s.logger.Info("Connected to MongoDB storage",
		"database", s.cfg.Database,
		"collection_prefix", s.cfg.CollectionPrefix)
	return nil
}

func (s *Store) dial(ctx context.Context) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(s.cfg.URI).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetServerSelectionTimeout(s.cfg.ConnectTimeout)
	if inst := s.inst(); inst != nil {
		opts.SetMonitor(otelmongo.NewMonitor(otelmongo.WithTracerProvider(inst.TracerProvider())))
	} else {
		opts.SetMonitor(otelmongo.NewMonitor())
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}
	return client, nil
}

// isAuthError reports server codes that will not change on retry.
func isAuthError(err error) bool {
	var cmdErr mongo.CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	switch cmdErr.Code {
	case 13, 18: // Unauthorized, AuthenticationFailed
		return true
	}
	return false
}

// ensureIndexes creates the TTL indexes and the client_id lookup index.
// Clients carry no expires_at field, so the TTL index never touches them.
func (s *Store) ensureIndexes(ctx context.Context, db *mongo.Database) error {
	ttl := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("expires_at_ttl"),
	}
	for _, entity := range []string{
		storage.EntityAccessToken,
		storage.EntityRefreshToken,
		storage.EntityAuthorizationCode,
		healthEntity,
	} {
		if _, err := db.Collection(s.collectionName(entity)).Indexes().CreateOne(ctx, ttl); err != nil {
			return fmt.Errorf("%s: %w", entity, err)
		}
	}

	byClient := mongo.IndexModel{
		Keys:    bson.D{{Key: "client_id", Value: 1}},
		Options: options.Index().SetName("client_id"),
	}
	if _, err := db.Collection(s.collectionName(storage.EntityAccessToken)).Indexes().CreateOne(ctx, byClient); err != nil {
		return fmt.Errorf("%s: %w", storage.EntityAccessToken, err)
	}
	return nil
}

// Disconnect closes the client. Safe to call multiple times.
func (s *Store) Disconnect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.db = nil
	s.mu.Unlock()

	if client == nil && s.conn.State() == storage.StateClosed {
		return nil
	}
	if client != nil {
		if err := client.Disconnect(ctx); err != nil {
			s.logger.Warn("Error closing MongoDB client", "error", err)
		}
	}
	s.conn.Set(storage.StateClosed, nil)
	s.logger.Info("MongoDB storage connection closed")
	return nil
}

// Status returns the connection state.
func (s *Store) Status() storage.ConnectionState {
	return s.conn.State()
}

// ready returns the database handle if commands may be issued. The driver
// reconnects on its own, so the error state does not block operations.
func (s *Store) ready() (*mongo.Database, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, fmt.Errorf("%w: store is %s", storage.ErrConnection, s.conn.State())
	}
	return db, nil
}

func (s *Store) track(ctx context.Context, operation string) (context.Context, func(*error)) {
	ctx, op := s.inst().StartStorageOperation(ctx, BackendName, operation)
	return ctx, func(errp *error) {
		s.observe(*errp)
		op.End(ctx, storage.ResultLabel(*errp), *errp)
	}
}

// ============================================================
// Helpers
// ============================================================

func (s *Store) collectionName(entity string) string {
	switch entity {
	case storage.EntityAccessToken:
		return s.cfg.CollectionPrefix + AccessTokensCollection
	case storage.EntityRefreshToken:
		return s.cfg.CollectionPrefix + RefreshTokensCollection
	case storage.EntityAuthorizationCode:
		return s.cfg.CollectionPrefix + AuthorizationCodesCollection
	case storage.EntityClient:
		return s.cfg.CollectionPrefix + ClientsCollection
	default:
		return s.cfg.CollectionPrefix + HealthCollection
	}
}

func (s *Store) coll(db *mongo.Database, entity string) *mongo.Collection {
	return db.Collection(s.collectionName(entity))
}

// observe moves the connection to error on network failures and back to
// connected after the next operation that reached the server.
func (s *Store) observe(err error) {
	switch {
	case isTransportError(err):
		s.conn.Set(storage.StateError, err)
	case s.conn.State() == storage.StateError:
		if err == nil || errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrAlreadyExists) {
			s.conn.Transition(storage.StateConnected, storage.StateError)
		}
	}
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Server selection fails when no member is reachable.
	var selErr topology.ServerSelectionError
	return mongo.IsNetworkError(err) || errors.Is(err, mongo.ErrClientDisconnected) || errors.As(err, &selErr)
}

// wrapErr maps a driver error onto the storage error taxonomy.
func wrapErr(err error, msg string) error {
	if isTransportError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %s: %w", storage.ErrConnection, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// live matches a document by _id that has not yet expired.
func (s *Store) live(id string) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: s.now()}}},
	}
}

// insert creates doc under id. A live duplicate fails with
// storage.ErrAlreadyExists; an expired one the TTL monitor has not yet reaped
// is replaced.
func (s *Store) insert(ctx context.Context, coll *mongo.Collection, entity, id string, doc any) error {
	_, err := coll.InsertOne(ctx, doc)
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return wrapErr(err, "failed to store "+entity)
	}

	expired := bson.D{
		{Key: "_id", Value: id},
		{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: s.now()}}},
	}
	res, err := coll.ReplaceOne(ctx, expired, doc)
	if err != nil {
		return wrapErr(err, "failed to store "+entity)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, entity)
	}
	return nil
}

// findLive decodes the live document with the given id into T.
func findLive[T any](ctx context.Context, s *Store, coll *mongo.Collection, entity, id string) (*T, error) {
	var doc T
	err := coll.FindOne(ctx, s.live(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, entity)
	}
	if err != nil {
		return nil, wrapErr(err, "failed to read "+entity)
	}
	return &doc, nil
}

// deleteLive removes the document and reports whether it was still live.
func (s *Store) deleteLive(ctx context.Context, coll *mongo.Collection, entity, id string) (bool, error) {
	res, err := coll.DeleteOne(ctx, s.live(id))
	if err != nil {
		return false, wrapErr(err, "failed to delete "+entity)
	}
	return res.DeletedCount > 0, nil
}
