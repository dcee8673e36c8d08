package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	valkeygo "github.com/valkey-io/valkey-go"
	"golang.org/x/time/rate"

	"github.com/giantswarm/mcp-oauth-store/instrumentation"
	"github.com/giantswarm/mcp-oauth-store/storage"
)

const (
	// BackendName labels metrics and spans emitted by this backend.
	BackendName = "valkey"

	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcp:"

	// DefaultConnectTimeout bounds each connection attempt.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultMaxRetries is the number of retries after the first failed attempt.
	DefaultMaxRetries = 3

	DefaultBaseRetryDelay = 100 * time.Millisecond
	DefaultMaxRetryDelay  = 2 * time.Second

	// DefaultScanRateLimit is the number of SCAN batches per second.
	DefaultScanRateLimit = 50

	// DefaultHealthCountBudget bounds the key count inside HealthCheck.
	DefaultHealthCountBudget = time.Second

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// healthEntity namespaces health probe records.
	healthEntity = "health"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Username and Password are the optional ACL credentials
	Username string
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcp:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// ConnectTimeout bounds each connection attempt (default 5s)
	ConnectTimeout time.Duration

	// MaxRetries is the retry ceiling for Connect (default 3).
	// A negative value disables retries.
	MaxRetries int

	// BaseRetryDelay and MaxRetryDelay shape the backoff between connection
	// attempts: min(base * 2^attempt, max).
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// DisableOfflineQueue makes operations fail fast with storage.ErrConnection
	// while the connection is in the error state. By default they are handed
	// to the client, which reconnects on its own.
	DisableOfflineQueue bool

	// ScanRateLimit caps SCAN batches per second (default 50)
	ScanRateLimit float64

	// HealthCountBudget bounds the unthrottled key count HealthCheck runs.
	// Past it the check reports the counts as unavailable (default 1s).
	HealthCountBudget time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now overrides the clock used to stamp IssuedAt/ExpiresAt (optional).
	// Expiry itself is enforced by the server.
	Now func() time.Time
}

// Store is a Valkey-backed implementation of storage.Store.
//
// CRUD is lock-free on the client side: single-key atomicity comes from
// SET NX and the mark-used Lua script, multi-key atomicity from
// WATCH/MULTI/EXEC on a dedicated connection.
type Store struct {
	cfg         Config
	prefix      string
	logger      *slog.Logger
	scanLimiter *rate.Limiter
	conn        *storage.ConnectionTracker
	now         func() time.Time

	mu     sync.RWMutex
	client valkeygo.Client

	// lifecycle serializes Connect/Disconnect
	lifecycle sync.Mutex

	instMu          sync.RWMutex
	instrumentation *instrumentation.Instrumentation
}

// Compile-time interface checks
var (
	_ storage.Store     = (*Store)(nil)
	_ storage.TxBackend = (*Store)(nil)
)

// New creates a disconnected Valkey store. Call Connect before use.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: valkey address is required", storage.ErrInvalidArgument)
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, fmt.Errorf("%w: valkey address must be host:port: %w", storage.ErrInvalidArgument, err)
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
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
	if cfg.ScanRateLimit <= 0 {
		cfg.ScanRateLimit = DefaultScanRateLimit
	}
	if cfg.HealthCountBudget <= 0 {
		cfg.HealthCountBudget = DefaultHealthCountBudget
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		cfg:         cfg,
		prefix:      cfg.KeyPrefix,
		logger:      cfg.Logger,
		scanLimiter: rate.NewLimiter(rate.Limit(cfg.ScanRateLimit), 1),
		now:         cfg.Now,
	}
	s.conn = storage.NewConnectionTracker(s.onStateChange)
	return s, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
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
		s.logger.Warn("Valkey connection state changed", attrs...)
	} else {
		s.logger.Debug("Valkey connection state changed", attrs...)
	}
	if inst := s.inst(); inst != nil {
		inst.Metrics().RecordConnectionStateChange(context.Background(), BackendName, string(from), string(to))
	}
}

// ============================================================
// Lifecycle
// ============================================================

// Connect dials the server and verifies it with PING, retrying with
// exponential backoff. It is a no-op when already connected.
func (s *Store) Connect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.conn.Ready() {
		return nil
	}
	s.conn.Set(storage.StateConnecting, nil)

	var client valkeygo.Client
	attempt := 0
	op := func() error {
		attempt++
		c, err := s.dial(ctx)
		if inst := s.inst(); inst != nil {
			inst.Metrics().RecordConnectionAttempt(ctx, BackendName, err == nil)
		}
		if err != nil {
			// Server replies such as WRONGPASS will not change on retry.
			if _, ok := valkeygo.IsValkeyErr(err); ok {
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("Valkey connection attempt failed, retrying",
			"address", s.cfg.Address,
			"attempt", attempt,
			"retry_in", next,
			"error", err)
	}

	b := storage.NewRetryBackOff(ctx, s.cfg.BaseRetryDelay, s.cfg.MaxRetryDelay, uint64(s.cfg.MaxRetries))
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		s.conn.Set(storage.StateError, err)
		return fmt.Errorf("%w: failed to connect to valkey at %s after %d attempts: %w",
			storage.ErrConnection, s.cfg.Address, attempt, err)
	}

	s.mu.Lock()
	prev := s.client
	s.client = client
	s.mu.Unlock()
	s.conn.Set(storage.StateConnected, nil)

	// Reconnecting from StateError replaces a client that was never closed.
	// Close waits for its in-flight commands.
	if prev != nil {
		prev.Close()
		s.logger.Debug("Closed previous Valkey client")
	}

	s.logger.Info("Connected to Valkey storage",
		"address", s.cfg.Address,
		"db", s.cfg.DB,
		"prefix", s.prefix)
	return nil
}

func (s *Store) dial(ctx context.Context) (valkeygo.Client, error) {
	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress:  []string{s.cfg.Address},
		Username:     s.cfg.Username,
		Password:     s.cfg.Password,
		SelectDB:     s.cfg.DB,
		TLSConfig:    s.cfg.TLS,
		Dialer:       net.Dialer{Timeout: s.cfg.ConnectTimeout},
		DisableCache: true,
	})
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Disconnect closes the client. Safe to call multiple times.
func (s *Store) Disconnect(_ context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil && s.conn.State() == storage.StateClosed {
		return nil
	}
	if client != nil {
		client.Close()
	}
	s.conn.Set(storage.StateClosed, nil)
	s.logger.Info("Valkey storage connection closed")
	return nil
}

// Status returns the connection state.
func (s *Store) Status() storage.ConnectionState {
	return s.conn.State()
}

// ready returns the client if commands may be issued.
func (s *Store) ready() (valkeygo.Client, error) {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	st := s.conn.State()
	switch {
	case client == nil:
		return nil, fmt.Errorf("%w: store is %s", storage.ErrConnection, st)
	case st == storage.StateError && s.cfg.DisableOfflineQueue:
		return nil, fmt.Errorf("%w: store is %s: %w", storage.ErrConnection, st, s.conn.LastError())
	}
	return client, nil
}

// track starts instrumentation for one operation. The returned func must be
// deferred with a pointer to the operation's error.
func (s *Store) track(ctx context.Context, operation string) (context.Context, func(*error)) {
	ctx, op := s.inst().StartStorageOperation(ctx, BackendName, operation)
	return ctx, func(errp *error) {
		op.End(ctx, storage.ResultLabel(*errp), *errp)
	}
}

// ============================================================
// Command helpers
// ============================================================

// do runs one command and folds its outcome into the connection state.
func (s *Store) do(ctx context.Context, c valkeygo.Client, cmd valkeygo.Completed) valkeygo.ValkeyResult {
	res := c.Do(ctx, cmd)
	s.observe(res.Error())
	return res
}

// observe moves the connection to error on transport failures and back to
// connected on the next successful reply.
func (s *Store) observe(err error) {
	switch {
	case err == nil || valkeygo.IsValkeyNil(err):
		if s.conn.State() == storage.StateError {
			s.conn.Transition(storage.StateConnected, storage.StateError)
		}
	case isTransportError(err):
		s.conn.Set(storage.StateError, err)
	}
}

// isTransportError reports errors that say nothing about the data: dropped
// connections, timeouts on the wire, a closed client.
func isTransportError(err error) bool {
	if err == nil || valkeygo.IsValkeyNil(err) {
		return false
	}
	if _, ok := valkeygo.IsValkeyErr(err); ok {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// wrapErr maps a command error onto the storage error taxonomy.
func wrapErr(err error, msg string) error {
	if isTransportError(err) {
		return fmt.Errorf("%w: %s: %w", storage.ErrConnection, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// setNX writes value under key only if it is absent, with the TTL passed
// through in seconds. A ttlSeconds of 0 stores the key without expiry.
func (s *Store) setNX(ctx context.Context, c valkeygo.Client, entity, key, value string, ttlSeconds int64) error {
	var cmd valkeygo.Completed
	if ttlSeconds > 0 {
		cmd = c.B().Set().Key(key).Value(value).Nx().ExSeconds(ttlSeconds).Build()
	} else {
		cmd = c.B().Set().Key(key).Value(value).Nx().Build()
	}

	err := s.do(ctx, c, cmd).Error()
	if valkeygo.IsValkeyNil(err) {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, entity)
	}
	if err != nil {
		return wrapErr(err, "failed to store "+entity)
	}
	return nil
}

// del removes key and reports whether it existed.
func (s *Store) del(ctx context.Context, c valkeygo.Client, entity, key string) (bool, error) {
	n, err := s.do(ctx, c, c.B().Del().Key(key).Build()).AsInt64()
	if err != nil {
		return false, wrapErr(err, "failed to delete "+entity)
	}
	return n > 0, nil
}

// getAndUnmarshal is a generic helper for fetching a key from Valkey,
// unmarshalling the JSON data, and converting to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	c valkeygo.Client,
	entity, key string,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.do(ctx, c, c.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, entity)
		}
		return nil, wrapErr(err, "failed to get "+entity)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", entity, err)
	}
	return fromJSON(&j), nil
}

// getMany fetches keys in one round trip. Missing keys are omitted.
func (s *Store) getMany(ctx context.Context, c valkeygo.Client, keys []string) (map[string]string, error) {
	cmds := make(valkeygo.Commands, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, c.B().Get().Key(k).Build())
	}

	out := make(map[string]string, len(keys))
	for i, res := range c.DoMulti(ctx, cmds...) {
		v, err := res.ToString()
		s.observe(err)
		if err != nil {
			if valkeygo.IsValkeyNil(err) {
				continue // deleted or expired between SCAN and GET
			}
			return nil, wrapErr(err, "failed to get "+keys[i])
		}
		out[keys[i]] = v
	}
	return out, nil
}

// scan walks every key matching pattern, SCAN_BATCH keys at a time, throttled
// by the scan limiter. Keys may be reported more than once.
func (s *Store) scan(ctx context.Context, c valkeygo.Client, pattern string, fn func(keys []string) error) error {
	return s.scanWith(ctx, c, pattern, s.scanLimiter, fn)
}

// scanWith is scan with an explicit limiter; nil runs unthrottled.
func (s *Store) scanWith(ctx context.Context, c valkeygo.Client, pattern string, limiter *rate.Limiter, fn func(keys []string) error) error {
	var cursor uint64
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("scan throttled: %w", err)
			}
		}
		entry, err := s.do(ctx, c,
			c.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return wrapErr(err, "failed to scan keys")
		}

		if len(entry.Elements) > 0 {
			if err := fn(entry.Elements); err != nil {
				return err
			}
		}

		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// countEntities counts the distinct keys of each entity in one pass over the
// prefix. SCAN visits the whole keyspace whatever the MATCH pattern, so one
// pass costs the same as a per-entity count.
func (s *Store) countEntities(ctx context.Context, c valkeygo.Client, limiter *rate.Limiter) (map[string]int64, error) {
	seen := make(map[string]struct{})
	counts := map[string]int64{
		storage.EntityAccessToken:       0,
		storage.EntityRefreshToken:      0,
		storage.EntityAuthorizationCode: 0,
		storage.EntityClient:            0,
	}
	err := s.scanWith(ctx, c, globEscape(s.prefix)+"*", limiter, func(keys []string) error {
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			entity, _, ok := strings.Cut(strings.TrimPrefix(k, s.prefix), ":")
			if !ok {
				continue
			}
			if _, known := counts[entity]; known {
				counts[entity]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// ============================================================
// Key Helpers
// ============================================================

// key returns {prefix}{entity}:{id}
func (s *Store) key(entity, id string) string {
	return s.prefix + entity + ":" + id
}

// pattern returns the SCAN pattern for every key of entity.
func (s *Store) pattern(entity string) string {
	return globEscape(s.prefix+entity+":") + "*"
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string {
	return globReplacer.Replace(s)
}

// ============================================================
// JSON Serialization Helpers
// ============================================================
//
// Slices are omitempty: the mark-used Lua script round-trips code records
// through cjson, which would turn an empty array into an object.

type accessTokenJSON struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	Resource  string    `json:"resource,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		Token:     t.Token,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scopes:    t.Scopes,
		Resource:  t.Resource,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	}
}

func fromAccessTokenJSON(j *accessTokenJSON) *storage.AccessToken {
	if j == nil {
		return nil
	}
	return &storage.AccessToken{
		Token:     j.Token,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scopes:    j.Scopes,
		Resource:  j.Resource,
		IssuedAt:  j.IssuedAt,
		ExpiresAt: j.ExpiresAt,
	}
}

type refreshTokenJSON struct {
	Token       string    `json:"token"`
	AccessToken string    `json:"access_token"`
	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id,omitempty"`
	Scopes      []string  `json:"scopes,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		Token:       t.Token,
		AccessToken: t.AccessToken,
		ClientID:    t.ClientID,
		UserID:      t.UserID,
		Scopes:      t.Scopes,
		IssuedAt:    t.IssuedAt,
		ExpiresAt:   t.ExpiresAt,
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	if j == nil {
		return nil
	}
	return &storage.RefreshToken{
		Token:       j.Token,
		AccessToken: j.AccessToken,
		ClientID:    j.ClientID,
		UserID:      j.UserID,
		Scopes:      j.Scopes,
		IssuedAt:    j.IssuedAt,
		ExpiresAt:   j.ExpiresAt,
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code.
// The Lua script reads and writes the "used" field.
type authorizationCodeJSON struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id,omitempty"`
	Scopes              []string  `json:"scopes,omitempty"`
	RedirectURI         string    `json:"redirect_uri,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Resource            string    `json:"resource,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Used                bool      `json:"used"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		Scopes:              code.Scopes,
		RedirectURI:         code.RedirectURI,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Resource:            code.Resource,
		CreatedAt:           code.CreatedAt,
		ExpiresAt:           code.ExpiresAt,
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		Scopes:              j.Scopes,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Resource:            j.Resource,
		CreatedAt:           j.CreatedAt,
		ExpiresAt:           j.ExpiresAt,
		Used:                j.Used,
	}
}

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"client_secret_hash,omitempty"`
	ClientType       string    `json:"client_type,omitempty"`
	ClientName       string    `json:"client_name,omitempty"`
	RedirectURIs     []string  `json:"redirect_uris,omitempty"`
	Scopes           []string  `json:"scopes,omitempty"`
	GrantTypes       []string  `json:"grant_types,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		ClientType:       client.ClientType,
		ClientName:       client.ClientName,
		RedirectURIs:     client.RedirectURIs,
		Scopes:           client.Scopes,
		GrantTypes:       client.GrantTypes,
		CreatedAt:        client.CreatedAt,
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		ClientName:       j.ClientName,
		RedirectURIs:     j.RedirectURIs,
		Scopes:           j.Scopes,
		GrantTypes:       j.GrantTypes,
		CreatedAt:        j.CreatedAt,
	}
}

// marshal encodes a record for storage.
func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(data), nil
}
