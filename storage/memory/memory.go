package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/giantswarm/mcp-oauth-store/instrumentation"
	"github.com/giantswarm/mcp-oauth-store/storage"
)

// BackendName labels metrics and spans emitted by this backend.
const BackendName = "memory"

const noTTL = ttlcache.NoTTL

// Config holds configuration for the in-memory store.
type Config struct {
	// Logger for structured logging (optional, defaults to slog.Default())
	Logger *slog.Logger

	// Now overrides the clock used to stamp IssuedAt/ExpiresAt (optional).
	// Expiry itself is enforced by ttlcache on the wall clock.
	Now func() time.Time
}

// Store is an in-memory implementation of storage.Store built on ttlcache.
//
// Reads take a shared lock and writes an exclusive one, so a single-use code
// check-and-set and a transaction commit are each indivisible with respect to
// every other operation on the same Store.
type Store struct {
	mu sync.RWMutex

	accessTokens  *table[*storage.AccessToken]
	refreshTokens *table[*storage.RefreshToken]
	codes         *table[*storage.AuthorizationCode]
	clients       *table[*storage.Client]
	probes        *table[string]

	conn   *storage.ConnectionTracker
	now    func() time.Time
	logger *slog.Logger

	// lifecycle serializes Connect/Disconnect so cache goroutines start and stop once
	lifecycle sync.Mutex

	instMu          sync.RWMutex
	instrumentation *instrumentation.Instrumentation
	sizeReg         metric.Registration
}

// Compile-time interface checks
var (
	_ storage.Store     = (*Store)(nil)
	_ storage.TxBackend = (*Store)(nil)
)

// New creates a disconnected in-memory store. Call Connect before use.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		accessTokens:  newTable((*storage.AccessToken).Clone),
		refreshTokens: newTable((*storage.RefreshToken).Clone),
		codes:         newTable((*storage.AuthorizationCode).Clone),
		clients:       newTable((*storage.Client).Clone),
		probes:        newTable(func(v string) string { return v }),
		now:           cfg.Now,
		logger:        cfg.Logger,
	}
	s.conn = storage.NewConnectionTracker(s.onStateChange)
	return s
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instMu.Lock()
	defer s.instMu.Unlock()

	if s.sizeReg != nil {
		_ = s.sizeReg.Unregister()
		s.sizeReg = nil
	}
	s.instrumentation = inst
	if inst == nil {
		return
	}

	reg, err := inst.RegisterStorageSizeCallbacks(BackendName, instrumentation.StorageSizeCallbacks{
		AccessTokens:       s.accessTokens.count,
		RefreshTokens:      s.refreshTokens.count,
		AuthorizationCodes: s.codes.count,
		Clients:            s.clients.count,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
		return
	}
	s.sizeReg = reg
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
	s.logger.Debug("Storage connection state changed", attrs...)
	if inst := s.inst(); inst != nil {
		inst.Metrics().RecordConnectionStateChange(context.Background(), BackendName, string(from), string(to))
	}
}

// Connect starts the expiry goroutines. It is idempotent.
func (s *Store) Connect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.conn.Ready() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrConnection, err)
	}

	s.conn.Set(storage.StateConnecting, nil)
	for _, t := range s.tables() {
		t.start()
	}
	s.conn.Set(storage.StateConnected, nil)

	if inst := s.inst(); inst != nil {
		inst.Metrics().RecordConnectionAttempt(ctx, BackendName, true)
	}
	s.logger.Info("In-memory storage connected")
	return nil
}

// Disconnect stops the expiry goroutines. Records are kept, so a later Connect
// sees the same data. Safe to call multiple times.
func (s *Store) Disconnect(_ context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.conn.State() == storage.StateClosed {
		return nil
	}
	for _, t := range s.tables() {
		t.stop()
	}
	s.conn.Set(storage.StateClosed, nil)
	s.logger.Info("In-memory storage disconnected")
	return nil
}

// Status returns the connection state.
func (s *Store) Status() storage.ConnectionState {
	return s.conn.State()
}

type lifecycleTable interface {
	start()
	stop()
}

func (s *Store) tables() []lifecycleTable {
	return []lifecycleTable{s.accessTokens, s.refreshTokens, s.codes, s.clients, s.probes}
}

func (s *Store) ready() error {
	if st := s.conn.State(); st != storage.StateConnected {
		return fmt.Errorf("%w: store is %s", storage.ErrConnection, st)
	}
	return nil
}

// track starts instrumentation for one operation. The returned func must be
// deferred with a pointer to the operation's error.
func (s *Store) track(ctx context.Context, operation string) (context.Context, func(*error)) {
	ctx, op := s.inst().StartStorageOperation(ctx, BackendName, operation)
	return ctx, func(errp *error) {
		op.End(ctx, storage.ResultLabel(*errp), *errp)
	}
}

// table is one entity namespace backed by its own ttlcache.
// Values are cloned on the way in and out.
type table[V any] struct {
	cache   *ttlcache.Cache[string, V]
	clone   func(V) V
	running bool
}

func newTable[V any](clone func(V) V) *table[V] {
	return &table[V]{
		cache: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, V](),
		),
		clone: clone,
	}
}

// start and stop are serialized by Store.lifecycle.
func (t *table[V]) start() {
	if !t.running {
		t.running = true
		go t.cache.Start()
	}
}

func (t *table[V]) stop() {
	if t.running {
		t.cache.Stop()
		t.running = false
	}
}

func (t *table[V]) get(key string) (V, bool) {
	item := t.cache.Get(key)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return t.clone(item.Value()), true
}

func (t *table[V]) has(key string) bool {
	item := t.cache.Get(key)
	return item != nil && !item.IsExpired()
}

// remaining returns the time left before key expires, or false if absent.
func (t *table[V]) remaining(key string) (time.Duration, bool) {
	item := t.cache.Get(key)
	if item == nil || item.IsExpired() {
		return 0, false
	}
	if item.ExpiresAt().IsZero() {
		return ttlcache.NoTTL, true
	}
	left := time.Until(item.ExpiresAt())
	return left, left > 0
}

func (t *table[V]) set(key string, v V, ttl time.Duration) {
	t.cache.Set(key, t.clone(v), ttl)
}

func (t *table[V]) remove(key string) bool {
	present := t.has(key)
	t.cache.Delete(key)
	return present
}

// values returns clones of every live value.
func (t *table[V]) values() map[string]V {
	items := t.cache.Items()
	out := make(map[string]V, len(items))
	for k, item := range items {
		if item.IsExpired() {
			continue
		}
		out[k] = t.clone(item.Value())
	}
	return out
}

func (t *table[V]) count() int64 {
	var n int64
	for _, item := range t.cache.Items() {
		if !item.IsExpired() {
			n++
		}
	}
	return n
}

func ttlDuration(ttlSeconds int64) time.Duration {
	return time.Duration(ttlSeconds) * time.Second
}
