// Package mock provides a fault-injecting storage.Store for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth-store/storage"
	"github.com/giantswarm/mcp-oauth-store/storage/memory"
)

// Store wraps another storage.Store, counting calls and optionally failing or
// delaying them. Operations are named after the interface methods, e.g.
// "SetAccessToken" or "CommitOps"; the health probe steps are "Ping" and
// "ProbeReadWrite".
type Store struct {
	Inner storage.Store

	mu         sync.RWMutex
	failures   map[string]error
	latency    time.Duration
	CallCounts map[string]int
}

// Compile-time interface checks
var (
	_ storage.Store     = (*Store)(nil)
	_ storage.TxBackend = (*Store)(nil)
)

// NewMockStore wraps inner. A nil inner gets a fresh in-memory store.
func NewMockStore(inner storage.Store) *Store {
	if inner == nil {
		inner = memory.New(memory.Config{})
	}
	return &Store{
		Inner:      inner,
		failures:   make(map[string]error),
		CallCounts: make(map[string]int),
	}
}

// FailOn makes every call to op return err until cleared. A nil err clears it.
func (m *Store) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// ClearFailures removes every injected failure.
func (m *Store) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]error)
}

// SetLatency delays every call by d, honouring context cancellation.
func (m *Store) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns how many times op was invoked.
func (m *Store) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[op]
}

// ResetCallCounts resets all call counters
func (m *Store) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts = make(map[string]int)
}

// before records the call and applies injected latency and failures.
func (m *Store) before(ctx context.Context, op string) error {
	m.mu.Lock()
	m.CallCounts[op]++
	latency := m.latency
	err := m.failures[op]
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", storage.ErrConnection, ctx.Err())
		}
	}
	return err
}

// ============================================================
// Lifecycle
// ============================================================

func (m *Store) Connect(ctx context.Context) error {
	if err := m.before(ctx, "Connect"); err != nil {
		return err
	}
	return m.Inner.Connect(ctx)
}

func (m *Store) Disconnect(ctx context.Context) error {
	if err := m.before(ctx, "Disconnect"); err != nil {
		return err
	}
	return m.Inner.Disconnect(ctx)
}

func (m *Store) Status() storage.ConnectionState {
	return m.Inner.Status()
}

// ============================================================
// Credentials
// ============================================================

func (m *Store) SetAccessToken(ctx context.Context, token string, value *storage.AccessToken, ttlSeconds int64) error {
	if err := m.before(ctx, "SetAccessToken"); err != nil {
		return err
	}
	return m.Inner.SetAccessToken(ctx, token, value, ttlSeconds)
}

func (m *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	if err := m.before(ctx, "GetAccessToken"); err != nil {
		return nil, err
	}
	return m.Inner.GetAccessToken(ctx, token)
}

func (m *Store) DeleteAccessToken(ctx context.Context, token string) (bool, error) {
	if err := m.before(ctx, "DeleteAccessToken"); err != nil {
		return false, err
	}
	return m.Inner.DeleteAccessToken(ctx, token)
}

func (m *Store) SetRefreshToken(ctx context.Context, token string, value *storage.RefreshToken, ttlSeconds int64) error {
	if err := m.before(ctx, "SetRefreshToken"); err != nil {
		return err
	}
	return m.Inner.SetRefreshToken(ctx, token, value, ttlSeconds)
}

func (m *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if err := m.before(ctx, "GetRefreshToken"); err != nil {
		return nil, err
	}
	return m.Inner.GetRefreshToken(ctx, token)
}

func (m *Store) DeleteRefreshToken(ctx context.Context, token string) (bool, error) {
	if err := m.before(ctx, "DeleteRefreshToken"); err != nil {
		return false, err
	}
	return m.Inner.DeleteRefreshToken(ctx, token)
}

func (m *Store) SetAuthorizationCode(ctx context.Context, code string, value *storage.AuthorizationCode, ttlSeconds int64) error {
	if err := m.before(ctx, "SetAuthorizationCode"); err != nil {
		return err
	}
	return m.Inner.SetAuthorizationCode(ctx, code, value, ttlSeconds)
}

func (m *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := m.before(ctx, "GetAuthorizationCode"); err != nil {
		return nil, err
	}
	return m.Inner.GetAuthorizationCode(ctx, code)
}

func (m *Store) DeleteAuthorizationCode(ctx context.Context, code string) (bool, error) {
	if err := m.before(ctx, "DeleteAuthorizationCode"); err != nil {
		return false, err
	}
	return m.Inner.DeleteAuthorizationCode(ctx, code)
}

func (m *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string) (bool, error) {
	if err := m.before(ctx, "MarkAuthorizationCodeUsed"); err != nil {
		return false, err
	}
	return m.Inner.MarkAuthorizationCodeUsed(ctx, code)
}

// ============================================================
// Clients and bulk operations
// ============================================================

func (m *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if err := m.before(ctx, "CreateClient"); err != nil {
		return err
	}
	return m.Inner.CreateClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := m.before(ctx, "GetClient"); err != nil {
		return nil, err
	}
	return m.Inner.GetClient(ctx, clientID)
}

func (m *Store) DeleteClient(ctx context.Context, clientID string) (bool, error) {
	if err := m.before(ctx, "DeleteClient"); err != nil {
		return false, err
	}
	return m.Inner.DeleteClient(ctx, clientID)
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	if err := m.before(ctx, "ListClients"); err != nil {
		return nil, err
	}
	return m.Inner.ListClients(ctx)
}

func (m *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	if err := m.before(ctx, "ValidateClientSecret"); err != nil {
		return err
	}
	return m.Inner.ValidateClientSecret(ctx, clientID, clientSecret)
}

func (m *Store) DeleteTokensByClient(ctx context.Context, clientID string) (int, error) {
	if err := m.before(ctx, "DeleteTokensByClient"); err != nil {
		return 0, err
	}
	return m.Inner.DeleteTokensByClient(ctx, clientID)
}

func (m *Store) FindTokensByRefreshToken(ctx context.Context, refreshToken string) ([]*storage.AccessToken, error) {
	if err := m.before(ctx, "FindTokensByRefreshToken"); err != nil {
		return nil, err
	}
	return m.Inner.FindTokensByRefreshToken(ctx, refreshToken)
}

// ============================================================
// Transactions
// ============================================================

// Begin returns a buffered transaction that commits through CommitOps, so
// "CommitOps" failures can be injected. Inner stores that do not implement
// storage.TxBackend get their own transaction.
func (m *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if err := m.before(ctx, "Begin"); err != nil {
		return nil, err
	}
	if _, ok := m.Inner.(storage.TxBackend); !ok {
		return m.Inner.Begin(ctx)
	}
	if m.Inner.Status() != storage.StateConnected {
		return nil, fmt.Errorf("%w: store is %s", storage.ErrConnection, m.Inner.Status())
	}
	return storage.NewBufferedTx(m), nil
}

// CommitOps forwards to the inner backend.
func (m *Store) CommitOps(ctx context.Context, ops []storage.TxOp) ([]bool, error) {
	if err := m.before(ctx, "CommitOps"); err != nil {
		return nil, err
	}
	backend, ok := m.Inner.(storage.TxBackend)
	if !ok {
		return nil, fmt.Errorf("%w: inner store cannot commit buffered ops", storage.ErrUnsupportedOperation)
	}
	return backend.CommitOps(ctx, ops)
}

// ============================================================
// Monitoring
// ============================================================

// HealthCheck runs the shared algorithm against the wrapper, so injected
// latency on "ProbeReadWrite" grades the result.
func (m *Store) HealthCheck(ctx context.Context) *storage.HealthResult {
	m.mu.Lock()
	m.CallCounts["HealthCheck"]++
	m.mu.Unlock()
	return storage.RunHealthCheck(ctx, prober{m})
}

func (m *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := m.before(ctx, "Stats"); err != nil {
		return nil, err
	}
	return m.Inner.Stats(ctx)
}

type prober struct {
	m *Store
}

func (p prober) Ping(ctx context.Context) error {
	if err := p.m.before(ctx, "Ping"); err != nil {
		return err
	}
	if st := p.m.Inner.Status(); st != storage.StateConnected {
		return fmt.Errorf("%w: store is %s", storage.ErrConnection, st)
	}
	return nil
}

// ProbeReadWrite echoes value after the injected latency.
func (p prober) ProbeReadWrite(ctx context.Context, _, value string, _ int64) (string, error) {
	if err := p.m.before(ctx, "ProbeReadWrite"); err != nil {
		return "", err
	}
	return value, nil
}

func (p prober) Stats(ctx context.Context) (*storage.Stats, error) {
	return p.m.Stats(ctx)
}
