package valkey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-oauth-store/storage"
	"github.com/giantswarm/mcp-oauth-store/storage/storagetest"
)

const valkeyImage = "valkey/valkey:8-alpine"

var (
	containerOnce sync.Once
	containerAddr string
	containerErr  error
	container     testcontainers.Container
)

func TestMain(m *testing.M) {
	code := m.Run()
	if container != nil {
		_ = testcontainers.TerminateContainer(container)
	}
	os.Exit(code)
}

// testAddr returns VALKEY_TEST_ADDR, or starts one shared container for the
// package. Tests are skipped when neither is available.
func testAddr(t *testing.T) string {
	t.Helper()

	if addr := os.Getenv("VALKEY_TEST_ADDR"); addr != "" {
		return addr
	}
	if testing.Short() {
		t.Skip("Skipping test: VALKEY_TEST_ADDR not set and -short given")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        valkeyImage,
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp"),
			},
			Started: true,
		})
		if containerErr != nil {
			return
		}
		containerAddr, containerErr = container.PortEndpoint(ctx, "6379/tcp", "")
	})
	if containerErr != nil {
		t.Skipf("Skipping test: could not start valkey container: %v", containerErr)
	}
	return containerAddr
}

// newTestStore creates a connected store with a unique key prefix so tests can
// share one server. Keys are removed on cleanup.
func newTestStore(t *testing.T, mutate ...func(*Config)) *Store {
	t.Helper()

	cfg := Config{
		Address:   testAddr(t),
		KeyPrefix: "mcptest:" + uuid.NewString() + ":",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))

	t.Cleanup(func() {
		cleanupTestKeys(t, s)
		_ = s.Disconnect(context.Background())
	})
	return s
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	// The conformance suite disconnects first; reconnect to clean up.
	if err := s.Connect(ctx); err != nil {
		t.Logf("Warning: failed to reconnect for cleanup: %v", err)
		return
	}
	c, err := s.ready()
	if err != nil {
		return
	}
	err = s.scan(ctx, c, globEscape(s.prefix)+"*", func(keys []string) error {
		return c.Do(ctx, c.B().Del().Key(keys...).Build()).Error()
	})
	if err != nil {
		t.Logf("Warning: failed to clean up test keys: %v", err)
	}
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	_, err = New(Config{Address: "localhost"})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(Config{Address: "localhost:6379"})
	require.NoError(t, err)

	assert.Equal(t, DefaultKeyPrefix, s.prefix)
	assert.Equal(t, DefaultConnectTimeout, s.cfg.ConnectTimeout)
	assert.Equal(t, DefaultMaxRetries, s.cfg.MaxRetries)
	assert.Equal(t, DefaultBaseRetryDelay, s.cfg.BaseRetryDelay)
	assert.Equal(t, DefaultMaxRetryDelay, s.cfg.MaxRetryDelay)
	assert.Equal(t, storage.StateDisconnected, s.Status())

	s, err = New(Config{Address: "localhost:6379", MaxRetries: -1})
	require.NoError(t, err)
	assert.Equal(t, 0, s.cfg.MaxRetries)
}

func TestKeyNamespacing(t *testing.T) {
	s, err := New(Config{Address: "localhost:6379", KeyPrefix: "app:"})
	require.NoError(t, err)

	assert.Equal(t, "app:token:abc", s.key(storage.EntityAccessToken, "abc"))
	assert.Equal(t, "app:refresh:abc", s.key(storage.EntityRefreshToken, "abc"))
	assert.Equal(t, "app:code:abc", s.key(storage.EntityAuthorizationCode, "abc"))
	assert.Equal(t, "app:client:abc", s.key(storage.EntityClient, "abc"))
	assert.Equal(t, "app:client:*", s.pattern(storage.EntityClient))

	s.prefix = "a*b?:"
	assert.Equal(t, `a\*b\?:token:*`, s.pattern(storage.EntityAccessToken))
}

func TestParseInfo(t *testing.T) {
	info := "# Memory\r\nused_memory:1024\r\nused_memory_human:1.00K\r\nmaxmemory:0\r\nother:1\r\n"
	got := parseInfo(info, []string{"used_memory", "maxmemory"})
	assert.Equal(t, map[string]string{"used_memory": "1024", "maxmemory": "0"}, got)
}

func TestOperationsRequireConnect(t *testing.T) {
	s, err := New(Config{Address: "localhost:6379"})
	require.NoError(t, err)

	err = s.SetAccessToken(context.Background(), "tok", &storage.AccessToken{ClientID: "c"}, 60)
	assert.ErrorIs(t, err, storage.ErrConnection)

	_, err = s.Begin(context.Background())
	assert.ErrorIs(t, err, storage.ErrConnection)

	res := s.HealthCheck(context.Background())
	assert.Equal(t, storage.HealthUnhealthy, res.Status)
	assert.False(t, res.Healthy)
}

func TestArgumentsValidatedBeforeConnection(t *testing.T) {
	s, err := New(Config{Address: "localhost:6379"})
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

	_, err = s.DeleteTokensByClient(ctx, "")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestConnect_Unreachable(t *testing.T) {
	s, err := New(Config{
		Address:        "127.0.0.1:1",
		ConnectTimeout: 200 * time.Millisecond,
		MaxRetries:     2,
		BaseRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:  20 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	start := time.Now()
	err = s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrConnection)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, storage.StateError, s.Status())
	assert.Less(t, time.Since(start), 5*time.Second)

	require.NoError(t, s.Disconnect(context.Background()))
	assert.Equal(t, storage.StateClosed, s.Status())
}

func TestConnect_ContextCancelled(t *testing.T) {
	s, err := New(Config{Address: "127.0.0.1:1", MaxRetries: 10, BaseRetryDelay: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Connect(ctx)
	assert.ErrorIs(t, err, storage.ErrConnection)
}

// ============================================================
// Integration Tests
// ============================================================

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestStore_TTLPassthrough(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.ready()
	require.NoError(t, err)

	require.NoError(t, s.SetAccessToken(ctx, "tok", &storage.AccessToken{ClientID: "c"}, 3600))
	require.NoError(t, s.SetAuthorizationCode(ctx, "code", &storage.AuthorizationCode{ClientID: "c"}, 600))
	require.NoError(t, s.CreateClient(ctx, &storage.Client{ClientID: "c"}))

	ttl, err := c.Do(ctx, c.B().Ttl().Key(s.key(storage.EntityAccessToken, "tok")).Build()).AsInt64()
	require.NoError(t, err)
	assert.InDelta(t, 3600, ttl, 2)

	// Marking keeps the original expiry.
	marked, err := s.MarkAuthorizationCodeUsed(ctx, "code")
	require.NoError(t, err)
	require.True(t, marked)
	ttl, err = c.Do(ctx, c.B().Ttl().Key(s.key(storage.EntityAuthorizationCode, "code")).Build()).AsInt64()
	require.NoError(t, err)
	assert.InDelta(t, 600, ttl, 2)

	ttl, err = c.Do(ctx, c.B().Ttl().Key(s.key(storage.EntityClient, "c")).Build()).AsInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ttl, "clients have no TTL")
}

func TestStore_TxTTLPassthrough(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.ready()
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SetRefreshToken("r", &storage.RefreshToken{ClientID: "c", AccessToken: "a"}, 7200))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	ttl, err := c.Do(ctx, c.B().Ttl().Key(s.key(storage.EntityRefreshToken, "r")).Build()).AsInt64()
	require.NoError(t, err)
	assert.InDelta(t, 7200, ttl, 2)
}

func TestStore_WatchAbortsOnConcurrentWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.ready()
	require.NoError(t, err)

	ops := []storage.TxOp{{Kind: storage.OpDelete, Entity: storage.EntityAccessToken, Key: "a1"}}
	plan, err := storage.PlanCommit(ops)
	require.NoError(t, err)
	key := s.key(storage.EntityAccessToken, "a1")

	err = c.Dedicated(func(dc valkeygo.DedicatedClient) error {
		require.NoError(t, dc.Do(ctx, dc.B().Watch().Key(key).Build()).Error())
		// Another client writes the watched key before EXEC.
		require.NoError(t, c.Do(ctx, c.B().Set().Key(key).Value("{}").Build()).Error())

		_, err := s.commitDedicated(ctx, dc, ops, make([]string, len(ops)), plan)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrCommitFailed)
	assert.ErrorIs(t, err, errWatchAborted)

	// The aborted delete did not run.
	n, err := c.Do(ctx, c.B().Exists().Key(key).Build()).AsInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_UnmarshalableCodeFailsClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.ready()
	require.NoError(t, err)

	require.NoError(t, c.Do(ctx, c.B().Set().Key(s.key(storage.EntityAuthorizationCode, "bad")).Value("not json").Build()).Error())

	marked, err := s.MarkAuthorizationCodeUsed(ctx, "bad")
	assert.False(t, marked)
	assert.Error(t, err)
}

func TestStore_StatsIncludeServerInfo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, BackendName, stats.Backend["backend"])
	assert.NotEmpty(t, stats.Backend["used_memory"])
	assert.NotEmpty(t, stats.Backend["connected_clients"])
	assert.NotEmpty(t, stats.Backend["dbsize"])
}

func TestStore_StatsCountsEachEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetAccessToken(ctx, "at-1", &storage.AccessToken{ClientID: "c"}, 60))
	require.NoError(t, s.SetAccessToken(ctx, "at-2", &storage.AccessToken{ClientID: "c"}, 60))
	require.NoError(t, s.SetRefreshToken(ctx, "rt-1", &storage.RefreshToken{ClientID: "c", AccessToken: "at-1"}, 60))
	require.NoError(t, s.SetAuthorizationCode(ctx, "code-1", &storage.AuthorizationCode{ClientID: "c"}, 60))
	require.NoError(t, s.CreateClient(ctx, &storage.Client{ClientID: "c", ClientType: storage.ClientTypePublic}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.AccessTokens)
	assert.Equal(t, int64(1), stats.RefreshTokens)
	assert.Equal(t, int64(1), stats.AuthorizationCodes)
	assert.Equal(t, int64(1), stats.Clients)
	assert.False(t, stats.CountsUnavailable)
}

// seedForeignKeys writes n short-lived keys outside the store's prefix.
func seedForeignKeys(t *testing.T, s *Store, n int) {
	t.Helper()
	ctx := context.Background()
	c, err := s.ready()
	require.NoError(t, err)

	ns := "mcptest-bulk:" + uuid.NewString() + ":"
	keys := make([]string, 0, n)
	cmds := make(valkeygo.Commands, 0, n)
	for i := range n {
		k := fmt.Sprintf("%s%d", ns, i)
		keys = append(keys, k)
		cmds = append(cmds, c.B().Set().Key(k).Value("x").Ex(5*time.Minute).Build())
	}
	for _, r := range c.DoMulti(ctx, cmds...) {
		require.NoError(t, r.Error())
	}

	t.Cleanup(func() {
		for start := 0; start < len(keys); start += 500 {
			end := min(start+500, len(keys))
			_ = c.Do(context.Background(), c.B().Unlink().Key(keys[start:end]...).Build()).Error()
		}
	})
}

func TestStore_HealthCheckLargeKeyspace(t *testing.T) {
	s := newTestStore(t, func(c *Config) {
		// A throttled count of this keyspace would take minutes.
		c.ScanRateLimit = 1
		c.HealthCountBudget = 3 * time.Second
	})
	ctx := context.Background()
	seedForeignKeys(t, s, 10_000)
	require.NoError(t, s.SetAccessToken(ctx, "at-1", &storage.AccessToken{ClientID: "c"}, 60))

	start := time.Now()
	res := s.HealthCheck(ctx)
	elapsed := time.Since(start)

	assert.True(t, res.Healthy, "errors: %v", res.Errors)
	assert.Empty(t, res.Errors)
	assert.Less(t, elapsed, storage.DefaultHealthCheckTimeout)
	require.NotNil(t, res.Stats)
	if !res.Stats.CountsUnavailable {
		assert.Equal(t, int64(1), res.Stats.AccessTokens)
	}
	assert.NotEmpty(t, res.Stats.Backend["dbsize"])
}

func TestStore_HealthCheckCountBudgetExceeded(t *testing.T) {
	s := newTestStore(t, func(c *Config) { c.HealthCountBudget = time.Nanosecond })
	ctx := context.Background()
	require.NoError(t, s.SetAccessToken(ctx, "at-1", &storage.AccessToken{ClientID: "c"}, 60))

	res := s.HealthCheck(ctx)

	assert.True(t, res.Healthy, "errors: %v", res.Errors)
	assert.Equal(t, storage.HealthHealthy, res.Components[storage.ComponentStats].Status)
	assert.Equal(t, "unavailable", res.Components[storage.ComponentStats].Details["counts"])
	require.NotNil(t, res.Stats)
	assert.True(t, res.Stats.CountsUnavailable)
	assert.Zero(t, res.Stats.AccessTokens)
	assert.NotEmpty(t, res.Stats.Backend["dbsize"])

	// Stats outside a health check is not budgeted.
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.CountsUnavailable)
	assert.Equal(t, int64(1), stats.AccessTokens)
}

func TestStore_OfflineQueueDisabled(t *testing.T) {
	s := newTestStore(t, func(c *Config) { c.DisableOfflineQueue = true })
	ctx := context.Background()

	s.conn.Set(storage.StateError, errors.New("simulated connection loss"))
	_, err := s.GetAccessToken(ctx, "tok")
	assert.ErrorIs(t, err, storage.ErrConnection)

	// A health check pings past the gate and restores the state.
	res := s.HealthCheck(ctx)
	assert.True(t, res.Healthy)
	assert.Equal(t, storage.StateConnected, s.Status())

	_, err = s.GetAccessToken(ctx, "tok")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ReconnectClosesPreviousClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetAccessToken(ctx, "tok", &storage.AccessToken{ClientID: "c"}, 60))

	s.mu.RLock()
	old := s.client
	s.mu.RUnlock()

	s.observe(errors.New("connection reset by peer"))
	require.Equal(t, storage.StateError, s.Status())

	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, storage.StateConnected, s.Status())

	s.mu.RLock()
	current := s.client
	s.mu.RUnlock()
	require.NotSame(t, old, current)

	err := old.Do(ctx, old.B().Ping().Build()).Error()
	assert.ErrorIs(t, err, valkeygo.ErrClosing)

	got, err := s.GetAccessToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "c", got.ClientID)
}
