package memory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/giantswarm/mcp-oauth-store/instrumentation"
	"github.com/giantswarm/mcp-oauth-store/storage"
	"github.com/giantswarm/mcp-oauth-store/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestStore_OperationsRequireConnect(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	assert.Equal(t, storage.StateDisconnected, s.Status())

	err := s.SetAccessToken(ctx, "tok", &storage.AccessToken{ClientID: "c"}, 60)
	assert.ErrorIs(t, err, storage.ErrConnection)

	_, err = s.GetClient(ctx, "c")
	assert.ErrorIs(t, err, storage.ErrConnection)

	_, err = s.Begin(ctx)
	assert.ErrorIs(t, err, storage.ErrConnection)
}

func TestStore_ArgumentsValidatedBeforeConnection(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})

	err := s.SetAccessToken(ctx, "tok", &storage.AccessToken{ClientID: "c"}, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
	assert.NotErrorIs(t, err, storage.ErrConnection)

	err = s.SetRefreshToken(ctx, "rt", &storage.RefreshToken{ClientID: "c"}, -1)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	err = s.SetAuthorizationCode(ctx, "", &storage.AuthorizationCode{ClientID: "c"}, 60)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	err = s.CreateClient(ctx, &storage.Client{})
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	_, err = s.MarkAuthorizationCodeUsed(ctx, "")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestStore_ReconnectKeepsData(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetAccessToken(ctx, "tok", &storage.AccessToken{ClientID: "c"}, 60))
	require.NoError(t, s.Disconnect(ctx))
	assert.Equal(t, storage.StateClosed, s.Status())

	_, err := s.GetAccessToken(ctx, "tok")
	assert.ErrorIs(t, err, storage.ErrConnection)

	require.NoError(t, s.Connect(ctx))
	got, err := s.GetAccessToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "c", got.ClientID)
	require.NoError(t, s.Disconnect(ctx))
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	defer func() { _ = s.Disconnect(ctx) }()

	in := &storage.AccessToken{ClientID: "c", Scopes: []string{"read"}}
	require.NoError(t, s.SetAccessToken(ctx, "tok", in, 60))
	in.Scopes[0] = "admin"
	assert.Empty(t, in.Token, "the caller's record is not modified")

	got, err := s.GetAccessToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, got.Scopes)

	got.Scopes[0] = "admin"
	again, err := s.GetAccessToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, again.Scopes)
}

func TestStore_Clock(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(Config{Now: func() time.Time { return fixed }})
	require.NoError(t, s.Connect(ctx))
	defer func() { _ = s.Disconnect(ctx) }()

	require.NoError(t, s.SetAccessToken(ctx, "tok", &storage.AccessToken{ClientID: "c"}, 90))
	got, err := s.GetAccessToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, fixed, got.IssuedAt)
	assert.Equal(t, fixed.Add(90*time.Second), got.ExpiresAt)
}

func TestStore_Instrumentation(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(ctx) }()

	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MeterProvider: mp})
	require.NoError(t, err)

	s := newTestStore(t)
	defer func() { _ = s.Disconnect(ctx) }()
	s.SetInstrumentation(inst)

	require.NoError(t, s.SetAuthorizationCode(ctx, "code", &storage.AuthorizationCode{ClientID: "c"}, 60))
	marked, err := s.MarkAuthorizationCodeUsed(ctx, "code")
	require.NoError(t, err)
	require.True(t, marked)
	marked, err = s.MarkAuthorizationCodeUsed(ctx, "code")
	require.NoError(t, err)
	require.False(t, marked)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	gauges := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					totals[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					gauges[m.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(1), totals["oauth.code.reuse_detected"])
	assert.Equal(t, int64(1), totals["storage.transaction.total"])
	assert.GreaterOrEqual(t, totals["storage.operation.total"], int64(4))
	assert.Equal(t, int64(1), gauges["storage.size.authorization_codes"])
}
