package valkey

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"golang.org/x/time/rate"

	"github.com/giantswarm/mcp-oauth-store/storage"
)

// infoFields are the INFO fields copied into Stats.Backend.
var infoFields = map[string][]string{
	"memory":  {"used_memory", "used_memory_human", "maxmemory"},
	"clients": {"connected_clients", "blocked_clients"},
	"server":  {"redis_version", "valkey_version", "uptime_in_seconds"},
}

// HealthCheck runs the shared health algorithm: PING, a probe record under
// {prefix}health:{uuid} with a 10s TTL, then a stats snapshot whose key count
// is bounded by HealthCountBudget.
func (s *Store) HealthCheck(ctx context.Context) *storage.HealthResult {
	res := storage.RunHealthCheck(ctx, prober{s})
	if inst := s.inst(); inst != nil {
		latencyMs := float64(res.Latency.Microseconds()) / 1000
		inst.Metrics().RecordHealthCheck(ctx, BackendName, string(res.Status), latencyMs)
	}
	if !res.Healthy {
		s.logger.Warn("Valkey health check failed",
			"status", res.Status,
			"errors", res.Errors)
	}
	return res
}

// Stats counts records per entity with one throttled SCAN over the prefix and
// adds DBSIZE and server metrics from INFO. Counts are approximate while keys
// are being written or expiring.
func (s *Store) Stats(ctx context.Context) (_ *storage.Stats, err error) {
	ctx, done := s.track(ctx, "stats")
	defer done(&err)
	c, err := s.ready()
	if err != nil {
		return nil, err
	}
	return s.collectStats(ctx, c, s.scanLimiter, 0)
}

// collectStats builds a Stats snapshot. With a positive budget the key count
// stops when the budget runs out and the snapshot comes back with
// CountsUnavailable set instead of an error.
func (s *Store) collectStats(ctx context.Context, c valkeygo.Client, limiter *rate.Limiter, budget time.Duration) (*storage.Stats, error) {
	stats := &storage.Stats{
		Backend: map[string]string{
			"backend": BackendName,
			"state":   string(s.conn.State()),
			"prefix":  s.prefix,
		},
	}

	countCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		countCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	counts, err := s.countEntities(countCtx, c, limiter)
	switch {
	case err == nil:
		stats.AccessTokens = counts[storage.EntityAccessToken]
		stats.RefreshTokens = counts[storage.EntityRefreshToken]
		stats.AuthorizationCodes = counts[storage.EntityAuthorizationCode]
		stats.Clients = counts[storage.EntityClient]
	case budget > 0 && countCtx.Err() != nil && ctx.Err() == nil:
		stats.CountsUnavailable = true
		s.logger.Debug("Key count exceeded budget, skipping counts", "budget", budget)
	default:
		return nil, err
	}

	dbsize, err := s.do(ctx, c, c.B().Dbsize().Build()).AsInt64()
	if err != nil {
		return nil, wrapErr(err, "failed to read database size")
	}
	stats.Backend["dbsize"] = strconv.FormatInt(dbsize, 10)

	for section, fields := range infoFields {
		info, err := s.do(ctx, c, c.B().Info().Section(section).Build()).ToString()
		if err != nil {
			return nil, wrapErr(err, "failed to read server info")
		}
		for k, v := range parseInfo(info, fields) {
			stats.Backend[k] = v
		}
	}

	stats.CollectedAt = time.Now()
	return stats, nil
}

// parseInfo extracts the wanted "field:value" lines from an INFO reply.
func parseInfo(info string, fields []string) map[string]string {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}

	out := make(map[string]string, len(fields))
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if ok && want[k] {
			out[k] = v
		}
	}
	return out
}

// prober adapts Store to storage.HealthProber.
type prober struct {
	s *Store
}

// Ping ignores DisableOfflineQueue so a health check can observe recovery
// from the error state.
func (p prober) Ping(ctx context.Context) error {
	p.s.mu.RLock()
	c := p.s.client
	p.s.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%w: store is %s", storage.ErrConnection, p.s.conn.State())
	}
	if err := p.s.do(ctx, c, c.B().Ping().Build()).Error(); err != nil {
		return wrapErr(err, "ping failed")
	}
	return nil
}

func (p prober) ProbeReadWrite(ctx context.Context, id, value string, ttlSeconds int64) (string, error) {
	c, err := p.s.ready()
	if err != nil {
		return "", err
	}

	key := p.s.key(healthEntity, id)
	if err := p.s.setNX(ctx, c, healthEntity, key, value, ttlSeconds); err != nil {
		return "", err
	}
	got, err := p.s.do(ctx, c, c.B().Get().Key(key).Build()).ToString()
	if err != nil {
		return "", wrapErr(err, "failed to read health probe")
	}
	// The TTL removes the probe if this delete is lost.
	_ = p.s.do(ctx, c, c.B().Del().Key(key).Build()).Error()
	return got, nil
}

// Stats counts unthrottled within HealthCountBudget so a large keyspace
// cannot push the check past its deadline.
func (p prober) Stats(ctx context.Context) (*storage.Stats, error) {
	c, err := p.s.ready()
	if err != nil {
		return nil, err
	}
	return p.s.collectStats(ctx, c, nil, p.s.cfg.HealthCountBudget)
}
