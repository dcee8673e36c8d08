package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/giantswarm/mcp-oauth-store/storage"
)

// dbStatsFields are the dbStats fields copied into Stats.Backend.
var dbStatsFields = []string{"collections", "objects", "dataSize", "storageSize", "indexes"}

// HealthCheck runs the shared health algorithm: a primary ping, a probe
// document with a 10s expiry, then Stats.
func (s *Store) HealthCheck(ctx context.Context) *storage.HealthResult {
	res := storage.RunHealthCheck(ctx, prober{s})
	if inst := s.inst(); inst != nil {
		latencyMs := float64(res.Latency.Microseconds()) / 1000
		inst.Metrics().RecordHealthCheck(ctx, BackendName, string(res.Status), latencyMs)
	}
	if !res.Healthy {
		s.logger.Warn("MongoDB health check failed",
			"status", res.Status,
			"errors", res.Errors)
	}
	return res
}

// Stats counts live documents per collection and adds dbStats figures.
func (s *Store) Stats(ctx context.Context) (_ *storage.Stats, err error) {
	ctx, done := s.track(ctx, "stats")
	defer done(&err)
	db, err := s.ready()
	if err != nil {
		return nil, err
	}

	stats := &storage.Stats{
		Backend: map[string]string{
			"backend":  BackendName,
			"state":    string(s.conn.State()),
			"database": s.cfg.Database,
		},
	}

	notExpired := bson.D{{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: s.now()}}}}
	counts := []struct {
		entity string
		filter bson.D
		dst    *int64
	}{
		{storage.EntityAccessToken, notExpired, &stats.AccessTokens},
		{storage.EntityRefreshToken, notExpired, &stats.RefreshTokens},
		{storage.EntityAuthorizationCode, notExpired, &stats.AuthorizationCodes},
		{storage.EntityClient, bson.D{}, &stats.Clients},
	}
	for _, cnt := range counts {
		n, err := s.coll(db, cnt.entity).CountDocuments(ctx, cnt.filter)
		if err != nil {
			return nil, wrapErr(err, "failed to count "+cnt.entity)
		}
		*cnt.dst = n
	}

	var dbStats bson.M
	if err := db.RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).Decode(&dbStats); err != nil {
		return nil, wrapErr(err, "failed to read dbStats")
	}
	for _, f := range dbStatsFields {
		if v, ok := dbStats[f]; ok {
			stats.Backend[f] = fmt.Sprint(v)
		}
	}

	stats.CollectedAt = time.Now()
	return stats, nil
}

// prober adapts Store to storage.HealthProber.
type prober struct {
	s *Store
}

func (p prober) Ping(ctx context.Context) error {
	p.s.mu.RLock()
	client := p.s.client
	p.s.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("%w: store is %s", storage.ErrConnection, p.s.conn.State())
	}
	err := client.Ping(ctx, readpref.Primary())
	p.s.observe(err)
	if err != nil {
		return wrapErr(err, "ping failed")
	}
	return nil
}

func (p prober) ProbeReadWrite(ctx context.Context, id, value string, ttlSeconds int64) (string, error) {
	db, err := p.s.ready()
	if err != nil {
		return "", err
	}

	coll := p.s.coll(db, healthEntity)
	doc := &healthDoc{
		ID:        id,
		Value:     value,
		ExpiresAt: p.s.now().Add(time.Duration(ttlSeconds) * time.Second),
	}
	if err := p.s.insert(ctx, coll, healthEntity, id, doc); err != nil {
		return "", err
	}

	got, err := findLive[healthDoc](ctx, p.s, coll, healthEntity, id)
	if err != nil {
		return "", err
	}
	// The TTL index removes the probe if this delete is lost.
	_, _ = coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	return got.Value, nil
}

func (p prober) Stats(ctx context.Context) (*storage.Stats, error) {
	return p.s.Stats(ctx)
}
