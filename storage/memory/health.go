package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-oauth-store/storage"
)

// HealthCheck runs the shared health algorithm against the in-memory tables.
func (s *Store) HealthCheck(ctx context.Context) *storage.HealthResult {
	res := storage.RunHealthCheck(ctx, prober{s})
	if inst := s.inst(); inst != nil {
		latencyMs := float64(res.Latency.Microseconds()) / 1000
		inst.Metrics().RecordHealthCheck(ctx, BackendName, string(res.Status), latencyMs)
	}
	return res
}

// Stats returns live record counts.
func (s *Store) Stats(ctx context.Context) (_ *storage.Stats, err error) {
	_, done := s.track(ctx, "stats")
	defer done(&err)
	if err = s.ready(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return &storage.Stats{
		AccessTokens:       s.accessTokens.count(),
		RefreshTokens:      s.refreshTokens.count(),
		AuthorizationCodes: s.codes.count(),
		Clients:            s.clients.count(),
		Backend: map[string]string{
			"backend": BackendName,
			"state":   string(s.conn.State()),
		},
		CollectedAt: time.Now(),
	}, nil
}

// prober adapts Store to storage.HealthProber.
type prober struct {
	s *Store
}

func (p prober) Ping(_ context.Context) error {
	return p.s.ready()
}

func (p prober) ProbeReadWrite(_ context.Context, id, value string, ttlSeconds int64) (string, error) {
	if err := p.s.ready(); err != nil {
		return "", err
	}
	p.s.probes.set(id, value, ttlDuration(ttlSeconds))
	got, ok := p.s.probes.get(id)
	if !ok {
		return "", fmt.Errorf("%w: probe record", storage.ErrNotFound)
	}
	p.s.probes.remove(id)
	return got, nil
}

func (p prober) Stats(ctx context.Context) (*storage.Stats, error) {
	return p.s.Stats(ctx)
}
