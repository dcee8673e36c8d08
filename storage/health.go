package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// HealthStatus is the graded health signal.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Latency thresholds for the read/write round trip.
const (
	DegradedLatency  = 100 * time.Millisecond
	UnhealthyLatency = 500 * time.Millisecond
)

const (
	// HealthProbeTTLSeconds is the TTL of the synthetic probe record.
	HealthProbeTTLSeconds = 10

	// DefaultHealthCheckTimeout bounds a check when ctx has no deadline.
	DefaultHealthCheckTimeout = 5 * time.Second
)

// Component names reported in HealthResult.Components.
const (
	ComponentConnection = "connection"
	ComponentReadWrite  = "read_write"
	ComponentStats      = "stats"
)

// ComponentHealth is the result of one health check step.
type ComponentHealth struct {
	Status  HealthStatus      `json:"status"`
	Latency time.Duration     `json:"latency_ns"`
	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthResult is the structured outcome of HealthCheck.
type HealthResult struct {
	Status     HealthStatus               `json:"status"`
	Healthy    bool                       `json:"healthy"`
	Latency    time.Duration              `json:"latency_ns"`
	Components map[string]ComponentHealth `json:"components"`
	Errors     []string                   `json:"errors,omitempty"`
	Stats      *Stats                     `json:"stats,omitempty"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// ClassifyLatency grades a round-trip latency.
func ClassifyLatency(d time.Duration) HealthStatus {
	switch {
	case d < DegradedLatency:
		return HealthHealthy
	case d < UnhealthyLatency:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// HealthProber is the backend side of RunHealthCheck.
type HealthProber interface {
	// Ping is a trivial connectivity probe.
	Ping(ctx context.Context) error

	// ProbeReadWrite writes value under the backend's health namespace with the
	// given TTL and reads it back.
	ProbeReadWrite(ctx context.Context, id, value string, ttlSeconds int64) (string, error)

	Stats(ctx context.Context) (*Stats, error)
}

// RunHealthCheck performs the three-step check: a connectivity probe, a
// write-then-read round trip with a short TTL and a stats snapshot. The
// overall status is the round-trip latency grade, downgraded by failing
// components. It never returns an error.
func RunHealthCheck(ctx context.Context, p HealthProber) *HealthResult {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthCheckTimeout)
		defer cancel()
	}

	res := &HealthResult{
		Components: make(map[string]ComponentHealth, 3),
		CheckedAt:  time.Now(),
	}
	fail := func(name string, c ComponentHealth, err error) {
		c.Status = HealthUnhealthy
		c.Error = err.Error()
		res.Components[name] = c
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", name, err))
	}

	// 1. connectivity
	start := time.Now()
	err := p.Ping(ctx)
	ping := ComponentHealth{Latency: time.Since(start)}
	if err != nil {
		fail(ComponentConnection, ping, err)
		// Without connectivity the remaining steps cannot succeed.
		res.Status = HealthUnhealthy
		res.Latency = ping.Latency
		return res
	}
	ping.Status = ClassifyLatency(ping.Latency)
	res.Components[ComponentConnection] = ping

	// 2. write-then-read round trip
	id := uuid.NewString()
	want := strconv.FormatInt(time.Now().UnixNano(), 10)
	start = time.Now()
	got, err := p.ProbeReadWrite(ctx, id, want, HealthProbeTTLSeconds)
	rw := ComponentHealth{Latency: time.Since(start)}
	res.Latency = rw.Latency
	switch {
	case err != nil:
		fail(ComponentReadWrite, rw, err)
	case got != want:
		fail(ComponentReadWrite, rw, fmt.Errorf("probe value mismatch"))
	default:
		rw.Status = ClassifyLatency(rw.Latency)
		res.Components[ComponentReadWrite] = rw
	}

	// 3. stats snapshot
	start = time.Now()
	stats, err := p.Stats(ctx)
	sc := ComponentHealth{Latency: time.Since(start)}
	if err != nil {
		fail(ComponentStats, sc, err)
	} else {
		sc.Status = HealthHealthy
		if stats.CountsUnavailable {
			sc.Details = map[string]string{"counts": "unavailable"}
		} else {
			sc.Details = map[string]string{
				"access_tokens":       strconv.FormatInt(stats.AccessTokens, 10),
				"refresh_tokens":      strconv.FormatInt(stats.RefreshTokens, 10),
				"authorization_codes": strconv.FormatInt(stats.AuthorizationCodes, 10),
				"clients":             strconv.FormatInt(stats.Clients, 10),
			}
		}
		res.Components[ComponentStats] = sc
		res.Stats = stats
	}

	res.Status = ClassifyLatency(res.Latency)
	if rw, ok := res.Components[ComponentReadWrite]; ok && rw.Status == HealthUnhealthy {
		res.Status = HealthUnhealthy
	}
	if len(res.Errors) > 0 && res.Status == HealthHealthy {
		res.Status = HealthDegraded
	}
	res.Healthy = len(res.Errors) == 0 && res.Status != HealthUnhealthy
	return res
}
