// Package healthcheck runs dependency probes and publishes their state over
// HTTP and the standard gRPC health protocol.
package healthcheck

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the
// server-wide empty name.
const ServiceName = "deepsight"

const (
	StatusUp   = "up"
	StatusDown = "down"
)

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// Report is the outcome of one round of probes.
type Report struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Healthy reports whether every probe passed.
func (r Report) Healthy() bool {
	return r.Status == StatusUp
}

type namedProbe struct {
	name  string
	probe Probe
}

// Checker owns the registered probes and the gRPC health server they drive.
type Checker struct {
	mu      sync.RWMutex
	probes  []namedProbe
	server  *health.Server
	timeout time.Duration
	logger  *zap.Logger
}

// NewChecker builds a Checker whose probes each get at most timeout.
func NewChecker(timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		server:  health.NewServer(),
		timeout: timeout,
		logger:  logger.Named("healthcheck"),
	}
}

// Register adds a named probe.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, namedProbe{name: name, probe: probe})
}

// Check runs every probe concurrently and updates the gRPC serving status.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	probes := append([]namedProbe(nil), c.probes...)
	c.mu.RUnlock()

	results := make([]string, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p namedProbe) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			if err := p.probe(probeCtx); err != nil {
				c.logger.Warn("probe failed", zap.String("probe", p.name), zap.Error(err))
				results[i] = StatusDown
				return
			}
			results[i] = StatusUp
		}(i, p)
	}
	wg.Wait()

	report := Report{Status: StatusUp, Checks: make(map[string]string, len(probes)), CheckedAt: time.Now().UTC()}
	for i, p := range probes {
		report.Checks[p.name] = results[i]
		if results[i] != StatusUp {
			report.Status = StatusDown
		}
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !report.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.server.SetServingStatus("", status)
	c.server.SetServingStatus(ServiceName, status)
	return report
}

// Watch re-runs the probes every interval until ctx is done.
func (c *Checker) Watch(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// HealthServer exposes the gRPC health implementation kept in sync by Check.
func (c *Checker) HealthServer() *health.Server {
	return c.server
}
