// Package health tracks dependency health and serves it over the gRPC
// health protocol.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/expertline/internal/poll"
)

const checkTimeout = 5 * time.Second

// CheckFunc returns nil while a dependency is reachable.
type CheckFunc func(ctx context.Context) error

// Report is the result of one round of checks.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.Status == "healthy" }

// Checker runs named checks and mirrors the result into a gRPC health server.
// The overall service ("") is SERVING only while every check passes.
type Checker struct {
	server *grpchealth.Server
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]CheckFunc
	last   Report
}

// NewChecker creates a checker that reports NOT_SERVING until the first round.
func NewChecker(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpchealth.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Checker{
		server: srv,
		logger: logger,
		checks: make(map[string]CheckFunc),
		last:   Report{Status: "unknown", Checks: map[string]string{}},
	}
}

// Add registers a check under name.
func (c *Checker) Add(name string, fn CheckFunc) {
	c.mu.Lock()
	c.checks[name] = fn
	c.mu.Unlock()
	c.server.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Check runs every check once and updates the serving status.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := c.checks
	c.mu.RUnlock()
	sort.Strings(names)

	report := Report{Status: "healthy", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checks[name](checkCtx)
		cancel()

		if err != nil {
			c.logger.Warn("health check failed", "check", name, "error", err)
			report.Status = "degraded"
			report.Checks[name] = "unreachable"
			c.server.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
			continue
		}
		report.Checks[name] = "ok"
		c.server.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !report.Healthy() {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.server.SetServingStatus("", overall)

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// Last returns the most recent report.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Start checks every interval until the handle is stopped.
func (c *Checker) Start(ctx context.Context, interval time.Duration) *poll.Handle {
	return poll.Start(ctx, "health", interval, func(ctx context.Context) bool {
		c.Check(ctx)
		return false
	}, poll.Options{Immediate: true, Logger: c.logger})
}

// Register exposes the checker on s.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.server)
}

// Shutdown marks every service NOT_SERVING.
func (c *Checker) Shutdown() {
	c.server.Shutdown()
}
