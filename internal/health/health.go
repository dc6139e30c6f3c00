// Package health exposes liveness and readiness endpoints. Liveness probes
// every registered downstream concurrently and reports per-check latency;
// readiness gates traffic on the checks the gateway cannot serve without.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/fableverse/gateway/internal/logger"
)

// defaultCheckTimeout bounds each individual probe.
const defaultCheckTimeout = 3 * time.Second

// CheckFunc probes one downstream dependency.
type CheckFunc func(ctx context.Context) error

type check struct {
	name string
	fn   CheckFunc
}

// Result is the outcome of one probe.
type Result struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Report is the aggregate health response body.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]Result `json:"checks"`
}

// Handler serves /health and /ready.
type Handler struct {
	timeout   time.Duration
	checks    []check
	readiness []check
	logger    *logger.Logger
}

// New creates a health handler. A non-positive timeout falls back to the
// default per-check bound.
func New(timeout time.Duration, log *logger.Logger) *Handler {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Handler{timeout: timeout, logger: log.WithComponent("health")}
}

// AddCheck registers a liveness probe. Failures degrade the report but never
// take the gateway out of rotation.
func (h *Handler) AddCheck(name string, fn CheckFunc) {
	h.checks = append(h.checks, check{name: name, fn: fn})
}

// AddReadiness registers a probe that must pass before the gateway accepts
// traffic. Readiness probes also run as part of /health.
func (h *Handler) AddReadiness(name string, fn CheckFunc) {
	h.readiness = append(h.readiness, check{name: name, fn: fn})
	h.checks = append(h.checks, check{name: name, fn: fn})
}

// Register mounts the endpoints on the router.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health", h.handleHealth)
	r.GET("/ready", h.handleReady)
}

func (h *Handler) handleHealth(c *gin.Context) {
	report := h.run(c.Request.Context(), h.checks)
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (h *Handler) handleReady(c *gin.Context) {
	report := h.run(c.Request.Context(), h.readiness)
	if report.Status != "ok" {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// run probes all checks concurrently. Every probe runs to completion under
// its own timeout; one failure does not cancel the others.
func (h *Handler) run(ctx context.Context, checks []check) Report {
	report := Report{Status: "ok", Checks: make(map[string]Result, len(checks))}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, ck := range checks {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := ck.fn(probeCtx)
			result := Result{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				result.Status = "unavailable"
				result.Error = err.Error()
				h.logger.Warn("health check failed", "check", ck.name, "error", err)
			}

			mu.Lock()
			report.Checks[ck.name] = result
			if err != nil {
				report.Status = "degraded"
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return report
}
