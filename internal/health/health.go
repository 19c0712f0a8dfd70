// Package health provides health check endpoints for Kubernetes probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Response is the payload returned by the health endpoints.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is the interface for health check components.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Handler aggregates checkers behind liveness and readiness endpoints.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

// NewHandler creates a new health check handler.
func NewHandler() *Handler {
	return &Handler{}
}

// AddChecker registers a health checker.
func (h *Handler) AddChecker(checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
}

// LivenessHandler handles /healthz. Returns 200 whenever the process is up.
func (h *Handler) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Response{Status: StatusHealthy})
}

// ReadinessHandler handles /readyz. Runs all registered checkers concurrently
// and reports the worst observed status.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	h.mu.RLock()
	checkers := h.checkers
	h.mu.RUnlock()

	response := Response{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			result := c.Check(ctx)

			mu.Lock()
			response.Checks[c.Name()] = result
			if result.Status == StatusUnhealthy {
				response.Status = StatusUnhealthy
			} else if result.Status == StatusDegraded && response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
			mu.Unlock()
		}(checker)
	}

	wg.Wait()

	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		// Degraded still serves traffic.
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(response)
}

// PingChecker probes a remote collaborator with a caller-supplied ping function.
type PingChecker struct {
	name    string
	pingFn  func(ctx context.Context) error
	timeout time.Duration
}

// NewPingChecker creates a ping-based health checker.
func NewPingChecker(name string, pingFn func(ctx context.Context) error, timeout time.Duration) *PingChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &PingChecker{
		name:    name,
		pingFn:  pingFn,
		timeout: timeout,
	}
}

// Name returns the checker name.
func (p *PingChecker) Name() string {
	return p.name
}

// Check performs the health check.
func (p *PingChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.pingFn(ctx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return CheckResult{
			Status:    StatusUnhealthy,
			LatencyMs: latency,
			Error:     err.Error(),
		}
	}

	return CheckResult{
		Status:    StatusHealthy,
		LatencyMs: latency,
	}
}

// UtilizationChecker reports degraded once a bounded resource passes a
// utilization threshold. Used for the connection pool.
type UtilizationChecker struct {
	name      string
	usedFn    func() (used, capacity int64)
	threshold float64
}

// NewUtilizationChecker creates a checker over a used/capacity gauge.
// threshold is a fraction in (0, 1]; 0 selects the default of 0.8.
func NewUtilizationChecker(name string, usedFn func() (int64, int64), threshold float64) *UtilizationChecker {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &UtilizationChecker{
		name:      name,
		usedFn:    usedFn,
		threshold: threshold,
	}
}

// Name returns the checker name.
func (u *UtilizationChecker) Name() string {
	return u.name
}

// Check performs the health check.
func (u *UtilizationChecker) Check(_ context.Context) CheckResult {
	used, capacity := u.usedFn()
	if capacity <= 0 {
		return CheckResult{Status: StatusUnhealthy, Error: "capacity is zero"}
	}

	if float64(used)/float64(capacity) >= u.threshold {
		return CheckResult{
			Status: StatusDegraded,
			Error:  "utilization above threshold",
		}
	}

	return CheckResult{Status: StatusHealthy}
}
