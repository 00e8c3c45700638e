// Package health reports whether keyvisd is doing its job: trusted,
// tapping key events, resolving the layout and keeping up with the event
// hand-off.
//
// The daemon is live while the process answers. It is ready once it has
// started and the interceptor has a tap installed; an untrusted daemon is
// running but not ready, since no keys reach it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"keyvis/internal/keystate"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // failure makes the overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

const defaultCheckTimeout = 2 * time.Second

// Checker runs the registered checks and answers readiness from the
// interceptor probe.
type Checker struct {
	mu         sync.RWMutex
	order      []string
	components map[string]*Component
	results    map[string]CheckResult
	probe      Probe
	startTime  time.Time
	started    bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register adds or replaces a component. Its result is unknown until the
// next Check.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout <= 0 {
		component.Timeout = defaultCheckTimeout
	}
	if _, ok := c.components[component.Name]; !ok {
		c.order = append(c.order, component.Name)
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a check with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady marks the daemon as started (or stopping).
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = ready
}

// Readiness reports whether the daemon is ready and, if not, why.
func (c *Checker) Readiness() (bool, string) {
	c.mu.RLock()
	started, probe := c.started, c.probe
	c.mu.RUnlock()

	if !started {
		return false, "daemon not started"
	}
	if probe == nil {
		return true, ""
	}
	snap := probe.Snapshot()
	switch {
	case !snap.HasPermission:
		return false, "accessibility permission not granted"
	case snap.Tap != keystate.TapInstalled:
		return false, fmt.Sprintf("event tap %s", snap.Tap)
	}
	return true, ""
}

// IsReady reports whether the daemon has started and is tapping keys.
func (c *Checker) IsReady() bool {
	ready, _ := c.Readiness()
	return ready
}

// Check runs every registered check concurrently and records the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.order))
	for _, name := range c.order {
		components = append(components, c.components[name])
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, comp := range components {
		wg.Go(func() {
			res := run(ctx, comp)
			mu.Lock()
			results[comp.Name] = res
			mu.Unlock()
		})
	}
	wg.Wait()

	c.mu.Lock()
	for name, res := range results {
		c.results[name] = res
	}
	c.mu.Unlock()
	return results
}

// run executes one check under its timeout. A check that panics or
// overruns is unhealthy; an overrunning check is left to finish on its own.
func run(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// severity orders statuses for aggregation. Non-critical failures count
// as degraded, and unknown only matters for critical components.
func severity(s Status, critical bool) int {
	switch s {
	case StatusUnhealthy:
		if critical {
			return 3
		}
		return 1
	case StatusUnknown:
		if critical {
			return 2
		}
		return 0
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

var bySeverity = []Status{StatusHealthy, StatusDegraded, StatusUnknown, StatusUnhealthy}

// OverallStatus aggregates the last recorded results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	worst := 0
	for name, comp := range c.components {
		worst = max(worst, severity(c.results[name].Status, comp.Critical))
	}
	return bySeverity[worst]
}

// HealthResponse is the body of the /health endpoint.
type HealthResponse struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Reason     string                 `json:"reason,omitempty"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// HealthResponse runs the checks and builds the /health body. Components
// are included only when asked for.
func (c *Checker) HealthResponse(ctx context.Context, includeComponents bool) HealthResponse {
	results := c.Check(ctx)
	if !includeComponents {
		results = nil
	}
	ready, reason := c.Readiness()

	c.mu.RLock()
	uptime := time.Since(c.startTime)
	c.mu.RUnlock()

	return HealthResponse{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Reason:     reason,
		Uptime:     uptime.Truncate(time.Second).String(),
		Components: results,
		Timestamp:  time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// LivenessHandler answers 200 while the process is serving.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	})
}

// ReadinessHandler answers 200 once the daemon is tapping keys and 503
// with the reason otherwise.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ready, reason := c.Readiness()
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"ready":     ready,
			"reason":    reason,
			"timestamp": time.Now(),
		})
	})
}

// HealthHandler serves the aggregated status. ?full=true adds each
// component's result. Degraded still answers 200.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.HealthResponse(r.Context(), r.URL.Query().Get("full") == "true")
		code := http.StatusOK
		if resp.Status == StatusUnhealthy || resp.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}
