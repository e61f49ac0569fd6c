package node

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the aggregate (and per-component) health state.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// CheckFunc probes one component. A nil error means the component is
// serving; the probe must respect ctx deadlines.
type CheckFunc func(ctx context.Context) error

type healthCheck struct {
	name string
	// critical components take the aggregate to unhealthy on failure;
	// the rest only degrade it.
	critical bool
	fn       CheckFunc
}

// ComponentHealth is one component's probe result.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	LatencyMS int64        `json:"latency_ms"`
}

// HealthReport aggregates every registered component.
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Health runs registered component probes and folds them into one
// aggregate: any failing critical component is unhealthy, any failing
// non-critical component is degraded, otherwise healthy.
type Health struct {
	clock func() time.Time

	mu     sync.RWMutex
	checks []healthCheck
}

// NewHealth creates an empty health registry.
func NewHealth(clock func() time.Time) *Health {
	if clock == nil {
		clock = time.Now
	}
	return &Health{clock: clock}
}

// Register adds a component probe. Re-registering a name replaces the
// earlier probe.
func (h *Health) Register(name string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.checks {
		if h.checks[i].name == name {
			h.checks[i] = healthCheck{name: name, critical: critical, fn: fn}
			return
		}
	}
	h.checks = append(h.checks, healthCheck{name: name, critical: critical, fn: fn})
}

// Check probes every component and aggregates.
func (h *Health) Check(ctx context.Context) HealthReport {
	h.mu.RLock()
	checks := make([]healthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	report := HealthReport{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(checks)),
		CheckedAt:  h.clock().UTC(),
	}
	for _, c := range checks {
		start := time.Now()
		err := c.fn(ctx)
		comp := ComponentHealth{
			Status:    StatusHealthy,
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			comp.Detail = err.Error()
			if c.critical {
				comp.Status = StatusUnhealthy
				report.Status = StatusUnhealthy
			} else {
				comp.Status = StatusDegraded
				if report.Status == StatusHealthy {
					report.Status = StatusDegraded
				}
			}
		}
		report.Components[c.name] = comp
	}
	return report
}

// Routes builds the node's HTTP surface:
//
//	GET /health             liveness, plain "OK" unless unhealthy
//	GET /readiness          readiness, plain "READY" once started
//	GET /health/components  full per-component JSON report
//
// Errors are application/problem+json throughout.
func (s *Services) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w, r)
			return
		}
		report := s.health.Check(r.Context())
		if report.Status == StatusUnhealthy {
			WriteProblemR(w, r, http.StatusServiceUnavailable, "Service Unhealthy",
				unhealthyDetail(report))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w, r)
			return
		}
		if !s.ready.Load() {
			WriteProblemR(w, r, http.StatusServiceUnavailable, "Not Ready",
				"node is not accepting traffic")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("READY"))
	})
	mux.HandleFunc("/health/components", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w, r)
			return
		}
		report := s.health.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r)
	})
	return mux
}

func unhealthyDetail(report HealthReport) string {
	for name, comp := range report.Components {
		if comp.Status == StatusUnhealthy {
			return name + ": " + comp.Detail
		}
	}
	return "one or more components failed their health probe"
}
