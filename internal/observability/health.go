package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each dependency check run by CheckReady.
const checkTimeout = 3 * time.Second

// CheckFunc checks one dependency, such as the database or the audit log.
type CheckFunc func(ctx context.Context) error

// HealthChecker reports whether olav can accept work. Dependency checks decide
// readiness; devices flagged by the anomaly detector are reported alongside but
// never make the process unready, since one bad device must not stop the others.
type HealthChecker struct {
	mu      sync.RWMutex
	names   []string
	checks  map[string]CheckFunc
	anomaly *AnomalyDetector
	logger  *slog.Logger
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status         string                 `json:"status"` // "ok" or "degraded"
	Checks         map[string]CheckResult `json:"checks,omitempty"`
	FlaggedDevices []string               `json:"flagged_devices,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status  string `json:"status"` // "ok" or "fail"
	Message string `json:"message,omitempty"`
	Elapsed string `json:"elapsed"`
}

// NewHealthChecker creates a checker. anomaly may be nil.
func NewHealthChecker(anomaly *AnomalyDetector, logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]CheckFunc),
		anomaly: anomaly,
		logger:  logger,
	}
}

// AddCheck registers or replaces a named dependency check.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// CheckHealth is the liveness answer: the process is up.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok", FlaggedDevices: h.anomaly.Flagged()}
}

// CheckReady runs every dependency check concurrently and is "ok" only when all pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := append([]string(nil), h.names...)
	checks := make([]CheckFunc, len(names))
	for i, n := range names {
		checks[i] = h.checks[n]
	}
	h.mu.RUnlock()

	status := HealthStatus{Status: "ok", FlaggedDevices: h.anomaly.Flagged()}
	if len(names) == 0 {
		return status
	}

	results := make([]CheckResult, len(names))
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	var g errgroup.Group
	for i := range names {
		g.Go(func() error {
			start := time.Now()
			err := checks[i](ctx)
			results[i] = CheckResult{Status: "ok", Elapsed: time.Since(start).Round(time.Microsecond).String()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	status.Checks = make(map[string]CheckResult, len(names))
	for i, n := range names {
		status.Checks[n] = results[i]
		if results[i].Status == "ok" {
			continue
		}
		status.Status = "degraded"
		if h.logger != nil {
			h.logger.WarnContext(ctx, "readiness check failed",
				slog.String("check", n),
				slog.String("error", results[i].Message),
			)
		}
	}
	return status
}
