package observability

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jkaninda/olav/internal/config"
)

// minSamples is how many calls a window needs before its rate is judged.
const minSamples = 5

type outcome struct {
	at     time.Time
	failed bool
}

// AnomalyDetector tracks each device's transport error rate over a sliding
// window. A device is flagged while the rate is above the threshold; entering
// and leaving that state is logged once. Methods are safe on a nil detector.
type AnomalyDetector struct {
	window    time.Duration
	threshold float64
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	calls   map[string][]outcome
	flagged map[string]bool
}

func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	var threshold float64
	if cfg != nil {
		threshold = cfg.ErrorRateThreshold
	}
	return &AnomalyDetector{
		window:    cfg.Window(),
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
		calls:     make(map[string][]outcome),
		flagged:   make(map[string]bool),
	}
}

func (a *AnomalyDetector) RecordError(device string)   { a.record(device, true) }
func (a *AnomalyDetector) RecordSuccess(device string) { a.record(device, false) }

func (a *AnomalyDetector) record(device string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.calls[device] = append(a.calls[device], outcome{at: now, failed: failed})
	a.evaluate(device, now)
}

// ErrorRate returns the device's error rate in the window and the call count it
// is based on.
func (a *AnomalyDetector) ErrorRate(device string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rateLocked(device, a.now())
}

// Flagged lists the devices currently above the threshold, sorted.
func (a *AnomalyDetector) Flagged() []string {
	if a == nil || a.threshold <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	var out []string
	for device := range a.calls {
		if a.evaluate(device, now) {
			out = append(out, device)
		}
	}
	slices.Sort(out)
	return out
}

func (a *AnomalyDetector) rateLocked(device string, now time.Time) (float64, int) {
	cutoff := now.Add(-a.window)
	calls := a.calls[device]
	i := 0
	for i < len(calls) && calls[i].at.Before(cutoff) {
		i++
	}
	calls = calls[i:]
	if len(calls) == 0 {
		delete(a.calls, device)
		return 0, 0
	}
	a.calls[device] = calls

	failed := 0
	for _, c := range calls {
		if c.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(calls)), len(calls)
}

// evaluate updates the device's flagged state and reports it.
func (a *AnomalyDetector) evaluate(device string, now time.Time) bool {
	if a.threshold <= 0 {
		return false
	}
	rate, n := a.rateLocked(device, now)
	bad := n >= minSamples && rate > a.threshold
	if bad == a.flagged[device] {
		return bad
	}
	if bad {
		a.flagged[device] = true
	} else {
		delete(a.flagged, device)
	}
	if a.logger != nil {
		if bad {
			a.logger.Warn("device error rate above threshold",
				slog.String("device", device),
				slog.Float64("error_rate", rate),
				slog.Float64("threshold", a.threshold),
				slog.Int("calls", n),
				slog.Duration("window", a.window))
		} else {
			a.logger.Info("device error rate recovered", slog.String("device", device), slog.Float64("error_rate", rate))
		}
	}
	return bad
}
