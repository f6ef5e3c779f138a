// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks, and per-device anomaly detection for olav.
// Every component is optional. A nil *Observability, or a nil field, disables
// that concern without further checks at the call sites.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/olav/internal/config"
	"github.com/jkaninda/olav/internal/transport"
)

// Observability groups the enabled components.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg disables everything and
// returns nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	obs := &Observability{}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	obs.Health = NewHealthChecker(obs.Anomaly, logger)
	return obs, nil
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	var errs []error
	if err := o.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	return errors.Join(errs...)
}

// SpanTracer returns the tracer for executor spans, or nil when tracing is off.
func (o *Observability) SpanTracer() trace.Tracer {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer.Tracer()
}

// Handler serves the enabled endpoints. See the package-level Handler.
func (o *Observability) Handler() http.Handler {
	if o == nil {
		return Handler(nil, nil)
	}
	return Handler(o.Metrics, o.Health)
}

// WrapAdapter instruments a transport adapter. With nothing to record the adapter
// is returned unchanged.
func (o *Observability) WrapAdapter(a transport.Adapter) transport.Adapter {
	if o == nil || (o.Metrics == nil && o.Tracer == nil && o.Anomaly == nil) {
		return a
	}
	return NewInstrumentedAdapter(a, o.Metrics, o.Tracer, o.Anomaly)
}
