package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/transport"
)

// InstrumentedAdapter decorates a transport adapter. Each call gets a client
// span, transport metrics, and an outcome for the anomaly detector; any of the
// three may be disabled.
type InstrumentedAdapter struct {
	inner   transport.Adapter
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedAdapter wraps inner. A nil ts records no spans.
func NewInstrumentedAdapter(inner transport.Adapter, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedAdapter {
	return &InstrumentedAdapter{inner: inner, metrics: metrics, tracer: ts.Tracer(), anomaly: anomaly}
}

func (a *InstrumentedAdapter) Protocol() domain.Protocol { return a.inner.Protocol() }

func (a *InstrumentedAdapter) Execute(ctx context.Context, device *domain.Device, op transport.Operation) (*transport.Response, error) {
	protocol := string(a.inner.Protocol())
	ctx, span := a.tracer.Start(ctx, "transport.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("transport.protocol", protocol),
			attribute.String("device.name", device.Name),
			attribute.String("device.platform", device.Platform),
			attribute.String("operation.kind", string(op.Kind)),
		))
	defer span.End()

	start := time.Now()
	resp, err := a.inner.Execute(ctx, device, op)
	elapsed := time.Since(start)

	if err != nil {
		kind := string(transport.Classify(err))
		span.SetAttributes(attribute.String("transport.error_kind", kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.anomaly.RecordError(device.Name)
	} else {
		if resp != nil {
			span.SetAttributes(
				attribute.Bool("transport.parsed", resp.Parsed),
				attribute.Bool("transport.escalated", resp.Escalated),
			)
		}
		a.anomaly.RecordSuccess(device.Name)
	}
	a.metrics.observeTransport(protocol, device.Platform, op, resp, err, elapsed)
	return resp, err
}

// observeTransport records one adapter call. Safe on a nil collector.
func (m *MetricsCollector) observeTransport(protocol, platform string, op transport.Operation, resp *transport.Response, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TransportDuration.WithLabelValues(protocol).Observe(elapsed.Seconds())
	if err != nil {
		m.TransportErrorsTotal.WithLabelValues(protocol, string(transport.Classify(err))).Inc()
	}
	if resp == nil {
		return
	}
	// A CLI read that asked for parsing but came back as raw text.
	if op.Parse && op.Payload.Command != "" && !resp.Parsed {
		m.ParseFallbacksTotal.WithLabelValues(platform).Inc()
	}
	if resp.Diff != nil && resp.Diff.Truncated {
		m.DiffTruncatedTotal.WithLabelValues(protocol).Inc()
	}
}

var _ transport.Adapter = (*InstrumentedAdapter)(nil)
