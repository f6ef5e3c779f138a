// Package sandbox is the only path by which a command reaches a network device.
// Every request runs through the same sequence (classify, approval, policy, device
// lookup, transport) and leaves exactly one audit record behind, whatever the outcome.
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/olav/internal/approval"
	"github.com/jkaninda/olav/internal/audit"
	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/inventory"
	"github.com/jkaninda/olav/internal/policy"
	"github.com/jkaninda/olav/internal/transport"
)

// maxAuditOutputBytes caps the device output copied into an audit record.
const maxAuditOutputBytes = 4096

// Metrics receives execution outcomes. *observability.MetricsCollector satisfies it.
type Metrics interface {
	ExecutionStarted()
	ExecutionFinished(protocol, action string, success bool, elapsed time.Duration)
	PolicyBlocked(protocol, reason string)
	ApprovalResolved(status string)
}

type noopMetrics struct{}

func (noopMetrics) ExecutionStarted()                                     {}
func (noopMetrics) ExecutionFinished(string, string, bool, time.Duration) {}
func (noopMetrics) PolicyBlocked(string, string)                          {}
func (noopMetrics) ApprovalResolved(string)                               {}

// Options configures an Executor.
type Options struct {
	Inventory inventory.Provider
	Policy    *policy.Policy
	Adapters  []transport.Adapter
	Audit     audit.Sink

	// HITL requires human sign-off for every write. Gate is then mandatory.
	HITL bool
	Gate *approval.Gate
	// Source answers approvals inline. When nil, writes return a pending result
	// carrying a token for Resume.
	Source approval.Source
	// WaitTimeout bounds Source.Decide. Zero uses the gate TTL. On expiry the
	// request is rejected.
	WaitTimeout time.Duration

	// CaptureDiff is the default for writes that do not set CaptureDiff themselves.
	CaptureDiff bool
	// ScanNetconf applies the blacklist to NETCONF config bodies.
	ScanNetconf bool

	Metrics Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Executor runs device commands. It holds only immutable collaborators and is safe
// for concurrent use; each call allocates its own state and connection.
type Executor struct {
	inventory   inventory.Provider
	policy      *policy.Policy
	adapters    map[domain.Protocol]transport.Adapter
	audit       audit.Sink
	hitl        bool
	gate        *approval.Gate
	source      approval.Source
	waitTimeout time.Duration
	captureDiff bool
	scanNetconf bool
	metrics     Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

// ErrApprovalsDisabled is returned by Resume on an Executor built without a gate.
var ErrApprovalsDisabled = errors.New("approvals are not enabled")

// New validates opts and builds an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Inventory == nil {
		return nil, errors.New("sandbox: inventory is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("sandbox: policy is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("sandbox: audit sink is required")
	}
	if opts.HITL && opts.Gate == nil {
		return nil, errors.New("sandbox: HITL requires an approval gate")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	adapters := make(map[domain.Protocol]transport.Adapter, len(opts.Adapters))
	for _, a := range opts.Adapters {
		if a == nil {
			continue
		}
		if _, dup := adapters[a.Protocol()]; dup {
			return nil, fmt.Errorf("sandbox: duplicate adapter for %s", a.Protocol())
		}
		adapters[a.Protocol()] = a
	}

	wait := opts.WaitTimeout
	if wait <= 0 && opts.Gate != nil {
		wait = opts.Gate.TTL()
	}
	if wait <= 0 {
		wait = approval.DefaultTTL
	}

	return &Executor{
		inventory:   opts.Inventory,
		policy:      opts.Policy,
		adapters:    adapters,
		audit:       opts.Audit,
		hitl:        opts.HITL,
		gate:        opts.Gate,
		source:      opts.Source,
		waitTimeout: wait,
		captureDiff: opts.CaptureDiff,
		scanNetconf: opts.ScanNetconf,
		metrics:     metrics,
		tracer:      opts.Tracer,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Policy returns the policy snapshot the executor enforces.
func (e *Executor) Policy() *policy.Policy { return e.policy }
