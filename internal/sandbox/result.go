package sandbox

import (
	"github.com/jkaninda/olav/internal/approval"
)

// Metadata keys set on ExecutionResult.Metadata.
const (
	MetaElapsed        = "elapsed"
	MetaDevice         = "device"
	MetaProtocol       = "protocol"
	MetaPrivilege      = "privilege"
	MetaEscalated      = "escalated"
	MetaDiffCaptured   = "diff_captured"
	MetaDiffTruncated  = "diff_truncated"
	MetaParsed         = "parsed"
	MetaCommitted      = "committed"
	MetaApprovalID     = "approval_id"
	MetaErrorKind      = "error_kind"
	MetaShouldFallback = "should_fallback_to_other_transport"
	MetaRPCErrors      = "rpc_errors"
	MetaMatchedPattern = "matched_pattern"
)

// Error messages callers match on.
const (
	MsgRejected = "Operation rejected by user"
)

// ExecutionResult is the single outcome of one Execute or Resume call.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	// Action is the audit action recorded for this call.
	Action string `json:"action"`
	// Pending is set when a write is waiting for a decision; Approval holds the
	// continuation token to pass to Resume.
	Pending  bool             `json:"pending,omitempty"`
	Approval *approval.Ticket `json:"approval,omitempty"`
	Diff     *string          `json:"diff,omitempty"`
	Metadata map[string]any   `json:"metadata"`
}

// ShouldFallback reports whether the caller may retry over the other transport.
func (r *ExecutionResult) ShouldFallback() bool {
	if r == nil {
		return false
	}
	v, _ := r.Metadata[MetaShouldFallback].(bool)
	return v
}

// ErrorKind returns the transport error kind, if the call failed in transport.
func (r *ExecutionResult) ErrorKind() string {
	if r == nil {
		return ""
	}
	v, _ := r.Metadata[MetaErrorKind].(string)
	return v
}
