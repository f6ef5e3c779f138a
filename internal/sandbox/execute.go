package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wI2L/jsondiff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/olav/internal/approval"
	"github.com/jkaninda/olav/internal/audit"
	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/inventory"
	"github.com/jkaninda/olav/internal/policy"
	"github.com/jkaninda/olav/internal/transport"
)

// call is the per-request state. It never outlives one Execute or Resume.
type call struct {
	req       domain.CommandRequest
	kind      domain.OperationKind
	protocol  domain.Protocol
	device    *domain.Device
	lookupErr error
	start     time.Time
	meta      map[string]any
	// result collects the fields written to the audit record's result.
	result map[string]any
	span   trace.Span
}

// Execute runs one request to completion. Failures of any kind are reported in the
// result; the error return is reserved for misuse.
func (e *Executor) Execute(ctx context.Context, req domain.CommandRequest) (*ExecutionResult, error) {
	if e == nil {
		return nil, errors.New("sandbox: nil executor")
	}
	ctx, c := e.begin(ctx, req)
	if err := req.Validate(); err != nil {
		return e.finish(ctx, c, failure(audit.ActionInvalidRequest, err.Error())), nil
	}

	c.kind = e.classify(ctx, c)
	if c.kind == domain.KindWrite && e.hitl {
		return e.finish(ctx, c, e.approve(ctx, c)), nil
	}
	return e.finish(ctx, c, e.run(ctx, c)), nil
}

// Resume redeems an approval token issued by a pending Execute and carries the
// request on from the policy check. A token is redeemable once.
func (e *Executor) Resume(ctx context.Context, token string, d approval.Decision) (*ExecutionResult, error) {
	if e == nil {
		return nil, errors.New("sandbox: nil executor")
	}
	if e.gate == nil {
		return nil, ErrApprovalsDisabled
	}
	// Inspect only recovers the request for the audit record; Resume re-verifies.
	var claims *approval.Claims
	if cl, _, err := e.gate.Inspect(ctx, token); err == nil {
		claims = cl
	}
	var req domain.CommandRequest
	if claims != nil {
		req = claims.Request
	}
	ctx, c := e.begin(ctx, req)
	if claims != nil {
		c.kind = claims.Kind
	}
	cont, err := e.gate.Resume(ctx, token, d)
	return e.finish(ctx, c, e.continueWith(ctx, c, cont, err)), nil
}

func (e *Executor) begin(ctx context.Context, req domain.CommandRequest) (context.Context, *call) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	c := &call{
		req:      req,
		kind:     req.IntrinsicKind(),
		protocol: req.Payload.Protocol(),
		start:    e.now(),
		meta:     make(map[string]any),
		result:   make(map[string]any),
	}
	e.metrics.ExecutionStarted()
	if e.tracer != nil {
		ctx, c.span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("device.query", req.Device),
				attribute.String("transport.protocol", string(c.protocol)),
				attribute.String("correlation_id", req.CorrelationID),
			))
	}
	return ctx, c
}

// classify decides whether the request is a write. A CLI command matching a "!"
// whitelist entry for the device's platform is a write.
func (e *Executor) classify(ctx context.Context, c *call) domain.OperationKind {
	kind := c.req.IntrinsicKind()
	if kind == domain.KindWrite || c.req.Payload.Command == "" || !e.policy.HasWhitelist() {
		return kind
	}
	dev, err := e.resolve(ctx, c)
	if err != nil {
		return kind
	}
	if e.policy.RequiresApproval(c.req.Payload.Command, dev.Platform) {
		return domain.KindWrite
	}
	return kind
}

// approve runs the approval round-trip for a write submitted through Execute.
func (e *Executor) approve(ctx context.Context, c *call) *ExecutionResult {
	ticket, err := e.gate.RequestApproval(ctx, c.req, c.kind)
	if err != nil {
		return failure(c.action(true), fmt.Sprintf("approval request failed: %v", err))
	}
	c.meta[MetaApprovalID] = ticket.Request.ID.String()

	if e.source == nil {
		return &ExecutionResult{
			Action:   audit.ActionApprovalPending,
			Pending:  true,
			Approval: ticket,
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.waitTimeout)
	resp, err := e.source.Decide(waitCtx, ticket.Request)
	cancel()
	if err == nil {
		var d approval.Decision
		if d, err = resp.Collapse(); err == nil {
			cont, err := e.gate.Resume(ctx, ticket.Token, d)
			return e.continueWith(ctx, c, cont, err)
		}
	}
	return e.abandon(ctx, c, ticket, err)
}

// abandon closes an approval that produced no usable decision. Nothing has reached
// the device at this point.
func (e *Executor) abandon(ctx context.Context, c *call, ticket *approval.Ticket, cause error) *ExecutionResult {
	bg := context.WithoutCancel(ctx)
	if ctx.Err() == nil && errors.Is(cause, context.DeadlineExceeded) {
		if _, err := e.gate.Expire(bg, ticket.Token); err != nil {
			e.logger.WarnContext(ctx, "failed to expire approval",
				slog.String("approval_id", ticket.Request.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		e.metrics.ApprovalResolved(string(approval.StatusExpired))
		c.result["approval_status"] = string(approval.StatusExpired)
		return failure(audit.ActionApprovalExpired,
			fmt.Sprintf("no approval decision within %s; %s", e.waitTimeout, MsgRejected))
	}

	if _, err := e.gate.Cancel(bg, ticket.Token); err != nil {
		e.logger.WarnContext(ctx, "failed to cancel approval",
			slog.String("approval_id", ticket.Request.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	e.metrics.ApprovalResolved(string(approval.StatusCancelled))
	c.result["approval_status"] = string(approval.StatusCancelled)
	msg := "approval wait cancelled"
	if ctx.Err() == nil && cause != nil {
		msg = fmt.Sprintf("approval source failed: %v", cause)
	}
	return failure(audit.ActionApprovalCancelled, msg)
}

// continueWith turns a redeemed approval into the next step.
func (e *Executor) continueWith(ctx context.Context, c *call, cont *approval.Continuation, err error) *ExecutionResult {
	if err != nil {
		if errors.Is(err, approval.ErrExpired) {
			e.metrics.ApprovalResolved(string(approval.StatusExpired))
			c.result["approval_status"] = string(approval.StatusExpired)
			return failure(audit.ActionApprovalExpired, "approval expired; "+MsgRejected)
		}
		return failure(audit.ActionInvalidRequest, err.Error())
	}

	c.meta[MetaApprovalID] = cont.ApprovalID.String()
	c.result["approval_status"] = string(cont.Status)
	if cont.Decision.DecidedBy != "" {
		c.result["decided_by"] = cont.Decision.DecidedBy
	}
	if cont.Decision.Reason != "" {
		c.result["reason"] = cont.Decision.Reason
	}
	e.metrics.ApprovalResolved(string(cont.Status))

	if !cont.Approved() {
		return failure(audit.ActionRejected, MsgRejected)
	}

	c.kind = cont.Kind
	if cont.Edited() {
		if patch, err := editPatch(cont.Original.Payload, cont.Request.Payload); err == nil {
			c.result["approval_edit"] = patch
		}
		c.req = cont.Request
		c.protocol = c.req.Payload.Protocol()
		c.device, c.lookupErr = nil, nil
	}
	return e.run(ctx, c)
}

// run takes an approved (or read) request through policy, inventory and transport.
func (e *Executor) run(ctx context.Context, c *call) *ExecutionResult {
	if res := e.checkBlacklist(c); res != nil {
		return res
	}

	dev, err := e.resolve(ctx, c)
	if err != nil {
		if errors.Is(err, inventory.ErrDeviceNotFound) {
			return failure(audit.ActionDeviceNotFound, fmt.Sprintf("device %q not found in inventory", c.req.Device))
		}
		return failure(c.action(true), fmt.Sprintf("inventory lookup: %v", err))
	}
	c.meta[MetaDevice] = dev.Name

	if res := e.checkRules(c, dev); res != nil {
		return res
	}
	if res := e.checkWhitelist(c, dev); res != nil {
		return res
	}
	return e.dispatch(ctx, c, dev)
}

func (e *Executor) resolve(ctx context.Context, c *call) (*domain.Device, error) {
	if c.device == nil && c.lookupErr == nil {
		c.device, c.lookupErr = e.inventory.Lookup(ctx, c.req.Device)
	}
	return c.device, c.lookupErr
}

// checkBlacklist runs before any device is looked up.
func (e *Executor) checkBlacklist(c *call) *ExecutionResult {
	p := c.req.Payload
	var (
		pattern string
		blocked bool
	)
	switch {
	case p.Netconf != nil:
		if !e.scanNetconf {
			return nil
		}
		pattern, blocked = e.policy.ScanPayload(p.Netconf.Config)
	case p.IsConfig():
		for _, line := range p.ConfigLines {
			if pattern, blocked = e.policy.IsBlocked(line); blocked {
				break
			}
		}
	default:
		pattern, blocked = e.policy.IsBlocked(p.Command)
	}
	if !blocked {
		return nil
	}
	return e.block(c, policy.Decision{Blocked: true, MatchedPattern: pattern})
}

// checkRules evaluates CEL rules, which can see the device platform.
func (e *Executor) checkRules(c *call, dev *domain.Device) *ExecutionResult {
	in := policy.Input{Platform: dev.Platform, Kind: c.kind, Protocol: c.protocol}
	p := c.req.Payload
	commands := []string{p.Command}
	switch {
	case p.Netconf != nil:
		commands = []string{p.Text()}
	case p.IsConfig():
		commands = p.ConfigLines
	}
	for _, cmd := range commands {
		in.Command = cmd
		if d := e.policy.EvaluateRules(in); d.Blocked {
			return e.block(c, d)
		}
	}
	return nil
}

// checkWhitelist applies to single CLI commands when a whitelist is loaded.
// Platforms without entries allow nothing.
func (e *Executor) checkWhitelist(c *call, dev *domain.Device) *ExecutionResult {
	cmd := c.req.Payload.Command
	if cmd == "" || !e.policy.HasWhitelist() {
		return nil
	}
	if e.policy.IsAllowed(cmd, dev.Platform) {
		return nil
	}
	e.metrics.PolicyBlocked(string(c.protocol), "whitelist")
	return failure(audit.ActionCLIWhitelistBlock,
		fmt.Sprintf("Command not allowed: '%s' is not whitelisted for platform %s", cmd, dev.Platform))
}

func (e *Executor) block(c *call, d policy.Decision) *ExecutionResult {
	action := audit.ActionCLIBlacklistBlock
	if c.protocol == domain.ProtocolNetconf {
		action = audit.ActionNetconfBlacklistBlock
	}
	reason := "blacklist"
	if strings.HasPrefix(d.MatchedPattern, "rule:") {
		reason = "rule"
	}
	e.metrics.PolicyBlocked(string(c.protocol), reason)
	c.meta[MetaMatchedPattern] = d.MatchedPattern
	return failure(action, "Command blocked: matches "+d.Describe())
}

// dispatch hands the request to the transport for its protocol. Privilege
// handling and diff capture happen inside the adapter, on the same connection.
func (e *Executor) dispatch(ctx context.Context, c *call, dev *domain.Device) *ExecutionResult {
	adapter, ok := e.adapters[c.protocol]
	if !ok {
		c.meta[MetaErrorKind] = string(transport.KindGeneric)
		c.meta[MetaShouldFallback] = false
		return failure(c.action(true), fmt.Sprintf("no %s transport configured", c.protocol))
	}

	op := transport.Operation{
		Kind:        c.kind,
		Payload:     c.req.Payload,
		CaptureDiff: e.wantDiff(c),
		Parse:       !c.req.RawOutput,
	}
	resp, err := adapter.Execute(ctx, dev, op)
	if err != nil {
		kind := transport.Classify(err)
		c.meta[MetaErrorKind] = string(kind)
		c.meta[MetaShouldFallback] = transport.ShouldFallback(err)
		c.result["error_kind"] = string(kind)
		if rpcErrs := transport.RPCErrorsOf(err); len(rpcErrs) > 0 {
			c.meta[MetaRPCErrors] = rpcErrs
			c.result["rpc_errors"] = rpcErrs
		}
		res := failure(c.action(true), err.Error())
		if out := transport.OutputOf(err); out != "" {
			res.Output = out
			c.result["output"] = truncate(out, maxAuditOutputBytes)
		}
		return res
	}

	c.meta[MetaShouldFallback] = false
	c.meta[MetaEscalated] = resp.Escalated
	c.meta[MetaParsed] = resp.Parsed
	c.meta[MetaDiffCaptured] = resp.Diff.Captured()
	c.meta[MetaDiffTruncated] = resp.Diff != nil && resp.Diff.Truncated
	if resp.Privilege != nil {
		c.meta[MetaPrivilege] = *resp.Privilege
		c.result["privilege"] = *resp.Privilege
	} else {
		c.meta[MetaPrivilege] = nil
	}
	if c.protocol == domain.ProtocolNetconf {
		c.meta[MetaCommitted] = resp.Committed
		c.result["committed"] = resp.Committed
	}
	if resp.Escalated {
		c.result["escalated"] = true
	}
	if resp.Raw != "" {
		c.result["output"] = truncate(resp.Raw, maxAuditOutputBytes)
	}
	if records, ok := resp.Output.([]map[string]any); ok {
		c.result["records"] = len(records)
	}

	res := &ExecutionResult{
		Success: true,
		Output:  resp.Output,
		Action:  c.action(false),
	}
	if op.CaptureDiff {
		var text *string
		if resp.Diff != nil {
			text = resp.Diff.Text
			if resp.Diff.Truncated {
				c.result["diff_truncated"] = true
			}
		}
		res.Diff = text
		c.result["diff"] = text
	}
	return res
}

// wantDiff applies the request's flag, else the executor default, to config writes.
func (e *Executor) wantDiff(c *call) bool {
	p := c.req.Payload
	if c.kind != domain.KindWrite {
		return false
	}
	if !p.IsConfig() && (p.Netconf == nil || !p.Netconf.Operation.IsWrite()) {
		return false
	}
	if c.req.CaptureDiff != nil {
		return *c.req.CaptureDiff
	}
	return e.captureDiff
}

// finish is the single exit of every call: it stamps metadata and writes the one
// audit record.
func (e *Executor) finish(ctx context.Context, c *call, res *ExecutionResult) *ExecutionResult {
	elapsed := e.now().Sub(c.start)
	device := c.req.Device
	if c.device != nil {
		device = c.device.Name
	}
	c.meta[MetaElapsed] = elapsed.Seconds()
	c.meta[MetaDevice] = device
	c.meta[MetaProtocol] = string(c.protocol)
	res.Metadata = c.meta

	if res.Error != "" {
		c.result["error"] = res.Error
	}
	if id, ok := c.meta[MetaApprovalID]; ok {
		c.result["approval_id"] = id
	}
	if p, ok := c.meta[MetaMatchedPattern]; ok {
		c.result["matched_pattern"] = p
	}
	rec := audit.Record{
		Action:        res.Action,
		Device:        device,
		Command:       c.req.Payload.Text(),
		Result:        c.result,
		Success:       res.Success,
		User:          c.req.User,
		CorrelationID: c.req.CorrelationID,
	}
	// The record is written even when the caller has gone away.
	if err := e.audit.Write(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.ErrorContext(ctx, "failed to write audit record",
			slog.String("action", rec.Action),
			slog.String("device", device),
			slog.String("correlation_id", rec.CorrelationID),
			slog.String("error", err.Error()),
		)
	}

	e.metrics.ExecutionFinished(string(c.protocol), res.Action, res.Success, elapsed)

	if c.span != nil {
		c.span.SetAttributes(
			attribute.String("sandbox.action", res.Action),
			attribute.String("operation.kind", string(c.kind)),
			attribute.Bool("sandbox.success", res.Success),
			attribute.Bool("sandbox.pending", res.Pending),
		)
		if !res.Success && !res.Pending {
			c.span.SetStatus(codes.Error, res.Error)
		}
		c.span.End()
	}

	attrs := []any{
		slog.String("action", res.Action),
		slog.String("device", device),
		slog.String("protocol", string(c.protocol)),
		slog.String("kind", string(c.kind)),
		slog.String("user", c.req.User),
		slog.String("correlation_id", c.req.CorrelationID),
		slog.Duration("elapsed", elapsed),
	}
	switch {
	case res.Success, res.Pending:
		e.logger.InfoContext(ctx, "sandbox execution finished", attrs...)
	default:
		e.logger.WarnContext(ctx, "sandbox execution failed", append(attrs, slog.String("error", res.Error))...)
	}
	return res
}

// action names the audit action for the transport branch.
func (c *call) action(failed bool) string {
	var a string
	switch {
	case c.protocol == domain.ProtocolNetconf:
		a = audit.ActionNetconfExecute
	case c.req.Payload.IsConfig():
		a = audit.ActionCLIConfig
	default:
		a = audit.ActionCLIQuery
	}
	if failed {
		a += "_error"
	}
	return a
}

func failure(action, msg string) *ExecutionResult {
	return &ExecutionResult{Action: action, Error: msg}
}

// editPatch is the RFC 6902 patch from the submitted payload to the approved one.
func editPatch(from, to domain.Payload) (jsondiff.Patch, error) {
	src, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	dst, err := json.Marshal(to)
	if err != nil {
		return nil, err
	}
	return jsondiff.CompareJSON(src, dst)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
