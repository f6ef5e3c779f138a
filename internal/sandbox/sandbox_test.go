package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/olav/internal/approval"
	"github.com/jkaninda/olav/internal/audit"
	"github.com/jkaninda/olav/internal/diff"
	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/inventory"
	"github.com/jkaninda/olav/internal/policy"
	"github.com/jkaninda/olav/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAdapter struct {
	protocol domain.Protocol
	delay    time.Duration
	fn       func(dev *domain.Device, op transport.Operation) (*transport.Response, error)

	mu          sync.Mutex
	ops         []transport.Operation
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeAdapter) Protocol() domain.Protocol { return f.protocol }

func (f *fakeAdapter) Execute(_ context.Context, dev *domain.Device, op transport.Operation) (*transport.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fn != nil {
		return f.fn(dev, op)
	}
	return &transport.Response{Output: "output of " + op.Payload.Text(), Raw: "output of " + op.Payload.Text()}, nil
}

func (f *fakeAdapter) calls() []transport.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Operation, len(f.ops))
	copy(out, f.ops)
	return out
}

type countingMetrics struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
	blocks   map[string]int
	outcomes map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{finished: map[string]int{}, blocks: map[string]int{}, outcomes: map[string]int{}}
}

func (m *countingMetrics) ExecutionStarted() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *countingMetrics) ExecutionFinished(_, action string, _ bool, _ time.Duration) {
	m.mu.Lock()
	m.finished[action]++
	m.mu.Unlock()
}

func (m *countingMetrics) PolicyBlocked(_, reason string) {
	m.mu.Lock()
	m.blocks[reason]++
	m.mu.Unlock()
}

func (m *countingMetrics) ApprovalResolved(status string) {
	m.mu.Lock()
	m.outcomes[status]++
	m.mu.Unlock()
}

type harness struct {
	exec    *Executor
	cli     *fakeAdapter
	netconf *fakeAdapter
	sink    *audit.MemorySink
	store   *approval.MemoryStore
	metrics *countingMetrics
}

type harnessOpts struct {
	hitl        bool
	source      approval.Source
	wait        time.Duration
	policy      policy.Options
	captureDiff bool
	scanNetconf bool
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	logger := testLogger()

	inv, err := inventory.NewMemoryStore(
		domain.Device{Name: "R1", Aliases: []string{"core-1"}, Hostname: "10.0.0.1", Platform: "ios",
			Credentials: domain.Credentials{Username: "admin", Password: "secret", EnableSecret: "enable"}},
		domain.Device{Name: "J1", Hostname: "10.0.0.2", Platform: "junos",
			Credentials: domain.Credentials{Username: "netconf", Password: "secret"}},
	)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	pol, err := policy.New(o.policy, logger)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	signer, err := approval.NewSigner([]byte("test-key"))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	store := approval.NewMemoryStore()
	h := &harness{
		cli:     &fakeAdapter{protocol: domain.ProtocolCLI},
		netconf: &fakeAdapter{protocol: domain.ProtocolNetconf},
		sink:    audit.NewMemorySink(),
		store:   store,
		metrics: newCountingMetrics(),
	}
	h.exec, err = New(Options{
		Inventory:   inv,
		Policy:      pol,
		Adapters:    []transport.Adapter{h.cli, h.netconf},
		Audit:       h.sink,
		HITL:        o.hitl,
		Gate:        approval.NewGate(store, signer, time.Minute, logger),
		Source:      o.source,
		WaitTimeout: o.wait,
		CaptureDiff: o.captureDiff,
		ScanNetconf: o.scanNetconf,
		Metrics:     h.metrics,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

// onlyRecord asserts exactly one audit record was written and returns it.
func (h *harness) onlyRecord(t *testing.T) audit.Record {
	t.Helper()
	records := h.sink.Records()
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 audit record, got %d: %+v", len(records), records)
	}
	return records[0]
}

func query(device, cmd string) domain.CommandRequest {
	return domain.CommandRequest{Device: device, Payload: domain.Payload{Command: cmd}, User: "alice"}
}

func configure(device string, lines ...string) domain.CommandRequest {
	return domain.CommandRequest{Device: device, Payload: domain.Payload{ConfigLines: lines}, User: "alice"}
}

func editConfig(device, body string) domain.CommandRequest {
	return domain.CommandRequest{
		Device: device,
		Payload: domain.Payload{Netconf: &domain.NetconfOp{
			Operation: domain.NetconfEditConfig,
			Config:    body,
		}},
		User: "alice",
	}
}

func TestNew_Validation(t *testing.T) {
	logger := testLogger()
	inv, _ := inventory.NewMemoryStore()
	pol, _ := policy.New(policy.Options{}, logger)

	tests := []struct {
		name string
		opts Options
	}{
		{"no inventory", Options{Policy: pol, Audit: audit.NewMemorySink()}},
		{"no policy", Options{Inventory: inv, Audit: audit.NewMemorySink()}},
		{"no audit", Options{Inventory: inv, Policy: pol}},
		{"hitl without gate", Options{Inventory: inv, Policy: pol, Audit: audit.NewMemorySink(), HITL: true}},
		{"duplicate adapter", Options{Inventory: inv, Policy: pol, Audit: audit.NewMemorySink(),
			Adapters: []transport.Adapter{&fakeAdapter{protocol: domain.ProtocolCLI}, &fakeAdapter{protocol: domain.ProtocolCLI}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestExecute_Query(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.cli.fn = func(dev *domain.Device, op transport.Operation) (*transport.Response, error) {
		if dev.Name != "R1" {
			t.Errorf("device = %q, want R1", dev.Name)
		}
		level := 15
		return &transport.Response{
			Output:    []map[string]any{{"version": "15.2"}},
			Raw:       "Cisco IOS Software, Version 15.2",
			Parsed:    true,
			Privilege: &level,
		}, nil
	}

	res, err := h.exec.Execute(context.Background(), query("core-1", "show version"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Action != audit.ActionCLIQuery {
		t.Errorf("action = %q", res.Action)
	}
	if res.Metadata[MetaDevice] != "R1" {
		t.Errorf("metadata device = %v", res.Metadata[MetaDevice])
	}
	if res.Metadata[MetaPrivilege] != 15 {
		t.Errorf("metadata privilege = %v", res.Metadata[MetaPrivilege])
	}
	if res.Metadata[MetaParsed] != true {
		t.Errorf("metadata parsed = %v", res.Metadata[MetaParsed])
	}
	if res.ShouldFallback() {
		t.Error("successful call must not suggest fallback")
	}

	calls := h.cli.calls()
	if len(calls) != 1 || !calls[0].Parse || calls[0].CaptureDiff {
		t.Fatalf("unexpected transport calls: %+v", calls)
	}

	rec := h.onlyRecord(t)
	if rec.Action != audit.ActionCLIQuery || !rec.Success || rec.Device != "R1" || rec.User != "alice" {
		t.Errorf("unexpected audit record: %+v", rec)
	}
	if rec.Command != "show version" {
		t.Errorf("audit command = %q", rec.Command)
	}
	if rec.CorrelationID == "" {
		t.Error("expected a generated correlation id")
	}
	if rec.Result["records"] != 1 {
		t.Errorf("audit records = %v", rec.Result["records"])
	}
}

func TestExecute_RawOutputSkipsParsing(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	req := query("R1", "show version")
	req.RawOutput = true
	if _, err := h.exec.Execute(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if calls := h.cli.calls(); len(calls) != 1 || calls[0].Parse {
		t.Fatalf("expected one unparsed call, got %+v", calls)
	}
}

func TestExecute_QueryIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.cli.fn = func(_ *domain.Device, _ transport.Operation) (*transport.Response, error) {
		return &transport.Response{
			Output: []map[string]any{{"hostname": "R1", "version": "15.2", "uptime": "1 day"}},
			Parsed: true,
		}, nil
	}

	first, _ := h.exec.Execute(context.Background(), query("R1", "show version"))
	second, _ := h.exec.Execute(context.Background(), query("R1", "show version"))
	if !reflect.DeepEqual(first.Output, second.Output) {
		t.Errorf("outputs differ: %v vs %v", first.Output, second.Output)
	}
}

func TestExecute_BlacklistNeverReachesTransport(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: policy.Options{ExtraBlacklist: []string{"debug all"}}})

	tests := []struct {
		name    string
		req     domain.CommandRequest
		pattern string
	}{
		{"reload", query("R1", "reload"), "reload"},
		{"case and spacing", query("R1", "  RELOAD   in 5"), "reload"},
		{"extra pattern", query("R1", "debug all"), "debug all"},
		{"unknown device still blocked", query("nope", "reload"), "reload"},
		{"config line", configure("R1", "interface Lo0", "write erase"), "write erase"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(h.sink.Records())
			res, err := h.exec.Execute(context.Background(), tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if res.Success {
				t.Fatal("expected failure")
			}
			want := "blacklisted pattern: '" + tt.pattern + "'"
			if !strings.Contains(res.Error, want) {
				t.Errorf("error %q does not contain %q", res.Error, want)
			}
			if res.Action != audit.ActionCLIBlacklistBlock {
				t.Errorf("action = %q", res.Action)
			}
			records := h.sink.Records()
			if len(records) != before+1 {
				t.Fatalf("expected one new audit record, got %d", len(records)-before)
			}
			if records[len(records)-1].Result["matched_pattern"] != tt.pattern {
				t.Errorf("audit matched_pattern = %v", records[len(records)-1].Result["matched_pattern"])
			}
		})
	}
	if n := len(h.cli.calls()); n != 0 {
		t.Fatalf("transport received %d calls for blocked commands", n)
	}
	if h.metrics.blocks["blacklist"] != len(tests) {
		t.Errorf("blacklist blocks = %d", h.metrics.blocks["blacklist"])
	}
}

func TestExecute_ReloadScenarioMessage(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	res, _ := h.exec.Execute(context.Background(), query("R1", "reload"))
	want := "Command blocked: matches blacklisted pattern: 'reload'"
	if res.Error != want {
		t.Errorf("error = %q, want %q", res.Error, want)
	}
}

func TestExecute_NetconfPayloadScan(t *testing.T) {
	body := `<system><reboot/><description>reload at midnight</description></system>`

	t.Run("enabled", func(t *testing.T) {
		h := newHarness(t, harnessOpts{scanNetconf: true})
		res, _ := h.exec.Execute(context.Background(), editConfig("J1", body))
		if res.Success || res.Action != audit.ActionNetconfBlacklistBlock {
			t.Fatalf("expected netconf blacklist block, got %+v", res)
		}
		if len(h.netconf.calls()) != 0 {
			t.Fatal("blocked payload reached the transport")
		}
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		res, _ := h.exec.Execute(context.Background(), editConfig("J1", body))
		if !res.Success || res.Action != audit.ActionNetconfExecute {
			t.Fatalf("expected success, got %+v", res)
		}
	})

	t.Run("element names are not scanned", func(t *testing.T) {
		h := newHarness(t, harnessOpts{scanNetconf: true})
		res, _ := h.exec.Execute(context.Background(), editConfig("J1", `<system><format>json</format></system>`))
		if !res.Success {
			t.Fatalf("expected success, got %q", res.Error)
		}
	})
}

func TestExecute_CELRuleBlocks(t *testing.T) {
	h := newHarness(t, harnessOpts{policy: policy.Options{Rules: []policy.Rule{{
		Name: "no-shutdown-on-ios",
		Expr: `platform == "cisco_ios" && command == "shutdown"`,
	}}}})

	res, _ := h.exec.Execute(context.Background(), configure("R1", "interface Gi0/1", "shutdown"))
	if res.Success || res.Action != audit.ActionCLIBlacklistBlock {
		t.Fatalf("expected block, got %+v", res)
	}
	if !strings.Contains(res.Error, "rule:no-shutdown-on-ios") {
		t.Errorf("error = %q", res.Error)
	}
	if len(h.cli.calls()) != 0 {
		t.Fatal("rule-blocked config reached the transport")
	}
	if h.metrics.blocks["rule"] != 1 {
		t.Errorf("rule blocks = %d", h.metrics.blocks["rule"])
	}

	// Same lines on another platform are allowed.
	res, _ = h.exec.Execute(context.Background(), configure("J1", "interface ge-0/0/0", "shutdown"))
	if !res.Success {
		t.Errorf("expected junos config to pass, got %q", res.Error)
	}
}

func TestExecute_Whitelist(t *testing.T) {
	var asked atomic.Int32
	source := approval.FuncSource(func(_ context.Context, req approval.ApprovalRequest) (approval.Response, error) {
		asked.Add(1)
		return approval.Response{Decisions: []approval.Decision{{Type: approval.DecisionReject}}}, nil
	})
	h := newHarness(t, harnessOpts{
		hitl:   true,
		source: source,
		policy: policy.Options{Whitelist: map[string][]string{
			"cisco_ios": {"show *", "!clear counters"},
		}},
	})

	res, _ := h.exec.Execute(context.Background(), query("R1", "show ip interface brief"))
	if !res.Success {
		t.Fatalf("whitelisted command failed: %q", res.Error)
	}

	res, _ = h.exec.Execute(context.Background(), query("R1", "ping 10.0.0.2"))
	if res.Success || res.Action != audit.ActionCLIWhitelistBlock {
		t.Fatalf("expected whitelist block, got %+v", res)
	}

	// A "!" entry makes the command a write, so it goes through approval.
	res, _ = h.exec.Execute(context.Background(), query("R1", "clear counters"))
	if res.Action != audit.ActionRejected {
		t.Fatalf("expected rejection, got %+v", res)
	}
	if asked.Load() != 1 {
		t.Errorf("approval source asked %d times, want 1", asked.Load())
	}

	// Platforms without entries allow nothing.
	res, _ = h.exec.Execute(context.Background(), query("J1", "show version"))
	if res.Action != audit.ActionCLIWhitelistBlock {
		t.Errorf("expected junos command to be blocked, got %+v", res)
	}

	if n := len(h.cli.calls()); n != 1 {
		t.Errorf("transport calls = %d, want 1", n)
	}
	if n := len(h.sink.Records()); n != 4 {
		t.Errorf("audit records = %d, want 4", n)
	}
}

func TestExecute_MultiLineCommandNeverDispatched(t *testing.T) {
	var asked atomic.Int32
	source := approval.FuncSource(func(_ context.Context, req approval.ApprovalRequest) (approval.Response, error) {
		asked.Add(1)
		return approval.Response{Decisions: []approval.Decision{{Type: approval.DecisionReject}}}, nil
	})
	h := newHarness(t, harnessOpts{
		hitl:   true,
		source: source,
		policy: policy.Options{Whitelist: map[string][]string{
			"cisco_ios": {"show *", "!clear counters"},
		}},
	})

	for _, req := range []domain.CommandRequest{
		query("R1", "show clock\nclear counters"),
		query("R1", "show clock\r\nconfigure terminal\nusername x privilege 15 secret y\nend"),
		configure("R1", "interface Lo11", "description x\nexit"),
	} {
		res, err := h.exec.Execute(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Success || res.Action != audit.ActionInvalidRequest {
			t.Errorf("%q: got %+v, want invalid_request", req.Payload.Text(), res)
		}
	}
	if n := len(h.cli.calls()); n != 0 {
		t.Errorf("transport calls = %d, want 0", n)
	}
	if n := asked.Load(); n != 0 {
		t.Errorf("approval source asked %d times, want 0", n)
	}
	if n := len(h.sink.Records()); n != 3 {
		t.Errorf("audit records = %d, want 3", n)
	}
}

func TestExecute_RejectShortCircuits(t *testing.T) {
	h := newHarness(t, harnessOpts{
		hitl:   true,
		source: approval.StaticSource{Type: approval.DecisionReject, Reason: "change freeze", DecidedBy: "bob"},
	})

	// Even a request that would be blocked and names an unknown device is
	// rejected first, without touching policy, inventory or transport.
	for _, req := range []domain.CommandRequest{
		configure("R1", "interface Lo11", "no shutdown"),
		configure("ghost", "reload"),
	} {
		res, err := h.exec.Execute(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Success || res.Error != MsgRejected || res.Action != audit.ActionRejected {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	if n := len(h.cli.calls()); n != 0 {
		t.Fatalf("transport received %d calls after rejection", n)
	}

	records := h.sink.Records()
	if len(records) != 2 {
		t.Fatalf("audit records = %d, want 2", len(records))
	}
	for _, rec := range records {
		if rec.Action != audit.ActionRejected || rec.Success {
			t.Errorf("unexpected record: %+v", rec)
		}
		if rec.Result["reason"] != "change freeze" || rec.Result["decided_by"] != "bob" {
			t.Errorf("decision details missing: %v", rec.Result)
		}
	}
	if h.metrics.outcomes[string(approval.StatusRejected)] != 2 {
		t.Errorf("rejected outcomes = %d", h.metrics.outcomes[string(approval.StatusRejected)])
	}
}

func TestExecute_ReadsSkipApproval(t *testing.T) {
	h := newHarness(t, harnessOpts{
		hitl:   true,
		source: approval.StaticSource{Type: approval.DecisionReject},
	})
	res, _ := h.exec.Execute(context.Background(), query("R1", "show version"))
	if !res.Success {
		t.Fatalf("read should not need approval: %q", res.Error)
	}
}

func TestExecute_EditSendsModifiedPayload(t *testing.T) {
	edited := domain.Payload{ConfigLines: []string{"interface Lo12", "description edited"}}
	h := newHarness(t, harnessOpts{
		hitl:   true,
		source: approval.StaticSource{Type: approval.DecisionEdit, ModifiedPayload: &edited},
	})

	res, _ := h.exec.Execute(context.Background(), configure("R1", "interface Lo11", "no shutdown"))
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	calls := h.cli.calls()
	if len(calls) != 1 {
		t.Fatalf("transport calls = %d", len(calls))
	}
	if !reflect.DeepEqual(calls[0].Payload, edited) {
		t.Errorf("transport got %+v, want edited payload %+v", calls[0].Payload, edited)
	}

	rec := h.onlyRecord(t)
	if rec.Action != audit.ActionCLIConfig {
		t.Errorf("action = %q", rec.Action)
	}
	if !strings.Contains(rec.Command, "Lo12") || strings.Contains(rec.Command, "Lo11") {
		t.Errorf("audit command should be the edited payload, got %q", rec.Command)
	}
	if rec.Result["approval_status"] != string(approval.StatusEdited) {
		t.Errorf("approval_status = %v", rec.Result["approval_status"])
	}
	if rec.Result["approval_edit"] == nil {
		t.Error("expected the edit patch in the audit result")
	}
}

func TestExecute_ApprovalBeforeConnection(t *testing.T) {
	var h *harness
	source := approval.FuncSource(func(_ context.Context, req approval.ApprovalRequest) (approval.Response, error) {
		if n := len(h.netconf.calls()); n != 0 {
			t.Errorf("transport called %d times before approval", n)
		}
		if req.Device != "R1" || len(req.Actions) != 1 || req.Actions[0].Name != "netconf_edit_config" {
			t.Errorf("unexpected approval request: %+v", req)
		}
		return approval.Response{Decisions: []approval.Decision{{Type: approval.DecisionApprove}}}, nil
	})
	h = newHarness(t, harnessOpts{hitl: true, source: source})
	h.netconf.fn = func(_ *domain.Device, _ transport.Operation) (*transport.Response, error) {
		return nil, &transport.Error{
			Kind:     transport.KindConnectionRefused,
			Protocol: domain.ProtocolNetconf,
			Op:       "dial",
			Err:      errors.New("dial tcp 10.0.0.1:830: connect: connection refused"),
		}
	}

	res, _ := h.exec.Execute(context.Background(), editConfig("R1", "<interfaces/>"))
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Action != audit.ActionNetconfExecuteError {
		t.Errorf("action = %q", res.Action)
	}
	if res.ErrorKind() != string(transport.KindConnectionRefused) {
		t.Errorf("error kind = %q", res.ErrorKind())
	}
	if !res.ShouldFallback() {
		t.Error("connection refused must suggest the other transport")
	}
	if res.Metadata[MetaApprovalID] == nil {
		t.Error("expected approval id in metadata")
	}
	rec := h.onlyRecord(t)
	if rec.Success || rec.Result["error_kind"] != string(transport.KindConnectionRefused) {
		t.Errorf("unexpected audit record: %+v", rec)
	}
}

func TestExecute_ProtocolErrorCarriesRPCErrors(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	rpcErr := transport.RPCError{Type: "application", Tag: "invalid-value", Severity: "error", Message: "bad mtu"}
	h.netconf.fn = func(_ *domain.Device, _ transport.Operation) (*transport.Response, error) {
		return nil, &transport.Error{
			Kind:      transport.KindProtocol,
			Protocol:  domain.ProtocolNetconf,
			Op:        "edit-config",
			RPCErrors: []transport.RPCError{rpcErr},
			Err:       errors.New("rpc-error"),
		}
	}
	res, _ := h.exec.Execute(context.Background(), editConfig("J1", "<mtu>99999</mtu>"))
	if res.ShouldFallback() {
		t.Error("protocol errors must not suggest fallback")
	}
	got, ok := res.Metadata[MetaRPCErrors].([]transport.RPCError)
	if !ok || len(got) != 1 || got[0] != rpcErr {
		t.Errorf("rpc_errors = %#v", res.Metadata[MetaRPCErrors])
	}
}

func TestExecute_ApplyConfigCapturesDiff(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.cli.fn = func(_ *domain.Device, op transport.Operation) (*transport.Response, error) {
		if !op.CaptureDiff {
			t.Error("expected diff capture to be requested")
		}
		before := "hostname R1\n"
		after := "hostname R1\ninterface Loopback11\n no shutdown\n"
		d := diff.Unified(&before, &after, diff.DefaultMaxBytes)
		return &transport.Response{Output: "ok", Raw: "ok", Diff: &d}, nil
	}

	req := configure("R1", "interface Lo11", "no shutdown")
	req.CaptureDiff = domain.BoolPtr(true)
	res, _ := h.exec.Execute(context.Background(), req)
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if res.Diff == nil || !strings.Contains(*res.Diff, "Loopback11") {
		t.Fatalf("result diff = %v", res.Diff)
	}
	if res.Metadata[MetaDiffCaptured] != true {
		t.Errorf("diff_captured = %v", res.Metadata[MetaDiffCaptured])
	}

	rec := h.onlyRecord(t)
	text, ok := rec.Result["diff"].(*string)
	if !ok || text == nil || !strings.Contains(*text, "Lo") {
		t.Errorf("audit diff = %#v", rec.Result["diff"])
	}
}

func TestExecute_DiffDefaults(t *testing.T) {
	tests := []struct {
		name    string
		def     bool
		req     domain.CommandRequest
		capture bool
	}{
		{"default on for config", true, configure("R1", "hostname x"), true},
		{"default off for config", false, configure("R1", "hostname x"), false},
		{"request overrides default", true, func() domain.CommandRequest {
			r := configure("R1", "hostname x")
			r.CaptureDiff = domain.BoolPtr(false)
			return r
		}(), false},
		{"never for reads", true, query("R1", "show run"), false},
		{"netconf writes", true, editConfig("J1", "<x/>"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{captureDiff: tt.def})
			if _, err := h.exec.Execute(context.Background(), tt.req); err != nil {
				t.Fatal(err)
			}
			calls := append(h.cli.calls(), h.netconf.calls()...)
			if len(calls) != 1 {
				t.Fatalf("transport calls = %d", len(calls))
			}
			if calls[0].CaptureDiff != tt.capture {
				t.Errorf("CaptureDiff = %v, want %v", calls[0].CaptureDiff, tt.capture)
			}
		})
	}
}

func TestExecute_DeviceNotFound(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	res, _ := h.exec.Execute(context.Background(), query("R9", "show version"))
	if res.Success || res.Action != audit.ActionDeviceNotFound {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Error, "R9") {
		t.Errorf("error = %q", res.Error)
	}
	if len(h.cli.calls()) != 0 {
		t.Error("transport called for unknown device")
	}
	h.onlyRecord(t)
}

func TestExecute_InvalidRequest(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	res, err := h.exec.Execute(context.Background(), domain.CommandRequest{
		Device:  "R1",
		Payload: domain.Payload{Command: "show version", ConfigLines: []string{"hostname x"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Action != audit.ActionInvalidRequest {
		t.Fatalf("unexpected result: %+v", res)
	}
	h.onlyRecord(t)
}

func TestExecute_MissingTransport(t *testing.T) {
	logger := testLogger()
	inv, _ := inventory.NewMemoryStore(domain.Device{Name: "J1", Hostname: "10.0.0.2", Platform: "junos"})
	pol, _ := policy.New(policy.Options{}, logger)
	sink := audit.NewMemorySink()
	exec, err := New(Options{Inventory: inv, Policy: pol, Audit: sink, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	res, _ := exec.Execute(context.Background(), editConfig("J1", "<x/>"))
	if res.Success || res.Action != audit.ActionNetconfExecuteError {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(sink.Records()) != 1 {
		t.Fatalf("audit records = %d", len(sink.Records()))
	}
}

func TestExecute_PendingThenResume(t *testing.T) {
	h := newHarness(t, harnessOpts{hitl: true})
	ctx := context.Background()

	res, err := h.exec.Execute(ctx, configure("R1", "interface Lo11", "no shutdown"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pending || res.Approval == nil || res.Approval.Token == "" {
		t.Fatalf("expected a pending result with a token, got %+v", res)
	}
	if res.Action != audit.ActionApprovalPending {
		t.Errorf("action = %q", res.Action)
	}
	if len(h.cli.calls()) != 0 {
		t.Fatal("pending write reached the transport")
	}
	pending := h.onlyRecord(t)

	resumed, err := h.exec.Resume(ctx, res.Approval.Token, approval.Decision{Type: approval.DecisionApprove, DecidedBy: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if !resumed.Success || resumed.Action != audit.ActionCLIConfig {
		t.Fatalf("unexpected resumed result: %+v", resumed)
	}
	if resumed.Metadata[MetaApprovalID] != res.Approval.Request.ID.String() {
		t.Errorf("approval id = %v", resumed.Metadata[MetaApprovalID])
	}
	if len(h.cli.calls()) != 1 {
		t.Fatalf("transport calls = %d", len(h.cli.calls()))
	}

	records := h.sink.Records()
	if len(records) != 2 {
		t.Fatalf("audit records = %d", len(records))
	}
	if records[1].CorrelationID != pending.CorrelationID {
		t.Error("resume should keep the original correlation id")
	}
	if records[1].Device != "R1" || records[1].User != "alice" {
		t.Errorf("unexpected resumed record: %+v", records[1])
	}

	// A token is redeemable once.
	again, err := h.exec.Resume(ctx, res.Approval.Token, approval.Decision{Type: approval.DecisionApprove})
	if err != nil {
		t.Fatal(err)
	}
	if again.Success || again.Action != audit.ActionInvalidRequest {
		t.Fatalf("unexpected second resume: %+v", again)
	}
	if len(h.cli.calls()) != 1 {
		t.Fatal("second resume reached the transport")
	}
	if len(h.sink.Records()) != 3 {
		t.Errorf("audit records = %d, want 3", len(h.sink.Records()))
	}
}

func TestResume_Reject(t *testing.T) {
	h := newHarness(t, harnessOpts{hitl: true})
	ctx := context.Background()
	res, _ := h.exec.Execute(ctx, editConfig("J1", "<interfaces/>"))

	out, err := h.exec.Resume(ctx, res.Approval.Token, approval.Decision{Type: approval.DecisionReject})
	if err != nil {
		t.Fatal(err)
	}
	if out.Success || out.Error != MsgRejected || out.Action != audit.ActionRejected {
		t.Fatalf("unexpected result: %+v", out)
	}
	if len(h.netconf.calls()) != 0 {
		t.Fatal("rejected write reached the transport")
	}
	rec, err := h.store.Get(ctx, res.Approval.Request.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != approval.StatusRejected {
		t.Errorf("stored status = %q", rec.Status)
	}
}

func TestResume_BadToken(t *testing.T) {
	h := newHarness(t, harnessOpts{hitl: true})
	res, err := h.exec.Resume(context.Background(), "not-a-token", approval.Decision{Type: approval.DecisionApprove})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Action != audit.ActionInvalidRequest {
		t.Fatalf("unexpected result: %+v", res)
	}
	h.onlyRecord(t)
}

func TestResume_WithoutGate(t *testing.T) {
	logger := testLogger()
	inv, _ := inventory.NewMemoryStore()
	pol, _ := policy.New(policy.Options{}, logger)
	exec, err := New(Options{Inventory: inv, Policy: pol, Audit: audit.NewMemorySink(), Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := exec.Resume(context.Background(), "x", approval.Decision{Type: approval.DecisionApprove}); !errors.Is(err, ErrApprovalsDisabled) {
		t.Errorf("expected ErrApprovalsDisabled, got %v", err)
	}
}

func TestExecute_ApprovalWaitTimeout(t *testing.T) {
	source := approval.FuncSource(func(ctx context.Context, _ approval.ApprovalRequest) (approval.Response, error) {
		<-ctx.Done()
		return approval.Response{}, ctx.Err()
	})
	h := newHarness(t, harnessOpts{hitl: true, source: source, wait: 20 * time.Millisecond})

	res, _ := h.exec.Execute(context.Background(), configure("R1", "hostname x"))
	if res.Success || res.Action != audit.ActionApprovalExpired {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Error, MsgRejected) {
		t.Errorf("error = %q", res.Error)
	}
	if len(h.cli.calls()) != 0 {
		t.Fatal("expired write reached the transport")
	}
	h.onlyRecord(t)

	list, _ := h.store.List(context.Background(), approval.StatusExpired)
	if len(list) != 1 {
		t.Errorf("expired approvals = %d, want 1", len(list))
	}
}

func TestExecute_CancelledDuringApproval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := approval.FuncSource(func(wctx context.Context, _ approval.ApprovalRequest) (approval.Response, error) {
		cancel()
		<-wctx.Done()
		return approval.Response{}, wctx.Err()
	})
	h := newHarness(t, harnessOpts{hitl: true, source: source})

	res, _ := h.exec.Execute(ctx, configure("R1", "hostname x"))
	if res.Success || res.Action != audit.ActionApprovalCancelled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(h.cli.calls()) != 0 {
		t.Fatal("cancelled write reached the transport")
	}
	h.onlyRecord(t)

	list, _ := h.store.List(context.Background(), approval.StatusCancelled)
	if len(list) != 1 {
		t.Errorf("cancelled approvals = %d, want 1", len(list))
	}
}

func TestExecute_SourceErrorCancels(t *testing.T) {
	source := approval.FuncSource(func(context.Context, approval.ApprovalRequest) (approval.Response, error) {
		return approval.Response{}, errors.New("chat unavailable")
	})
	h := newHarness(t, harnessOpts{hitl: true, source: source})
	res, _ := h.exec.Execute(context.Background(), configure("R1", "hostname x"))
	if res.Action != audit.ActionApprovalCancelled || !strings.Contains(res.Error, "chat unavailable") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecute_MetricsBalance(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	h.exec.Execute(ctx, query("R1", "show version"))
	h.exec.Execute(ctx, query("R1", "reload"))
	h.exec.Execute(ctx, query("R9", "show version"))

	total := 0
	for _, n := range h.metrics.finished {
		total += n
	}
	if h.metrics.started != 3 || total != 3 {
		t.Errorf("started = %d, finished = %d", h.metrics.started, total)
	}
	if h.metrics.finished[audit.ActionDeviceNotFound] != 1 {
		t.Errorf("finished = %v", h.metrics.finished)
	}
}

func TestBatch_OrderAndConcurrency(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.cli.delay = 10 * time.Millisecond

	var reqs []domain.CommandRequest
	for i := 0; i < 12; i++ {
		switch i % 3 {
		case 0:
			reqs = append(reqs, query("R1", "show version"))
		case 1:
			reqs = append(reqs, query("J1", "show interfaces terse"))
		default:
			reqs = append(reqs, query("R1", "reload"))
		}
	}

	results := h.exec.Batch(context.Background(), reqs, 3)
	if len(results) != len(reqs) {
		t.Fatalf("results = %d", len(results))
	}
	for i, res := range results {
		if res == nil {
			t.Fatalf("result %d is nil", i)
		}
		wantDevice := "R1"
		if i%3 == 1 {
			wantDevice = "J1"
		}
		if res.Metadata[MetaDevice] != wantDevice {
			t.Errorf("result %d device = %v, want %s", i, res.Metadata[MetaDevice], wantDevice)
		}
		if (i%3 == 2) != (res.Action == audit.ActionCLIBlacklistBlock) {
			t.Errorf("result %d action = %q", i, res.Action)
		}
	}
	if m := h.cli.maxInFlight.Load(); m > 3 {
		t.Errorf("max in flight = %d, limit 3", m)
	}
	if n := len(h.sink.Records()); n != len(reqs) {
		t.Errorf("audit records = %d, want %d", n, len(reqs))
	}
}
