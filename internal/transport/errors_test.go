package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/jkaninda/olav/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"refused errno", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, KindConnectionRefused},
		{"host unreachable", fmt.Errorf("dial: %w", syscall.EHOSTUNREACH), KindConnectionRefused},
		{"unsupported subsystem", fmt.Errorf("netconf: %w", ErrUnsupported), KindConnectionRefused},
		{"dns", &net.DNSError{Err: "no such host", Name: "r9.lab"}, KindConnectionRefused},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), KindTimeout},
		{"os deadline", os.ErrDeadlineExceeded, KindTimeout},
		{"ssh auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), KindAuthFailed},
		{"message refused", errors.New("dial tcp 10.0.0.1:22: connect: connection refused"), KindConnectionRefused},
		{"other", errors.New("EOF"), KindGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
	if Classify(nil) != "" {
		t.Error("nil error should not classify")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(domain.ProtocolCLI, "query", nil, "") != nil {
		t.Fatal("Wrap(nil) must be nil")
	}

	err := Wrap(domain.ProtocolNetconf, "connect", fmt.Errorf("subsystem: %w", ErrUnsupported), "")
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if !te.ShouldFallback() || !ShouldFallback(err) {
		t.Error("connection refused must allow fallback")
	}
	if !errors.Is(err, ErrUnsupported) {
		t.Error("wrapped cause lost")
	}

	// Re-wrapping keeps the original classification and fills missing output.
	again := Wrap(domain.ProtocolCLI, "config", err, "partial")
	if again != err || OutputOf(again) != "partial" {
		t.Errorf("rewrap = %v output %q", again, OutputOf(again))
	}

	timeout := Wrap(domain.ProtocolCLI, "query", context.DeadlineExceeded, "R1#")
	if ShouldFallback(timeout) {
		t.Error("timeout must not allow fallback")
	}
}

func TestErrorMessageIncludesRPCErrors(t *testing.T) {
	err := &Error{
		Kind:     KindProtocol,
		Protocol: domain.ProtocolNetconf,
		Op:       "edit-config",
		RPCErrors: []RPCError{{
			Type: "application", Tag: "invalid-value", Severity: "error",
			Path: "/interfaces/interface[name='ge-0/0/0']", Message: " bad mtu ",
		}},
	}
	msg := err.Error()
	for _, want := range []string{"protocol_error", "tag=invalid-value", "message=bad mtu", "edit-config"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if got := RPCErrorsOf(fmt.Errorf("exec: %w", err)); len(got) != 1 {
		t.Errorf("RPCErrorsOf = %v", got)
	}
}
