package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/jkaninda/olav/internal/domain"
)

// Kind classifies a transport failure.
type Kind string

const (
	KindConnectionRefused Kind = "connection_refused"
	KindTimeout           Kind = "timeout"
	KindAuthFailed        Kind = "auth_failed"
	KindProtocol          Kind = "protocol_error"
	KindGeneric           Kind = "generic_failure"
)

// ErrUnsupported is wrapped by transports that refuse a connection at the protocol
// level, such as a device without a NETCONF subsystem.
var ErrUnsupported = errors.New("transport not supported by device")

// RPCError is a structured NETCONF rpc-error.
type RPCError struct {
	Type       string `json:"error_type,omitempty" xml:"error-type"`
	Tag        string `json:"error_tag,omitempty" xml:"error-tag"`
	Severity   string `json:"error_severity,omitempty" xml:"error-severity"`
	Path       string `json:"error_path,omitempty" xml:"error-path"`
	Message    string `json:"error_message,omitempty" xml:"error-message"`
	BadElement string `json:"bad_element,omitempty" xml:"error-info>bad-element"`
}

func (e RPCError) String() string {
	var parts []string
	for _, kv := range [][2]string{
		{"type", e.Type}, {"tag", e.Tag}, {"severity", e.Severity},
		{"path", e.Path}, {"bad-element", e.BadElement},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	msg := strings.TrimSpace(e.Message)
	if msg != "" {
		parts = append(parts, "message="+msg)
	}
	return strings.Join(parts, " ")
}

// Error is a classified transport failure.
type Error struct {
	Kind      Kind
	Protocol  domain.Protocol
	Op        string
	Output    string // whatever the device returned before failing
	RPCErrors []RPCError
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Protocol, e.Op, e.Kind)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	for _, re := range e.RPCErrors {
		b.WriteString("; rpc-error " + re.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ShouldFallback reports whether the caller may retry over the other transport.
func (e *Error) ShouldFallback() bool { return e.Kind == KindConnectionRefused }

// Wrap classifies err and attaches context. A nil err returns nil.
func Wrap(protocol domain.Protocol, op string, err error, output string) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		if te.Output == "" {
			te.Output = output
		}
		return te
	}
	return &Error{
		Kind:     Classify(err),
		Protocol: protocol,
		Op:       op,
		Output:   output,
		Err:      err,
	}
}

// Classify maps an error onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, ErrUnsupported) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return KindConnectionRefused
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnectionRefused
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"):
		return KindConnectionRefused
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "authentication failed"):
		return KindAuthFailed
	case strings.Contains(msg, "i/o timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	}
	return KindGeneric
}

// ShouldFallback reports whether err allows retrying over the other transport.
func ShouldFallback(err error) bool {
	return Classify(err) == KindConnectionRefused
}

// RPCErrorsOf returns the structured rpc-errors carried by err, if any.
func RPCErrorsOf(err error) []RPCError {
	var te *Error
	if errors.As(err, &te) {
		return te.RPCErrors
	}
	return nil
}

// OutputOf returns the device output carried by err, if any.
func OutputOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Output
	}
	return ""
}
