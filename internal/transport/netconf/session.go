package netconf

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	scraplinc "github.com/scrapli/scrapligo/driver/netconf"
	"github.com/scrapli/scrapligo/driver/opoptions"
	"github.com/scrapli/scrapligo/driver/options"
	"github.com/scrapli/scrapligo/logging"
	"github.com/scrapli/scrapligo/response"
	"github.com/scrapli/scrapligo/util"

	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/transport"
)

const (
	BaseNamespace = "urn:ietf:params:xml:ns:netconf:base:1.0"

	CapBase10    = "urn:ietf:params:netconf:base:1.0"
	CapBase11    = "urn:ietf:params:netconf:base:1.1"
	CapCandidate = "urn:ietf:params:netconf:capability:candidate:1.0"
	CapXPath     = "urn:ietf:params:netconf:capability:xpath:1.0"
)

type rpcReply struct {
	XMLName   xml.Name             `xml:"rpc-reply"`
	MessageID string               `xml:"message-id,attr"`
	Errors    []transport.RPCError `xml:"rpc-error"`
	OK        *struct{}            `xml:"ok"`
	Data      *struct {
		Inner string `xml:",innerxml"`
	} `xml:"data"`
}

// failures returns the rpc-errors that are not warnings.
func (r *rpcReply) failures() []transport.RPCError {
	var out []transport.RPCError
	for _, e := range r.Errors {
		if !strings.EqualFold(strings.TrimSpace(e.Severity), "warning") {
			out = append(out, e)
		}
	}
	return out
}

func (r *rpcReply) data() string {
	if r == nil || r.Data == nil {
		return ""
	}
	return strings.TrimSpace(r.Data.Inner)
}

type rpcFunc func(opts ...util.Option) (*response.NetconfResponse, error)

// session is one NETCONF session driven by the scrapligo driver.
type session struct {
	drv     *scraplinc.Driver
	conn    *sshConn
	timeout time.Duration
	caps    []string
	// broken is set once an rpc failed at the transport level or was abandoned.
	broken bool
	// pending is closed when an rpc abandoned on cancellation returns.
	pending chan struct{}
}

func openSession(ctx context.Context, dial transport.SSHDialer, addr string, creds domain.Credentials, timeout time.Duration, logger *slog.Logger) (*session, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	conn := newSSHConn(ctx, dial, addr, creds, timeout)
	log, err := driverLogger(logger)
	if err != nil {
		return nil, err
	}
	drv, err := scraplinc.NewDriver(host,
		options.WithCustomTransport(conn),
		options.WithTimeoutOps(timeout),
		options.WithNetconfForceSelfClosingTags(),
		options.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("netconf driver: %w", err)
	}
	drv.Logger = log

	if err := drv.Open(); err != nil {
		if errors.Is(err, util.ErrNetconfError) {
			return nil, &transport.Error{
				Kind:     transport.KindProtocol,
				Protocol: domain.ProtocolNetconf,
				Op:       "hello",
				Err:      err,
			}
		}
		return nil, asDeadline(err)
	}
	return &session{
		drv:     drv,
		conn:    conn,
		timeout: timeout,
		caps:    drv.ServerCapabilities(),
	}, nil
}

// driverLogger forwards the driver's critical messages to logger.
func driverLogger(logger *slog.Logger) (*logging.Instance, error) {
	return logging.NewInstance(
		logging.WithLevel(logging.Critical),
		logging.WithFormatter(func(_, m string) string { return m }),
		logging.WithLogger(func(v ...interface{}) {
			logger.Warn("netconf driver", slog.String("message", fmt.Sprint(v...)))
		}),
	)
}

// asDeadline keeps the driver's timeout message while classifying it as a deadline.
func asDeadline(err error) error {
	if errors.Is(err, util.ErrTimeoutError) {
		return fmt.Errorf("%w: %w", os.ErrDeadlineExceeded, err)
	}
	return err
}

// HasCapability reports whether the server advertised uri, ignoring query parameters.
func (s *session) HasCapability(uri string) bool {
	for _, c := range s.caps {
		base, _, _ := strings.Cut(strings.TrimSpace(c), "?")
		if base == uri {
			return true
		}
	}
	return false
}

func (s *session) SessionID() uint64 { return s.drv.SessionID() }

// call runs one rpc bounded by the session timeout and ctx, then checks the reply.
// A reply carrying rpc-errors of error severity is returned as a protocol error with
// the structured errors.
func (s *session) call(ctx context.Context, op string, rpc rpcFunc) (*rpcReply, string, error) {
	if s.broken {
		return nil, "", transport.Wrap(domain.ProtocolNetconf, op, errors.New("session closed after a failed rpc"), "")
	}
	if err := ctx.Err(); err != nil {
		return nil, "", transport.Wrap(domain.ProtocolNetconf, op, err, "")
	}
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, "", transport.Wrap(domain.ProtocolNetconf, op, context.DeadlineExceeded, "")
	}

	type result struct {
		resp *response.NetconfResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := rpc(opoptions.WithTimeoutOps(timeout))
		ch <- result{resp: resp, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		s.broken = true
		s.pending = make(chan struct{})
		go func(p chan struct{}) {
			<-ch
			close(p)
		}(s.pending)
		return nil, "", transport.Wrap(domain.ProtocolNetconf, op, ctx.Err(), "")
	}

	if res.err != nil {
		s.broken = true
		if lost := s.conn.err(); lost != nil {
			return nil, "", transport.Wrap(domain.ProtocolNetconf, op, fmt.Errorf("connection lost: %w", lost), "")
		}
		return nil, "", transport.Wrap(domain.ProtocolNetconf, op, asDeadline(res.err), "")
	}
	return checkReply(op, res.resp)
}

// checkReply parses the rpc-reply. Warnings are not failures, so the reply is read
// here rather than trusting the driver's failed flag.
func checkReply(op string, resp *response.NetconfResponse) (*rpcReply, string, error) {
	raw := resp.Result
	if raw == "" && resp.Failed != nil {
		return nil, string(resp.RawResult), &transport.Error{
			Kind:     transport.KindProtocol,
			Protocol: domain.ProtocolNetconf,
			Op:       op,
			Output:   string(resp.RawResult),
			Err:      resp.Failed,
		}
	}

	var reply rpcReply
	if err := xml.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, raw, &transport.Error{
			Kind:     transport.KindProtocol,
			Protocol: domain.ProtocolNetconf,
			Op:       op,
			Output:   raw,
			Err:      fmt.Errorf("malformed rpc-reply: %w", err),
		}
	}
	if failures := reply.failures(); len(failures) > 0 {
		msg := strings.TrimSpace(failures[0].Message)
		if msg == "" {
			msg = failures[0].Tag
		}
		return &reply, raw, &transport.Error{
			Kind:      transport.KindProtocol,
			Protocol:  domain.ProtocolNetconf,
			Op:        op,
			Output:    raw,
			RPCErrors: failures,
			Err:       errors.New(msg),
		}
	}
	return &reply, raw, nil
}

func filterOptions(xpath string) []util.Option {
	if strings.TrimSpace(xpath) == "" {
		return nil
	}
	return []util.Option{opoptions.WithFilter(xpath), opoptions.WithFilterType(scraplinc.FilterXpath)}
}

func (s *session) GetConfig(ctx context.Context, source, xpath string) (*rpcReply, string, error) {
	return s.call(ctx, "get-config", func(opts ...util.Option) (*response.NetconfResponse, error) {
		return s.drv.GetConfig(source, append(filterOptions(xpath), opts...)...)
	})
}

func (s *session) Get(ctx context.Context, xpath string) (*rpcReply, string, error) {
	return s.call(ctx, "get", func(opts ...util.Option) (*response.NetconfResponse, error) {
		if xpath = strings.TrimSpace(xpath); xpath != "" {
			opts = append(opts, opoptions.WithFilterType(scraplinc.FilterXpath))
		}
		return s.drv.Get(xpath, opts...)
	})
}

// EditConfig pushes config to target. The driver call has no per-call timeout, so
// only ctx and the session default bound it.
func (s *session) EditConfig(ctx context.Context, op, target, defaultOperation, config string) (*rpcReply, string, error) {
	return s.call(ctx, op, func(...util.Option) (*response.NetconfResponse, error) {
		return s.drv.EditConfig(target, editConfigPayload(defaultOperation, config))
	})
}

func (s *session) Commit(ctx context.Context) (*rpcReply, string, error) {
	return s.call(ctx, "commit", func(opts ...util.Option) (*response.NetconfResponse, error) {
		return s.drv.Commit(opts...)
	})
}

func (s *session) Discard(ctx context.Context) error {
	_, _, err := s.call(ctx, "discard-changes", func(...util.Option) (*response.NetconfResponse, error) {
		return s.drv.Discard()
	})
	return err
}

// Close sends close-session best effort and tears the driver down. With an rpc still
// in flight the teardown waits for it in the background.
func (s *session) Close(ctx context.Context) {
	if !s.broken {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		_, _, _ = s.call(ctx, "close-session", func(opts ...util.Option) (*response.NetconfResponse, error) {
			return s.drv.RPC(append(opts, opoptions.WithFilter("<close-session/>"))...)
		})
		cancel()
	}
	if s.pending != nil {
		go func(p chan struct{}) {
			<-p
			_ = s.drv.Close()
		}(s.pending)
		return
	}
	_ = s.drv.Close()
}

// editConfigPayload is the edit-config body that follows the target element.
func editConfigPayload(defaultOperation, config string) string {
	var b strings.Builder
	if defaultOperation != "" {
		b.WriteString("<default-operation>" + defaultOperation + "</default-operation>")
	}
	b.WriteString(`<config xmlns="` + BaseNamespace + `">`)
	b.WriteString(config)
	b.WriteString("</config>")
	return b.String()
}

// defaultOperation maps the edit shorthands onto edit-config default-operation values.
func defaultOperation(op domain.NetconfOperation) string {
	switch op {
	case domain.NetconfSet:
		return "merge"
	case domain.NetconfDelete:
		return "none"
	case domain.NetconfReplace:
		return "replace"
	}
	return ""
}
