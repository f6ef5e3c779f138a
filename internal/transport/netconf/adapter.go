// Package netconf implements the NETCONF transport: RFC 6241 RPCs over the SSH
// "netconf" subsystem, driven by scrapligo on a connection from the adapter's dialer.
package netconf

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jkaninda/olav/internal/diff"
	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/secrets"
	"github.com/jkaninda/olav/internal/transport"
)

// Config tunes the adapter.
type Config struct {
	Timeout time.Duration
	// Commit sends <commit/> after a successful edit of the candidate datastore.
	Commit       bool
	MaxDiffBytes int
}

// Adapter implements transport.Adapter for NETCONF devices.
type Adapter struct {
	cfg    Config
	creds  transport.CredentialResolver
	dial   transport.SSHDialer
	logger *slog.Logger
}

type Option func(*Adapter)

// WithDialer replaces the SSH dialer.
func WithDialer(d transport.SSHDialer) Option {
	return func(a *Adapter) { a.dial = d }
}

// New creates a NETCONF adapter. creds may be nil.
func New(cfg Config, creds transport.CredentialResolver, logger *slog.Logger, opts ...Option) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = transport.DefaultTimeout
	}
	if cfg.MaxDiffBytes <= 0 {
		cfg.MaxDiffBytes = diff.DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{cfg: cfg, creds: creds, dial: transport.DialSSH, logger: logger}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Protocol() domain.Protocol { return domain.ProtocolNetconf }

// Execute runs one NETCONF operation on a fresh session.
func (a *Adapter) Execute(ctx context.Context, device *domain.Device, op transport.Operation) (*transport.Response, error) {
	nc := op.Payload.Netconf
	if nc == nil || !nc.Operation.Valid() {
		return nil, &transport.Error{
			Kind:     transport.KindProtocol,
			Protocol: domain.ProtocolNetconf,
			Op:       "execute",
			Err:      errors.New("netconf payload needs a known operation"),
		}
	}
	opName := string(nc.Operation)

	start := time.Now()
	s, sanitizer, err := a.connect(ctx, device)
	if err != nil {
		return nil, err
	}
	defer s.Close(context.WithoutCancel(ctx))

	if nc.XPath != "" && !s.HasCapability(CapXPath) {
		a.logger.WarnContext(ctx, "device does not advertise xpath filtering",
			slog.String("device", device.Name),
		)
	}

	resp := &transport.Response{}
	switch nc.Operation {
	case domain.NetconfGet, domain.NetconfGetConfig:
		var (
			reply *rpcReply
			raw   string
		)
		if nc.Operation == domain.NetconfGet {
			reply, raw, err = s.Get(ctx, nc.XPath)
		} else {
			reply, raw, err = s.GetConfig(ctx, "running", nc.XPath)
		}
		if err != nil {
			return nil, sanitizeError(err, sanitizer)
		}
		resp.Output = sanitizer.Sanitize(reply.data())
		resp.Raw = sanitizer.Sanitize(raw)

	case domain.NetconfCommit:
		_, raw, err := s.Commit(ctx)
		if err != nil {
			return nil, sanitizeError(err, sanitizer)
		}
		resp.Committed = true
		resp.Output = "ok"
		resp.Raw = sanitizer.Sanitize(raw)

	default:
		target := a.target(nc, s)
		var before *string
		if op.CaptureDiff {
			before = a.snapshot(ctx, s, device, sanitizer)
		}

		_, raw, err := s.EditConfig(ctx, opName, target, defaultOperation(nc.Operation), nc.Config)
		if err != nil {
			if target == "candidate" {
				a.discard(ctx, s, device)
			}
			return nil, sanitizeError(err, sanitizer)
		}
		resp.Raw = sanitizer.Sanitize(raw)

		if target == "candidate" && a.cfg.Commit {
			_, craw, err := s.Commit(ctx)
			if err != nil {
				a.discard(ctx, s, device)
				return nil, sanitizeError(err, sanitizer)
			}
			resp.Committed = true
			resp.Raw += "\n" + sanitizer.Sanitize(craw)
		}
		resp.Output = "ok"

		if op.CaptureDiff {
			after := a.snapshot(ctx, s, device, sanitizer)
			d := diff.Unified(before, after, a.cfg.MaxDiffBytes)
			resp.Diff = &d
		}
	}

	resp.Elapsed = time.Since(start)
	return resp, nil
}

// target picks the datastore for an edit. Without an explicit target the candidate
// is used when the device supports it.
func (a *Adapter) target(nc *domain.NetconfOp, s *session) string {
	if nc.Target != "" {
		return nc.Target
	}
	if s.HasCapability(CapCandidate) {
		return "candidate"
	}
	return "running"
}

// snapshot reads the whole running datastore. Failures yield nil.
func (a *Adapter) snapshot(ctx context.Context, s *session, device *domain.Device, sanitizer secrets.Sanitizer) *string {
	reply, _, err := s.GetConfig(ctx, "running", "")
	if err != nil || reply.Data == nil {
		a.logger.WarnContext(ctx, "netconf snapshot failed",
			slog.String("device", device.Name),
			slog.Any("error", err),
		)
		return nil
	}
	data := sanitizer.Sanitize(reply.data())
	return &data
}

func (a *Adapter) discard(ctx context.Context, s *session, device *domain.Device) {
	if err := s.Discard(ctx); err != nil {
		a.logger.WarnContext(ctx, "discarding candidate changes failed",
			slog.String("device", device.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (a *Adapter) connect(ctx context.Context, device *domain.Device) (*session, secrets.Sanitizer, error) {
	creds := device.Credentials
	if a.creds != nil {
		resolved, err := a.creds.ResolveCredentials(ctx, creds)
		if err != nil {
			return nil, secrets.Sanitizer{}, &transport.Error{
				Kind:     transport.KindAuthFailed,
				Protocol: domain.ProtocolNetconf,
				Op:       "credentials",
				Err:      err,
			}
		}
		creds = resolved
	}

	s, err := openSession(ctx, a.dial, device.NetconfAddr(), creds, a.cfg.Timeout, a.logger)
	if err != nil {
		return nil, secrets.Sanitizer{}, transport.Wrap(domain.ProtocolNetconf, "connect", err, "")
	}
	a.logger.DebugContext(ctx, "netconf session opened",
		slog.String("device", device.Name),
		slog.String("addr", device.NetconfAddr()),
		slog.Uint64("session_id", s.SessionID()),
		slog.String("version", s.drv.SelectedVersion),
	)
	return s, secrets.NewSanitizer(creds), nil
}

func sanitizeError(err error, sanitizer secrets.Sanitizer) error {
	var te *transport.Error
	if errors.As(err, &te) {
		te.Output = sanitizer.Sanitize(te.Output)
	}
	return err
}
