// Package cli drives network devices over an interactive SSH shell: prompt
// handling, privilege escalation, configuration sessions with before/after
// snapshots, and template-based parsing of show output.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/olav/internal/diff"
	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/privilege"
	"github.com/jkaninda/olav/internal/secrets"
	"github.com/jkaninda/olav/internal/transport"
)

// Config tunes the adapter.
type Config struct {
	Timeout      time.Duration
	MaxDiffBytes int
}

// Adapter implements transport.Adapter for SSH CLI devices.
type Adapter struct {
	cfg    Config
	priv   *privilege.Manager
	parser *Registry
	creds  transport.CredentialResolver
	dial   transport.SSHDialer
	logger *slog.Logger
}

type Option func(*Adapter)

// WithDialer replaces the SSH dialer.
func WithDialer(d transport.SSHDialer) Option {
	return func(a *Adapter) { a.dial = d }
}

// New creates a CLI adapter. parser and creds may be nil.
func New(cfg Config, priv *privilege.Manager, parser *Registry, creds transport.CredentialResolver, logger *slog.Logger, opts ...Option) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = transport.DefaultTimeout
	}
	if cfg.MaxDiffBytes <= 0 {
		cfg.MaxDiffBytes = diff.DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	if priv == nil {
		priv = privilege.NewManager(privilege.Config{}, logger)
	}
	a := &Adapter{
		cfg:    cfg,
		priv:   priv,
		parser: parser,
		creds:  creds,
		dial:   transport.DialSSH,
		logger: logger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Protocol() domain.Protocol { return domain.ProtocolCLI }

// Execute runs a command or a configuration sequence.
func (a *Adapter) Execute(ctx context.Context, device *domain.Device, op transport.Operation) (*transport.Response, error) {
	switch {
	case op.Payload.IsConfig():
		return a.ApplyConfig(ctx, device, op.Payload.ConfigLines, op.CaptureDiff)
	case strings.TrimSpace(op.Payload.Command) != "":
		return a.Query(ctx, device, op.Payload.Command, QueryOptions{Parse: op.Parse})
	default:
		return nil, &transport.Error{
			Kind:     transport.KindProtocol,
			Protocol: domain.ProtocolCLI,
			Op:       "execute",
			Err:      errors.New("cli payload needs a command or config lines"),
		}
	}
}

// QueryOptions control a single command.
type QueryOptions struct {
	Parse bool
	// Enable forces privileged mode regardless of the detected level.
	Enable bool
}

// Query runs one command. When parsing is requested and no template applies, or the
// template fails, the raw text is returned with Parsed unset.
func (a *Adapter) Query(ctx context.Context, device *domain.Device, command string, opts QueryOptions) (*transport.Response, error) {
	start := time.Now()
	conn, err := a.connect(ctx, device)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp := &transport.Response{}
	if resp.Privilege, resp.Escalated, err = a.escalate(ctx, conn, opts.Enable); err != nil {
		return nil, err
	}

	out, err := conn.Send(ctx, command)
	out = conn.sanitize(out)
	if err != nil {
		return nil, transport.Wrap(domain.ProtocolCLI, "query", err, out)
	}
	if line, bad := conn.profile.ErrorIn(out); bad {
		return nil, &transport.Error{
			Kind:     transport.KindProtocol,
			Protocol: domain.ProtocolCLI,
			Op:       "query",
			Output:   out,
			Err:      fmt.Errorf("device rejected %q: %s", command, line),
		}
	}

	resp.Raw = out
	resp.Output = out
	if opts.Parse {
		records, perr := a.parser.Parse(device.Platform, command, out)
		switch {
		case perr == nil:
			resp.Output = records
			resp.Parsed = true
		case IsParseFailure(perr):
			a.logger.DebugContext(ctx, "structured parse unavailable, returning raw output",
				slog.String("device", device.Name),
				slog.String("command", command),
				slog.String("reason", perr.Error()),
			)
		default:
			return nil, transport.Wrap(domain.ProtocolCLI, "parse", perr, out)
		}
	}
	resp.Elapsed = time.Since(start)
	return resp, nil
}

// ApplyConfig enters configuration mode and applies lines in order. A line the
// device rejects aborts the session: pending changes are discarded where the
// platform supports it and the transcript is returned in the error.
func (a *Adapter) ApplyConfig(ctx context.Context, device *domain.Device, lines []string, captureDiff bool) (*transport.Response, error) {
	start := time.Now()
	conn, err := a.connect(ctx, device)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp := &transport.Response{}
	if resp.Privilege, resp.Escalated, err = a.escalate(ctx, conn, false); err != nil {
		return nil, err
	}
	p := conn.profile

	var before *string
	if captureDiff {
		before = a.snapshot(ctx, conn, device)
	}

	var transcript strings.Builder
	record := func(cmd, out string) {
		fmt.Fprintf(&transcript, "%s\n", cmd)
		if out != "" {
			fmt.Fprintf(&transcript, "%s\n", out)
		}
	}
	fail := func(op string, err error) error {
		if p.ConfigAbort != "" {
			if out, aerr := conn.Send(ctx, p.ConfigAbort); aerr == nil {
				record(p.ConfigAbort, conn.sanitize(out))
			}
		}
		if p.ConfigExit != "" {
			_, _ = conn.Send(ctx, p.ConfigExit)
		}
		kind := transport.KindProtocol
		if k := transport.Classify(err); k == transport.KindTimeout || k == transport.KindConnectionRefused {
			kind = k
		}
		return &transport.Error{
			Kind:     kind,
			Protocol: domain.ProtocolCLI,
			Op:       op,
			Output:   strings.TrimRight(transcript.String(), "\n"),
			Err:      err,
		}
	}

	if p.ConfigEnter != "" {
		out, err := conn.Send(ctx, p.ConfigEnter)
		out = conn.sanitize(out)
		record(p.ConfigEnter, out)
		if err != nil {
			return nil, transport.Wrap(domain.ProtocolCLI, "configure", err, out)
		}
		if line, bad := p.ErrorIn(out); bad {
			return nil, fail("configure", fmt.Errorf("entering configuration mode: %s", line))
		}
	}

	for i, line := range lines {
		out, err := conn.Send(ctx, line)
		out = conn.sanitize(out)
		record(line, out)
		if err != nil {
			return nil, fail("configure", fmt.Errorf("line %d %q: %w", i+1, line, err))
		}
		if msg, bad := p.ErrorIn(out); bad {
			return nil, fail("configure", fmt.Errorf("line %d %q rejected: %s", i+1, line, msg))
		}
	}

	if p.ConfigCommit != "" {
		out, err := conn.Send(ctx, p.ConfigCommit)
		out = conn.sanitize(out)
		record(p.ConfigCommit, out)
		if err != nil {
			return nil, fail("commit", err)
		}
		if msg, bad := p.ErrorIn(out); bad {
			return nil, fail("commit", fmt.Errorf("commit failed: %s", msg))
		}
		resp.Committed = true
	}
	if p.ConfigExit != "" {
		out, err := conn.Send(ctx, p.ConfigExit)
		record(p.ConfigExit, conn.sanitize(out))
		if err != nil {
			return nil, transport.Wrap(domain.ProtocolCLI, "configure", err, transcript.String())
		}
	}

	if captureDiff {
		after := a.snapshot(ctx, conn, device)
		d := diff.Unified(before, after, a.cfg.MaxDiffBytes)
		resp.Diff = &d
	}

	resp.Raw = strings.TrimRight(transcript.String(), "\n")
	resp.Output = resp.Raw
	resp.Elapsed = time.Since(start)
	return resp, nil
}

// snapshot reads the running configuration. Failures yield nil.
func (a *Adapter) snapshot(ctx context.Context, c *conn, device *domain.Device) *string {
	if c.profile.RunningConfig == "" {
		return nil
	}
	out, err := c.Send(ctx, c.profile.RunningConfig)
	if err != nil {
		a.logger.WarnContext(ctx, "config snapshot failed",
			slog.String("device", device.Name),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if line, bad := c.profile.ErrorIn(out); bad {
		a.logger.WarnContext(ctx, "config snapshot rejected",
			slog.String("device", device.Name),
			slog.String("output", line),
		)
		return nil
	}
	out = c.sanitize(out)
	return &out
}

// escalate detects the privilege level and enters enable mode when the manager
// asks for it or force is set.
func (a *Adapter) escalate(ctx context.Context, c *conn, force bool) (*int, bool, error) {
	p := c.profile
	var level *int
	if p.PrivilegeQuery != "" {
		level = a.priv.GetPrivilegeLevel(ctx, c, p.PrivilegeQuery)
	}
	if p.EnableCommand == "" || !(force || a.priv.ShouldEscalate(level)) {
		return level, false, nil
	}

	a.logger.DebugContext(ctx, "escalating privilege", slog.String("device", c.device))
	if err := c.Enable(ctx, c.creds.EnableSecret); err != nil {
		kind := transport.Classify(err)
		if errors.Is(err, ErrEnableFailed) {
			kind = transport.KindAuthFailed
		}
		return level, false, &transport.Error{
			Kind:     kind,
			Protocol: domain.ProtocolCLI,
			Op:       "enable",
			Err:      errors.New(c.sanitize(err.Error())),
		}
	}
	if p.PrivilegeQuery != "" {
		level = a.priv.GetPrivilegeLevel(ctx, c, p.PrivilegeQuery)
	}
	return level, true, nil
}

// conn is an open session plus the material needed to scrub its output.
type conn struct {
	*session
	device    string
	creds     domain.Credentials
	sanitizer secrets.Sanitizer
}

func (c *conn) sanitize(s string) string { return c.sanitizer.Sanitize(s) }

func (a *Adapter) connect(ctx context.Context, device *domain.Device) (*conn, error) {
	creds := device.Credentials
	if a.creds != nil {
		resolved, err := a.creds.ResolveCredentials(ctx, creds)
		if err != nil {
			return nil, &transport.Error{
				Kind:     transport.KindAuthFailed,
				Protocol: domain.ProtocolCLI,
				Op:       "credentials",
				Err:      err,
			}
		}
		creds = resolved
	}

	profile := ProfileFor(device.Platform)
	s, err := openSession(ctx, a.dial, device.CLIAddr(), creds, profile, a.cfg.Timeout)
	if err != nil {
		return nil, transport.Wrap(domain.ProtocolCLI, "connect", err, "")
	}
	a.logger.DebugContext(ctx, "cli session opened",
		slog.String("device", device.Name),
		slog.String("addr", device.CLIAddr()),
		slog.String("platform", profile.Platform),
	)
	return &conn{session: s, device: device.Name, creds: creds, sanitizer: secrets.NewSanitizer(creds)}, nil
}
