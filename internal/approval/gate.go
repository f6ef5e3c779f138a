package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/olav/internal/domain"
)

// DefaultTTL bounds how long an approval stays redeemable.
const DefaultTTL = 15 * time.Minute

// Ticket is returned by RequestApproval. Token is the durable continuation.
type Ticket struct {
	Request ApprovalRequest `json:"request"`
	Token   string          `json:"token"`
}

// Continuation is the outcome of Resume: the request to carry on with, or the
// reason to stop.
type Continuation struct {
	ApprovalID uuid.UUID
	Status     Status
	Decision   Decision
	Kind       domain.OperationKind
	// Original is the request as submitted for approval.
	Original domain.CommandRequest
	// Request is the request to execute. On edit its payload is the modified one.
	Request domain.CommandRequest
}

// Approved reports whether execution may proceed.
func (c *Continuation) Approved() bool {
	return c.Status == StatusApproved || c.Status == StatusEdited
}

// Edited reports whether the payload was replaced by the approver.
func (c *Continuation) Edited() bool { return c.Status == StatusEdited }

// Gate runs the request/resume protocol. It performs no device I/O and holds no
// credentials.
type Gate struct {
	store  Store
	signer *Signer
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func NewGate(store Store, signer *Signer, ttl time.Duration, logger *slog.Logger, opts ...Option) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Gate{
		store:  store,
		signer: signer,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TTL returns the lifetime of an approval.
func (g *Gate) TTL() time.Duration { return g.ttl }

// RequestApproval records a pending approval for req and returns its continuation token.
func (g *Gate) RequestApproval(ctx context.Context, req domain.CommandRequest, kind domain.OperationKind) (*Ticket, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := g.now().UTC().Truncate(time.Second)
	ar := ApprovalRequest{
		ID:          uuid.New(),
		Description: Describe(req, kind),
		Actions:     []Action{{Name: actionName(req.Payload), Payload: req.Payload}},
		Device:      req.Device,
		User:        req.User,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}
	token, err := g.signer.Issue(ar.ID, req, kind, ar.CreatedAt, ar.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := g.store.Create(ctx, &Record{Request: ar, Token: token, Status: StatusPending}); err != nil {
		return nil, fmt.Errorf("storing approval: %w", err)
	}

	g.logger.InfoContext(ctx, "approval requested",
		slog.String("approval_id", ar.ID.String()),
		slog.String("device", req.Device),
		slog.String("user", req.User),
		slog.String("action", ar.Actions[0].Name),
		slog.String("correlation_id", req.CorrelationID),
	)
	return &Ticket{Request: ar, Token: token}, nil
}

// Resume redeems token with decision d. A token is redeemable once; expired tokens
// transition the record to expired and return ErrExpired.
func (g *Gate) Resume(ctx context.Context, token string, d Decision) (*Continuation, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	claims, rec, err := g.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if d.Type == DecisionEdit && d.ModifiedPayload.Protocol() != claims.Request.Payload.Protocol() {
		return nil, fmt.Errorf("%w: edit cannot change protocol from %s to %s",
			ErrInvalidDecision, claims.Request.Payload.Protocol(), d.ModifiedPayload.Protocol())
	}

	now := g.now()
	if now.After(claims.ExpiresAt.Time) {
		if err := g.store.Resolve(ctx, rec.Request.ID, StatusExpired, nil, now); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			return nil, err
		}
		return nil, ErrExpired
	}

	status := d.status()
	if err := g.store.Resolve(ctx, rec.Request.ID, status, &d, now); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "approval resolved",
		slog.String("approval_id", rec.Request.ID.String()),
		slog.String("status", string(status)),
		slog.String("decided_by", d.DecidedBy),
	)

	c := &Continuation{
		ApprovalID: rec.Request.ID,
		Status:     status,
		Decision:   d,
		Kind:       claims.Kind,
		Original:   claims.Request,
		Request:    claims.Request,
	}
	if d.Type == DecisionEdit {
		c.Request = claims.Request.WithPayload(*d.ModifiedPayload)
	}
	return c, nil
}

// Expire closes a pending approval whose wait ran out.
func (g *Gate) Expire(ctx context.Context, token string) (*Continuation, error) {
	return g.close(ctx, token, StatusExpired, "approval timed out")
}

// Cancel closes a pending approval whose caller went away.
func (g *Gate) Cancel(ctx context.Context, token string) (*Continuation, error) {
	return g.close(ctx, token, StatusCancelled, "approval cancelled")
}

func (g *Gate) close(ctx context.Context, token string, status Status, reason string) (*Continuation, error) {
	claims, rec, err := g.load(ctx, token)
	if err != nil {
		return nil, err
	}
	d := Decision{Type: DecisionReject, Reason: reason}
	if err := g.store.Resolve(ctx, rec.Request.ID, status, &d, g.now()); err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "approval closed",
		slog.String("approval_id", rec.Request.ID.String()),
		slog.String("status", string(status)),
	)
	return &Continuation{
		ApprovalID: rec.Request.ID,
		Status:     status,
		Decision:   d,
		Kind:       claims.Kind,
		Original:   claims.Request,
		Request:    claims.Request,
	}, nil
}

// Inspect verifies a token and returns its continuation claims without resolving it.
func (g *Gate) Inspect(ctx context.Context, token string) (*Claims, *Record, error) {
	return g.load(ctx, token)
}

func (g *Gate) load(ctx context.Context, token string) (*Claims, *Record, error) {
	claims, err := g.signer.Parse(token)
	if err != nil {
		return nil, nil, err
	}
	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad id", ErrInvalidToken)
	}
	rec, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.Token != token {
		return nil, nil, fmt.Errorf("%w: token does not match approval %s", ErrInvalidToken, id)
	}
	if rec.Status.Terminal() {
		if rec.Status == StatusExpired {
			return nil, nil, ErrExpired
		}
		return nil, nil, ErrAlreadyResolved
	}
	return claims, rec, nil
}

// Get returns an approval record by id.
func (g *Gate) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return g.store.Get(ctx, id)
}

// Pending lists approvals awaiting a decision.
func (g *Gate) Pending(ctx context.Context) ([]Record, error) {
	return g.store.List(ctx, StatusPending)
}

// Describe renders the human-facing summary of a request.
func Describe(req domain.CommandRequest, kind domain.OperationKind) string {
	p := req.Payload
	switch {
	case p.Netconf != nil:
		target := p.Netconf.Target
		if target == "" {
			target = "candidate"
		}
		return fmt.Sprintf("NETCONF %s on %s (target %s)", p.Netconf.Operation, req.Device, target)
	case p.IsConfig():
		return fmt.Sprintf("Apply %d config line(s) on %s: %s", len(p.ConfigLines), req.Device, strings.Join(p.ConfigLines, "; "))
	default:
		return fmt.Sprintf("Run %s command on %s: %s", kind, req.Device, p.Command)
	}
}

func actionName(p domain.Payload) string {
	switch {
	case p.Netconf != nil:
		return "netconf_" + strings.ReplaceAll(string(p.Netconf.Operation), "-", "_")
	case p.IsConfig():
		return "cli_config"
	default:
		return "cli_command"
	}
}
