// Package approval implements the two-phase human approval gate for state-changing
// device operations: RequestApproval issues a durable continuation token and Resume
// redeems it with a decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/olav/internal/domain"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
	ErrInvalidToken    = errors.New("invalid approval token")
	ErrInvalidDecision = errors.New("invalid approval decision")
)

// Status represents the state of an approval record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusEdited    Status = "edited"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s != StatusPending }

// DecisionType is the human verdict.
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionReject  DecisionType = "reject"
	DecisionEdit    DecisionType = "edit"
)

// Decision is one approver's answer.
type Decision struct {
	Type            DecisionType    `json:"type" yaml:"type"`
	ModifiedPayload *domain.Payload `json:"modified_payload,omitempty" yaml:"modified_payload,omitempty"`
	Reason          string          `json:"reason,omitempty" yaml:"reason,omitempty"`
	DecidedBy       string          `json:"decided_by,omitempty" yaml:"decided_by,omitempty"`
}

// Validate checks the decision shape. An edit must carry a valid replacement payload.
func (d Decision) Validate() error {
	switch d.Type {
	case DecisionApprove, DecisionReject:
		return nil
	case DecisionEdit:
		if d.ModifiedPayload == nil {
			return fmt.Errorf("%w: edit requires a modified payload", ErrInvalidDecision)
		}
		if err := d.ModifiedPayload.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDecision, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDecision, d.Type)
	}
}

func (d Decision) status() Status {
	switch d.Type {
	case DecisionApprove:
		return StatusApproved
	case DecisionEdit:
		return StatusEdited
	default:
		return StatusRejected
	}
}

// Action is one operation awaiting sign-off.
type Action struct {
	Name    string         `json:"name"`
	Payload domain.Payload `json:"payload"`
}

// ApprovalRequest is what a human is asked to decide on.
type ApprovalRequest struct {
	ID          uuid.UUID `json:"id"`
	Description string    `json:"description"`
	Actions     []Action  `json:"actions"`
	Device      string    `json:"device"`
	User        string    `json:"user,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Response is the set of decisions returned by a decision source.
type Response struct {
	Decisions []Decision `json:"decisions"`
}

// Collapse reduces the response to a single decision: any reject wins, then the
// first edit, otherwise approve.
func (r Response) Collapse() (Decision, error) {
	if len(r.Decisions) == 0 {
		return Decision{}, fmt.Errorf("%w: no decisions", ErrInvalidDecision)
	}
	var edit *Decision
	for i := range r.Decisions {
		d := r.Decisions[i]
		if err := d.Validate(); err != nil {
			return Decision{}, err
		}
		switch d.Type {
		case DecisionReject:
			return d, nil
		case DecisionEdit:
			if edit == nil {
				edit = &d
			}
		}
	}
	if edit != nil {
		return *edit, nil
	}
	return r.Decisions[0], nil
}

// Record is the persisted state of one approval.
type Record struct {
	Request    ApprovalRequest `json:"request"`
	Token      string          `json:"token"`
	Status     Status          `json:"status"`
	Decision   *Decision       `json:"decision,omitempty"`
	ResolvedAt time.Time       `json:"resolved_at,omitempty"`
}

// Store is the persistence contract for approval records.
// Implementations must enforce the state machine: a record leaves pending exactly
// once, and a terminal status is immutable.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	// Resolve transitions a pending record. It returns ErrAlreadyResolved when the
	// record is no longer pending.
	Resolve(ctx context.Context, id uuid.UUID, status Status, d *Decision, at time.Time) error
	// List returns records with the given status, or all records when status is empty.
	List(ctx context.Context, status Status) ([]Record, error)
	// ExpireOld marks pending records whose expiry is before now as expired.
	ExpireOld(ctx context.Context, now time.Time) (int, error)
	// DeleteResolved removes terminal records created before the cutoff.
	DeleteResolved(ctx context.Context, before time.Time) (int, error)
}
