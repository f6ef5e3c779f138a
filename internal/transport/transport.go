// Package transport defines the contract every device transport implements and the
// error taxonomy the sandbox uses to report transport failures.
package transport

import (
	"context"
	"time"

	"github.com/jkaninda/olav/internal/diff"
	"github.com/jkaninda/olav/internal/domain"
)

// Operation is what the sandbox asks a transport to do.
type Operation struct {
	Kind        domain.OperationKind
	Payload     domain.Payload
	CaptureDiff bool
	// Parse requests structured output where the transport supports it.
	Parse bool
}

// Response is a successful transport result.
type Response struct {
	// Output is structured records when Parsed is true, otherwise the raw text (CLI) or data XML (NETCONF).
	Output    any
	Raw       string
	Parsed    bool
	Privilege *int
	Escalated bool
	Diff      *diff.Result
	Committed bool
	Elapsed   time.Duration
}

// Adapter is implemented by each protocol. Implementations open one connection per
// call and hold no state between calls.
type Adapter interface {
	Protocol() domain.Protocol
	Execute(ctx context.Context, device *domain.Device, op Operation) (*Response, error)
}

// CredentialResolver turns credential references into usable secrets.
type CredentialResolver interface {
	ResolveCredentials(ctx context.Context, c domain.Credentials) (domain.Credentials, error)
}
