package approval

import "context"

// Source supplies human decisions. Decide blocks until a decision is available or
// ctx is done.
type Source interface {
	Decide(ctx context.Context, req ApprovalRequest) (Response, error)
}

// StaticSource answers every request with the same decision.
type StaticSource Decision

func (s StaticSource) Decide(_ context.Context, _ ApprovalRequest) (Response, error) {
	return Response{Decisions: []Decision{Decision(s)}}, nil
}

// FuncSource adapts a function to Source.
type FuncSource func(ctx context.Context, req ApprovalRequest) (Response, error)

func (f FuncSource) Decide(ctx context.Context, req ApprovalRequest) (Response, error) {
	return f(ctx, req)
}
