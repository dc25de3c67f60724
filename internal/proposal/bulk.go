package proposal

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

// Runner performs the provider-side effect of an approved proposal.
type Runner interface {
	ExecuteAction(ctx context.Context, p domain.Proposal) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, p domain.Proposal) error

func (f RunnerFunc) ExecuteAction(ctx context.Context, p domain.Proposal) error {
	return f(ctx, p)
}

// ItemResult is the per-proposal outcome of a bulk operation.
type ItemResult struct {
	Proposal domain.Proposal
	OK       bool
	Err      error
}

// ApproveMatching approves every pending proposal, or only those proposing
// action when it is set.
func (s *Store) ApproveMatching(ctx context.Context, action domain.Action, reasoning string) ([]ItemResult, error) {
	return s.eachPending(ctx, action, func(p domain.Proposal) (bool, error) {
		return s.Approve(ctx, p.ID, reasoning)
	})
}

// RejectMatching rejects every pending proposal, or only those proposing
// action. A correction illegal for one entity type fails only that item.
func (s *Store) RejectMatching(ctx context.Context, action domain.Action, reasoning, correction string) ([]ItemResult, error) {
	return s.eachPending(ctx, action, func(p domain.Proposal) (bool, error) {
		return s.Reject(ctx, p.ID, reasoning, correction)
	})
}

func (s *Store) eachPending(ctx context.Context, action domain.Action, fn func(domain.Proposal) (bool, error)) ([]ItemResult, error) {
	pending, err := s.List(ctx, Filter{Status: domain.StatusPending, Action: action})
	if err != nil {
		return nil, err
	}
	results := make([]ItemResult, 0, len(pending))
	for _, p := range pending {
		ok, err := fn(p)
		results = append(results, ItemResult{Proposal: p, OK: ok, Err: err})
	}
	return results, nil
}

// ExecuteApproved runs every approved proposal through r, oldest first, and
// records the execution of those that succeed.
func (s *Store) ExecuteApproved(ctx context.Context, r Runner) ([]ItemResult, error) {
	approved, err := s.List(ctx, Filter{Status: domain.StatusApproved})
	if err != nil {
		return nil, err
	}

	results := make([]ItemResult, 0, len(approved))
	for i := len(approved) - 1; i >= 0; i-- {
		p := approved[i]
		if err := ctx.Err(); err != nil {
			results = append(results, ItemResult{Proposal: p, Err: err})
			continue
		}
		if err := r.ExecuteAction(ctx, p); err != nil {
			var violation *domain.PolicyViolation
			if !errors.As(err, &violation) && !errors.Is(err, domain.ErrCollaborator) {
				err = &domain.CollaboratorError{Op: fmt.Sprintf("execute %s on %s %s", p.Action, p.EntityType, p.EntityID), Err: err}
			}
			results = append(results, ItemResult{Proposal: p, Err: err})
			continue
		}
		ok, err := s.Execute(ctx, p.ID)
		results = append(results, ItemResult{Proposal: p, OK: ok, Err: err})
	}
	return results, nil
}

// Summarize counts successes and failures.
func Summarize(results []ItemResult) (ok, failed int) {
	for _, r := range results {
		if r.OK {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}
