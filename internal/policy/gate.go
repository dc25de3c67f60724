package policy

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

// ActionRunner performs the provider side effect of a proposal.
type ActionRunner interface {
	ExecuteAction(ctx context.Context, p domain.Proposal) error
}

// RecipientLookup reports where a draft would be sent.
type RecipientLookup interface {
	Recipient(ctx context.Context, draftID, account string) (string, error)
}

// Gate checks draft sends against the policy before handing any proposal
// to the next runner. Other actions pass straight through.
type Gate struct {
	engine     *Engine
	policy     config.Policy
	recipients RecipientLookup
	next       ActionRunner
}

func NewGate(engine *Engine, p config.Policy, recipients RecipientLookup, next ActionRunner) *Gate {
	return &Gate{engine: engine, policy: p, recipients: recipients, next: next}
}

func (g *Gate) ExecuteAction(ctx context.Context, p domain.Proposal) error {
	if p.EntityType == domain.EntityDraft && p.Action == domain.ActionSend {
		to, err := g.recipients.Recipient(ctx, p.EntityID, p.AccountHint)
		if err != nil {
			return fmt.Errorf("look up draft recipient: %w", err)
		}
		d, err := g.engine.ValidateSend(ctx, g.policy, p.ID, to)
		if err != nil {
			return fmt.Errorf("validate send: %w", err)
		}
		if err := d.Err(); err != nil {
			return err
		}
	}
	return g.next.ExecuteAction(ctx, p)
}
