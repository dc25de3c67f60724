// Package source adapts mail and chat providers to the triage core: it
// fetches the unified inbox, checks that entities still exist and performs
// the provider side effect of approved proposals.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

// Source is one provider account.
type Source interface {
	Name() string
	Kind() domain.Source
	Fetch(ctx context.Context, limit int) ([]domain.InboxItem, error)
	Exists(ctx context.Context, entityType domain.EntityType, entityID string) (bool, error)
	Execute(ctx context.Context, entityType domain.EntityType, entityID string, action domain.Action) error
}

// DraftSender sends or discards drafts. Recipient reports where a draft
// would go so the send policy can be checked first.
type DraftSender interface {
	Recipient(ctx context.Context, draftID, account string) (string, error)
	SendDraft(ctx context.Context, draftID, account string) error
	DiscardDraft(ctx context.Context, draftID, account string) error
}

// ErrNoDraftSender is returned for draft actions when no sender is configured.
var ErrNoDraftSender = errors.New("no draft sender configured")

// Unified merges several sources into one inbox.
type Unified struct {
	sources []Source
	drafts  DraftSender
	logger  *slog.Logger
}

func NewUnified(drafts DraftSender, sources ...Source) *Unified {
	return &Unified{
		sources: sources,
		drafts:  drafts,
		logger:  slog.Default().With("component", "source"),
	}
}

// Sources returns the configured sources.
func (u *Unified) Sources() []Source {
	return u.sources
}

// FetchUnified returns up to limit items across sources, newest first. A
// failing source is skipped; the call fails only when every source fails.
func (u *Unified) FetchUnified(ctx context.Context, limit int) ([]domain.InboxItem, error) {
	var all []domain.InboxItem
	var errs []error
	for _, s := range u.sources {
		items, err := s.Fetch(ctx, limit)
		if err != nil {
			u.logger.Warn("fetch failed", "source", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		all = append(all, items...)
	}
	if len(errs) > 0 && len(errs) == len(u.sources) {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// EntityExists checks the source named by accountHint, or every source of
// the matching kind when no hint is given.
func (u *Unified) EntityExists(ctx context.Context, entityType domain.EntityType, entityID, accountHint string) (bool, error) {
	if entityType == domain.EntityDraft {
		if u.drafts == nil {
			return false, ErrNoDraftSender
		}
		_, err := u.drafts.Recipient(ctx, entityID, accountHint)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}

	candidates, err := u.route(entityType, accountHint)
	if err != nil {
		return false, err
	}
	for _, s := range candidates {
		ok, err := s.Exists(ctx, entityType, entityID)
		if err != nil {
			return false, fmt.Errorf("%s: %w", s.Name(), err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// ExecuteAction performs the provider side effect of p.
func (u *Unified) ExecuteAction(ctx context.Context, p domain.Proposal) error {
	if p.EntityType == domain.EntityDraft {
		if u.drafts == nil {
			return ErrNoDraftSender
		}
		switch p.Action {
		case domain.ActionSend:
			return u.drafts.SendDraft(ctx, p.EntityID, p.AccountHint)
		case domain.ActionDiscard:
			return u.drafts.DiscardDraft(ctx, p.EntityID, p.AccountHint)
		default:
			return domain.NewValidationError("action", fmt.Sprintf("action %q is not allowed for draft", p.Action))
		}
	}

	candidates, err := u.route(p.EntityType, p.AccountHint)
	if err != nil {
		return err
	}
	if len(candidates) != 1 {
		return fmt.Errorf("%s %s: account hint required, %d sources could own it", p.EntityType, p.EntityID, len(candidates))
	}
	return candidates[0].Execute(ctx, p.EntityType, p.EntityID, p.Action)
}

// Recipient exposes the draft sender for the send policy gate.
func (u *Unified) Recipient(ctx context.Context, draftID, account string) (string, error) {
	if u.drafts == nil {
		return "", ErrNoDraftSender
	}
	return u.drafts.Recipient(ctx, draftID, account)
}

func (u *Unified) route(entityType domain.EntityType, accountHint string) ([]Source, error) {
	kind := domain.SourceMail
	if entityType == domain.EntityChatMessage {
		kind = domain.SourceChat
	}
	var out []Source
	for _, s := range u.sources {
		if s.Kind() != kind {
			continue
		}
		if accountHint != "" && s.Name() != accountHint {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		if accountHint != "" {
			return nil, fmt.Errorf("no %s source named %q", kind, accountHint)
		}
		return nil, fmt.Errorf("no %s source configured", kind)
	}
	return out, nil
}
