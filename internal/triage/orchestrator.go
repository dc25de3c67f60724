// Package triage runs one pass over the unified inbox: resurface due
// snoozes, prefilter obvious noise, classify the rest in a single oracle
// batch and post-process the oracle's verdicts.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
	"github.com/stellarlinkco/inboxclaw/internal/oracle"
	"github.com/stellarlinkco/inboxclaw/internal/prefilter"
	"github.com/stellarlinkco/inboxclaw/internal/proposal"
	"github.com/stellarlinkco/inboxclaw/internal/snooze"
)

// Reasoning prefixes.
const (
	AutoPrefix     = "[auto] "
	PriorityPrefix = "[priority] "
)

const historyPerSender = 5

// Inbox returns up to limit items across every source, newest first.
type Inbox interface {
	FetchUnified(ctx context.Context, limit int) ([]domain.InboxItem, error)
}

// Snoozer is the part of the snooze scheduler triage needs.
type Snoozer interface {
	DueSnoozes(ctx context.Context) ([]domain.SnoozeEntry, error)
	MarkResurfaced(ctx context.Context, id string) (bool, error)
	ActiveKeys(ctx context.Context) (snooze.ActiveSet, error)
}

// ContactBook supplies priority contacts and prompt context.
type ContactBook interface {
	IsPriority(sender string) bool
	PromptContext(senders []string) string
}

// Ledger is the part of the proposal store triage needs.
type Ledger interface {
	Create(ctx context.Context, p config.Policy, in proposal.CreateInput) (proposal.CreateResult, error)
	HasOpen(ctx context.Context, entityType domain.EntityType, entityID, accountHint string) (bool, error)
	SenderHistory(ctx context.Context, sender string, limit int) ([]domain.Proposal, error)
}

// Origin tells which stage produced a proposal.
type Origin string

const (
	OriginPrefilter Origin = "prefilter"
	OriginOracle    Origin = "oracle"
)

// TriageProposal is a recommendation that has not been stored yet.
type TriageProposal struct {
	Item       domain.InboxItem
	Action     domain.Action
	Reasoning  string
	Confidence float64
	Origin     Origin
}

type Deps struct {
	Inbox    Inbox
	Snoozes  Snoozer
	Oracle   oracle.Classifier
	Contacts ContactBook
	Ledger   Ledger
	Logger   *slog.Logger
}

type Orchestrator struct {
	inbox    Inbox
	snoozes  Snoozer
	oracle   oracle.Classifier
	contacts ContactBook
	ledger   Ledger
	logger   *slog.Logger
}

func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default().With("component", "triage")
	}
	return &Orchestrator{
		inbox:    d.Inbox,
		snoozes:  d.Snoozes,
		oracle:   d.Oracle,
		contacts: d.Contacts,
		ledger:   d.Ledger,
		logger:   logger,
	}
}

// Triage returns prefilter proposals followed by oracle proposals. An oracle
// failure degrades to prefilter-only results.
func (o *Orchestrator) Triage(ctx context.Context, limit int) ([]TriageProposal, error) {
	items, err := o.inbox.FetchUnified(ctx, limit)
	if err != nil {
		return nil, &domain.CollaboratorError{Op: "fetch inbox", Err: err}
	}

	items, err = o.excludeSnoozed(ctx, items)
	if err != nil {
		return nil, err
	}

	var auto []TriageProposal
	var rest []domain.InboxItem
	for _, it := range items {
		if it.Source == domain.SourceMail {
			if v, ok := prefilter.Classify(it.Sender, it.Subject, it.Preview); ok {
				auto = append(auto, TriageProposal{
					Item:       it,
					Action:     v.Action,
					Reasoning:  AutoPrefix + v.Reason,
					Confidence: v.Confidence,
					Origin:     OriginPrefilter,
				})
				continue
			}
		}
		rest = append(rest, it)
	}

	if len(rest) == 0 || o.oracle == nil {
		return auto, nil
	}

	classified, err := o.oracle.Classify(ctx, o.buildRequest(ctx, rest))
	if err != nil {
		if errors.Is(err, oracle.ErrMalformedResponse) {
			o.logger.Warn("oracle response malformed, using prefilter results only", "error", err, "deferred", len(rest))
		} else {
			o.logger.Warn("oracle call failed, using prefilter results only", "error", err, "deferred", len(rest))
		}
		return auto, nil
	}

	return append(auto, o.postProcess(rest, classified)...), nil
}

func (o *Orchestrator) excludeSnoozed(ctx context.Context, items []domain.InboxItem) ([]domain.InboxItem, error) {
	if o.snoozes == nil {
		return items, nil
	}

	due, err := o.snoozes.DueSnoozes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load due snoozes: %w", err)
	}
	for _, e := range due {
		if _, err := o.snoozes.MarkResurfaced(ctx, e.ID); err != nil {
			return nil, fmt.Errorf("resurface snooze %s: %w", e.ID, err)
		}
		o.logger.Info("snooze resurfaced", "entity_type", e.EntityType, "entity_id", e.EntityID)
	}

	active, err := o.snoozes.ActiveKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active snoozes: %w", err)
	}
	kept := items[:0:0]
	for _, it := range items {
		if active.Covers(it.EntityType(), it.ItemID, it.AccountID) {
			continue
		}
		kept = append(kept, it)
	}
	return kept, nil
}

func (o *Orchestrator) buildRequest(ctx context.Context, items []domain.InboxItem) oracle.Request {
	req := oracle.Request{Items: items}

	var senders []string
	seen := make(map[string]bool)
	for _, it := range items {
		if it.Sender == "" || seen[it.Sender] {
			continue
		}
		seen[it.Sender] = true
		senders = append(senders, it.Sender)
	}

	if o.contacts != nil {
		req.Context = o.contacts.PromptContext(senders)
	}

	if o.ledger != nil {
		req.History = make(map[string][]string)
		for _, s := range senders {
			past, err := o.ledger.SenderHistory(ctx, s, historyPerSender)
			if err != nil {
				o.logger.Warn("load sender history", "sender", s, "error", err)
				continue
			}
			for _, p := range past {
				req.History[s] = append(req.History[s], describeDecision(p))
			}
		}
	}
	return req
}

func describeDecision(p domain.Proposal) string {
	line := fmt.Sprintf("%s was %s", p.Action, p.Status)
	if p.Status == domain.StatusApproved || p.Status == domain.StatusExecuted {
		line = fmt.Sprintf("%s was approved", p.Action)
	}
	if p.Correction != "" {
		line += fmt.Sprintf(", user preferred %s", p.Correction)
	}
	return line
}

func (o *Orchestrator) postProcess(batch []domain.InboxItem, classified []oracle.Classification) []TriageProposal {
	byKey := make(map[string]domain.InboxItem, len(batch))
	byItemID := make(map[string][]domain.InboxItem, len(batch))
	for _, it := range batch {
		byKey[it.Key()] = it
		byItemID[it.ItemID] = append(byItemID[it.ItemID], it)
	}

	out := make([]TriageProposal, 0, len(classified))
	used := make(map[string]bool)
	for _, c := range classified {
		it, ok := byKey[c.ID]
		if !ok {
			// A bare item id is accepted only while no other account shares it.
			if same := byItemID[c.ID]; len(same) == 1 {
				it, ok = same[0], true
			}
		}
		if !ok {
			o.logger.Debug("dropping oracle proposal for unknown or ambiguous item", "id", c.ID)
			continue
		}
		if used[it.Key()] {
			continue
		}
		used[it.Key()] = true

		tp := TriageProposal{
			Item:       it,
			Action:     c.Action,
			Reasoning:  c.Reasoning,
			Confidence: c.Confidence,
			Origin:     OriginOracle,
		}

		if score, reasons := prefilter.Urgency(it.Subject, it.Preview); score >= prefilter.UrgentThreshold &&
			tp.Action != domain.ActionFlag && tp.Action != domain.ActionDelete {
			tp.Reasoning = strings.TrimSpace(tp.Reasoning + fmt.Sprintf(" (urgency %.1f: %s)", score, strings.Join(reasons, ", ")))
		}

		if o.contacts != nil && tp.Action != domain.ActionFlag && o.contacts.IsPriority(it.Sender) {
			tp.Action = domain.ActionFlag
			tp.Reasoning = PriorityPrefix + it.Sender + " is a priority contact"
			tp.Confidence = 1.0
		}

		out = append(out, tp)
	}
	return out
}
