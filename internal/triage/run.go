package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
	"github.com/stellarlinkco/inboxclaw/internal/proposal"
)

// RunOptions controls which triage results become stored proposals.
type RunOptions struct {
	Limit         int
	MinConfidence float64
	DryRun        bool
}

// Created is a triage result stored as a proposal.
type Created struct {
	TriageProposal
	ID           string
	AutoApproved bool
}

// Skipped is a triage result that was not stored.
type Skipped struct {
	TriageProposal
	Reason string
}

// RunReport summarizes one Run.
type RunReport struct {
	Proposals []TriageProposal
	Created   []Created
	Skipped   []Skipped
	// Eligible holds the results a dry run would have stored.
	Eligible []TriageProposal
}

// Run triages and stores every result that clears the confidence cutoff.
// Entities were just fetched, so existence checks are skipped.
func (o *Orchestrator) Run(ctx context.Context, p config.Policy, opts RunOptions) (RunReport, error) {
	if opts.Limit <= 0 {
		opts.Limit = config.DefaultTriageLimit
	}

	results, err := o.Triage(ctx, opts.Limit)
	if err != nil {
		return RunReport{}, err
	}

	report := RunReport{Proposals: results}
	for _, tp := range results {
		if reason := o.skipReason(ctx, tp, opts.MinConfidence); reason != "" {
			report.Skipped = append(report.Skipped, Skipped{TriageProposal: tp, Reason: reason})
			continue
		}
		if opts.DryRun {
			report.Eligible = append(report.Eligible, tp)
			continue
		}

		res, err := o.ledger.Create(ctx, p, proposal.CreateInput{
			EntityType:     tp.Item.EntityType(),
			EntityID:       tp.Item.ItemID,
			Action:         tp.Action,
			Reasoning:      tp.Reasoning,
			AccountHint:    tp.Item.AccountID,
			Sender:         tp.Item.Sender,
			SkipValidation: true,
		})
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				report.Skipped = append(report.Skipped, Skipped{TriageProposal: tp, Reason: err.Error()})
				continue
			}
			return report, fmt.Errorf("create proposal for %s: %w", tp.Item.ItemID, err)
		}
		report.Created = append(report.Created, Created{TriageProposal: tp, ID: res.ID, AutoApproved: res.AutoApproved})
	}

	o.logger.Info("triage pass complete",
		"results", len(results),
		"created", len(report.Created),
		"skipped", len(report.Skipped),
		"dry_run", opts.DryRun,
	)
	return report, nil
}

func (o *Orchestrator) skipReason(ctx context.Context, tp TriageProposal, minConfidence float64) string {
	if tp.Action == domain.ActionIgnore {
		return "ignore"
	}
	if tp.Confidence < minConfidence {
		return fmt.Sprintf("confidence %.2f below %.2f", tp.Confidence, minConfidence)
	}
	entityType := tp.Item.EntityType()
	if !entityType.Allows(tp.Action) {
		return fmt.Sprintf("action %s is not allowed for %s", tp.Action, entityType)
	}
	if o.ledger != nil {
		open, err := o.ledger.HasOpen(ctx, entityType, tp.Item.ItemID, tp.Item.AccountID)
		if err != nil {
			o.logger.Warn("check open proposals", "entity_id", tp.Item.ItemID, "account", tp.Item.AccountID, "error", err)
		} else if open {
			return "already proposed"
		}
	}
	return ""
}
