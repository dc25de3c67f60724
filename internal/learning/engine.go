// Package learning turns the decision history into per-action trust.
// It is frequency accounting over human decisions, not a trained model.
package learning

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

// DecisionSource supplies the full decision history.
type DecisionSource interface {
	Decisions(ctx context.Context) ([]domain.DecisionRecord, error)
}

// CorrectionPair is one observed (proposed, corrected) outcome.
type CorrectionPair struct {
	Original  domain.Action
	Corrected string
}

// ActionStats aggregates human decisions for one proposed action.
type ActionStats struct {
	Action      domain.Action
	Total       int
	Approved    int
	Rejected    int
	Corrected   int
	Accuracy    float64
	Corrections []CorrectionPair
}

// CorrectionPattern counts how often one action was corrected to another.
type CorrectionPattern struct {
	Original  domain.Action
	Corrected string
	Count     int
}

// ComputeStats groups records by proposed action. Auto-approved decisions
// are skipped: only human outcomes count towards accuracy.
func ComputeStats(records []domain.DecisionRecord) map[domain.Action]ActionStats {
	stats := make(map[domain.Action]ActionStats)
	for _, r := range records {
		if r.UserDecision == domain.DecisionAutoApproved {
			continue
		}
		s := stats[r.ProposedAction]
		s.Action = r.ProposedAction
		switch r.UserDecision {
		case domain.DecisionApproved:
			s.Approved++
		case domain.DecisionRejected:
			s.Rejected++
		case domain.DecisionRejectedWithCorrection:
			s.Corrected++
			s.Corrections = append(s.Corrections, CorrectionPair{Original: r.ProposedAction, Corrected: r.Correction})
		default:
			continue
		}
		s.Total++
		stats[r.ProposedAction] = s
	}
	for action, s := range stats {
		if s.Total > 0 {
			s.Accuracy = float64(s.Approved) / float64(s.Total)
		}
		stats[action] = s
	}
	return stats
}

// Qualifies applies the auto-approval gate in order: enabled, action
// allow-list, sample count, accuracy. Unset or non-positive Threshold and
// MinSamples fall back to the defaults.
func Qualifies(cfg config.AutoApproveConfig, action domain.Action, s ActionStats) bool {
	if !cfg.Enabled {
		return false
	}
	if len(cfg.Actions) > 0 && !slices.Contains(cfg.Actions, string(action)) {
		return false
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = config.DefaultAutoMinSamples
	}
	if s.Total < minSamples {
		return false
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = config.DefaultAutoThreshold
	}
	return s.Accuracy >= threshold
}

type Engine struct {
	source DecisionSource
}

func NewEngine(source DecisionSource) *Engine {
	return &Engine{source: source}
}

// Stats recomputes per-action statistics from the full history.
func (e *Engine) Stats(ctx context.Context) (map[domain.Action]ActionStats, error) {
	records, err := e.source.Decisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load decisions: %w", err)
	}
	return ComputeStats(records), nil
}

// ShouldAutoApprove reports whether action has earned automatic approval
// under p. There is no decay: old decisions weigh as much as new ones.
func (e *Engine) ShouldAutoApprove(ctx context.Context, p config.Policy, action domain.Action) (bool, error) {
	if !p.AutoApprove.Enabled {
		return false, nil
	}
	stats, err := e.Stats(ctx)
	if err != nil {
		return false, err
	}
	return Qualifies(p.AutoApprove, action, stats[action]), nil
}

// CorrectionPatterns lists corrections most frequent first, ties broken by
// original then corrected action.
func (e *Engine) CorrectionPatterns(ctx context.Context) ([]CorrectionPattern, error) {
	stats, err := e.Stats(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[CorrectionPair]int)
	for _, s := range stats {
		for _, pair := range s.Corrections {
			counts[pair]++
		}
	}

	patterns := make([]CorrectionPattern, 0, len(counts))
	for pair, n := range counts {
		patterns = append(patterns, CorrectionPattern{Original: pair.Original, Corrected: pair.Corrected, Count: n})
	}
	sort.Slice(patterns, func(i, j int) bool {
		a, b := patterns[i], patterns[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Original != b.Original {
			return a.Original < b.Original
		}
		return a.Corrected < b.Corrected
	})
	return patterns, nil
}
