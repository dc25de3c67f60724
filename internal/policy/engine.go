// Package policy evaluates outbound-send guardrails. The engine holds no
// policy state: every call receives the Policy value loaded for the pass.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

// SendCounter reports how many sends happened since an instant.
type SendCounter interface {
	SendsSince(ctx context.Context, since time.Time) (int, error)
}

// ApprovalLookup returns the approval time of a draft or proposal, nil when unapproved.
type ApprovalLookup interface {
	ApprovedAt(ctx context.Context, id string) (*time.Time, error)
}

// Decision is the outcome of ValidateSend.
type Decision struct {
	Allowed bool
	Reasons []string
}

// Err returns a *domain.PolicyViolation listing every reason, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.PolicyViolation{Reasons: append([]string(nil), d.Reasons...)}
}

type Engine struct {
	sends     SendCounter
	approvals ApprovalLookup
	now       func() time.Time
}

func NewEngine(sends SendCounter, approvals ApprovalLookup) *Engine {
	return &Engine{sends: sends, approvals: approvals, now: time.Now}
}

// SetClock overrides the time source ValidateSend uses for the daily window.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// RecipientAllowed is open when both allowlists are empty.
func (e *Engine) RecipientAllowed(p config.Policy, addr string) (bool, string) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(p.AllowedRecipients) == 0 && len(p.AllowedDomains) == 0 {
		return true, ""
	}
	for _, r := range p.AllowedRecipients {
		if strings.EqualFold(strings.TrimSpace(r), addr) {
			return true, ""
		}
	}
	domainPart := ""
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		domainPart = addr[at+1:]
	}
	for _, d := range p.AllowedDomains {
		if domainPart != "" && strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(d), "@"), domainPart) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("recipient %s is not in the allowed recipients or domains", addr)
}

// WithinDailySendLimit counts sends since local midnight. A cap of zero or
// less disables the limit.
func (e *Engine) WithinDailySendLimit(ctx context.Context, p config.Policy, now time.Time) (bool, string, error) {
	if p.MaxDailySends <= 0 {
		return true, "", nil
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sent, err := e.sends.SendsSince(ctx, midnight)
	if err != nil {
		return false, "", fmt.Errorf("count sends: %w", err)
	}
	if sent >= p.MaxDailySends {
		return false, fmt.Sprintf("daily send limit reached (%d/%d)", sent, p.MaxDailySends), nil
	}
	return true, "", nil
}

func (e *Engine) RequiresApproval(p config.Policy) bool {
	return p.RequireApproval
}

// ValidateSend checks every rule and reports all failures, not just the first.
func (e *Engine) ValidateSend(ctx context.Context, p config.Policy, id, to string) (Decision, error) {
	var reasons []string

	if ok, reason := e.RecipientAllowed(p, to); !ok {
		reasons = append(reasons, reason)
	}

	ok, reason, err := e.WithinDailySendLimit(ctx, p, e.now())
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		reasons = append(reasons, reason)
	}

	if e.RequiresApproval(p) {
		approvedAt, err := e.approvals.ApprovedAt(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			reasons = append(reasons, fmt.Sprintf("%s not found; approval required", id))
		case err != nil:
			return Decision{}, fmt.Errorf("check approval: %w", err)
		case approvedAt == nil:
			reasons = append(reasons, fmt.Sprintf("%s has not been approved", id))
		}
	}

	return Decision{Allowed: len(reasons) == 0, Reasons: reasons}, nil
}
