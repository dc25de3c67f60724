// Package proposal owns the proposal ledger and its state machine:
// pending -> approved|rejected, approved -> executed. Rows are never deleted.
package proposal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/stellarlinkco/inboxclaw/internal/audit"
	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
	"github.com/stellarlinkco/inboxclaw/internal/store"
)

const table = "proposals"

var columns = []string{
	"id", "entity_type", "entity_id", "proposed_action", "agent_reasoning", "account_hint", "sender",
	"proposed_at", "status", "approved_at", "approved_by", "user_reasoning", "rejected_at", "correction", "executed_at",
}

// EntityChecker confirms an entity still exists at its provider.
type EntityChecker interface {
	EntityExists(ctx context.Context, entityType domain.EntityType, entityID, accountHint string) (bool, error)
}

// AutoApprover decides whether an action has earned automatic approval.
type AutoApprover interface {
	ShouldAutoApprove(ctx context.Context, p config.Policy, action domain.Action) (bool, error)
}

// CreateInput describes a new proposal.
type CreateInput struct {
	EntityType     domain.EntityType
	EntityID       string
	Action         domain.Action
	Reasoning      string
	AccountHint    string
	Sender         string
	SkipValidation bool
}

type CreateResult struct {
	ID           string
	AutoApproved bool
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status     domain.Status
	Action     domain.Action
	EntityType domain.EntityType
	Limit      int
}

type Store struct {
	db      *store.DB
	audit   *audit.Log
	learner AutoApprover
	checker EntityChecker
	now     func() time.Time
}

func NewStore(db *store.DB, log *audit.Log, learner AutoApprover, checker EntityChecker) *Store {
	return &Store{db: db, audit: log, learner: learner, checker: checker, now: time.Now}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Create validates and records a proposal. When the learning engine trusts
// the action it is stored already approved by "auto".
func (s *Store) Create(ctx context.Context, p config.Policy, in CreateInput) (CreateResult, error) {
	in.EntityID = strings.TrimSpace(in.EntityID)
	if err := validateCreate(in); err != nil {
		return CreateResult{}, err
	}

	if !in.SkipValidation {
		if s.checker == nil {
			return CreateResult{}, &domain.CollaboratorError{Op: "check entity", Err: errors.New("no entity checker configured")}
		}
		exists, err := s.checker.EntityExists(ctx, in.EntityType, in.EntityID, in.AccountHint)
		if err != nil {
			return CreateResult{}, &domain.CollaboratorError{Op: "check entity", Err: err}
		}
		if !exists {
			return CreateResult{}, fmt.Errorf("%s %s: %w", in.EntityType, in.EntityID, domain.ErrNotFound)
		}
	}

	auto, err := s.learner.ShouldAutoApprove(ctx, p, in.Action)
	if err != nil {
		return CreateResult{}, fmt.Errorf("check auto-approval: %w", err)
	}

	now := s.now()
	id := uuid.NewString()
	status := domain.StatusPending
	var approvedAt *time.Time
	var approvedBy domain.Approver
	if auto {
		status = domain.StatusApproved
		approvedAt = &now
		approvedBy = domain.ApprovedByAuto
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO proposals (id, entity_type, entity_id, proposed_action, agent_reasoning, account_hint, sender,
				proposed_at, status, approved_at, approved_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, string(in.EntityType), in.EntityID, string(in.Action), in.Reasoning, in.AccountHint, in.Sender,
			store.FormatTime(now), string(status), store.NullTime(approvedAt), string(approvedBy))
		if err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}

		meta := map[string]any{
			audit.MetaProposalID:     id,
			audit.MetaAgentReasoning: in.Reasoning,
			audit.MetaAccountHint:    in.AccountHint,
		}
		if err := s.audit.AppendTx(ctx, tx, audit.Entry{
			Action:         audit.ActionPropose,
			EntityType:     in.EntityType,
			EntityID:       in.EntityID,
			ProposedAction: in.Action,
			Reasoning:      in.Reasoning,
			Metadata:       meta,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if !auto {
			return nil
		}
		return s.audit.AppendTx(ctx, tx, audit.Entry{
			Action:         audit.ActionAutoApprove,
			EntityType:     in.EntityType,
			EntityID:       in.EntityID,
			ProposedAction: in.Action,
			UserDecision:   domain.DecisionAutoApproved,
			Metadata:       meta,
			CreatedAt:      now,
		})
	})
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{ID: id, AutoApproved: auto}, nil
}

func validateCreate(in CreateInput) error {
	verr := &domain.ValidationError{}
	if !in.EntityType.Valid() {
		verr.Errors = append(verr.Errors, domain.FieldError{Field: "entity_type", Message: fmt.Sprintf("unknown entity type %q", in.EntityType)})
	}
	if in.EntityID == "" {
		verr.Errors = append(verr.Errors, domain.FieldError{Field: "entity_id", Message: "entity id is required"})
	}
	if in.Action == "" {
		verr.Errors = append(verr.Errors, domain.FieldError{Field: "action", Message: "action is required"})
	} else if in.EntityType.Valid() && !in.EntityType.Allows(in.Action) {
		verr.Errors = append(verr.Errors, domain.FieldError{
			Field:   "action",
			Message: fmt.Sprintf("action %q is not allowed for %s", in.Action, in.EntityType),
		})
	}
	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

// Resolve maps an id or unique id prefix to the full proposal id.
func (s *Store) Resolve(ctx context.Context, ref string) (string, error) {
	return store.ResolveID(ctx, s.db.SQL(), table, ref)
}

// Get returns the proposal for ref.
func (s *Store) Get(ctx context.Context, ref string) (domain.Proposal, error) {
	id, err := s.Resolve(ctx, ref)
	if err != nil {
		return domain.Proposal{}, err
	}
	return getTx(ctx, s.db.SQL(), id)
}

// ApprovedAt reports when ref was approved, nil while it is not.
func (s *Store) ApprovedAt(ctx context.Context, ref string) (*time.Time, error) {
	p, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.ApprovedAt, nil
}

// Approve moves a pending proposal to approved. Any other state reports false.
func (s *Store) Approve(ctx context.Context, ref, reasoning string) (bool, error) {
	return s.transition(ctx, ref, func(tx *sql.Tx, p domain.Proposal, now time.Time) (bool, error) {
		if p.Status != domain.StatusPending {
			return false, nil
		}
		ok, err := guardedUpdate(ctx, tx, p.ID, domain.StatusPending, `
			UPDATE proposals SET status = ?, approved_at = ?, approved_by = ?, user_reasoning = ?
			WHERE id = ? AND status = ?
		`, string(domain.StatusApproved), store.FormatTime(now), string(domain.ApprovedByUser), reasoning)
		if err != nil || !ok {
			return ok, err
		}
		return true, s.audit.AppendTx(ctx, tx, decisionEntry(p, audit.ActionApprove, domain.DecisionApproved, reasoning, "", now))
	})
}

// Reject moves a pending proposal to rejected. A non-empty correction must be
// a legal action for the proposal's entity type.
func (s *Store) Reject(ctx context.Context, ref, reasoning, correction string) (bool, error) {
	return s.transition(ctx, ref, func(tx *sql.Tx, p domain.Proposal, now time.Time) (bool, error) {
		corrected, err := normalizeCorrection(p.EntityType, correction)
		if err != nil {
			return false, err
		}
		if p.Status != domain.StatusPending {
			return false, nil
		}
		ok, err := guardedUpdate(ctx, tx, p.ID, domain.StatusPending, `
			UPDATE proposals SET status = ?, rejected_at = ?, user_reasoning = ?, correction = ?
			WHERE id = ? AND status = ?
		`, string(domain.StatusRejected), store.FormatTime(now), reasoning, corrected)
		if err != nil || !ok {
			return ok, err
		}
		decision := domain.DecisionRejected
		if corrected != "" {
			decision = domain.DecisionRejectedWithCorrection
		}
		return true, s.audit.AppendTx(ctx, tx, decisionEntry(p, audit.ActionReject, decision, reasoning, corrected, now))
	})
}

// Execute records that the provider side effect of an approved proposal
// happened. Only approved proposals can be executed.
func (s *Store) Execute(ctx context.Context, ref string) (bool, error) {
	return s.transition(ctx, ref, func(tx *sql.Tx, p domain.Proposal, now time.Time) (bool, error) {
		if p.Status != domain.StatusApproved {
			return false, nil
		}
		ok, err := guardedUpdate(ctx, tx, p.ID, domain.StatusApproved, `
			UPDATE proposals SET status = ?, executed_at = ?
			WHERE id = ? AND status = ?
		`, string(domain.StatusExecuted), store.FormatTime(now))
		if err != nil || !ok {
			return ok, err
		}
		return true, s.audit.AppendTx(ctx, tx, audit.Entry{
			Action:         audit.ActionExecute,
			EntityType:     p.EntityType,
			EntityID:       p.EntityID,
			ProposedAction: p.Action,
			CreatedAt:      now,
			Metadata: map[string]any{
				audit.MetaProposalID:     p.ID,
				audit.MetaAgentReasoning: p.AgentReasoning,
				audit.MetaAccountHint:    p.AccountHint,
			},
		})
	})
}

type transitionFunc func(tx *sql.Tx, p domain.Proposal, now time.Time) (bool, error)

func (s *Store) transition(ctx context.Context, ref string, fn transitionFunc) (bool, error) {
	var changed bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := store.ResolveID(ctx, tx, table, ref)
		if err != nil {
			return err
		}
		p, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		changed, err = fn(tx, p, s.now())
		return err
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// guardedUpdate runs query with (id, from) appended to args, so a racing
// second transition matches no row and becomes a no-op.
func guardedUpdate(ctx context.Context, tx *sql.Tx, id string, from domain.Status, query string, args ...any) (bool, error) {
	args = append(args, id, string(from))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update proposal: %w", err)
	}
	return n == 1, nil
}

func normalizeCorrection(entityType domain.EntityType, correction string) (string, error) {
	correction = strings.TrimSpace(correction)
	if correction == "" {
		return "", nil
	}
	action, err := domain.ParseAction(correction)
	if err != nil {
		return "", err
	}
	if !entityType.Allows(action) {
		return "", domain.NewValidationError("correction", fmt.Sprintf("action %q is not allowed for %s", action, entityType))
	}
	return string(action), nil
}

func decisionEntry(p domain.Proposal, action string, decision domain.Decision, reasoning, correction string, now time.Time) audit.Entry {
	meta := map[string]any{
		audit.MetaProposalID:     p.ID,
		audit.MetaAgentReasoning: p.AgentReasoning,
	}
	if correction != "" {
		meta[audit.MetaCorrection] = correction
	}
	return audit.Entry{
		Action:         action,
		EntityType:     p.EntityType,
		EntityID:       p.EntityID,
		ProposedAction: p.Action,
		UserDecision:   decision,
		Reasoning:      reasoning,
		Metadata:       meta,
		CreatedAt:      now,
	}
}

// List returns proposals matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]domain.Proposal, error) {
	b := sq.Select(columns...).From(table).OrderBy("proposed_at DESC", "rowid DESC")
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Action != "" {
		b = b.Where(sq.Eq{"proposed_action": string(f.Action)})
	}
	if f.EntityType != "" {
		b = b.Where(sq.Eq{"entity_type": string(f.EntityType)})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	return s.query(ctx, b)
}

// HasOpen reports whether the entity already has a pending or approved
// proposal on the same account, so repeated passes do not propose it again.
func (s *Store) HasOpen(ctx context.Context, entityType domain.EntityType, entityID, accountHint string) (bool, error) {
	query, args, err := sq.Select("COUNT(1)").From(table).
		Where(sq.Eq{
			"entity_type":  string(entityType),
			"entity_id":    entityID,
			"account_hint": accountHint,
			"status":       []string{string(domain.StatusPending), string(domain.StatusApproved)},
		}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build proposal query: %w", err)
	}
	var n int
	if err := s.db.SQL().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("count open proposals: %w", err)
	}
	return n > 0, nil
}

// SenderHistory returns decided proposals for sender, newest first.
func (s *Store) SenderHistory(ctx context.Context, sender string, limit int) ([]domain.Proposal, error) {
	b := sq.Select(columns...).From(table).
		Where(sq.Eq{"sender": sender}).
		Where(sq.NotEq{"status": string(domain.StatusPending)}).
		OrderBy("proposed_at DESC", "rowid DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return s.query(ctx, b)
}

func (s *Store) query(ctx context.Context, b sq.SelectBuilder) ([]domain.Proposal, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build proposal query: %w", err)
	}
	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return result, nil
}

func getTx(ctx context.Context, ex store.Execer, id string) (domain.Proposal, error) {
	query, args, err := sq.Select(columns...).From(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("build proposal query: %w", err)
	}
	p, err := scanProposal(ex.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Proposal{}, fmt.Errorf("proposal %q: %w", id, domain.ErrNotFound)
	}
	return p, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(sc scanner) (domain.Proposal, error) {
	var p domain.Proposal
	var entityType, action, proposedAt, status, approvedBy string
	var approvedAt, rejectedAt, executedAt sql.NullString
	err := sc.Scan(&p.ID, &entityType, &p.EntityID, &action, &p.AgentReasoning, &p.AccountHint, &p.Sender,
		&proposedAt, &status, &approvedAt, &approvedBy, &p.UserReasoning, &rejectedAt, &p.Correction, &executedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan proposal: %w", err)
	}
	p.EntityType = domain.EntityType(entityType)
	p.Action = domain.Action(action)
	p.Status = domain.Status(status)
	p.ApprovedBy = domain.Approver(approvedBy)

	if p.ProposedAt, err = store.ParseTime(proposedAt); err != nil {
		return p, err
	}
	if p.ApprovedAt, err = store.ParseNullTime(approvedAt); err != nil {
		return p, err
	}
	if p.RejectedAt, err = store.ParseNullTime(rejectedAt); err != nil {
		return p, err
	}
	if p.ExecutedAt, err = store.ParseNullTime(executedAt); err != nil {
		return p, err
	}
	return p, nil
}
