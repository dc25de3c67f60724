// Package audit implements the append-only decision and execution log.
// Rows are never updated or deleted; the learning engine derives trust from them.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/stellarlinkco/inboxclaw/internal/domain"
	"github.com/stellarlinkco/inboxclaw/internal/store"
)

// Entry actions.
const (
	ActionPropose     = "propose"
	ActionApprove     = "approve"
	ActionAutoApprove = "auto_approve"
	ActionReject      = "reject"
	ActionExecute     = "execute"
	ActionSnooze      = "snooze"
	ActionUnsnooze    = "unsnooze"
	ActionResurface   = "resurface"
)

// Metadata keys.
const (
	MetaProposalID     = "proposal_id"
	MetaAgentReasoning = "agent_reasoning"
	MetaCorrection     = "correction"
	MetaAccountHint    = "account_hint"
)

// Entry is one audit row.
type Entry struct {
	ID             int64
	Action         string
	EntityType     domain.EntityType
	EntityID       string
	Metadata       map[string]any
	CreatedAt      time.Time
	ProposedAction domain.Action
	UserDecision   domain.Decision
	Reasoning      string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	EntityType domain.EntityType
	EntityID   string
	Action     string
	Limit      int
}

type Log struct {
	db  *store.DB
	now func() time.Time
}

func New(db *store.DB) *Log {
	return &Log{db: db, now: time.Now}
}

// SetClock overrides the timestamp source.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Append writes e in its own transaction.
func (l *Log) Append(ctx context.Context, e Entry) error {
	return l.db.WithTx(ctx, func(tx *sql.Tx) error {
		return l.AppendTx(ctx, tx, e)
	})
}

// AppendTx writes e using ex, so callers can log inside their own transaction.
func (l *Log) AppendTx(ctx context.Context, ex store.Execer, e Entry) error {
	if strings.TrimSpace(e.Action) == "" {
		return domain.NewValidationError("action", "audit action is required")
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = l.now()
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO audit_log (action, entity_type, entity_id, metadata, created_at, proposed_action, user_decision, reasoning)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Action, string(e.EntityType), e.EntityID, string(metaJSON), store.FormatTime(created),
		string(e.ProposedAction), string(e.UserDecision), e.Reasoning)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Decisions returns every terminal decision in insertion order.
func (l *Log) Decisions(ctx context.Context) ([]domain.DecisionRecord, error) {
	rows, err := l.db.SQL().QueryContext(ctx, `
		SELECT proposed_action, user_decision, metadata
		FROM audit_log
		WHERE user_decision <> ''
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionRecord, 0)
	for rows.Next() {
		var action, decision, metaJSON string
		if err := rows.Scan(&action, &decision, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		meta := decodeMetadata(metaJSON)
		rec := domain.DecisionRecord{
			ProposedAction: domain.Action(action),
			UserDecision:   domain.Decision(decision),
			Metadata:       meta,
		}
		if c, ok := meta[MetaCorrection].(string); ok {
			rec.Correction = c
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

// List returns entries matching f, newest first.
func (l *Log) List(ctx context.Context, f Filter) ([]Entry, error) {
	b := sq.Select("id", "action", "entity_type", "entity_id", "metadata", "created_at",
		"proposed_action", "user_decision", "reasoning").
		From("audit_log").
		OrderBy("id DESC")
	if f.EntityType != "" {
		b = b.Where(sq.Eq{"entity_type": string(f.EntityType)})
	}
	if f.EntityID != "" {
		b = b.Where(sq.Eq{"entity_id": f.EntityID})
	}
	if f.Action != "" {
		b = b.Where(sq.Eq{"action": f.Action})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}

	rows, err := l.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	result := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var entityType, metaJSON, created, proposed, decision string
		if err := rows.Scan(&e.ID, &e.Action, &entityType, &e.EntityID, &metaJSON, &created, &proposed, &decision, &e.Reasoning); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.EntityType = domain.EntityType(entityType)
		e.ProposedAction = domain.Action(proposed)
		e.UserDecision = domain.Decision(decision)
		e.Metadata = decodeMetadata(metaJSON)
		if e.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return result, nil
}

// CountSince counts entries with the given action (and proposed action, when
// set) created at or after since.
func (l *Log) CountSince(ctx context.Context, action string, proposed domain.Action, since time.Time) (int, error) {
	b := sq.Select("COUNT(1)").From("audit_log").
		Where(sq.Eq{"action": action}).
		Where(sq.GtOrEq{"created_at": store.FormatTime(since)})
	if proposed != "" {
		b = b.Where(sq.Eq{"proposed_action": string(proposed)})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int
	if err := l.db.SQL().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

func decodeMetadata(s string) map[string]any {
	meta := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return map[string]any{"raw": s}
	}
	return meta
}

// SendsSince counts executed sends since the given instant.
func (l *Log) SendsSince(ctx context.Context, since time.Time) (int, error) {
	return l.CountSince(ctx, ActionExecute, domain.ActionSend, since)
}
