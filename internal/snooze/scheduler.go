// Package snooze defers entities from triage until a wake time and tracks
// when they resurface.
package snooze

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/inboxclaw/internal/audit"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
	"github.com/stellarlinkco/inboxclaw/internal/store"
)

const table = "snoozed_items"

const selectColumns = `SELECT id, entity_type, entity_id, source_id, snooze_until, reason, resurfaced_at, created_at FROM snoozed_items`

// Request asks for one entity to be snoozed. Until is a ParseUntil expression.
type Request struct {
	EntityType domain.EntityType
	EntityID   string
	SourceID   string
	Until      string
	Reason     string
}

type Scheduler struct {
	db    *store.DB
	audit *audit.Log
	now   func() time.Time
}

func NewScheduler(db *store.DB, log *audit.Log) *Scheduler {
	return &Scheduler{db: db, audit: log, now: time.Now}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Snooze records a new entry and returns its id and resolved wake time.
func (s *Scheduler) Snooze(ctx context.Context, req Request) (string, time.Time, error) {
	if !req.EntityType.Valid() {
		return "", time.Time{}, domain.NewValidationError("entity_type", fmt.Sprintf("unknown entity type %q", req.EntityType))
	}
	if strings.TrimSpace(req.EntityID) == "" {
		return "", time.Time{}, domain.NewValidationError("entity_id", "entity id is required")
	}

	now := s.now()
	until := ParseUntil(req.Until, now)
	id := uuid.NewString()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO snoozed_items (id, entity_type, entity_id, source_id, snooze_until, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, string(req.EntityType), req.EntityID, req.SourceID, store.FormatTime(until), req.Reason, store.FormatTime(now))
		if err != nil {
			return fmt.Errorf("insert snooze: %w", err)
		}
		return s.audit.AppendTx(ctx, tx, audit.Entry{
			Action:     audit.ActionSnooze,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Reasoning:  req.Reason,
			CreatedAt:  now,
			Metadata: map[string]any{
				"snooze_id": id,
				"until":     store.FormatTime(until),
				"source_id": req.SourceID,
			},
		})
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return id, until, nil
}

// IsSnoozed reports whether an unresurfaced entry still covers the entity.
func (s *Scheduler) IsSnoozed(ctx context.Context, entityType domain.EntityType, entityID string) (bool, error) {
	var n int
	err := s.db.SQL().QueryRowContext(ctx, `
		SELECT COUNT(1) FROM snoozed_items
		WHERE entity_type = ? AND entity_id = ? AND resurfaced_at IS NULL AND snooze_until > ?
	`, string(entityType), entityID, store.FormatTime(s.now())).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check snooze: %w", err)
	}
	return n > 0, nil
}

// DueSnoozes returns entries whose wake time has passed and that have not
// resurfaced yet, soonest first.
func (s *Scheduler) DueSnoozes(ctx context.Context) ([]domain.SnoozeEntry, error) {
	return s.query(ctx, selectColumns+`
		WHERE resurfaced_at IS NULL AND snooze_until <= ?
		ORDER BY snooze_until ASC, id ASC
	`, store.FormatTime(s.now()))
}

// Active returns entries still waiting to wake, soonest first.
func (s *Scheduler) Active(ctx context.Context) ([]domain.SnoozeEntry, error) {
	return s.query(ctx, selectColumns+`
		WHERE resurfaced_at IS NULL AND snooze_until > ?
		ORDER BY snooze_until ASC, id ASC
	`, store.FormatTime(s.now()))
}

// MarkResurfaced sets resurfaced_at once. A second call reports false.
func (s *Scheduler) MarkResurfaced(ctx context.Context, id string) (bool, error) {
	var marked bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		entry, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		res, err := tx.ExecContext(ctx, `UPDATE snoozed_items SET resurfaced_at = ? WHERE id = ? AND resurfaced_at IS NULL`,
			store.FormatTime(now), id)
		if err != nil {
			return fmt.Errorf("mark resurfaced: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark resurfaced: %w", err)
		}
		if n == 0 {
			return nil
		}
		marked = true
		return s.audit.AppendTx(ctx, tx, audit.Entry{
			Action:     audit.ActionResurface,
			EntityType: entry.EntityType,
			EntityID:   entry.EntityID,
			CreatedAt:  now,
			Metadata:   map[string]any{"snooze_id": id},
		})
	})
	return marked, err
}

// Unsnooze removes the entry matching ref, an id or unique id prefix.
func (s *Scheduler) Unsnooze(ctx context.Context, ref string) (domain.SnoozeEntry, error) {
	var entry domain.SnoozeEntry
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := store.ResolveID(ctx, tx, table, ref)
		if err != nil {
			return err
		}
		if entry, err = getTx(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snoozed_items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete snooze: %w", err)
		}
		return s.audit.AppendTx(ctx, tx, audit.Entry{
			Action:     audit.ActionUnsnooze,
			EntityType: entry.EntityType,
			EntityID:   entry.EntityID,
			CreatedAt:  s.now(),
			Metadata:   map[string]any{"snooze_id": id},
		})
	})
	return entry, err
}

// Key identifies a snoozed entity.
type Key struct {
	EntityType domain.EntityType
	EntityID   string
}

// ActiveSet maps snoozed entities to the source ids they were snoozed for.
// An empty source id covers every account.
type ActiveSet map[Key][]string

// Covers reports whether an item from sourceID is excluded by the set.
func (a ActiveSet) Covers(entityType domain.EntityType, entityID, sourceID string) bool {
	sources, ok := a[Key{EntityType: entityType, EntityID: entityID}]
	if !ok {
		return false
	}
	for _, src := range sources {
		if src == "" || src == sourceID {
			return true
		}
	}
	return false
}

// ActiveKeys returns the exclusion set for a triage pass.
func (s *Scheduler) ActiveKeys(ctx context.Context) (ActiveSet, error) {
	entries, err := s.Active(ctx)
	if err != nil {
		return nil, err
	}
	set := make(ActiveSet, len(entries))
	for _, e := range entries {
		k := Key{EntityType: e.EntityType, EntityID: e.EntityID}
		set[k] = append(set[k], e.SourceID)
	}
	return set, nil
}

func (s *Scheduler) query(ctx context.Context, query string, args ...any) ([]domain.SnoozeEntry, error) {
	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snoozes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SnoozeEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snoozes: %w", err)
	}
	return result, nil
}

func getTx(ctx context.Context, ex store.Execer, id string) (domain.SnoozeEntry, error) {
	e, err := scanEntry(ex.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SnoozeEntry{}, fmt.Errorf("snooze %q: %w", id, domain.ErrNotFound)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (domain.SnoozeEntry, error) {
	var e domain.SnoozeEntry
	var entityType, until, created string
	var resurfaced sql.NullString
	if err := sc.Scan(&e.ID, &entityType, &e.EntityID, &e.SourceID, &until, &e.Reason, &resurfaced, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan snooze: %w", err)
	}
	e.EntityType = domain.EntityType(entityType)
	var err error
	if e.SnoozeUntil, err = store.ParseTime(until); err != nil {
		return e, err
	}
	if e.CreatedAt, err = store.ParseTime(created); err != nil {
		return e, err
	}
	if e.ResurfacedAt, err = store.ParseNullTime(resurfaced); err != nil {
		return e, err
	}
	return e, nil
}
