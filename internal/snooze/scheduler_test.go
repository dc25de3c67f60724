package snooze

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/inboxclaw/internal/audit"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
	"github.com/stellarlinkco/inboxclaw/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestScheduler(t *testing.T) (*Scheduler, *audit.Log, *clock) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "snooze.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := &clock{t: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	log := audit.New(db)
	log.SetClock(c.now)
	s := NewScheduler(db, log)
	s.SetClock(c.now)
	return s, log, c
}

func TestSnoozeRoundTrip(t *testing.T) {
	s, log, c := newTestScheduler(t)
	ctx := context.Background()

	id, until, err := s.Snooze(ctx, Request{EntityType: domain.EntityThread, EntityID: "t1", Until: "2h", Reason: "after lunch"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, until.Equal(c.t.Add(2*time.Hour)))

	snoozed, err := s.IsSnoozed(ctx, domain.EntityThread, "t1")
	require.NoError(t, err)
	assert.True(t, snoozed)

	due, err := s.DueSnoozes(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	c.advance(3 * time.Hour)
	due, err = s.DueSnoozes(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)

	marked, err := s.MarkResurfaced(ctx, id)
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = s.MarkResurfaced(ctx, id)
	require.NoError(t, err)
	assert.False(t, marked, "resurfacing happens once")

	snoozed, err = s.IsSnoozed(ctx, domain.EntityThread, "t1")
	require.NoError(t, err)
	assert.False(t, snoozed)

	due, err = s.DueSnoozes(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	entries, err := log.List(ctx, audit.Filter{EntityID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionResurface, entries[0].Action)
	assert.Equal(t, audit.ActionSnooze, entries[1].Action)
}

func TestSnoozeValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	_, _, err := s.Snooze(ctx, Request{EntityType: "bogus", EntityID: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = s.Snooze(ctx, Request{EntityType: domain.EntityThread})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDueSnoozesSoonestFirst(t *testing.T) {
	s, _, c := newTestScheduler(t)
	ctx := context.Background()

	late, _, err := s.Snooze(ctx, Request{EntityType: domain.EntityThread, EntityID: "late", Until: "5h"})
	require.NoError(t, err)
	early, _, err := s.Snooze(ctx, Request{EntityType: domain.EntityThread, EntityID: "early", Until: "1h"})
	require.NoError(t, err)

	active, err := s.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, early, active[0].ID)

	c.advance(6 * time.Hour)
	due, err := s.DueSnoozes(ctx)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early, due[0].ID)
	assert.Equal(t, late, due[1].ID)
}

func TestUnsnoozeByPrefix(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	id, _, err := s.Snooze(ctx, Request{EntityType: domain.EntityMessage, EntityID: "m1", Until: "tomorrow"})
	require.NoError(t, err)

	_, err = s.Unsnooze(ctx, "does-not-exist")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	entry, err := s.Unsnooze(ctx, id[:8])
	require.NoError(t, err)
	assert.Equal(t, "m1", entry.EntityID)

	snoozed, err := s.IsSnoozed(ctx, domain.EntityMessage, "m1")
	require.NoError(t, err)
	assert.False(t, snoozed)
}

func TestActiveKeysCoverSource(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	_, _, err := s.Snooze(ctx, Request{EntityType: domain.EntityThread, EntityID: "t1", SourceID: "work", Until: "1d"})
	require.NoError(t, err)
	_, _, err = s.Snooze(ctx, Request{EntityType: domain.EntityChatMessage, EntityID: "c1", Until: "1d"})
	require.NoError(t, err)

	set, err := s.ActiveKeys(ctx)
	require.NoError(t, err)
	assert.True(t, set.Covers(domain.EntityThread, "t1", "work"))
	assert.False(t, set.Covers(domain.EntityThread, "t1", "personal"))
	assert.True(t, set.Covers(domain.EntityChatMessage, "c1", "anything"))
	assert.False(t, set.Covers(domain.EntityThread, "t2", ""))
}
