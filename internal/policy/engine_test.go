package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

type fakeSends struct {
	count int
	since time.Time
	err   error
}

func (f *fakeSends) SendsSince(_ context.Context, since time.Time) (int, error) {
	f.since = since
	return f.count, f.err
}

type fakeApprovals map[string]*time.Time

func (f fakeApprovals) ApprovedAt(_ context.Context, id string) (*time.Time, error) {
	at, ok := f[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return at, nil
}

func TestRecipientAllowed(t *testing.T) {
	e := NewEngine(&fakeSends{}, fakeApprovals{})

	open := config.Policy{}
	ok, _ := e.RecipientAllowed(open, "anyone@anywhere.org")
	assert.True(t, ok, "unconfigured policy is open")

	p := config.Policy{AllowedRecipients: []string{"Boss@Corp.com"}, AllowedDomains: []string{"example.com"}}
	ok, _ = e.RecipientAllowed(p, "boss@corp.com")
	assert.True(t, ok, "explicit recipient, case-insensitive")
	ok, _ = e.RecipientAllowed(p, "friend@example.com")
	assert.True(t, ok, "allowed domain")

	ok, reason := e.RecipientAllowed(p, "stranger@other.net")
	assert.False(t, ok)
	assert.Contains(t, reason, "stranger@other.net")

	domainsOnly := config.Policy{AllowedDomains: []string{"example.com"}}
	ok, _ = e.RecipientAllowed(domainsOnly, "x@absent.io")
	assert.False(t, ok, "domain absent from non-empty domain list")
}

func TestWithinDailySendLimit(t *testing.T) {
	sends := &fakeSends{count: 3}
	e := NewEngine(sends, fakeApprovals{})
	now := time.Date(2026, 7, 9, 15, 30, 0, 0, time.Local)

	ok, _, err := e.WithinDailySendLimit(context.Background(), config.Policy{MaxDailySends: 4}, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2026, 7, 9, 0, 0, 0, 0, time.Local), sends.since)

	ok, reason, err := e.WithinDailySendLimit(context.Background(), config.Policy{MaxDailySends: 3}, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "3/3")

	ok, _, err = e.WithinDailySendLimit(context.Background(), config.Policy{MaxDailySends: 0}, now)
	require.NoError(t, err)
	assert.True(t, ok, "zero cap disables the limit")

	sends.err = errors.New("db down")
	_, _, err = e.WithinDailySendLimit(context.Background(), config.Policy{MaxDailySends: 1}, now)
	assert.Error(t, err)
}

func TestValidateSendReportsEveryReason(t *testing.T) {
	approved := time.Now()
	e := NewEngine(&fakeSends{count: 10}, fakeApprovals{"d-ok": &approved, "d-pending": nil})

	p := config.Policy{
		RequireApproval: true,
		MaxDailySends:   10,
		AllowedDomains:  []string{"example.com"},
	}

	d, err := e.ValidateSend(context.Background(), p, "d-pending", "x@other.net")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Len(t, d.Reasons, 3)

	var violation *domain.PolicyViolation
	require.ErrorAs(t, d.Err(), &violation)
	assert.Len(t, violation.Reasons, 3)
	assert.ErrorIs(t, d.Err(), domain.ErrPolicyViolation)

	p.MaxDailySends = 0
	d, err = e.ValidateSend(context.Background(), p, "d-ok", "y@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.NoError(t, d.Err())

	d, err = e.ValidateSend(context.Background(), p, "missing", "y@example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestValidateSendSkipsApprovalWhenNotRequired(t *testing.T) {
	e := NewEngine(&fakeSends{}, fakeApprovals{})
	d, err := e.ValidateSend(context.Background(), config.Policy{}, "unknown", "a@b.c")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, e.RequiresApproval(config.Policy{}))
}
