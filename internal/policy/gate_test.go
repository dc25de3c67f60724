package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

type recordingRunner struct{ ran []string }

func (r *recordingRunner) ExecuteAction(_ context.Context, p domain.Proposal) error {
	r.ran = append(r.ran, p.ID)
	return nil
}

type staticRecipients map[string]string

func (s staticRecipients) Recipient(_ context.Context, id, _ string) (string, error) {
	return s[id], nil
}

func TestGateBlocksDisallowedSend(t *testing.T) {
	approved := time.Now()
	e := NewEngine(&fakeSends{}, fakeApprovals{"p1": &approved, "p2": &approved})
	next := &recordingRunner{}
	p := config.Policy{RequireApproval: true, AllowedDomains: []string{"corp.com"}}
	g := NewGate(e, p, staticRecipients{"d1": "a@corp.com", "d2": "x@evil.io"}, next)
	ctx := context.Background()

	require.NoError(t, g.ExecuteAction(ctx, domain.Proposal{ID: "p1", EntityType: domain.EntityDraft, EntityID: "d1", Action: domain.ActionSend}))

	err := g.ExecuteAction(ctx, domain.Proposal{ID: "p2", EntityType: domain.EntityDraft, EntityID: "d2", Action: domain.ActionSend})
	assert.ErrorIs(t, err, domain.ErrPolicyViolation)

	require.NoError(t, g.ExecuteAction(ctx, domain.Proposal{ID: "p3", EntityType: domain.EntityThread, EntityID: "7", Action: domain.ActionArchive}))
	assert.Equal(t, []string{"p1", "p3"}, next.ran, "non-send actions skip the policy")
}
