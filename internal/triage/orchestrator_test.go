package triage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
	"github.com/stellarlinkco/inboxclaw/internal/oracle"
	"github.com/stellarlinkco/inboxclaw/internal/proposal"
	"github.com/stellarlinkco/inboxclaw/internal/snooze"
)

type fakeInbox struct {
	items []domain.InboxItem
	err   error
}

func (f *fakeInbox) FetchUnified(_ context.Context, limit int) ([]domain.InboxItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.items) > limit {
		return f.items[:limit], nil
	}
	return f.items, nil
}

type fakeSnoozer struct {
	due        []domain.SnoozeEntry
	active     snooze.ActiveSet
	resurfaced []string
}

func (f *fakeSnoozer) DueSnoozes(context.Context) ([]domain.SnoozeEntry, error) { return f.due, nil }
func (f *fakeSnoozer) MarkResurfaced(_ context.Context, id string) (bool, error) {
	f.resurfaced = append(f.resurfaced, id)
	return true, nil
}
func (f *fakeSnoozer) ActiveKeys(context.Context) (snooze.ActiveSet, error) { return f.active, nil }

type fakeOracle struct {
	out   []oracle.Classification
	err   error
	calls int
	req   oracle.Request
}

func (f *fakeOracle) Classify(_ context.Context, req oracle.Request) ([]oracle.Classification, error) {
	f.calls++
	f.req = req
	return f.out, f.err
}

type fakeContacts struct{ priority map[string]bool }

func (f fakeContacts) IsPriority(sender string) bool { return f.priority[sender] }
func (f fakeContacts) PromptContext(senders []string) string {
	return fmt.Sprintf("contacts for %d senders", len(senders))
}

type fakeLedger struct {
	created []proposal.CreateInput
	open    map[string]bool
	history map[string][]domain.Proposal
	err     error
}

func (f *fakeLedger) Create(_ context.Context, _ config.Policy, in proposal.CreateInput) (proposal.CreateResult, error) {
	if f.err != nil {
		return proposal.CreateResult{}, f.err
	}
	if !in.EntityType.Allows(in.Action) {
		return proposal.CreateResult{}, domain.NewValidationError("action", "not allowed")
	}
	f.created = append(f.created, in)
	return proposal.CreateResult{ID: fmt.Sprintf("p%d", len(f.created))}, nil
}

func (f *fakeLedger) HasOpen(_ context.Context, _ domain.EntityType, id, account string) (bool, error) {
	return f.open[account+"/"+id], nil
}

func (f *fakeLedger) SenderHistory(_ context.Context, sender string, _ int) ([]domain.Proposal, error) {
	return f.history[sender], nil
}

func mail(id, sender, subject, preview string) domain.InboxItem {
	return domain.InboxItem{Source: domain.SourceMail, AccountID: "work", ItemID: id, Sender: sender, Subject: subject, Preview: preview, Timestamp: time.Now()}
}

func chat(id, sender, preview string) domain.InboxItem {
	return domain.InboxItem{Source: domain.SourceChat, AccountID: "tg", ItemID: id, Sender: sender, Preview: preview, Timestamp: time.Now()}
}

type fixture struct {
	inbox    *fakeInbox
	snoozer  *fakeSnoozer
	oracle   *fakeOracle
	ledger   *fakeLedger
	logs     *bytes.Buffer
	contacts fakeContacts
}

func newFixture(items ...domain.InboxItem) *fixture {
	return &fixture{
		inbox:    &fakeInbox{items: items},
		snoozer:  &fakeSnoozer{active: snooze.ActiveSet{}},
		oracle:   &fakeOracle{},
		ledger:   &fakeLedger{open: map[string]bool{}},
		logs:     &bytes.Buffer{},
		contacts: fakeContacts{priority: map[string]bool{}},
	}
}

func (f *fixture) orchestrator() *Orchestrator {
	return New(Deps{
		Inbox:    f.inbox,
		Snoozes:  f.snoozer,
		Oracle:   f.oracle,
		Contacts: f.contacts,
		Ledger:   f.ledger,
		Logger:   slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
}

func TestTriagePrefilterFirstThenOracle(t *testing.T) {
	f := newFixture(
		chat("c1", "alice", "are you coming?"),
		mail("m1", "newsletter@shop.com", "Deals", ""),
		mail("m2", "bob@friends.org", "Trip photos", "see attached"),
	)
	f.oracle.out = []oracle.Classification{
		{ID: "m2", Action: domain.ActionMarkRead, Reasoning: "photos", Confidence: 0.8},
		{ID: "c1", Action: domain.ActionFlag, Reasoning: "needs reply", Confidence: 0.9},
		{ID: "ghost", Action: domain.ActionArchive, Confidence: 0.9},
	}

	got, err := f.orchestrator().Triage(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "m1", got[0].Item.ItemID)
	assert.Equal(t, OriginPrefilter, got[0].Origin)
	assert.Equal(t, "[auto] newsletter sender", got[0].Reasoning)
	assert.Equal(t, 0.95, got[0].Confidence)

	assert.Equal(t, "m2", got[1].Item.ItemID)
	assert.Equal(t, "c1", got[2].Item.ItemID)

	require.Equal(t, 1, f.oracle.calls)
	ids := []string{}
	for _, it := range f.oracle.req.Items {
		ids = append(ids, it.ItemID)
	}
	assert.Equal(t, []string{"c1", "m2"}, ids, "chat items always go to the oracle")
	assert.Equal(t, "contacts for 2 senders", f.oracle.req.Context)
}

func TestTriageChatSkipsPrefilter(t *testing.T) {
	f := newFixture(chat("c1", "newsletter@shop.com", "unsubscribe"))
	f.oracle.out = []oracle.Classification{{ID: "c1", Action: domain.ActionIgnore, Confidence: 0.6}}

	got, err := f.orchestrator().Triage(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, OriginOracle, got[0].Origin)
}

func TestTriageOracleFailureFallsBack(t *testing.T) {
	f := newFixture(mail("m1", "no-reply@x.com", "Receipt", ""), mail("m2", "bob@x.org", "hi", ""))
	f.oracle.err = &domain.CollaboratorError{Op: "classify", Err: context.DeadlineExceeded}

	got, err := f.orchestrator().Triage(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].Item.ItemID)
	assert.Contains(t, f.logs.String(), "oracle call failed")

	f.logs.Reset()
	f.oracle.err = fmt.Errorf("%w: garbage", oracle.ErrMalformedResponse)
	got, err = f.orchestrator().Triage(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, f.logs.String(), "oracle response malformed")
}

func TestTriageFetchFailureIsCollaboratorError(t *testing.T) {
	f := newFixture()
	f.inbox.err = errors.New("imap down")
	_, err := f.orchestrator().Triage(context.Background(), 10)
	assert.ErrorIs(t, err, domain.ErrCollaborator)
}

func TestTriageSnoozes(t *testing.T) {
	f := newFixture(mail("m1", "bob@x.org", "hi", ""), mail("m2", "carol@x.org", "yo", ""))
	f.snoozer.due = []domain.SnoozeEntry{{ID: "s-due", EntityType: domain.EntityMessage, EntityID: "m2"}}
	f.snoozer.active = snooze.ActiveSet{{EntityType: domain.EntityMessage, EntityID: "m1"}: {""}}
	f.oracle.out = []oracle.Classification{
		{ID: "m1", Action: domain.ActionArchive, Confidence: 0.9},
		{ID: "m2", Action: domain.ActionArchive, Confidence: 0.9},
	}

	got, err := f.orchestrator().Triage(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"s-due"}, f.snoozer.resurfaced)
	require.Len(t, got, 1)
	assert.Equal(t, "m2", got[0].Item.ItemID, "snoozed m1 is excluded, resurfaced m2 is back")
}

func TestPostProcessUrgencyAndPriority(t *testing.T) {
	f := newFixture(
		mail("m1", "ops@corp.com", "URGENT: action required", ""),
		mail("m2", "ops@corp.com", "urgent deadline overdue", ""),
		mail("m3", "boss@corp.com", "lunch", ""),
		mail("m4", "boss@corp.com", "plans", ""),
	)
	f.contacts.priority["boss@corp.com"] = true
	f.oracle.out = []oracle.Classification{
		{ID: "m1", Action: domain.ActionArchive, Reasoning: "looks automated", Confidence: 0.7},
		{ID: "m2", Action: domain.ActionDelete, Reasoning: "spam", Confidence: 0.7},
		{ID: "m3", Action: domain.ActionArchive, Reasoning: "chit chat", Confidence: 0.6},
		{ID: "m4", Action: domain.ActionFlag, Reasoning: "important", Confidence: 0.8},
	}

	got, err := f.orchestrator().Triage(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, domain.ActionArchive, got[0].Action, "urgency annotates, never changes the action")
	assert.Contains(t, got[0].Reasoning, "looks automated (urgency 1.0: urgent, action required)")

	assert.Equal(t, "spam", got[1].Reasoning, "delete is not annotated")

	assert.Equal(t, domain.ActionFlag, got[2].Action)
	assert.Equal(t, "[priority] boss@corp.com is a priority contact", got[2].Reasoning)
	assert.Equal(t, 1.0, got[2].Confidence)

	assert.Equal(t, "important", got[3].Reasoning, "already flagged stays untouched")
	assert.Equal(t, 0.8, got[3].Confidence)
}

func TestOracleRequestCarriesHistory(t *testing.T) {
	f := newFixture(mail("m1", "bob@x.org", "hi", ""))
	f.ledger.history = map[string][]domain.Proposal{
		"bob@x.org": {{Action: domain.ActionDelete, Status: domain.StatusRejected, Correction: "archive"}},
	}
	_, err := f.orchestrator().Triage(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete was rejected, user preferred archive"}, f.oracle.req.History["bob@x.org"])
}

func TestTriageKeepsAccountsApart(t *testing.T) {
	work := mail("42", "boss@work.com", "Quarterly numbers", "")
	home := mail("42", "friend@home.com", "Weekend", "")
	home.AccountID = "home"
	f := newFixture(work, home)
	f.oracle.out = []oracle.Classification{
		{ID: "work/42", Action: domain.ActionFlag, Reasoning: "boss", Confidence: 0.9},
		{ID: "home/42", Action: domain.ActionArchive, Reasoning: "social", Confidence: 0.8},
		{ID: "42", Action: domain.ActionDelete, Reasoning: "which one?", Confidence: 0.9},
	}

	got, err := f.orchestrator().Triage(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byAccount := map[string]TriageProposal{}
	for _, tp := range got {
		byAccount[tp.Item.AccountID] = tp
	}
	assert.Equal(t, domain.ActionFlag, byAccount["work"].Action)
	assert.Equal(t, "boss@work.com", byAccount["work"].Item.Sender)
	assert.Equal(t, domain.ActionArchive, byAccount["home"].Action)
	assert.Equal(t, "friend@home.com", byAccount["home"].Item.Sender)
	assert.Contains(t, f.logs.String(), "unknown or ambiguous item", "a bare id shared by two accounts is dropped")
}
