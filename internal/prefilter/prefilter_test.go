package prefilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

func TestClassifyNoise(t *testing.T) {
	tests := []struct {
		name    string
		sender  string
		subject string
		preview string
		reason  string
	}{
		{"newsletter", "Acme <newsletter@acme.com>", "This week at Acme", "", "newsletter sender"},
		{"no-reply", "no-reply@service.io", "Your login", "", "no-reply sender"},
		{"notifications", "notifications@github.com", "New issue", "", "automated notification sender"},
		{"unsubscribe in preview", "bob@shop.com", "Big sale", "Click here to unsubscribe", "unsubscribe footer"},
		{"shipping", "bob@shop.com", "Your order has shipped", "", "shipping or order confirmation"},
		{"social", "Someone <invitations@linkedin.com>", "Join my network", "", "social network notification"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := Classify(tt.sender, tt.subject, tt.preview)
			require.True(t, ok)
			assert.Equal(t, domain.ActionArchive, v.Action)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, Confidence, v.Confidence)
		})
	}
}

func TestClassifyNoMatchDefersToOracle(t *testing.T) {
	_, ok := Classify("alice@friends.org", "Dinner on Friday?", "Are you free around 7")
	assert.False(t, ok)
}

func TestClassifyFirstRuleWins(t *testing.T) {
	// Both the no-reply sender rule and the unsubscribe rule match.
	v, ok := Classify("noreply@store.com", "Spring collection", "unsubscribe at any time")
	require.True(t, ok)
	assert.Equal(t, "no-reply sender", v.Reason)
}

func TestClassifyEscalatesUrgentNoise(t *testing.T) {
	v, ok := Classify("no-reply@bank.com", "Action required: verify your account", "")
	require.True(t, ok)
	assert.Equal(t, domain.ActionFlag, v.Action)
	assert.Equal(t, "no-reply sender; urgent: action required", v.Reason)
	assert.Equal(t, Confidence, v.Confidence)

	v, ok = Classify("no-reply@bank.com", "Statement ready", "due by eod")
	require.True(t, ok)
	assert.Equal(t, domain.ActionArchive, v.Action, "urgency below threshold keeps the noise action")
}

func TestClassifyIsDeterministic(t *testing.T) {
	a, okA := Classify("newsletter@x.com", "urgent deadline", "unsubscribe")
	b, okB := Classify("newsletter@x.com", "urgent deadline", "unsubscribe")
	assert.Equal(t, okA, okB)
	assert.Equal(t, a, b)
}

func TestUrgency(t *testing.T) {
	score, reasons := Urgency("URGENT: deadline today", "")
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.Equal(t, []string{"urgent", "deadline", "time-bound"}, reasons)

	score, reasons = Urgency("Lunch", "see you")
	assert.Zero(t, score)
	assert.Empty(t, reasons)

	score, _ = Urgency("URGENT ASAP action required overdue", "final notice")
	assert.Equal(t, 1.0, score, "score is capped")
}
