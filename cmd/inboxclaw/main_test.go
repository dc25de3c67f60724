package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
	"github.com/stellarlinkco/inboxclaw/internal/gateway"
	"github.com/stellarlinkco/inboxclaw/internal/oracle"
	"github.com/stellarlinkco/inboxclaw/internal/source"
)

type memSource struct {
	items    []domain.InboxItem
	executed []string
}

func (m *memSource) Name() string        { return "work" }
func (m *memSource) Kind() domain.Source { return domain.SourceMail }

func (m *memSource) Fetch(context.Context, int) ([]domain.InboxItem, error) {
	return m.items, nil
}

func (m *memSource) Exists(_ context.Context, _ domain.EntityType, id string) (bool, error) {
	for _, it := range m.items {
		if it.ItemID == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *memSource) Execute(_ context.Context, _ domain.EntityType, id string, action domain.Action) error {
	m.executed = append(m.executed, id+":"+string(action))
	return nil
}

type stubClassifier struct{ out []oracle.Classification }

func (s stubClassifier) Classify(context.Context, oracle.Request) ([]oracle.Classification, error) {
	return s.out, nil
}

// setupCLI points HOME at a temp dir and swaps the gateway factory for one
// backed by an in-memory mail source.
func setupCLI(t *testing.T) *memSource {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	t.Setenv("INBOXCLAW_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	src := &memSource{items: []domain.InboxItem{
		{Source: domain.SourceMail, AccountID: "work", ItemID: "101", Sender: "newsletter@shop.com", Subject: "Weekly deals", Timestamp: time.Now()},
		{Source: domain.SourceMail, AccountID: "work", ItemID: "102", Sender: "bob@corp.com", Subject: "Budget?", Timestamp: time.Now()},
	}}

	orig := openGateway
	openGateway = func(ctx context.Context, cfg *config.Config) (*gateway.Gateway, error) {
		return gateway.NewWithOptions(ctx, cfg, gateway.Options{
			Sources: []source.Source{src},
			Classifier: stubClassifier{out: []oracle.Classification{
				{ID: "work/102", Action: domain.ActionFlag, Reasoning: "needs an answer", Confidence: 0.9},
			}},
		})
	}
	t.Cleanup(func() { openGateway = orig })
	return src
}

func run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

var idPattern = regexp.MustCompile(`Created proposal ([0-9a-f-]{36})`)

func createProposal(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, code := run(t, append([]string{"proposals", "create"}, args...)...)
	if code != 0 {
		t.Fatalf("create exit = %d, stderr = %s", code, errOut)
	}
	m := idPattern.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no id in output: %s", out)
	}
	return m[1]
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("x", "bad"), exitValidation},
		{fmt.Errorf("proposal %q: %w", "zz", domain.ErrNotFound), exitNotFound},
		{&domain.AmbiguousError{Ref: "a", Matches: []string{"a1", "a2"}}, exitAmbiguous},
		{&domain.PolicyViolation{Reasons: []string{"limit"}}, exitPolicy},
		{errors.New("boom"), exitError},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestProposalsLifecycle(t *testing.T) {
	src := setupCLI(t)

	id := createProposal(t, "thread", "101", "archive", "--reason", "newsletter", "--account", "work")

	out, _, code := run(t, "proposals", "list")
	if code != 0 || !strings.Contains(out, id[:8]) || !strings.Contains(out, "archive") {
		t.Fatalf("list exit=%d output=%s", code, out)
	}

	out, errOut, code := run(t, "proposals", "approve", id[:8], "--reason", "yes")
	if code != 0 {
		t.Fatalf("approve exit=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "Approved") {
		t.Errorf("approve output = %s", out)
	}

	_, errOut, code = run(t, "proposals", "approve", id)
	if code != exitError || !strings.Contains(errOut, "not pending") {
		t.Errorf("second approve exit=%d stderr=%s", code, errOut)
	}

	out, errOut, code = run(t, "proposals", "execute")
	if code != 0 {
		t.Fatalf("execute exit=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "1 executed, 0 failed") {
		t.Errorf("execute output = %s", out)
	}
	if len(src.executed) != 1 || src.executed[0] != "101:archive" {
		t.Errorf("provider calls = %v", src.executed)
	}
}

func TestProposalsCreateErrors(t *testing.T) {
	setupCLI(t)

	_, _, code := run(t, "proposals", "create", "draft", "101", "archive")
	if code != exitValidation {
		t.Errorf("illegal action exit = %d, want %d", code, exitValidation)
	}

	_, _, code = run(t, "proposals", "create", "thread", "999", "archive")
	if code != exitNotFound {
		t.Errorf("missing entity exit = %d, want %d", code, exitNotFound)
	}

	_, _, code = run(t, "proposals", "create", "bogus", "1", "archive")
	if code != exitValidation {
		t.Errorf("bad entity type exit = %d, want %d", code, exitValidation)
	}
}

func TestProposalsRejectWithCorrectionAndStats(t *testing.T) {
	setupCLI(t)
	id := createProposal(t, "thread", "102", "delete", "--account", "work")

	_, _, code := run(t, "proposals", "reject", id, "--correct", "mark-read")
	if code != exitValidation {
		t.Errorf("illegal correction exit = %d, want %d", code, exitValidation)
	}

	out, errOut, code := run(t, "proposals", "reject", id, "--correct", "archive", "--reason", "keep it")
	if code != 0 {
		t.Fatalf("reject exit=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "Rejected") {
		t.Errorf("reject output = %s", out)
	}

	out, _, code = run(t, "stats")
	if code != 0 {
		t.Fatalf("stats exit = %d", code)
	}
	if !strings.Contains(out, "delete") || !strings.Contains(out, "delete -> archive (1)") {
		t.Errorf("stats output = %s", out)
	}
}

func TestProposalsReferenceErrors(t *testing.T) {
	setupCLI(t)

	_, errOut, code := run(t, "proposals", "approve", "ffffffff")
	if code != exitNotFound {
		t.Errorf("unknown id exit = %d, want %d (%s)", code, exitNotFound, errOut)
	}

	_, _, code = run(t, "proposals", "approve")
	if code != exitValidation {
		t.Errorf("missing id exit = %d, want %d", code, exitValidation)
	}

	_, _, code = run(t, "proposals", "approve", "abc", "--all")
	if code != exitValidation {
		t.Errorf("id with --all exit = %d, want %d", code, exitValidation)
	}
}

func TestBulkApprove(t *testing.T) {
	setupCLI(t)
	createProposal(t, "thread", "101", "archive", "--account", "work")
	createProposal(t, "thread", "102", "flag", "--account", "work")

	out, _, code := run(t, "proposals", "approve", "--action", "archive")
	if code != 0 || !strings.Contains(out, "1 approved") {
		t.Fatalf("bulk approve exit=%d output=%s", code, out)
	}

	out, _, _ = run(t, "proposals", "list", "--status", "pending")
	if !strings.Contains(out, "flag") || strings.Contains(out, "archive") {
		t.Errorf("pending after bulk approve = %s", out)
	}
}

func TestTriageCommand(t *testing.T) {
	setupCLI(t)

	out, errOut, code := run(t, "triage", "--dry-run")
	if code != 0 {
		t.Fatalf("dry run exit=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "would propose") || !strings.Contains(out, "0 proposed") {
		t.Errorf("dry run output = %s", out)
	}

	out, _, code = run(t, "triage")
	if code != 0 || !strings.Contains(out, "2 proposed") {
		t.Fatalf("triage exit=%d output=%s", code, out)
	}

	out, _, _ = run(t, "triage")
	if !strings.Contains(out, "already proposed") {
		t.Errorf("second triage should skip open proposals: %s", out)
	}
}

func TestSnoozeCommands(t *testing.T) {
	setupCLI(t)

	out, errOut, code := run(t, "snooze", "add", "message", "101", "3h", "--source", "work", "--reason", "later")
	if code != 0 {
		t.Fatalf("snooze add exit=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "Snoozed message:101") {
		t.Errorf("snooze add output = %s", out)
	}

	out, _, _ = run(t, "triage", "--dry-run")
	if strings.Contains(out, "101") {
		t.Errorf("snoozed item should be excluded from triage: %s", out)
	}

	out, _, code = run(t, "snooze", "list")
	if code != 0 || !strings.Contains(out, "message:101") {
		t.Fatalf("snooze list exit=%d output=%s", code, out)
	}
	id := strings.Fields(strings.Split(out, "\n")[1])[0]

	out, _, code = run(t, "snooze", "remove", id)
	if code != 0 || !strings.Contains(out, "Unsnoozed message:101") {
		t.Errorf("snooze remove exit=%d output=%s", code, out)
	}

	_, _, code = run(t, "snooze", "remove", id)
	if code != exitNotFound {
		t.Errorf("second remove exit = %d, want %d", code, exitNotFound)
	}
}

func TestRunOnboard(t *testing.T) {
	setupCLI(t)
	home := os.Getenv("HOME")

	out, _, code := run(t, "onboard")
	if code != 0 {
		t.Fatalf("onboard exit = %d", code)
	}
	if !strings.Contains(out, "Created config") {
		t.Errorf("unexpected output: %s", out)
	}
	for _, name := range []string{"config.json", "contacts.yaml", "rules.md"} {
		if _, err := os.Stat(filepath.Join(home, ".inboxclaw", name)); err != nil {
			t.Errorf("%s was not created: %v", name, err)
		}
	}

	out, _, _ = run(t, "onboard")
	if !strings.Contains(out, "Config already exists") {
		t.Errorf("second onboard output: %s", out)
	}
}

func TestRunStatus(t *testing.T) {
	setupCLI(t)

	out, _, code := run(t, "status")
	if code != 0 {
		t.Fatalf("status exit = %d", code)
	}
	for _, want := range []string{"Config:", "API Key: not set", "Telegram: enabled=false", "Mail accounts: 0", "Policy: require_approval=true"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output: %s", want, out)
		}
	}

	t.Setenv("INBOXCLAW_API_KEY", "sk-ant-1234567890")
	out, _, _ = run(t, "status")
	if !strings.Contains(out, "API Key: sk-a...7890") {
		t.Errorf("masked key missing: %s", out)
	}
}

func TestProviderDisplay(t *testing.T) {
	if got := providerDisplay(""); got != "anthropic (default)" {
		t.Errorf("providerDisplay(\"\") = %q", got)
	}
	if got := providerDisplay("openai"); got != "openai" {
		t.Errorf("providerDisplay(openai) = %q", got)
	}
}
