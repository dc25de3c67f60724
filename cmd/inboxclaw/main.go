package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/domain"
	"github.com/stellarlinkco/inboxclaw/internal/gateway"
	"github.com/stellarlinkco/inboxclaw/internal/logging"
)

// Exit codes by error class.
const (
	exitError      = 1
	exitValidation = 2
	exitNotFound   = 3
	exitAmbiguous  = 4
	exitPolicy     = 5
)

// GatewayFactory builds the wired gateway (allows mocking in tests)
type GatewayFactory func(ctx context.Context, cfg *config.Config) (*gateway.Gateway, error)

var openGateway GatewayFactory = gateway.New

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "inboxclaw",
		Short:         "inboxclaw - inbox triage with human approval",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newProposalsCmd(),
		newTriageCmd(),
		newSnoozeCmd(),
		newStatsCmd(),
		newPollCmd(),
		&cobra.Command{Use: "onboard", Short: "Initialize config and context files", Args: cobra.NoArgs, RunE: runOnboard},
		&cobra.Command{Use: "status", Short: "Show inboxclaw status", Args: cobra.NoArgs, RunE: runStatus},
	)
	return root
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, describeError(err))
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return exitValidation
	case errors.Is(err, domain.ErrNotFound):
		return exitNotFound
	case errors.Is(err, domain.ErrAmbiguousReference):
		return exitAmbiguous
	case errors.Is(err, domain.ErrPolicyViolation):
		return exitPolicy
	default:
		return exitError
	}
}

func describeError(err error) string {
	var amb *domain.AmbiguousError
	switch {
	case errors.As(err, &amb):
		return fmt.Sprintf("Error: %v; use a longer prefix (matches: %v)", err, amb.Matches)
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Sprintf("Error: %v; check the id with 'inboxclaw proposals list'", err)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// withGateway loads config, configures logging and runs fn against a
// gateway that is closed afterwards.
func withGateway(cmd *cobra.Command, fn func(ctx context.Context, g *gateway.Gateway) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.NewWithWriter(cfg.Log, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	g, err := openGateway(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer g.Shutdown()
	return fn(ctx, g)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath()), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	writeIfNotExists(out, cfg.ContactsPath(), defaultContactsYAML)
	writeIfNotExists(out, cfg.RulesPath(), defaultRulesMD)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to add IMAP accounts and your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set INBOXCLAW_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'inboxclaw triage --dry-run' to preview proposals")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Database: %s\n", cfg.DBPath())
	fmt.Fprintf(out, "Model: %s\n", cfg.Oracle.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Fprintf(out, "API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Fprintln(out, "API Key: set")
	} else {
		fmt.Fprintln(out, "API Key: not set")
	}
	fmt.Fprintf(out, "Mail accounts: %d\n", len(cfg.Accounts))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Telegram.Enabled)
	fmt.Fprintf(out, "Poller: every=%s execute=%v\n", cfg.PollInterval(), cfg.Poller.Execute)
	fmt.Fprintf(out, "Policy: require_approval=%v max_daily_sends=%d auto_approve=%v\n",
		cfg.Policy.RequireApproval, cfg.Policy.MaxDailySends, cfg.Policy.AutoApprove.Enabled)

	if _, err := os.Stat(cfg.DBPath()); err != nil {
		fmt.Fprintln(out, "Database: not created yet (run 'inboxclaw onboard')")
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultContactsYAML = `# Senders the triage should know about.
# match: an address, "@domain", or a regular expression.
contacts:
  - name: Example Boss
    match: boss@example.com
    priority: true
    notes: always surface their mail
`

const defaultRulesMD = `# Triage rules

- Receipts and shipping notices can be archived.
- Anything from family is never deleted.
`
