// Package gateway wires configuration, storage, sources and the decision
// engine into one object shared by the CLI commands and the poller.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stellarlinkco/inboxclaw/internal/audit"
	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/contacts"
	"github.com/stellarlinkco/inboxclaw/internal/learning"
	"github.com/stellarlinkco/inboxclaw/internal/oracle"
	"github.com/stellarlinkco/inboxclaw/internal/policy"
	"github.com/stellarlinkco/inboxclaw/internal/poller"
	"github.com/stellarlinkco/inboxclaw/internal/proposal"
	"github.com/stellarlinkco/inboxclaw/internal/snooze"
	"github.com/stellarlinkco/inboxclaw/internal/source"
	"github.com/stellarlinkco/inboxclaw/internal/store"
	"github.com/stellarlinkco/inboxclaw/internal/triage"
)

// Options for creating a Gateway. Zero values select the real collaborators.
type Options struct {
	Sources    []source.Source
	Drafts     source.DraftSender
	Classifier oracle.Classifier
	Logger     *slog.Logger
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	DB        *store.DB
	Audit     *audit.Log
	Learning  *learning.Engine
	Proposals *proposal.Store
	Snoozes   *snooze.Scheduler
	Policy    *policy.Engine
	Inbox     *source.Unified
	Contacts  *contacts.Book
	Triage    *triage.Orchestrator
	Poller    *poller.Service

	signalChan chan os.Signal
}

// New creates a Gateway with default options
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{cfg: cfg, logger: logger.With("component", "gateway"), signalChan: opts.SignalChan}

	db, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.DB = db

	sources := opts.Sources
	if sources == nil {
		sources, err = buildSources(cfg)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	g.Inbox = source.NewUnified(opts.Drafts, sources...)

	book, err := contacts.Load(cfg.ContactsPath(), cfg.RulesPath())
	if err != nil {
		g.logger.Warn("contacts not loaded", "error", err)
		book = &contacts.Book{}
	}
	g.Contacts = book

	classifier := opts.Classifier
	if classifier == nil {
		classifier = oracle.NewModelClassifier(oracle.NewProvider(cfg), cfg.Oracle.MaxTokens, cfg.OracleTimeout())
	}

	g.Audit = audit.New(db)
	g.Learning = learning.NewEngine(g.Audit)
	g.Proposals = proposal.NewStore(db, g.Audit, g.Learning, g.Inbox)
	g.Snoozes = snooze.NewScheduler(db, g.Audit)
	g.Policy = policy.NewEngine(g.Audit, g.Proposals)
	g.Triage = triage.New(triage.Deps{
		Inbox:    g.Inbox,
		Snoozes:  g.Snoozes,
		Oracle:   classifier,
		Contacts: g.Contacts,
		Ledger:   g.Proposals,
		Logger:   logger.With("component", "triage"),
	})
	g.Poller = poller.New(g.Triage, g.Proposals, poller.Options{
		Every:         cfg.PollInterval(),
		Limit:         cfg.Triage.Limit,
		MinConfidence: cfg.Triage.MinConfidence,
		Execute:       cfg.Poller.Execute,
		Policy:        g.loadPolicy,
		Runner:        g.Runner,
		Logger:        logger,
	})
	return g, nil
}

func buildSources(cfg *config.Config) ([]source.Source, error) {
	var out []source.Source
	for _, acct := range cfg.Accounts {
		out = append(out, source.NewIMAPSource(acct))
	}
	if cfg.Telegram.Enabled {
		tg, err := source.NewTelegramSource(cfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("create telegram source: %w", err)
		}
		out = append(out, tg)
	}
	return out, nil
}

// loadPolicy rereads the config so each poll cycle sees current guardrails.
func (g *Gateway) loadPolicy() (config.Policy, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return g.cfg.Policy, err
	}
	return cfg.Policy, nil
}

// Config returns the configuration the gateway was built from.
func (g *Gateway) Config() *config.Config {
	return g.cfg
}

// Runner returns the execution runner for p: draft sends are checked
// against the policy before reaching the provider.
func (g *Gateway) Runner(p config.Policy) proposal.Runner {
	return policy.NewGate(g.Policy, p, g.Inbox, g.Inbox)
}

// Run starts the poller and blocks until a signal or ctx cancellation.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	if _, err := g.Poller.RunOnce(ctx); err != nil {
		g.logger.Error("initial poll cycle failed", "error", err)
	}

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	g.logger.Info("gateway running", "sources", len(g.Inbox.Sources()))
	select {
	case <-sigCh:
		g.logger.Info("shutting down")
	case <-ctx.Done():
	}
	return g.Shutdown()
}

// Shutdown stops the poller and closes the store.
func (g *Gateway) Shutdown() error {
	if g.Poller != nil {
		g.Poller.Stop()
	}
	if g.DB != nil {
		return g.DB.Close()
	}
	return nil
}
