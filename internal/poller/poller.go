// Package poller runs triage and execution passes on a fixed interval.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/inboxclaw/internal/config"
	"github.com/stellarlinkco/inboxclaw/internal/proposal"
	"github.com/stellarlinkco/inboxclaw/internal/triage"
)

// ErrCycleRunning is returned by RunOnce while another cycle is in flight.
var ErrCycleRunning = errors.New("poll cycle already running")

type Triager interface {
	Run(ctx context.Context, p config.Policy, opts triage.RunOptions) (triage.RunReport, error)
}

type Executor interface {
	ExecuteApproved(ctx context.Context, r proposal.Runner) ([]proposal.ItemResult, error)
}

// Options configures a Service. Policy is called at the start of every
// cycle so edits to the config take effect without a restart. Runner
// builds the execution runner for that cycle's policy.
type Options struct {
	Every         time.Duration
	Limit         int
	MinConfidence float64
	Execute       bool
	Policy        func() (config.Policy, error)
	Runner        func(p config.Policy) proposal.Runner
	Logger        *slog.Logger
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Triage   triage.RunReport
	Executed int
	Failed   int
}

type Service struct {
	triager  Triager
	executor Executor
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *rcron.Cron
	cancel  context.CancelFunc
	stopCh  chan struct{}
	running atomic.Bool
	cycles  atomic.Int64
}

func New(t Triager, e Executor, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		triager:  t,
		executor: e,
		opts:     opts,
		logger:   logger.With("component", "poller"),
	}
}

// Start schedules cycles every opts.Every. Calling Start on a started
// service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	if s.opts.Every <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", s.opts.Every)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := rcron.New(rcron.WithLogger(cronLogger{s.logger}))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.opts.Every), func() {
		if _, err := s.RunOnce(runCtx); err != nil && !errors.Is(err, ErrCycleRunning) {
			s.logger.Error("poll cycle failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule poll: %w", err)
	}

	stopCh := make(chan struct{})
	s.cron = c
	s.cancel = cancel
	s.stopCh = stopCh
	c.Start()
	s.logger.Info("poller started", "every", s.opts.Every.String(), "execute", s.opts.Execute)

	go func() {
		select {
		case <-ctx.Done():
			s.stop(c)
		case <-stopCh:
		}
	}()
	return nil
}

// Stop cancels the schedule and lets an in-flight cycle finish. Safe to
// call more than once.
func (s *Service) Stop() {
	s.stop(nil)
}

// stop tears down the running schedule. A non-nil only restricts it to that
// schedule, so a watcher from an earlier Start cannot stop a later one.
func (s *Service) stop(only *rcron.Cron) {
	s.mu.Lock()
	c, cancel, stopCh := s.cron, s.cancel, s.stopCh
	if c == nil || (only != nil && c != only) {
		s.mu.Unlock()
		return
	}
	s.cron, s.cancel, s.stopCh = nil, nil, nil
	s.mu.Unlock()

	close(stopCh)
	<-c.Stop().Done()
	cancel()
	s.logger.Info("poller stopped", "cycles", s.cycles.Load())
}

// Running reports whether the schedule is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// RunOnce performs one triage pass and, when enabled, executes approved
// proposals. Overlapping calls fail fast with ErrCycleRunning.
func (s *Service) RunOnce(ctx context.Context) (CycleReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("skipping poll cycle, previous one still running")
		return CycleReport{}, ErrCycleRunning
	}
	defer s.running.Store(false)
	s.cycles.Add(1)

	p, err := s.opts.Policy()
	if err != nil {
		return CycleReport{}, fmt.Errorf("load policy: %w", err)
	}

	var report CycleReport
	report.Triage, err = s.triager.Run(ctx, p, triage.RunOptions{
		Limit:         s.opts.Limit,
		MinConfidence: s.opts.MinConfidence,
	})
	if err != nil {
		return report, fmt.Errorf("triage: %w", err)
	}

	if s.opts.Execute && s.opts.Runner != nil {
		results, err := s.executor.ExecuteApproved(ctx, s.opts.Runner(p))
		if err != nil {
			return report, fmt.Errorf("execute approved: %w", err)
		}
		report.Executed, report.Failed = proposal.Summarize(results)
		for _, r := range results {
			if r.Err != nil {
				s.logger.Warn("execution failed", "proposal_id", r.Proposal.ID, "action", r.Proposal.Action, "error", r.Err)
			}
		}
	}

	s.logger.Info("poll cycle complete",
		"created", len(report.Triage.Created),
		"skipped", len(report.Triage.Skipped),
		"executed", report.Executed,
		"failed", report.Failed,
	)
	return report, nil
}

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
