package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/inboxclaw/internal/domain"
	"github.com/stellarlinkco/inboxclaw/internal/gateway"
	"github.com/stellarlinkco/inboxclaw/internal/learning"
	"github.com/stellarlinkco/inboxclaw/internal/snooze"
	"github.com/stellarlinkco/inboxclaw/internal/triage"
)

func newTriageCmd() *cobra.Command {
	var limit int
	var minConfidence float64
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Classify the unified inbox and store proposals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				cfg := g.Config()
				opts := triage.RunOptions{Limit: cfg.Triage.Limit, MinConfidence: cfg.Triage.MinConfidence, DryRun: dryRun}
				if cmd.Flags().Changed("limit") {
					opts.Limit = limit
				}
				if cmd.Flags().Changed("min-confidence") {
					opts.MinConfidence = minConfidence
				}
				report, err := g.Triage.Run(ctx, cfg.Policy, opts)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ITEM\tFROM\tACTION\tCONF\tRESULT")
				for _, c := range report.Created {
					result := "proposed " + shortID(c.ID)
					if c.AutoApproved {
						result += " (auto-approved)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n", c.Item.ItemID, c.Item.Sender, c.Action, c.Confidence, result)
				}
				for _, e := range report.Eligible {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n", e.Item.ItemID, e.Item.Sender, e.Action, e.Confidence, "would propose")
				}
				for _, s := range report.Skipped {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\tskipped: %s\n", s.Item.ItemID, s.Item.Sender, s.Action, s.Confidence, s.Reason)
				}
				_ = tw.Flush()
				fmt.Fprintf(out, "%d classified, %d proposed, %d skipped\n", len(report.Proposals), len(report.Created), len(report.Skipped))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum items to fetch")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "drop results below this confidence")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be proposed without storing")
	return cmd
}

func newSnoozeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snooze",
		Short: "Defer entities from triage",
	}

	var sourceID, reason string
	add := &cobra.Command{
		Use:   "add <entity-type> <entity-id> <until>",
		Short: "Snooze an entity (until: tomorrow, evening, monday, 3h, 2d, or a date)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := domain.ParseEntityType(args[0])
			if err != nil {
				return err
			}
			return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				id, until, err := g.Snoozes.Snooze(ctx, snooze.Request{
					EntityType: et,
					EntityID:   args[1],
					SourceID:   sourceID,
					Until:      args[2],
					Reason:     reason,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Snoozed %s:%s until %s (%s)\n", et, args[1], until.Format("Mon Jan 2 15:04"), shortID(id))
				return nil
			})
		},
	}
	add.Flags().StringVar(&sourceID, "source", "", "source account the entity belongs to")
	add.Flags().StringVar(&reason, "reason", "", "why it is snoozed")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active snoozes, soonest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				entries, err := g.Snoozes.Active(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "No active snoozes.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tENTITY\tUNTIL\tREASON")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%s\n", shortID(e.ID), e.EntityType, e.EntityID, e.SnoozeUntil.Local().Format(time.DateTime), e.Reason)
				}
				return tw.Flush()
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Cancel a snooze",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				e, err := g.Snoozes.Unsnooze(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unsnoozed %s:%s\n", e.EntityType, e.EntityID)
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-action accuracy and correction patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				stats, err := g.Learning.Stats(ctx)
				if err != nil {
					return err
				}
				patterns, err := g.Learning.CorrectionPatterns(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(stats) == 0 {
					fmt.Fprintln(out, "No decisions recorded yet.")
					return nil
				}
				auto := g.Config().Policy.AutoApprove
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ACTION\tTOTAL\tAPPROVED\tREJECTED\tCORRECTED\tACCURACY\tAUTO")
				for _, a := range slices.Sorted(maps.Keys(stats)) {
					s := stats[a]
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.0f%%\t%v\n",
						a, s.Total, s.Approved, s.Rejected, s.Corrected, s.Accuracy*100, learning.Qualifies(auto, a, s))
				}
				_ = tw.Flush()

				if len(patterns) > 0 {
					fmt.Fprintln(out, "\nCorrections:")
					for _, p := range patterns {
						fmt.Fprintf(out, "  %s -> %s (%d)\n", p.Original, p.Corrected, p.Count)
					}
				}
				return nil
			})
		},
	}
}

func newPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run the poller in the foreground until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				return g.Run(ctx)
			})
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
