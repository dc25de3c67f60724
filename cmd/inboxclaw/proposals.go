package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/inboxclaw/internal/domain"
	"github.com/stellarlinkco/inboxclaw/internal/gateway"
	"github.com/stellarlinkco/inboxclaw/internal/proposal"
)

func newProposalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proposals",
		Aliases: []string{"p"},
		Short:   "List and decide on proposed actions",
	}
	cmd.AddCommand(
		newProposalsListCmd(),
		newProposalsCreateCmd(),
		newProposalsApproveCmd(),
		newProposalsRejectCmd(),
		newProposalsExecuteCmd(),
	)
	return cmd
}

func newProposalsListCmd() *cobra.Command {
	var status, action string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := proposal.Filter{Limit: limit}
			if status != "" {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			if action != "" {
				a, err := domain.ParseAction(action)
				if err != nil {
					return err
				}
				f.Action = a
			}
			return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				ps, err := g.Proposals.List(ctx, f)
				if err != nil {
					return err
				}
				printProposals(cmd.OutOrStdout(), ps)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "pending, approved, rejected, executed (empty for all)")
	cmd.Flags().StringVar(&action, "action", "", "only proposals for this action")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func printProposals(w io.Writer, ps []domain.Proposal) {
	if len(ps) == 0 {
		fmt.Fprintln(w, "No proposals.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tACTION\tENTITY\tSENDER\tREASONING")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s:%s\t%s\t%s\n",
			p.ShortID(), p.Status, p.Action, p.EntityType, p.EntityID, p.Sender, truncate(p.AgentReasoning, 60))
	}
	_ = tw.Flush()
}

func newProposalsCreateCmd() *cobra.Command {
	var reason, account string
	var skipValidation bool
	cmd := &cobra.Command{
		Use:   "create <entity-type> <entity-id> <action>",
		Short: "Propose an action by hand",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := domain.ParseEntityType(args[0])
			if err != nil {
				return err
			}
			action, err := domain.ParseAction(args[2])
			if err != nil {
				return err
			}
			return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				res, err := g.Proposals.Create(ctx, g.Config().Policy, proposal.CreateInput{
					EntityType:     et,
					EntityID:       args[1],
					Action:         action,
					Reasoning:      reason,
					AccountHint:    account,
					SkipValidation: skipValidation,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created proposal %s\n", res.ID)
				if res.AutoApproved {
					fmt.Fprintln(out, "Auto-approved from decision history.")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why this action")
	cmd.Flags().StringVar(&account, "account", "", "source account that owns the entity")
	cmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "do not check that the entity exists")
	return cmd
}

// bulkFlags are shared by approve and reject.
type bulkFlags struct {
	all    bool
	action string
	reason string
}

func (b *bulkFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&b.all, "all", false, "apply to every pending proposal")
	cmd.Flags().StringVar(&b.action, "action", "", "apply to pending proposals for this action")
	cmd.Flags().StringVar(&b.reason, "reason", "", "your reasoning, kept for learning")
}

// target returns the single id, or reports a bulk request with its action filter.
func (b *bulkFlags) target(args []string) (id string, bulk bool, action domain.Action, err error) {
	switch {
	case len(args) == 1 && (b.all || b.action != ""):
		return "", false, "", domain.NewValidationError("id", "give an id or --all/--action, not both")
	case len(args) == 1:
		return args[0], false, "", nil
	case b.action != "":
		a, err := domain.ParseAction(b.action)
		return "", true, a, err
	case b.all:
		return "", true, "", nil
	}
	return "", false, "", domain.NewValidationError("id", "a proposal id, --all or --action is required")
}

func newProposalsApproveCmd() *cobra.Command {
	var flags bulkFlags
	cmd := &cobra.Command{
		Use:   "approve [id]",
		Short: "Approve a proposal, or every pending one with --all/--action",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, bulk, action, err := flags.target(args)
			if err != nil {
				return err
			}
			return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				out := cmd.OutOrStdout()
				if bulk {
					results, err := g.Proposals.ApproveMatching(ctx, action, flags.reason)
					if err != nil {
						return err
					}
					return reportBulk(out, "approved", results)
				}
				ok, err := g.Proposals.Approve(ctx, id, flags.reason)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("proposal %s is not pending", id)
				}
				fmt.Fprintf(out, "Approved %s\n", id)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newProposalsRejectCmd() *cobra.Command {
	var flags bulkFlags
	var correct string
	cmd := &cobra.Command{
		Use:   "reject [id]",
		Short: "Reject a proposal, optionally naming the action you wanted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, bulk, action, err := flags.target(args)
			if err != nil {
				return err
			}
			return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				out := cmd.OutOrStdout()
				if bulk {
					results, err := g.Proposals.RejectMatching(ctx, action, flags.reason, correct)
					if err != nil {
						return err
					}
					return reportBulk(out, "rejected", results)
				}
				ok, err := g.Proposals.Reject(ctx, id, flags.reason, correct)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("proposal %s is not pending", id)
				}
				fmt.Fprintf(out, "Rejected %s\n", id)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&correct, "correct", "", "the action that should have been proposed")
	return cmd
}

func newProposalsExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute",
		Short: "Perform every approved proposal, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
				results, err := g.Proposals.ExecuteApproved(ctx, g.Runner(g.Config().Policy))
				if err != nil {
					return err
				}
				return reportBulk(cmd.OutOrStdout(), "executed", results)
			})
		},
	}
}

// reportBulk prints one line per item and fails when any item failed,
// carrying the first failure so the exit code reflects its class.
func reportBulk(w io.Writer, verb string, results []proposal.ItemResult) error {
	var first error
	var ok, failed int
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "  FAIL %s %s: %v\n", r.Proposal.ShortID(), r.Proposal.Action, r.Err)
			failed++
			if first == nil {
				first = r.Err
			}
		case r.OK:
			ok++
			fmt.Fprintf(w, "  ok   %s %s %s:%s\n", r.Proposal.ShortID(), r.Proposal.Action, r.Proposal.EntityType, r.Proposal.EntityID)
		default:
			fmt.Fprintf(w, "  skip %s (no longer pending)\n", r.Proposal.ShortID())
		}
	}
	fmt.Fprintf(w, "%d %s, %d failed\n", ok, verb, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d failed: %w", failed, len(results), first)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
