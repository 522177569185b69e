package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

func newEnqueueCmd() *cobra.Command {
	var recent bool
	cmd := &cobra.Command{
		Use:   "enqueue <source_id>",
		Short: "Publish an immediate crawl task for an active source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			op, err := appInstance.Operator()
			if err != nil {
				return err
			}
			task, err := op.Enqueue(cmd.Context(), args[0], recent)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s task %s for %s\n", task.Type, task.ID, task.SourceID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&recent, "recent", false, "start near the newest messages (worker.recent_window back) instead of at the stored cursor")
	return cmd
}

func newRetierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retier <source_id> <tier|auto>",
		Short: "Pin a source to a tier, or return it to its scored tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pin *crawler.Tier
			if !strings.EqualFold(args[1], "auto") {
				tier, err := parseTier(args[1], crawler.TierInactive)
				if err != nil {
					return err
				}
				pin = &tier
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			op, err := appInstance.Operator()
			if err != nil {
				return err
			}
			tier, err := op.Retier(cmd.Context(), args[0], pin)
			if err != nil {
				return err
			}
			state := "pinned"
			if pin == nil {
				state = "scored"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> tier %d (%s)\n", args[0], tier, state)
			return nil
		},
	}
}

func newTiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "Report sources, live locks and items per tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			op, err := appInstance.Operator()
			if err != nil {
				return err
			}
			counts, err := op.TierCounts(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIER\tSOURCES\tLOCKED\tITEMS")
			for _, c := range counts {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", c.Tier, c.Sources, c.Locked, c.Items)
			}
			return tw.Flush()
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep <tier>",
		Short: "Ask the scheduler to sweep a tier now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := parseTier(args[0], 1)
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			op, err := appInstance.Operator()
			if err != nil {
				return err
			}
			task, err := op.RequestSweep(cmd.Context(), tier)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sweep of tier %d requested (task %s)\n", tier, task.ID)
			return nil
		},
	}
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Clear crawl locks older than the lock TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			op, err := appInstance.Operator()
			if err != nil {
				return err
			}
			n, err := op.RecoverLocks(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stale locks\n", n)
			return nil
		},
	}
}

func newAddSourceCmd() *cobra.Command {
	var (
		handle string
		tier   int
	)
	cmd := &cobra.Command{
		Use:   "add-source <source_id>",
		Short: "Register a source, or refresh its handle and tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := crawler.Tier(tier)
			if t < 1 || t > crawler.TierMax {
				return fmt.Errorf("tier %d out of range [1,%d]", tier, crawler.TierMax)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			src := crawler.Source{ID: args[0], Handle: handle, Tier: t}
			if err := appInstance.Store().UpsertSource(cmd.Context(), src); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source %s registered at tier %d\n", src.ID, src.Tier)
			return nil
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "public handle of the source")
	cmd.Flags().IntVar(&tier, "tier", 3, "initial tier")
	return cmd
}

func newDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <source_id>",
		Short: "Move a source to tier 0 so it is no longer scheduled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Store().Deactivate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source %s deactivated\n", args[0])
			return nil
		},
	}
}

func parseTier(s string, lowest crawler.Tier) (crawler.Tier, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid tier %q: %w", s, err)
	}
	tier := crawler.Tier(n)
	if tier < lowest || tier > crawler.TierMax {
		return 0, fmt.Errorf("tier %d out of range [%d,%d]", n, lowest, crawler.TierMax)
	}
	return tier, nil
}
