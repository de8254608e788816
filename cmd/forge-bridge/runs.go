package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyvo/forge/bridge/pkg/history"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "list recorded training runs, or print the events of one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  doRuns,
	}
	cmd.Flags().Int("limit", 20, "number of runs to list")
	cmd.Flags().Bool("follow", false, "keep printing events until the run finishes")
	addServerFlag(cmd)
	return cmd
}

func doRuns(cmd *cobra.Command, args []string) error {
	c := newClient(cmd)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := c.Runs(ctx, limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPROVIDER\tMODEL\tSTATUS\tSTEP\tSTARTED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				r.ID, r.Provider, r.Model, r.Status, r.Step, r.TotalSteps, r.StartedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	}

	show := func(e history.Entry) error {
		_, err := fmt.Fprintf(out, "%4d %s %-8s %s\n", e.Seq, e.Time.Local().Format(time.TimeOnly), e.Event.Type, e.Event.Log)
		return err
	}
	if follow, _ := cmd.Flags().GetBool("follow"); follow {
		return c.Follow(ctx, args[0], show)
	}
	entries, err := c.Events(ctx, args[0])
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := show(e); err != nil {
			return err
		}
	}
	return nil
}
