package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"MedusaLoader/internal/store"
)

var (
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show recorded injection attempts",
		RunE:  runHistory,
	}

	historyLimit   int
	historyTargets bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of attempts to show")
	historyCmd.Flags().BoolVar(&historyTargets, "targets", false, "show per-image totals instead")
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	db, err := store.Open(a.cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if historyTargets {
		targets, err := db.ListTargets(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "IMAGE\tATTEMPTS\tLAST")
		for _, t := range targets {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", t.Path, t.Attempts, humanize.Time(t.UpdatedAt))
		}
		return nil
	}

	attempts, err := db.ListAttempts(ctx, historyLimit, 0)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "WHEN\tPID\tIMAGE\tFINAL\tREACHED\tREASON")
	for _, at := range attempts {
		reason := at.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			humanize.Time(at.CreatedAt), at.PID, at.Image, at.Final, at.Reached, reason)
	}
	return nil
}
