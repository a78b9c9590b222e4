package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func auditCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "audit",
		Short: "Inspect recorded consensus results",
	}
	c.AddCommand(auditListCommand(), auditShowCommand(), auditPruneCommand())
	return c
}

func auditListCommand() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List recent results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{useDB: true})
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.db.ListResults(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), results)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTASK\tALGORITHM\tREACHED\tVALID/TOTAL/SELECTED\tCONFIDENCE\tPRODUCED")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d/%d/%d\t%.3f\t%s\n",
					r.ID, r.TaskID, r.Algorithm, r.ConsensusReached,
					r.ValidCount, r.TotalCount, r.SelectedCount,
					r.AggregateConfidence, r.ProducedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "maximum results (0 = all)")
	c.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return c
}

func auditShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <result-id>",
		Short: "Print one result with its outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{useDB: true})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.db.GetResult(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func auditPruneCommand() *cobra.Command {
	var olderThan time.Duration
	c := &cobra.Command{
		Use:   "prune",
		Short: "Delete results older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			a, err := newApp(appOptions{useDB: true})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.db.PruneResults(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d results\n", n)
			return nil
		},
	}
	c.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff")
	return c
}
