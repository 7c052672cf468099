package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the most recent verdicts from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dbURL := a.cfg.Database().URL
			if dbURL == "" {
				return errors.New("the journal is disabled: set database.url or SAFESURF_DATABASE_URL")
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}

			ctx := cmd.Context()
			j, closeJournal, err := a.openJournal(ctx, dbURL, a.logger)
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer closeJournal()

			entries, err := j.Recent(ctx, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No verdicts recorded yet.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CHECKED AT\tRESULT\tURL\tREASON")
			for _, e := range entries {
				label := string(e.Label)
				if e.Failed {
					label += " (failed)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CheckedAt.Local().Format(time.DateTime), label, e.URL, e.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}
