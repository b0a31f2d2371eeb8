package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/resilience"
)

func newDeadLettersCmd() *cobra.Command {
	var (
		limit   int
		asJSON  bool
		showAll bool
	)
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Lists jobs that exhausted their retries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), rt.cfg.Storage)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := store.Close(); cerr != nil {
					rt.logger.Warn("Failed to close job store", zap.Error(cerr))
				}
			}()

			if showAll {
				limit = 0
			}
			dl := resilience.NewDeadLetters(store)
			entries, err := dl.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				_, err := fmt.Fprintln(out, "no dead letters")
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tPLATFORM\tJOB\tCATEGORY\tRETRIES\tURL\tMESSAGE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					e.Record.At.Format(time.RFC3339),
					e.Job.Platform,
					e.Job.ID,
					e.Record.Category,
					e.Record.RetryCount,
					e.Job.URL,
					e.Record.Message,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show, newest first")
	cmd.Flags().BoolVar(&showAll, "all", false, "show every entry")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
