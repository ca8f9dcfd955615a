package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/okarlsen/dictare/internal/config"
	"github.com/okarlsen/dictare/internal/history"
)

// NewHistoryCmd creates the history command: list recent dictation sessions
// from the archive.
func NewHistoryCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent dictation sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.History.Path == "" {
				return errors.New("history.path is not configured; nothing is archived")
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions to list")
	return cmd
}

func printSessions(out io.Writer, recs []history.SessionRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(out, "no sessions recorded")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSTATUS\tPROVIDER\tDURATION\tTRANSCRIPT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format(time.DateTime),
			r.Status,
			r.ProviderUsed,
			r.Duration.Round(100*time.Millisecond),
			truncate(r.Transcript, 60),
		)
	}
	tw.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
