package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/utils"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <identity_id>",
	Short: "Show an identity's profile and recent scans",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := parseID(args[0])
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}
		if err := runHistory(cmd.Context(), cmd.OutOrStdout(), DB, id, historyLimit); err != nil {
			utils.Die("Failed to load history", err, nil)
		}
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Number of recent scans to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(ctx context.Context, w io.Writer, st store.Store, id int64, limit int) error {
	rec, err := st.Get(ctx, id)
	if err != nil {
		return err
	}
	events, err := st.History(ctx, id, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "👤 %s (ID %d)\n", rec.Name, rec.ID)
	fmt.Fprintf(w, "   Scans:     %d\n", rec.ScanCount)
	fmt.Fprintf(w, "   Last seen: %s\n", formatLastSeen(rec.LastSeen))
	fmt.Fprintf(w, "   Enrolled:  %s\n", rec.CreatedAt.Local().Format("2006-01-02 15:04"))
	keys := make([]string, 0, len(rec.Metadata))
	for k := range rec.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "   %s: %v\n", k, rec.Metadata[k])
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "\nNo scans recorded yet.")
		return nil
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			ev.Method,
			fmt.Sprintf("%.1f%%", ev.Confidence),
			ev.Source,
		})
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, renderTable(
		[]string{"TIME", "METHOD", "CONFIDENCE", "SOURCE"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight},
	))
	return nil
}

func formatLastSeen(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
