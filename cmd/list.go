package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runList(cmd.Context(), cmd.OutOrStdout(), DB); err != nil {
			utils.Die("Failed to list identities", err, nil)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, w io.Writer, st store.Store) error {
	rows, err := st.ListAll(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No identities found in database.")
		return nil
	}

	table := make([][]string, 0, len(rows))
	corrupt := 0
	for _, row := range rows {
		rec := row.Record
		status := "ok"
		if !row.Valid() {
			status = "corrupt: " + row.Reason
			corrupt++
		}
		table = append(table, []string{
			strconv.FormatInt(rec.ID, 10),
			rec.Name,
			strconv.Itoa(rec.ScanCount),
			formatLastSeen(rec.LastSeen),
			rec.CreatedAt.Local().Format("2006-01-02 15:04"),
			status,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "NAME", "SCANS", "LAST SEEN", "CREATED", "STATUS"},
		table,
		[]columnAlignment{alignRight, alignLeft, alignRight},
	))
	if corrupt > 0 {
		fmt.Fprintf(w, "⚠️  %d record(s) cannot be matched and are skipped by the registry.\n", corrupt)
	}
	return nil
}
