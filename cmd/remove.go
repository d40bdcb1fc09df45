package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/utils"
)

var removeYes bool

var removeCmd = &cobra.Command{
	Use:   "remove <identity_id>",
	Short: "Delete an identity and its scan history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := parseID(args[0])
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}
		rec, err := DB.Get(cmd.Context(), id)
		if err != nil {
			utils.Die("Failed to load identity", err, nil)
		}
		if !removeYes && !confirm(bufio.NewReader(os.Stdin), fmt.Sprintf("⚠️  Delete '%s' (ID %d) and %d recorded scan(s)?", rec.Name, rec.ID, rec.ScanCount)) {
			fmt.Println("Operation cancelled.")
			return
		}
		if err := DB.Delete(cmd.Context(), id); err != nil {
			utils.Die("Failed to delete identity", err, nil)
		}
		fmt.Printf("🗑️  Identity %d ('%s') removed\n", id, rec.Name)
	},
}

func init() {
	removeCmd.Flags().BoolVarP(&removeYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(removeCmd)
}
