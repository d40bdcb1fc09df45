package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Rename an enrolled identity",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := parseID(args[0])
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}
		name := args[1]

		if err := DB.Rename(cmd.Context(), id, name); err != nil {
			utils.Die("Failed to label identity", err, nil)
		}
		fmt.Printf("✅ Identity %d labeled as '%s'\n", id, name)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("identity ID must be positive, got %d", id)
	}
	return id, nil
}
