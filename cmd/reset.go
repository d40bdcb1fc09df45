package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/utils"
)

var (
	resetDB     bool
	resetFrames bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (identities, scan history, saved frames)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFrames {
			resetDB = true
			resetFrames = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if confirm(reader, "⚠️  Are you sure you want to DROP all identities and scan history?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFrames && Cfg.Pipeline.OutputDir != "" {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all saved frames in %s?", Cfg.Pipeline.OutputDir)) {
				fmt.Println("🗑️  Clearing Saved Frames...")
				removeDir(Cfg.Pipeline.OutputDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "identities", false, "Clear identities and scan history")
	resetCmd.Flags().BoolVar(&resetFrames, "frames", false, "Clear annotated frames saved by watch --output-dir")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return false
	}
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
