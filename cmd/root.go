package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/logging"
	"github.com/andresmejia3/vigil/internal/store"
)

var (
	// DB is the identity store shared by subcommands
	DB store.Store
	// Cfg is the resolved configuration
	Cfg *config.Config
	// Logger is the structured logger handed to the core packages
	Logger *slog.Logger

	cfgPath  string
	dbURL    string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

// skipStore marks commands that must run without opening the store.
const skipStore = "skip-store"

var rootCmd = &cobra.Command{
	Use:          "vigil",
	Short:        "Live face recognition against a registry of enrolled identities",
	Version:      Version, // This enables the --version flag
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, _, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbURL != "" {
			cfg.Store.URL = dbURL
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		Cfg = cfg

		Logger, err = logging.NewFromConfig(cfg)
		if err != nil {
			return err
		}
		slog.SetDefault(Logger)

		if cmd.Annotations[skipStore] == "true" {
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), cfg.Store.URL)
		if err != nil {
			return fmt.Errorf("failed to open identity store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			if err := DB.Close(); err != nil {
				Logger.Warn("closing identity store", "error", err)
			}
			DB = nil
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		// A missing .env is fine.
		_ = godotenv.Load()
	})
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default: ~/.config/vigil/config.toml)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "SQLite file or postgres:// connection string (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
}
