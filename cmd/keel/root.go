package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/keel"
	"github.com/aretw0/keel/pkg/config"
	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "keel",
	Short:         "keel manages the lifecycle of stateful session instances",
	Long:          `keel keeps session instances in a bounded cache, checkpoints them to a pluggable store and resumes them after eviction or node failure.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file (default ./keel.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Override logging.level (debug, info, warn, error)")
}

// loadConfig reads the configuration selected by the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	logger, err := keel.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// parseKey accepts either a session token or the hex form of a key.
func parseKey(s string) (domain.SessionKey, error) {
	if key, err := sessionkey.ParseToken(s); err == nil {
		return key, nil
	}
	key, err := sessionkey.ParseHex(s)
	if err != nil {
		return domain.SessionKey{}, fmt.Errorf("%q is neither a session token nor a hex key: %w", s, err)
	}
	return key, nil
}
