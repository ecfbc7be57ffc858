package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"glucolog/internal/config"
	"glucolog/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Loaded configuration
	cfg *config.Config

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "glucolog",
	Short: "glucolog - conversational blood-glucose tracking",
	Long: `glucolog tracks blood-glucose readings through natural conversation.

Report a reading in plain language ("my sugar was 120 this morning, fasting");
the AI extracts the structured fields, you confirm them, and confirmed readings
feed your history and statistics.

Run "glucolog serve" to start the server, "glucolog chat" to talk to it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		// Categorized debug logging is separate from the operational zap
		// logger and off unless the config enables it.
		return logging.Initialize(cfg.Logging.Directory, logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
			JSONFormat: cfg.Logging.JSONFormat,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "glucolog.yaml", "Path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
