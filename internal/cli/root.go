// Package cli provides the command-line interface for dealscout.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"dealscout/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	configPath string
	logLevel   string

	cfg      *config.Config
	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:   "dealscout",
	Short: "Conversational shopping assistant",
	Long: `Dealscout chats with a shopper until it knows exactly what they want,
checks that the product has actually been released, and then searches eBay
and Amazon for it side by side.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		path := configPath
		if path == "" {
			path = os.Getenv("DEALSCOUT_CONFIG")
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.BasicConfig.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		var logger *slog.Logger
		logger, closeLog = config.SetupLogger(cfg.BasicConfig.LogFile, config.ParseLevel(level))
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $DEALSCOUT_CONFIG or config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(backfillCmd)
}
