package main

import (
	"os"

	"github.com/spf13/cobra"

	"chatrelay-backend/internal/config"
	"chatrelay-backend/internal/logging"
)

var cfg *config.Config

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "chatrelay",
		Short:        "chatrelay relays a running conversation to an LLM provider",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load()
			if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
				cfg.LogLevel = f.Value.String()
			}
			if f := cmd.Flags().Lookup("log-format"); f != nil && f.Changed {
				cfg.LogFormat = f.Value.String()
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat)
		},
	}

	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console or json)")

	rootCmd.AddCommand(newServeCmd(), newAskCmd(), newPingCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
