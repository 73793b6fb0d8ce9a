package main

import (
	"fmt"
	"os"

	"marketplace/pkg/config"
	"marketplace/pkg/observability"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const version = "v0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marketplace",
		Short: "Footage marketplace coordinator",
		Long: `A UDP rendezvous server that matches footage contributors with
producers and viewers: it relays topics, routes offers and switches
viewer channels.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (json or yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		participantCmd("contributor", "Run a contributor that pings the coordinator"),
		participantCmd("producer", "Run a producer that listens for accepted topics and analysis"),
		participantCmd("viewer", "Run a viewer that follows channel changes"),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "marketplace %s\n", version)
		},
	}
}

// loadConfig reads --config when given, otherwise defaults plus environment.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadFromEnv()
}

func setupLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if verbose {
		cfg.Level = "debug"
	}
	return observability.SetupLogger(cfg)
}
