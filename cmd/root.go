package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/writemesh/writemesh/internal/config"
	"github.com/writemesh/writemesh/internal/server"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "writemesh",
		Short: "Single-writer arbitration over a broadcast bus",
		Long: `Writemesh elects exactly one primary among the peer processes sharing a
single-writer embedded resource. Peers coordinate over a lossy broadcast
bus; demoted peers are blocked and promoted again when the primary
disappears.`,
		RunE: runServer,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
}

// Execute runs the root command
func Execute(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	return rootCmd.ExecuteContext(ctx)
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override config file if provided
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
		cfg.ConfigFile = configFile
	}

	// Create and start server
	srv := server.New(cfg)

	return srv.Start(ctx)
}
