package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/busbridge/internal/config"
	"github.com/glimte/busbridge/transform"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "busbridge",
		Short: "Bridge messages between RabbitMQ and NATS",
		Long: `busbridge moves messages between buses described in a YAML file.
Request/reply traffic is correlated and answered across the bridge.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "busbridge.yaml", "Path to the configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start every configured bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger(os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, logger, defaultTransports)
			if err != nil {
				return err
			}

			logger.Info("busbridge starting",
				"version", version,
				"buses", len(cfg.Buses),
				"bridges", len(cfg.Bridges))
			return a.run(ctx)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d buses, %d bridges\n", configPath, len(cfg.Buses), len(cfg.Bridges))
			return nil
		},
	}

	transformsCmd := &cobra.Command{
		Use:   "transforms",
		Short: "List the built-in transforms",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range transform.DefaultCatalog().Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd, transformsCmd)
	rootCmd.SetContext(context.Background())
	return rootCmd
}
