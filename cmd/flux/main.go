package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxhq/flux/pkg/client"
	"github.com/fluxhq/flux/pkg/config"
	"github.com/fluxhq/flux/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	serverURL  string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flux",
	Short: "Flux - durable workflow orchestration",
	Long: `Flux runs workflows as durable executions: every task result is
journaled to an append-only event log, so a crashed or re-dispatched
execution replays to exactly where it left off instead of starting
over.

One binary carries the control plane, the worker runtime, and this
CLI.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Logging.Level),
			JSONOutput: cfg.Logging.Format == "json",
		})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Flux version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "flux.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL (overrides config)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(executionCmd)
	rootCmd.AddCommand(secretCmd)
}

// apiClient builds a client for the configured server.
func apiClient() *client.Client {
	url := serverURL
	if url == "" {
		url = cfg.Worker.ServerURL
	}
	return client.New(url)
}
