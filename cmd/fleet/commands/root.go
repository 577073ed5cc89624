package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleet/pkg/api"
	"github.com/openfroyo/fleet/pkg/config"
)

var (
	// Global flags
	configPath string
	serverURL  string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Fleet - control plane for test bench peers",
		Long: `Fleet manages a fleet of peers running the fleet agent.

Peers describe their network interfaces, devices and executors. Cluster
configurations group devices of several peers under a leader; deploying a
cluster bridges the devices of all members into one network and starts
their executors.

Features:
  - Declarative manifests via CUE
  - Admission policies via OPA/rego
  - Persistent state in badger or SQLite
  - Streaming configuration to connected agents`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "control plane address (defaults to network.remote)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newPeersCommand())
	rootCmd.AddCommand(newClustersCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func loadSettings() (*config.Settings, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		settings.Telemetry.LogLevel = "debug"
	}
	return settings, nil
}

// newClient returns an admin API client for --server or the configured remote.
func newClient() (*api.Client, error) {
	if serverURL != "" {
		return api.NewClient(serverURL, nil), nil
	}
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return api.NewClient(settings.RemoteURL(), nil), nil
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				_ = printJSON(cmd, map[string]string{"version": version, "commit": commit, "build_date": buildDate})
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fleet %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
