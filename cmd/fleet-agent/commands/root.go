package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleet/pkg/config"
)

var (
	configPath string
	peerID     string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleet-agent",
		Short: "Fleet agent - applies peer configurations pushed by the control plane",
		Long: `The fleet agent keeps a stream open to the control plane and converges
the host to the configuration it receives: bridges, GRE tunnels, device
interfaces and executors.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&peerID, "peer-id", "", "id of this peer (overrides peer.id)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newRunCommand(version))
	return rootCmd
}

func loadSettings() (*config.Settings, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if peerID != "" {
		settings.Peer.ID = peerID
	}
	if verbose {
		settings.Telemetry.LogLevel = "debug"
	}
	return settings, nil
}
