package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleet/pkg/fleet"
)

func newApplyCommand() *cobra.Command {
	var (
		files  []string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a CUE manifest to the control plane",
		Long: `Apply a CUE manifest to the control plane.

This command:
  - Parses and validates the manifest
  - Stores every declared peer descriptor
  - Stores every declared cluster configuration
  - Deploys the listed clusters (deploying twice is harmless)

Peers and clusters missing from the manifest are left untouched.`,
		Example: `  # Apply a manifest
  fleet apply -f fleet.cue

  # Show what would be applied
  fleet apply -f ./manifests --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			manifest, err := parseManifest(ctx, files)
			if err != nil {
				return err
			}

			log.Info().
				Int("peers", len(manifest.Peers)).
				Int("clusters", len(manifest.Clusters)).
				Int("deployments", len(manifest.Deployments)).
				Bool("dry_run", dryRun).
				Msg("Applying manifest")

			if dryRun {
				return printJSON(cmd, manifest)
			}

			client, err := newClient()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, peer := range manifest.Peers {
				if err := client.StorePeer(ctx, peer); err != nil {
					return fmt.Errorf("failed to store peer %s: %w", peer.Name, err)
				}
				fmt.Fprintf(out, "✓ peer %s <%s>\n", peer.Name, peer.ID)
			}
			for _, cluster := range manifest.Clusters {
				if err := client.StoreClusterConfiguration(ctx, cluster); err != nil {
					return fmt.Errorf("failed to store cluster %s: %w", cluster.Name, err)
				}
				fmt.Fprintf(out, "✓ cluster %s <%s>\n", cluster.Name, cluster.ID)
			}
			for _, deployment := range manifest.Deployments {
				err := client.StoreClusterDeployment(ctx, deployment.ID)
				if errors.Is(err, fleet.ErrDeploymentDenied) {
					return fmt.Errorf("deployment of cluster <%s> denied: %w", deployment.ID, err)
				}
				if err != nil {
					return fmt.Errorf("failed to deploy cluster <%s>: %w", deployment.ID, err)
				}
				fmt.Fprintf(out, "✓ deployment <%s>\n", deployment.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "manifest files or directories")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the parsed manifest instead of applying it")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
