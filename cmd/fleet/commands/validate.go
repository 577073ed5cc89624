package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleet/pkg/config"
	"github.com/openfroyo/fleet/pkg/policy"
	"github.com/openfroyo/fleet/pkg/types"
)

func newValidateCommand() *cobra.Command {
	var (
		files    []string
		policies []string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate CUE manifests",
		Long: `Validate CUE manifests against the manifest schema and the admission policies.

This command checks:
  - CUE syntax validity
  - Schema conformance
  - Peer and cluster consistency
  - Policy compliance (OPA/rego) of every declared cluster`,
		Example: `  # Validate a manifest
  fleet validate -f fleet.cue

  # Validate a directory with additional policies
  fleet validate -f ./manifests --policy ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Strs("files", files).
				Strs("policies", policies).
				Msg("Validating manifest")

			manifest, err := parseManifest(cmd.Context(), files)
			if err != nil {
				return err
			}

			engine, err := policy.NewEngine(zerolog.Nop())
			if err != nil {
				return err
			}
			defer engine.Close()
			if err := engine.LoadPolicies(cmd.Context(), policies); err != nil {
				return err
			}

			denied := 0
			for _, cluster := range manifest.Clusters {
				result, err := engine.Evaluate(cmd.Context(), policy.NewInput(cluster, membersOf(cluster, manifest.Peers)))
				if err != nil {
					return err
				}
				for _, v := range result.Warnings {
					fmt.Fprintf(cmd.OutOrStdout(), "⚠ cluster %s: %s (%s)\n", cluster.Name, v.Message, v.Policy)
				}
				if !result.Allowed {
					denied++
					for _, v := range result.Violations {
						fmt.Fprintf(cmd.OutOrStdout(), "✗ cluster %s: %s (%s)\n", cluster.Name, v.Message, v.Policy)
					}
				}
			}
			if denied > 0 {
				return fmt.Errorf("%d cluster(s) denied by policy", denied)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ %d peer(s), %d cluster(s), %d deployment(s) valid\n",
				len(manifest.Peers), len(manifest.Clusters), len(manifest.Deployments))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", []string{"."}, "manifest files or directories")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "additional policy files or directories")

	return cmd
}

// parseManifest parses files and fails with every validation error printed.
func parseManifest(ctx context.Context, files []string) (*config.Manifest, error) {
	manifest, err := config.NewManifestParser().Parse(ctx, files)
	if err != nil {
		return nil, err
	}
	if len(manifest.Errors) > 0 {
		for _, e := range manifest.Errors {
			log.Error().Str("severity", e.Severity).Msg(e.Error())
		}
		return nil, fmt.Errorf("manifest has %d error(s)", len(manifest.Errors))
	}
	return manifest, nil
}

// membersOf returns the peers owning at least one device of the cluster.
func membersOf(cluster types.ClusterConfiguration, peers []types.PeerDescriptor) []types.PeerDescriptor {
	var members []types.PeerDescriptor
	for _, peer := range peers {
		for _, device := range peer.Topology.Devices {
			if cluster.HasDevice(device.ID) {
				members = append(members, peer)
				break
			}
		}
	}
	return members
}
