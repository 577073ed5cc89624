package commands

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleet/pkg/types"
)

func newClustersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "Manage cluster configurations and deployments",
	}

	cmd.AddCommand(newClustersListCommand())
	cmd.AddCommand(newClustersDeleteConfigurationCommand())
	cmd.AddCommand(newClustersDeployCommand())
	cmd.AddCommand(newClustersUndeployCommand())

	return cmd
}

type clusterRow struct {
	Configuration types.ClusterConfiguration `json:"configuration"`
	State         types.ClusterState         `json:"state"`
}

func newClustersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cluster configurations and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			clusters, err := client.ListClusterConfigurations(cmd.Context())
			if err != nil {
				return err
			}
			states, err := client.ClusterStates(cmd.Context())
			if err != nil {
				return err
			}

			stateOf := make(map[types.ClusterID]types.ClusterState, len(states))
			for _, s := range states {
				stateOf[s.ID] = s.State
			}

			sort.Slice(clusters, func(i, j int) bool { return clusters[i].Name < clusters[j].Name })
			result := make([]clusterRow, 0, len(clusters))
			for _, cluster := range clusters {
				result = append(result, clusterRow{Configuration: cluster, State: stateOf[cluster.ID]})
			}

			if jsonOutput {
				return printJSON(cmd, result)
			}

			rows := make([][]string, 0, len(result))
			for _, r := range result {
				rows = append(rows, []string{
					r.Configuration.Name.String(),
					r.Configuration.ID.String(),
					string(r.State),
					r.Configuration.Leader.String(),
					strconv.Itoa(len(r.Configuration.Devices)),
				})
			}
			printTable(cmd, []string{"NAME", "ID", "STATE", "LEADER", "DEVICES"}, rows, 2)
			return nil
		},
	}
}

func newClustersDeleteConfigurationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-configuration <cluster-id>",
		Short: "Delete an undeployed cluster configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterID, err := types.ParseClusterID(args[0])
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			cluster, err := client.DeleteClusterConfiguration(cmd.Context(), clusterID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted cluster configuration %s <%s>\n", cluster.Name, cluster.ID)
			return nil
		},
	}
}

func newClustersDeployCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <cluster-id>",
		Short: "Deploy a cluster",
		Long: `Deploy a cluster.

The deployment is subject to the admission policies. If a member is offline
the rollout waits and resumes when the member connects.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterID, err := types.ParseClusterID(args[0])
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.StoreClusterDeployment(cmd.Context(), clusterID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deployment of cluster <%s> stored\n", clusterID)
			return nil
		},
	}
}

func newClustersUndeployCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "undeploy <cluster-id>",
		Short: "Undeploy a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterID, err := types.ParseClusterID(args[0])
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			if _, err := client.DeleteClusterDeployment(cmd.Context(), clusterID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Cluster <%s> undeployed\n", clusterID)
			return nil
		},
	}
}
