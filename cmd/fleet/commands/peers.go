package commands

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleet/pkg/types"
)

func newPeersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Manage peers",
	}

	cmd.AddCommand(newPeersListCommand())
	cmd.AddCommand(newPeersDeleteCommand())

	return cmd
}

// peerRow is one line of "fleet peers list".
type peerRow struct {
	Descriptor types.PeerDescriptor `json:"descriptor"`
	State      types.PeerState      `json:"state"`
}

func newPeersListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List peers and their connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			peers, err := client.ListPeers(cmd.Context())
			if err != nil {
				return err
			}
			states, err := client.PeerStates(cmd.Context())
			if err != nil {
				return err
			}

			sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
			result := make([]peerRow, 0, len(peers))
			for _, peer := range peers {
				state, ok := states[peer.ID]
				if !ok {
					state = types.PeerState{Connection: types.PeerOffline}
				}
				result = append(result, peerRow{Descriptor: peer, State: state})
			}

			if jsonOutput {
				return printJSON(cmd, result)
			}

			rows := make([][]string, 0, len(result))
			for _, r := range result {
				remote, member := "-", "-"
				if r.State.RemoteHost != nil {
					remote = r.State.RemoteHost.String()
				}
				if r.State.Member != nil {
					member = r.State.Member.String()
				}
				rows = append(rows, []string{
					r.Descriptor.Name.String(),
					r.Descriptor.ID.String(),
					string(r.State.Connection),
					remote,
					member,
					strconv.Itoa(len(r.Descriptor.Topology.Devices)),
				})
			}
			printTable(cmd, []string{"NAME", "ID", "STATE", "REMOTE", "CLUSTER", "DEVICES"}, rows, 2)
			return nil
		},
	}
}

func newPeersDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <peer-id>",
		Short: "Delete a peer",
		Long: `Delete a peer descriptor and its configuration.

A connected peer is disconnected. Peers whose devices belong to a deployed
cluster cannot be deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID, err := types.ParsePeerID(args[0])
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			peer, err := client.DeletePeer(cmd.Context(), peerID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted peer %s <%s>\n", peer.Name, peer.ID)
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <peer-id>",
		Short: "Issue a stream token for a peer",
		Long: `Issue a stream token for a peer.

Pass the token to the agent as auth.token or FLEET_AUTH_TOKEN. The control
plane must run with auth.enabled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID, err := types.ParsePeerID(args[0])
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			token, err := client.IssueToken(cmd.Context(), peerID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
