package commands

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleet/pkg/types"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	stateColors = map[string]lipgloss.Color{
		string(types.PeerOnline):        lipgloss.Color("2"),
		string(types.PeerOffline):       lipgloss.Color("8"),
		string(types.ClusterDeployed):   lipgloss.Color("2"),
		string(types.ClusterDeploying):  lipgloss.Color("3"),
		string(types.ClusterUndeployed): lipgloss.Color("8"),
	}
)

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// printTable renders rows; the column named stateColumn is colored by value.
func printTable(cmd *cobra.Command, headers []string, rows [][]string, stateColumn int) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == stateColumn && row >= 0 && row < len(rows) {
				if color, ok := stateColors[rows[row][col]]; ok {
					return cellStyle.Foreground(color)
				}
			}
			return cellStyle
		})
	fmt.Fprintln(cmd.OutOrStdout(), t.Render())
}
