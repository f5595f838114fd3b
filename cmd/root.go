package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

const DefaultNodeConfigPath = "node.yaml"
const DefaultTopologyPath = "topology.yaml"

var nodeConfigPath = DefaultNodeConfigPath

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meshsec",
	Short: "Secure multi-hop mesh CLI",
	Long: `meshsec runs the security layer of a multi-hop radio mesh.
Every packet is replay checked, encrypted and authenticated, keys are exchanged between neighbours and refreshed by the base station.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Initialize a Mesh",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "mesh",
		Title: "Mesh Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&nodeConfigPath, "node-config", "n", nodeConfigPath, "node-specific config")
}
