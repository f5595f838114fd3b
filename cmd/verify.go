package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/meshsec/core"
	"github.com/encodeous/meshsec/state"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var topologyPath string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Validates the node config, or a simulation topology",
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("topology") {
			topo, err := readTopology(topologyPath)
			if err != nil {
				panic(err)
			}
			links, err := topo.Links()
			if err != nil {
				panic(err)
			}
			fmt.Printf("Topology is valid: %d nodes, %d links\n", len(topo.Nodes), len(links))
			return
		}

		nodeCfg, err := core.ReadNodeConfig(nodeConfigPath)
		if err != nil {
			panic(err)
		}
		err = state.NodeConfigValidator(nodeCfg)
		if err != nil {
			panic(err)
		}
		cfgYaml, err := yaml.Marshal(nodeCfg)
		if err != nil {
			panic(err)
		}
		fmt.Println("Config is valid")
		fmt.Println(string(cfgYaml))
	},
	GroupID: "mesh",
}

func readTopology(path string) (*state.TopologyCfg, error) {
	var topo state.TopologyCfg
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(file, &topo)
	if err != nil {
		return nil, err
	}
	for i := range topo.Nodes {
		topo.Nodes[i].ApplyPreset()
		if err := state.NodeConfigValidator(&topo.Nodes[i]); err != nil {
			return nil, fmt.Errorf("node %s: %w", topo.Nodes[i].Id, err)
		}
	}
	err = state.TopologyValidator(&topo)
	if err != nil {
		return nil, err
	}
	return &topo, nil
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVarP(&topologyPath, "topology", "t", DefaultTopologyPath, "validate a simulation topology instead")
}
