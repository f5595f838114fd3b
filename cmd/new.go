package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/encodeous/meshsec/state"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var newCmd = &cobra.Command{
	Use:   "new [id]",
	Short: "Create a node configuration",
	Long: `Creates a node configuration. Keys are generated unless they are passed in, so every node but the first
should reuse the initial and global key of an existing node.`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Usage()
			return
		}
		id, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil || state.IdValidator(state.NodeId(id)) != nil {
			fmt.Printf("Invalid node id: %s\n", args[0])
			os.Exit(-1)
		}
		bs, _ := cmd.Flags().GetUint8("base-station")
		preset, _ := cmd.Flags().GetString("preset")

		nodeCfg := state.NodeCfg{
			Id:            state.NodeId(id),
			BaseStation:   state.NodeId(id) == state.NodeId(bs),
			BaseStationId: state.NodeId(bs),
			Preset:        state.SecurityPreset(preset),
			InitialKey:    flagKey(cmd, "initial-key"),
			GlobalKey:     flagKey(cmd, "global-key"),
		}
		err = state.NodeConfigValidator(&nodeCfg)
		if err != nil {
			panic(err)
		}

		ncfg, err := yaml.Marshal(&nodeCfg)
		if err != nil {
			panic(err)
		}
		outPath := cmd.Flag("output").Value.String()
		err = os.WriteFile(outPath, ncfg, 0700)
		if err != nil {
			panic(err)
		}
	},
	GroupID: "init",
}

// flagKey parses the key passed in flag, generating one when it is empty.
func flagKey(cmd *cobra.Command, flag string) state.Key {
	text, _ := cmd.Flags().GetString(flag)
	if text == "" {
		return state.GenerateKey()
	}
	var key state.Key
	if err := key.UnmarshalText([]byte(text)); err != nil {
		fmt.Printf("Invalid %s: %v\n", flag, err)
		os.Exit(-1)
	}
	return key
}

func init() {
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().StringP("output", "o", DefaultNodeConfigPath, "node config output file path")
	newCmd.Flags().Uint8P("base-station", "b", 1, "id of the base station")
	newCmd.Flags().StringP("preset", "p", string(state.PresetOptimal), "security preset: none, low, optimal, extreme or user")
	newCmd.Flags().String("initial-key", "", "pre-shared handshake key, generated when empty")
	newCmd.Flags().String("global-key", "", "network key, generated when empty")
}
