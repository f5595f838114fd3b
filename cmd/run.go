package cmd

import (
	"github.com/encodeous/meshsec/core"
	"github.com/encodeous/meshsec/state"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single node",
	Long: `This will run the node described by the node config. Without a radio attached, the node transmits on an
in-process medium and is only useful to check a config end to end; use sim to run a whole mesh.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logPath, _ := cmd.Flags().GetString("log")

		medium := core.NewVirtualMedium()
		defer medium.Close()
		err := core.Bootstrap(nodeConfigPath, logPath, verbose, func(cfg *state.NodeCfg) (core.Radio, error) {
			return medium.Radio(cfg.Id), nil
		})
		if err != nil {
			panic(err)
		}
	},
	GroupID: "mesh",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().StringP("log", "l", "", "also write logs to this file")
}
