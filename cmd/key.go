package cmd

import (
	"fmt"

	"github.com/encodeous/meshsec/state"
	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generates a new 20 byte mesh key",
	Run: func(cmd *cobra.Command, args []string) {
		count, _ := cmd.Flags().GetInt("count")
		for range max(count, 1) {
			key, err := state.GenerateKey().MarshalText()
			if err != nil {
				panic(err)
			}
			fmt.Println(string(key))
		}
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.Flags().IntP("count", "c", 1, "number of keys to generate")
}
