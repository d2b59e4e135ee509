package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

const DefaultNodeConfigPath = "node.yaml"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "motenet",
	Short: "Motenet mesh networking CLI",
	Long: `Motenet is a multi-hop mesh network for small radio nodes.
Nodes discover their neighbours, build distance-vector routes, and carry reliable byte streams between ports on any two nodes.`,
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
		Title: "Initialize Motenet",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "mn",
		Title: "Motenet Commands",
	})
}
