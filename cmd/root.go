package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "spawnkit",
	Short: "spawnkit drives the application-spawning handshake",
	Long:  `spawnkit prepares and performs a single application-spawning handshake against a child process, for manual exercise and diagnosis of the protocol.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("spawnkit: application-spawning handshake core. Use 'spawnkit --help' for more information.")
	},
}

// Execute runs the root command and adds child commands.
func Execute() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to bootstrap config directory")
	rootCmd.AddCommand(spawnCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
