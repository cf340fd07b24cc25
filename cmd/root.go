// Package cmd holds the quarkdb command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quarkdb/quarkdb/cmd/create"
	"github.com/quarkdb/quarkdb/cmd/serve"
	"github.com/quarkdb/quarkdb/lib/raft"
)

var (
	// RootCmd represents the base command when called without subcommands.
	RootCmd = &cobra.Command{
		Use:   "quarkdb",
		Short: "highly available key-value store",
		Long: fmt.Sprintf(`QuarkDB (v%s)

A highly available key-value store speaking a redis-compatible protocol,
replicating state through raft consensus.`, raft.Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of QuarkDB",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("QuarkDB v%s\n", raft.Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(create.CreateCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once from main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
