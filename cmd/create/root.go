// Package create initializes a brand new consensus shard directory.
package create

import (
	"fmt"

	"github.com/galdor/go-log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdutil "github.com/quarkdb/quarkdb/cmd/util"
	"github.com/quarkdb/quarkdb/lib/raft"
	"github.com/quarkdb/quarkdb/lib/shard"
)

var CreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Initialize a new QuarkDB cluster shard",
	Long:  `Create the raft journal of a brand new cluster. Run once per node, with an identical --nodes list everywhere.`,
	RunE:  run,
}

func init() {
	cobra.OnInitialize(cmdutil.InitConfig)

	key := "path"
	CreateCmd.PersistentFlags().String(key, "data", cmdutil.WrapString("Shard directory to initialize"))

	key = "cluster-id"
	CreateCmd.PersistentFlags().String(key, "", cmdutil.WrapString("Opaque cluster identifier, identical on every node"))

	key = "nodes"
	CreateCmd.PersistentFlags().String(key, "", cmdutil.WrapString("Comma-separated list of full members, e.g. 'host1:7777,host2:7777,host3:7777'"))

	key = "fsync-policy"
	CreateCmd.PersistentFlags().String(key, "sync-important-updates", cmdutil.WrapString("Journal fsync policy: always, async, or sync-important-updates"))
}

func run(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	clusterID := viper.GetString("cluster-id")
	if clusterID == "" {
		return fmt.Errorf("--cluster-id is required")
	}

	nodes, err := raft.ParseServers(viper.GetString("nodes"))
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("--nodes is required")
	}

	policy, ok := raft.ParseFsyncPolicy(viper.GetString("fsync-policy"))
	if !ok {
		return fmt.Errorf("invalid fsync policy %q", viper.GetString("fsync-policy"))
	}

	logger := log.DefaultLogger("quarkdb")

	directory, err := shard.NewDirectory(viper.GetString("path"), logger)
	if err != nil {
		return err
	}

	if err := directory.Initialize(clusterID, nodes, policy, logger); err != nil {
		return err
	}
	directory.Close()

	fmt.Printf("Initialized shard %q for cluster %q with nodes %s\n",
		viper.GetString("path"), clusterID, raft.SerializeServers(nodes))
	return nil
}
