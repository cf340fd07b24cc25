// Package serve starts a QuarkDB node.
package serve

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/galdor/go-log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdutil "github.com/quarkdb/quarkdb/cmd/util"
	"github.com/quarkdb/quarkdb/lib/raft"
	"github.com/quarkdb/quarkdb/lib/server"
	"github.com/quarkdb/quarkdb/lib/shard"
)

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the QuarkDB server",
	Long:  `Start a QuarkDB node with the specified configuration. Every flag can also be set through QDB_<FLAG> environment variables (e.g. QDB_BIND=0.0.0.0:7777).`,
	RunE:  run,
}

func init() {
	cobra.OnInitialize(cmdutil.InitConfig)

	key := "mode"
	ServeCmd.PersistentFlags().String(key, "raft", cmdutil.WrapString("Operating mode: raft, standalone, or bulkload"))

	key = "path"
	ServeCmd.PersistentFlags().String(key, "data", cmdutil.WrapString("Shard directory holding the state machine and, in raft mode, the journal"))

	key = "myself"
	ServeCmd.PersistentFlags().String(key, "", cmdutil.WrapString("(raft mode) This node's identity as hostname:port, must appear in the member set"))

	key = "cluster-id"
	ServeCmd.PersistentFlags().String(key, "", cmdutil.WrapString("(raft mode) Cluster identifier, must match what the shard was created with"))

	key = "bind"
	ServeCmd.PersistentFlags().String(key, "", cmdutil.WrapString("Listen address; defaults to the --myself endpoint in raft mode, 0.0.0.0:7777 otherwise"))

	key = "raft-timeouts"
	ServeCmd.PersistentFlags().String(key, "1000:1500:250", cmdutil.WrapString("Election timeout range and heartbeat interval in milliseconds, as low:high:heartbeat - identical on every node"))

	key = "journal-keep-entries"
	ServeCmd.PersistentFlags().Int64(key, 100000, cmdutil.WrapString("How many committed journal entries to preserve behind the commit index"))

	key = "journal-trim-limit"
	ServeCmd.PersistentFlags().Int64(key, 1000000, cmdutil.WrapString("Minimum journal span before trimming starts"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdutil.WrapString("Log level: debug, info, or error. The value is accepted but not applied; the logger keeps its default level"))
}

func parseMode(str string) (shard.Mode, error) {
	switch str {
	case "raft":
		return shard.ModeRaft, nil
	case "standalone":
		return shard.ModeStandalone, nil
	case "bulkload":
		return shard.ModeBulkload, nil
	}
	return 0, fmt.Errorf("invalid mode %q, must be raft, standalone or bulkload", str)
}

func run(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	mode, err := parseMode(viper.GetString("mode"))
	if err != nil {
		return err
	}

	logger := log.DefaultLogger("quarkdb")

	var myself raft.Server
	timeouts := raft.DefaultTimeouts
	clusterID := viper.GetString("cluster-id")

	if mode == shard.ModeRaft {
		if myself, err = raft.ParseServer(viper.GetString("myself")); err != nil {
			return fmt.Errorf("--myself is required in raft mode: %w", err)
		}
		if clusterID == "" {
			return fmt.Errorf("--cluster-id is required in raft mode")
		}
		if timeouts, err = raft.ParseTimeouts(viper.GetString("raft-timeouts")); err != nil {
			return err
		}
	}

	bind := viper.GetString("bind")
	if bind == "" {
		if mode == shard.ModeRaft {
			bind = myself.String()
		} else {
			bind = "0.0.0.0:7777"
		}
	}

	directory, err := shard.NewDirectory(viper.GetString("path"), logger.Child("shard", log.Data{}))
	if err != nil {
		return err
	}

	tracker := server.NewInFlightTracker()
	publisher := server.NewPublisher()

	activeShard := shard.NewShard(directory, shard.Config{
		Mode:      mode,
		Myself:    myself,
		ClusterID: clusterID,
		Timeouts:  timeouts,
		Trimming: raft.TrimmingConfig{
			KeepSpan:  viper.GetInt64("journal-keep-entries"),
			TrimLimit: viper.GetInt64("journal-trim-limit"),
		},
	}, publisher, tracker, logger.Child("shard", log.Data{}))

	if err := activeShard.Attach(); err != nil {
		return err
	}

	node := shard.NewNode(activeShard, tracker, logger.Child("node", log.Data{}))

	srv := server.New(bind, node, tracker, publisher, logger.Child("server", log.Data{}))
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info("quarkdb v%s up, mode %s, serving on %s", raft.Version, viper.GetString("mode"), bind)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals

	logger.Info("shutting down")
	srv.Stop()
	activeShard.Detach()
	return nil
}
