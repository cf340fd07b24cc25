package shard

import (
	"fmt"
	"time"

	"github.com/quarkdb/quarkdb/lib/raft"
	"github.com/quarkdb/quarkdb/lib/resp"
	"github.com/quarkdb/quarkdb/lib/server"
)

// Node is the process-wide top: it owns the shard and routes QUARKDB_*
// administration, delegating everything else into the shard's active
// dispatcher. It implements server.Dispatcher.
type Node struct {
	shard   *Shard
	tracker *server.InFlightTracker
	log     Logger
	started time.Time
}

func NewNode(shard *Shard, tracker *server.InFlightTracker, logger Logger) *Node {
	return &Node{shard: shard, tracker: tracker, log: logger, started: time.Now()}
}

func (n *Node) Shard() *Shard { return n.shard }

// Dispatch implements server.Dispatcher.
func (n *Node) Dispatch(conn *server.Connection, req resp.Request) {
	if kind, ok := server.CommandTable[req.Command()]; ok && kind == server.KindQuarkdb {
		conn.Send(n.serviceQuarkdb(req))
		return
	}
	n.shard.Dispatch(conn, req)
}

func (n *Node) serviceQuarkdb(req resp.Request) resp.EncodedResponse {
	switch req.Command() {
	case "QUARKDB_INFO":
		return resp.StatusVector(n.info())

	case "QUARKDB_VERSION":
		return resp.String(raft.Version)

	case "QUARKDB_HEALTH":
		return resp.StatusVector(n.health())

	case "QUARKDB_CHECKPOINT":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		if err := n.shard.Directory().Checkpoint(req[1]); err != nil {
			return resp.Err(err.Error())
		}
		return resp.OK()

	case "QUARKDB_MANUAL_COMPACTION":
		if err := n.shard.Machine().ManualCompaction(); err != nil {
			return resp.Err(err.Error())
		}
		return resp.OK()

	case "QUARKDB_VERIFY_CHECKSUM":
		if err := n.shard.Machine().VerifyChecksum(); err != nil {
			return resp.Err(err.Error())
		}
		return resp.OK()

	case "QUARKDB_BULKLOAD_FINALIZE":
		if err := n.shard.Machine().FinalizeBulkload(); err != nil {
			return resp.Err(err.Error())
		}
		return resp.OK()

	case "QUARKDB_START_RESILVERING":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		if err := n.shard.Directory().ResilveringStart(req[1]); err != nil {
			return resp.Err(err.Error())
		}
		return resp.OK()

	case "QUARKDB_RESILVERING_COPY_FILE":
		if len(req) != 4 {
			return resp.ErrArgs(req[0])
		}
		if err := n.shard.Directory().ResilveringCopy(req[1], req[2], []byte(req[3])); err != nil {
			return resp.Err(err.Error())
		}
		return resp.OK()

	case "QUARKDB_FINISH_RESILVERING":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		return n.finishResilvering(req[1])

	case "QUARKDB_CANCEL_RESILVERING":
		if len(req) != 2 {
			return resp.ErrArgs(req[0])
		}
		if err := n.shard.Directory().ResilveringCancel(req[1]); err != nil {
			return resp.Err(err.Error())
		}
		return resp.OK()
	}

	return resp.Err("unknown command '" + req[0] + "'")
}

// finishResilvering swaps the shard contents under a full detach: requests
// stop, in-flight work drains, engines close, directories flip, the shard
// comes back.
func (n *Node) finishResilvering(id string) resp.EncodedResponse {
	n.shard.Detach()

	err := n.shard.Directory().ResilveringFinish(id)
	if reattachErr := n.shard.Reattach(); reattachErr != nil && err == nil {
		err = reattachErr
	}

	if err != nil {
		return resp.Err(err.Error())
	}
	return resp.OK()
}

func (n *Node) info() []string {
	out := []string{
		"VERSION " + raft.Version,
		fmt.Sprintf("UPTIME %d", int64(time.Since(n.started).Seconds())),
		fmt.Sprintf("IN-FLIGHT %d", n.tracker.InFlight()),
	}

	switch n.shard.Mode() {
	case ModeRaft:
		out = append(out, "MODE RAFT", "----------")
		if info, ok := n.shard.RaftInfo(); ok {
			out = append(out, info.ToVector()...)
		}
	case ModeBulkload:
		out = append(out, "MODE BULKLOAD")
	default:
		out = append(out, "MODE STANDALONE")
	}

	return out
}

func (n *Node) health() []string {
	status := "GREEN"

	if machine := n.shard.Machine(); machine == nil {
		status = "RED"
	} else if info, ok := n.shard.RaftInfo(); ok {
		if info.Leader.Empty() {
			status = "RED"
		} else if info.Status == raft.StatusLeader && info.Replication.ShakyQuorum {
			status = "YELLOW"
		}
	}

	return []string{
		"NODE-HEALTH " + status,
		"VERSION " + raft.Version,
	}
}
