package shard

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/quarkdb/quarkdb/lib/raft"
	"github.com/quarkdb/quarkdb/lib/resp"
	"github.com/quarkdb/quarkdb/lib/server"
)

// testClusterNode is one in-process QuarkDB node.
type testClusterNode struct {
	myself raft.Server
	shard  *Shard
	node   *Node
	server *server.Server
}

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, n)
	for i := 0; i < n; i++ {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("cannot allocate port: %v", err)
		}
		ports[i] = listener.Addr().(*net.TCPAddr).Port
		listener.Close()
	}
	return ports
}

func startCluster(t *testing.T, size int) []*testClusterNode {
	t.Helper()

	ports := freePorts(t, size)
	members := make([]raft.Server, size)
	for i, port := range ports {
		members[i] = raft.Server{Hostname: "127.0.0.1", Port: port}
	}

	cluster := make([]*testClusterNode, size)
	for i := range members {
		directory, err := NewDirectory(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("NewDirectory: %v", err)
		}
		if err := directory.Initialize("e2e-cluster", members, raft.FsyncAsync, nil); err != nil {
			t.Fatalf("Initialize: %v", err)
		}

		tracker := server.NewInFlightTracker()
		publisher := server.NewPublisher()

		activeShard := NewShard(directory, Config{
			Mode:      ModeRaft,
			Myself:    members[i],
			ClusterID: "e2e-cluster",
			Timeouts:  raft.TightTimeouts,
			Trimming:  raft.DefaultTrimmingConfig,
		}, publisher, tracker, nil)

		if err := activeShard.Attach(); err != nil {
			t.Fatalf("Attach: %v", err)
		}

		node := NewNode(activeShard, tracker, nil)
		srv := server.New(members[i].String(), node, tracker, publisher, nil)
		if err := srv.Start(); err != nil {
			t.Fatalf("server.Start: %v", err)
		}

		cluster[i] = &testClusterNode{myself: members[i], shard: activeShard, node: node, server: srv}
	}

	t.Cleanup(func() {
		for _, member := range cluster {
			member.shard.Detach()
		}
		for _, member := range cluster {
			member.server.Stop()
		}
	})

	return cluster
}

// waitForLeader polls until some node considers itself leader and a quorum
// recognizes it.
func waitForLeader(t *testing.T, cluster []*testClusterNode) *testClusterNode {
	t.Helper()

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		for _, member := range cluster {
			info, ok := member.shard.RaftInfo()
			if ok && info.Status == raft.StatusLeader {
				return member
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("no leader emerged within the deadline")
	return nil
}

// testClient is a minimal RESP client.
type testClient struct {
	conn   net.Conn
	reader *resp.ReplyReader
}

func dialNode(t *testing.T, target raft.Server) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", target.String(), 5*time.Second)
	if err != nil {
		t.Fatalf("cannot dial %s: %v", target, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, reader: resp.NewReplyReader(resp.NewBufferedReader(conn))}
}

func (c *testClient) do(t *testing.T, tokens ...string) *resp.Reply {
	t.Helper()
	if _, err := c.conn.Write([]byte(resp.EncodeRequest(resp.Request(tokens)))); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	reply, err := c.reader.Fetch()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return reply
}

func TestClusterElectsLeaderAndServesWrites(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end cluster test")
	}

	cluster := startCluster(t, 3)
	leader := waitForLeader(t, cluster)

	client := dialNode(t, leader.myself)

	// SET then GET on the same connection: the read must observe the
	// write, and the responses arrive in submission order.
	if reply := client.do(t, "SET", "asdf", "1234"); reply.Kind != resp.ReplyStatus || reply.Str != "OK" {
		t.Fatalf("SET = %+v", reply)
	}
	if reply := client.do(t, "GET", "asdf"); reply.Kind != resp.ReplyString || reply.Str != "1234" {
		t.Fatalf("GET = %+v", reply)
	}

	// All three state machines eventually hold the value.
	deadline := time.Now().Add(15 * time.Second)
	for _, member := range cluster {
		for {
			value, err := member.shard.Machine().Get("asdf")
			if err == nil && value == "1234" {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("node %s never applied the write: (%q, %v)", member.myself, value, err)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func TestClusterFollowerRedirects(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end cluster test")
	}

	cluster := startCluster(t, 3)
	leader := waitForLeader(t, cluster)

	var follower *testClusterNode
	for _, member := range cluster {
		if member != leader {
			follower = member
			break
		}
	}

	client := dialNode(t, follower.myself)

	// Non-stale reads on a follower are redirected to the leader.
	reply := client.do(t, "GET", "some-key")
	if reply.Kind != resp.ReplyError || !strings.HasPrefix(reply.Str, "MOVED 0 "+leader.myself.String()) {
		t.Fatalf("follower read = %+v, want MOVED to %s", reply, leader.myself)
	}

	// Writes as well.
	reply = client.do(t, "SET", "some-key", "v")
	if reply.Kind != resp.ReplyError || !strings.HasPrefix(reply.Str, "MOVED") {
		t.Fatalf("follower write = %+v, want MOVED", reply)
	}

	// Opting into stale reads serves locally.
	if reply := client.do(t, "ACTIVATE_STALE_READS"); reply.Kind != resp.ReplyStatus {
		t.Fatalf("ACTIVATE_STALE_READS = %+v", reply)
	}
	if reply := client.do(t, "GET", "some-key"); reply.Kind != resp.ReplyNull {
		t.Fatalf("stale read = %+v, want null", reply)
	}
}

func TestClusterRaftInfo(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end cluster test")
	}

	cluster := startCluster(t, 3)
	leader := waitForLeader(t, cluster)

	client := dialNode(t, leader.myself)
	reply := client.do(t, "RAFT_INFO")
	if reply.Kind != resp.ReplyArray {
		t.Fatalf("RAFT_INFO = %+v", reply)
	}

	var seenLeaderLine, seenClusterLine bool
	for _, element := range reply.Elements {
		if element.Str == "STATUS LEADER" {
			seenLeaderLine = true
		}
		if element.Str == "CLUSTER-ID e2e-cluster" {
			seenClusterLine = true
		}
	}
	if !seenLeaderLine || !seenClusterLine {
		t.Errorf("RAFT_INFO missing expected lines: %+v", reply.Elements)
	}

	// QUARKDB_VERSION through the node dispatcher.
	if reply := client.do(t, "QUARKDB_VERSION"); reply.Kind != resp.ReplyString || reply.Str != raft.Version {
		t.Errorf("QUARKDB_VERSION = %+v", reply)
	}
}

func TestClusterPipelinedOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end cluster test")
	}

	cluster := startCluster(t, 3)
	leader := waitForLeader(t, cluster)

	client := dialNode(t, leader.myself)

	// Pipeline R1, W, R2 in one burst; responses must come back in order,
	// and R2 must observe the write.
	var burst strings.Builder
	burst.WriteString(resp.EncodeRequest(resp.Request{"GET", "pipeline-key"}))
	burst.WriteString(resp.EncodeRequest(resp.Request{"SET", "pipeline-key", "xyz"}))
	burst.WriteString(resp.EncodeRequest(resp.Request{"GET", "pipeline-key"}))

	if _, err := client.conn.Write([]byte(burst.String())); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	client.conn.SetReadDeadline(time.Now().Add(15 * time.Second))

	first, err := client.reader.Fetch()
	if err != nil || first.Kind != resp.ReplyNull {
		t.Fatalf("R1 = (%+v, %v), want null", first, err)
	}

	write, err := client.reader.Fetch()
	if err != nil || write.Kind != resp.ReplyStatus || write.Str != "OK" {
		t.Fatalf("W = (%+v, %v), want +OK", write, err)
	}

	second, err := client.reader.Fetch()
	if err != nil || second.Kind != resp.ReplyString || second.Str != "xyz" {
		t.Fatalf("R2 = (%+v, %v), want xyz", second, err)
	}
}
