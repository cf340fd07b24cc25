package shard

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quarkdb/quarkdb/lib/raft"
	"github.com/quarkdb/quarkdb/lib/resp"
	"github.com/quarkdb/quarkdb/lib/server"
)

func startStandaloneNode(t *testing.T) (*Node, *Shard) {
	t.Helper()

	directory, err := NewDirectory(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	tracker := server.NewInFlightTracker()
	publisher := server.NewPublisher()

	activeShard := NewShard(directory, Config{Mode: ModeStandalone}, publisher, tracker, nil)
	if err := activeShard.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { activeShard.Detach() })

	return NewNode(activeShard, tracker, nil), activeShard
}

// localConn builds a connection whose responses land in a local pipe.
func localConn(t *testing.T) (*server.Connection, net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	conn := server.NewConnection(srv)
	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return conn, client
}

func response(t *testing.T, client net.Conn) string {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 8192)
	n, _ := client.Read(buf)
	return string(buf[:n])
}

func TestStandaloneNodeServesData(t *testing.T) {
	node, _ := startStandaloneNode(t)

	conn, client := localConn(t)

	done := make(chan string, 1)
	go func() { done <- response(t, client) }()
	node.Dispatch(conn, resp.Request{"SET", "k", "v"})
	conn.Flush()
	if got := <-done; got != "+OK\r\n" {
		t.Errorf("SET = %q", got)
	}

	go func() { done <- response(t, client) }()
	node.Dispatch(conn, resp.Request{"GET", "k"})
	conn.Flush()
	if got := <-done; got != "$1\r\nv\r\n" {
		t.Errorf("GET = %q", got)
	}

	// Raft commands are refused in standalone mode.
	go func() { done <- response(t, client) }()
	node.Dispatch(conn, resp.Request{"RAFT_INFO"})
	conn.Flush()
	if got := <-done; !strings.HasPrefix(got, "-ERR raft not enabled") {
		t.Errorf("RAFT_INFO = %q", got)
	}
}

func TestNodeQuarkdbCommands(t *testing.T) {
	node, activeShard := startStandaloneNode(t)

	conn, client := localConn(t)

	done := make(chan string, 1)
	go func() { done <- response(t, client) }()
	node.Dispatch(conn, resp.Request{"QUARKDB_VERSION"})
	conn.Flush()
	if got := <-done; !strings.Contains(got, raft.Version) {
		t.Errorf("QUARKDB_VERSION = %q", got)
	}

	go func() { done <- response(t, client) }()
	node.Dispatch(conn, resp.Request{"QUARKDB_HEALTH"})
	conn.Flush()
	if got := <-done; !strings.Contains(got, "NODE-HEALTH GREEN") {
		t.Errorf("QUARKDB_HEALTH = %q", got)
	}

	checkpointPath := filepath.Join(t.TempDir(), "backup")
	go func() { done <- response(t, client) }()
	node.Dispatch(conn, resp.Request{"QUARKDB_CHECKPOINT", checkpointPath})
	conn.Flush()
	if got := <-done; got != "+OK\r\n" {
		t.Fatalf("QUARKDB_CHECKPOINT = %q", got)
	}
	if _, err := os.Stat(filepath.Join(checkpointPath, "state-machine")); err != nil {
		t.Errorf("checkpoint did not produce a state machine copy: %v", err)
	}

	_ = activeShard
}

func TestDirectoryResilveringContract(t *testing.T) {
	directory, err := NewDirectory(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	// Copy before start is refused.
	if err := directory.ResilveringCopy("ev1", "state-machine/x", []byte("data")); err == nil {
		t.Errorf("copy accepted without start")
	}

	if err := directory.ResilveringStart("ev1"); err != nil {
		t.Fatalf("ResilveringStart: %v", err)
	}

	// Path traversal is refused.
	if err := directory.ResilveringCopy("ev1", "../escape", []byte("x")); err == nil {
		t.Errorf("path traversal accepted")
	}

	if err := directory.ResilveringCopy("ev1", "state-machine/file1", []byte("payload")); err != nil {
		t.Fatalf("ResilveringCopy: %v", err)
	}

	if err := directory.ResilveringCancel("ev1"); err != nil {
		t.Fatalf("ResilveringCancel: %v", err)
	}
	if err := directory.ResilveringCopy("ev1", "state-machine/file2", []byte("late")); err == nil {
		t.Errorf("copy accepted after cancel")
	}
}

func TestDirectoryResilveringSwap(t *testing.T) {
	base := t.TempDir()
	directory, err := NewDirectory(base, nil)
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	// Open a machine so that "current" exists, write something, close.
	machine, err := directory.GetStateMachine(nil, false)
	if err != nil {
		t.Fatalf("GetStateMachine: %v", err)
	}
	machine.Set("old", "contents", 1)
	directory.Close()

	// Build a replacement from a checkpoint of a second, different shard.
	otherDir, err := NewDirectory(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewDirectory(other): %v", err)
	}
	other, err := otherDir.GetStateMachine(nil, false)
	if err != nil {
		t.Fatalf("GetStateMachine(other): %v", err)
	}
	other.Set("new", "contents", 1)

	snapshotPath := filepath.Join(t.TempDir(), "snap")
	if err := otherDir.Checkpoint(snapshotPath); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	otherDir.Close()

	if err := directory.ResilveringStart("swap1"); err != nil {
		t.Fatalf("ResilveringStart: %v", err)
	}

	files, err := collectFiles(snapshotPath)
	if err != nil || len(files) == 0 {
		t.Fatalf("collectFiles = (%v, %v)", files, err)
	}
	for _, file := range files {
		contents, err := os.ReadFile(filepath.Join(snapshotPath, file))
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if err := directory.ResilveringCopy("swap1", file, contents); err != nil {
			t.Fatalf("ResilveringCopy(%s): %v", file, err)
		}
	}

	if err := directory.ResilveringFinish("swap1"); err != nil {
		t.Fatalf("ResilveringFinish: %v", err)
	}

	// The directory now serves the replacement contents.
	machine, err = directory.GetStateMachine(nil, false)
	if err != nil {
		t.Fatalf("GetStateMachine after swap: %v", err)
	}
	defer directory.Close()

	if value, err := machine.Get("new"); err != nil || value != "contents" {
		t.Errorf("replacement contents missing: (%q, %v)", value, err)
	}
	if _, err := machine.Get("old"); err == nil {
		t.Errorf("old contents survived the swap")
	}

	history := directory.ResilveringHistory()
	if len(history) != 1 || !strings.HasPrefix(history[0], "swap1 ") {
		t.Errorf("resilvering history = %v", history)
	}
}
