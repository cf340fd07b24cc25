package raft

import (
	"net"
	"testing"
	"time"

	"github.com/quarkdb/quarkdb/lib/resp"
	"github.com/quarkdb/quarkdb/lib/server"
	"github.com/quarkdb/quarkdb/lib/sm"
)

// The commit tracker derives the quorum commit index: with three voters
// (leader included), one follower acknowledging is enough.
func TestCommitTrackerQuorum(t *testing.T) {
	journal := createTestJournal(t)
	journal.SetCurrentTerm(1, Server{})
	for i := 1; i <= 5; i++ {
		entry := dataEntry(1, "SET", "k", "v")
		journal.Append(LogIndex(i), &entry, false)
	}

	tracker := NewCommitTracker(journal)
	tracker.UpdateTargets([]Server{testNodes[1], testNodes[2]})

	// No acknowledgements yet: nothing committed beyond genesis.
	if journal.CommitIndex() != 0 {
		t.Fatalf("premature commit: %d", journal.CommitIndex())
	}

	// One follower matches up to 3; leader has everything, quorum = 2.
	tracker.GetHandler(testNodes[1]).Update(3)
	if journal.CommitIndex() != 3 {
		t.Errorf("commit index = %d, want 3", journal.CommitIndex())
	}

	// The second follower matching higher lifts the commit to the median.
	tracker.GetHandler(testNodes[2]).Update(5)
	if journal.CommitIndex() != 5 {
		t.Errorf("commit index = %d, want 5", journal.CommitIndex())
	}

	// Match indexes never move the commit backwards.
	tracker.GetHandler(testNodes[1]).Update(2)
	if journal.CommitIndex() != 5 {
		t.Errorf("commit index went backwards: %d", journal.CommitIndex())
	}
}

func TestLeaseQuorumDeadline(t *testing.T) {
	lease := NewLease(100 * time.Millisecond)
	lease.UpdateTargets([]Server{testNodes[1], testNodes[2]})

	// Freshly configured targets hold a full lease.
	if lease.ShakyQuorumDeadline().Before(time.Now()) {
		t.Errorf("fresh lease already expired")
	}

	// With one recent contact, quorum (2 of 3, self included) holds.
	lease.GetHandler(testNodes[1]).Heartbeat(time.Now().Add(time.Hour))
	if !lease.ShakyQuorumDeadline().After(time.Now().Add(time.Minute)) {
		t.Errorf("deadline did not follow the quorum-th contact")
	}
}

func TestTrimmingBlocks(t *testing.T) {
	journal := createTestJournal(t)
	journal.SetCurrentTerm(1, Server{})
	for i := 1; i <= 50; i++ {
		entry := dataEntry(1, "SET", "k", "v")
		journal.Append(LogIndex(i), &entry, false)
	}
	journal.SetCommitIndex(50)

	state := NewState(journal, testNodes[0], nil)
	trimmer := NewTrimmer(journal, state, TrimmingConfig{KeepSpan: 10, TrimLimit: 20})

	// A block at index 5 pins the trim.
	block := trimmer.NewBlock()
	block.Enforce(5)
	trimmer.round()
	if journal.LogStart() != 5 {
		t.Errorf("logStart = %d, want 5 (block limit)", journal.LogStart())
	}

	// Lifting the block lets the trimmer advance to commit - keepSpan.
	block.Lift()
	trimmer.round()
	if journal.LogStart() != 40 {
		t.Errorf("logStart = %d, want 40", journal.LogStart())
	}
}

func TestWriteTrackerLifecycle(t *testing.T) {
	journal := createTestJournal(t)
	machine, err := sm.Open(t.TempDir(), sm.Options{WriteAheadLog: true})
	if err != nil {
		t.Fatalf("sm.Open: %v", err)
	}
	t.Cleanup(func() { machine.Close() })

	journal.SetCurrentTerm(1, Server{})
	redis := server.NewRedisDispatcher(machine)
	writes := NewWriteTracker(journal, machine, redis, nil)
	t.Cleanup(func() { writes.Stop() })

	queue := newDetachedQueue()

	if !writes.Append(1, resp.Request{"SET", "asdf", "1234"}, queue) {
		t.Fatalf("append refused")
	}
	if writes.BlockedWrites() != 1 {
		t.Errorf("blocked writes = %d", writes.BlockedWrites())
	}
	if journal.LogSize() != 2 {
		t.Errorf("logSize = %d, want 2", journal.LogSize())
	}

	// Commit the entry; the applier must apply it and resolve the write.
	journal.SetCommitIndex(1)
	if !machine.WaitUntilTargetLastApplied(1, 5*time.Second) {
		t.Fatalf("entry never applied")
	}

	deadline := time.Now().Add(time.Second)
	for writes.BlockedWrites() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if writes.BlockedWrites() != 0 {
		t.Errorf("write never resolved")
	}

	if value, err := machine.Get("asdf"); err != nil || value != "1234" {
		t.Errorf("applied value = (%q, %v)", value, err)
	}
}

// newDetachedQueue builds a pending queue with no live connection;
// responses are simply discarded, which is exactly what happens to writes
// whose client disconnected mid-flight.
func newDetachedQueue() *server.PendingQueue {
	client, srv := net.Pipe()
	client.Close()
	conn := server.NewConnection(srv)
	queue := conn.Queue()
	queue.DetachConnection()
	return queue
}
