package raft

import (
	"testing"
)

func createTestState(t *testing.T) (*State, *Journal) {
	t.Helper()
	journal := createTestJournal(t)
	state := NewState(journal, testNodes[0], nil)
	return state, journal
}

func TestStateInitialStatus(t *testing.T) {
	journal := createTestJournal(t)

	member := NewState(journal, testNodes[0], nil)
	if member.GetSnapshot().Status != StatusFollower {
		t.Errorf("member starts as %s, want FOLLOWER", member.GetSnapshot().Status)
	}

	outsider := NewState(journal, Server{"outsider", 1234}, nil)
	if outsider.GetSnapshot().Status != StatusObserver {
		t.Errorf("outsider starts as %s, want OBSERVER", outsider.GetSnapshot().Status)
	}
}

func TestStateElectionPath(t *testing.T) {
	state, journal := createTestState(t)

	// FOLLOWER -> CANDIDATE requires empty leader and vote in the term.
	if !state.Observed(1, Server{}) {
		t.Fatalf("Observed(1) failed")
	}
	if !state.BecomeCandidate(1) {
		t.Fatalf("BecomeCandidate failed")
	}

	snapshot := state.GetSnapshot()
	if snapshot.Status != StatusCandidate || snapshot.VotedFor != state.Myself() {
		t.Errorf("candidate snapshot = %+v", snapshot)
	}

	// The self-vote is persisted before the transition returns.
	if journal.VotedFor() != state.Myself() || journal.CurrentTerm() != 1 {
		t.Errorf("journal not updated: term %d, vote %v", journal.CurrentTerm(), journal.VotedFor())
	}

	if !state.Ascend(1) {
		t.Fatalf("Ascend failed")
	}
	if state.GetSnapshot().Status != StatusLeader {
		t.Errorf("not leader after ascension")
	}
}

func TestStateAscendRequiresCandidacy(t *testing.T) {
	state, _ := createTestState(t)

	state.Observed(1, Server{})
	if state.Ascend(1) {
		t.Errorf("ascended without being a candidate")
	}
}

func TestStateCandidateBlockedByKnownLeader(t *testing.T) {
	state, _ := createTestState(t)

	state.Observed(1, testNodes[1])
	if state.BecomeCandidate(1) {
		t.Errorf("became candidate while a leader is recognized")
	}
}

// Fixing the leader for a term must block voting in it, even across a
// crash: votedFor is persisted as the blocked sentinel.
func TestStateObservedBlocksVote(t *testing.T) {
	state, journal := createTestState(t)

	state.Observed(3, testNodes[1])

	snapshot := state.GetSnapshot()
	if snapshot.VotedFor != BlockedVote {
		t.Errorf("votedFor = %v, want the blocked sentinel", snapshot.VotedFor)
	}
	if journal.VotedFor() != BlockedVote {
		t.Errorf("blocked vote not persisted")
	}

	if state.GrantVote(3, testNodes[2]) {
		t.Errorf("granted a vote in a term with a known leader")
	}
}

func TestStateObservedStepsDownLeader(t *testing.T) {
	state, _ := createTestState(t)

	state.Observed(1, Server{})
	state.BecomeCandidate(1)
	state.Ascend(1)

	if !state.Observed(2, testNodes[1]) {
		t.Fatalf("higher-term observation ignored")
	}

	snapshot := state.GetSnapshot()
	if snapshot.Status != StatusFollower || snapshot.Term != 2 || snapshot.Leader != testNodes[1] {
		t.Errorf("snapshot after step-down = %+v", snapshot)
	}
}

func TestStateLeaderNeverChangesWithinTerm(t *testing.T) {
	state, _ := createTestState(t)

	state.Observed(1, testNodes[1])
	state.Observed(1, testNodes[2])

	if state.GetSnapshot().Leader != testNodes[1] {
		t.Errorf("leader changed within a term")
	}
}

func TestStateGrantVote(t *testing.T) {
	state, journal := createTestState(t)

	state.Observed(2, Server{})
	if !state.GrantVote(2, testNodes[1]) {
		t.Fatalf("vote refused")
	}
	if journal.VotedFor() != testNodes[1] {
		t.Errorf("vote not persisted")
	}

	// One vote per term.
	if state.GrantVote(2, testNodes[2]) {
		t.Errorf("vote changed within a term")
	}
}

func TestStateDropOut(t *testing.T) {
	state, _ := createTestState(t)

	state.Observed(1, Server{})
	state.BecomeCandidate(1)

	if !state.DropOut(2) {
		t.Fatalf("DropOut failed")
	}

	snapshot := state.GetSnapshot()
	if snapshot.Status != StatusFollower || snapshot.Term != 2 {
		t.Errorf("snapshot after drop-out = %+v", snapshot)
	}
}

func TestStateShutdownIsTerminal(t *testing.T) {
	state, _ := createTestState(t)

	state.Shutdown()
	if !state.InShutdown() {
		t.Errorf("not in shutdown")
	}
	if state.Observed(5, testNodes[1]) && state.GetSnapshot().Status != StatusShutdown {
		t.Errorf("shutdown was not terminal")
	}
}

func TestStateSnapshotCurrency(t *testing.T) {
	state, _ := createTestState(t)

	snapshot := state.GetSnapshot()
	if !state.IsSnapshotCurrent(&snapshot) {
		t.Errorf("fresh snapshot not current")
	}

	state.Observed(1, Server{})
	if state.IsSnapshotCurrent(&snapshot) {
		t.Errorf("stale snapshot still current")
	}
}
