package raft

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/quarkdb/quarkdb/lib/resp"
	"github.com/quarkdb/quarkdb/lib/server"
	"github.com/quarkdb/quarkdb/lib/sm"
)

type dispatcherFixture struct {
	journal    *Journal
	machine    *sm.StateMachine
	state      *State
	writes     *WriteTracker
	dispatcher *Dispatcher
}

func createDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	journal := createTestJournal(t)
	machine, err := sm.Open(t.TempDir(), sm.Options{WriteAheadLog: true})
	if err != nil {
		t.Fatalf("sm.Open: %v", err)
	}
	t.Cleanup(func() { machine.Close() })

	state := NewState(journal, testNodes[0], nil)
	heartbeats := NewHeartbeatTracker(TightTimeouts)
	redis := server.NewRedisDispatcher(machine)
	writes := NewWriteTracker(journal, machine, redis, nil)
	t.Cleanup(func() { writes.Stop() })

	contact := ContactDetails{ClusterID: "test-cluster", Timeouts: TightTimeouts}
	dispatcher := NewDispatcher(journal, machine, state, heartbeats, redis, server.NewPublisher(), writes, contact, nil)

	return &dispatcherFixture{
		journal:    journal,
		machine:    machine,
		state:      state,
		writes:     writes,
		dispatcher: dispatcher,
	}
}

func decodeReply(t *testing.T, encoded resp.EncodedResponse) *resp.Reply {
	t.Helper()
	reader := resp.NewReplyReader(resp.NewBufferedReader(strings.NewReader(encoded.Value())))
	reply, err := reader.Fetch()
	if err != nil {
		t.Fatalf("cannot decode reply %q: %v", encoded.Value(), err)
	}
	return reply
}

func voteRequestFor(term Term, candidate Server, lastIndex LogIndex, lastTerm Term, preVote bool) resp.Request {
	command := "RAFT_REQUEST_VOTE"
	if preVote {
		command = "RAFT_REQUEST_PRE_VOTE"
	}
	return resp.Request{command, strconv.FormatInt(term, 10), candidate.String(),
		strconv.FormatInt(lastIndex, 10), strconv.FormatInt(lastTerm, 10)}
}

func voteOf(t *testing.T, encoded resp.EncodedResponse) (Term, Vote) {
	t.Helper()
	reply := decodeReply(t, encoded)
	if reply.Kind != resp.ReplyArray || len(reply.Elements) != 2 {
		t.Fatalf("unexpected vote reply: %q", encoded.Value())
	}
	term, _ := strconv.ParseInt(reply.Elements[0].Str, 10, 64)
	vote, ok := ParseVote(reply.Elements[1].Str)
	if !ok {
		t.Fatalf("unparsable vote %q", reply.Elements[1].Str)
	}
	return term, vote
}

func TestDispatcherHandshake(t *testing.T) {
	fixture := createDispatcherFixture(t)

	good := resp.Request{"RAFT_HANDSHAKE", Version, "test-cluster", TightTimeouts.String()}
	if response := fixture.dispatcher.serviceRaft(nil, good); response.Value() != resp.OK().Value() {
		t.Errorf("valid handshake refused: %q", response.Value())
	}

	badCluster := resp.Request{"RAFT_HANDSHAKE", Version, "other-cluster", TightTimeouts.String()}
	if response := fixture.dispatcher.serviceRaft(nil, badCluster); !strings.HasPrefix(response.Value(), "-ERR") {
		t.Errorf("cluster mismatch accepted: %q", response.Value())
	}

	badTimeouts := resp.Request{"RAFT_HANDSHAKE", Version, "test-cluster", "1:2:3"}
	if response := fixture.dispatcher.serviceRaft(nil, badTimeouts); !strings.HasPrefix(response.Value(), "-ERR") {
		t.Errorf("timeouts mismatch accepted: %q", response.Value())
	}
}

func TestDispatcherVoteGrant(t *testing.T) {
	fixture := createDispatcherFixture(t)

	// Candidate log as fresh as ours: grant.
	response := fixture.dispatcher.serviceRaft(nil, voteRequestFor(1, testNodes[1], 0, 0, false))
	term, vote := voteOf(t, response)
	if vote != VoteGranted || term != 1 {
		t.Errorf("vote = (%d, %s), want (1, granted)", term, vote)
	}

	// Same term again, already voted: refuse.
	response = fixture.dispatcher.serviceRaft(nil, voteRequestFor(1, testNodes[2], 0, 0, false))
	if _, vote := voteOf(t, response); vote != VoteRefused {
		t.Errorf("second vote in term = %s, want refused", vote)
	}
}

func TestDispatcherVoteVeto(t *testing.T) {
	fixture := createDispatcherFixture(t)

	// Grow our log past the candidate's.
	fixture.journal.SetCurrentTerm(1, Server{})
	for i := 1; i <= 5; i++ {
		entry := dataEntry(1, "SET", "k", strconv.Itoa(i))
		fixture.journal.Append(LogIndex(i), &entry, false)
	}

	// Candidate with a strictly shorter log must be vetoed.
	response := fixture.dispatcher.serviceRaft(nil, voteRequestFor(2, testNodes[1], 2, 1, false))
	if _, vote := voteOf(t, response); vote != VoteVeto {
		t.Errorf("stale candidate vote = %s, want veto", vote)
	}

	// Candidate with an older last term as well.
	response = fixture.dispatcher.serviceRaft(nil, voteRequestFor(2, testNodes[1], 9, 0, false))
	if _, vote := voteOf(t, response); vote != VoteVeto {
		t.Errorf("old-term candidate vote = %s, want veto", vote)
	}
}

func TestDispatcherVoteRefusesNonMember(t *testing.T) {
	fixture := createDispatcherFixture(t)

	response := fixture.dispatcher.serviceRaft(nil, voteRequestFor(1, Server{"stranger", 999}, 0, 0, false))
	if _, vote := voteOf(t, response); vote != VoteRefused {
		t.Errorf("non-member vote = %s, want refused", vote)
	}
}

// Pre-votes must not modify any persistent state, no matter the answer.
func TestDispatcherPreVoteModifiesNothing(t *testing.T) {
	fixture := createDispatcherFixture(t)

	response := fixture.dispatcher.serviceRaft(nil, voteRequestFor(5, testNodes[1], 0, 0, true))
	if _, vote := voteOf(t, response); vote != VoteGranted {
		t.Errorf("viable pre-vote = %s, want granted", vote)
	}

	if fixture.journal.CurrentTerm() != 0 {
		t.Errorf("pre-vote advanced the term to %d", fixture.journal.CurrentTerm())
	}
	if !fixture.journal.VotedFor().Empty() {
		t.Errorf("pre-vote persisted a vote: %v", fixture.journal.VotedFor())
	}
	if fixture.state.GetSnapshot().Term != 0 {
		t.Errorf("pre-vote advanced the in-memory term")
	}
}

// The pre-vote safety scenario: a node with a stale log keeps timing out,
// but its pre-votes get vetoed, so the healthy members never see their
// terms advance.
func TestDispatcherPreVoteVetoStaleCandidate(t *testing.T) {
	fixture := createDispatcherFixture(t)

	fixture.journal.SetCurrentTerm(1, Server{})
	for i := 1; i <= 10; i++ {
		entry := dataEntry(1, "SET", "k", strconv.Itoa(i))
		fixture.journal.Append(LogIndex(i), &entry, false)
	}

	// The stale node (log ends at 5) pre-votes for ever-higher terms.
	for term := Term(2); term < 5; term++ {
		response := fixture.dispatcher.serviceRaft(nil, voteRequestFor(term, testNodes[2], 5, 1, true))
		if _, vote := voteOf(t, response); vote != VoteVeto {
			t.Fatalf("stale pre-vote for term %d = %s, want veto", term, vote)
		}
	}

	if fixture.journal.CurrentTerm() != 1 {
		t.Errorf("stale candidate inflated the term to %d", fixture.journal.CurrentTerm())
	}
}

func TestDispatcherHeartbeat(t *testing.T) {
	fixture := createDispatcherFixture(t)

	req := resp.Request{"RAFT_HEARTBEAT", "1", testNodes[1].String()}
	reply := decodeReply(t, fixture.dispatcher.serviceRaft(nil, req))
	if reply.Elements[1].Str != "1" {
		t.Errorf("heartbeat from new leader not recognized: %+v", reply)
	}

	// A heartbeat from a stale term is not recognized.
	stale := resp.Request{"RAFT_HEARTBEAT", "0", testNodes[2].String()}
	reply = decodeReply(t, fixture.dispatcher.serviceRaft(nil, stale))
	if reply.Elements[1].Str != "0" {
		t.Errorf("stale heartbeat recognized: %+v", reply)
	}
}

func appendEntriesRequest(term Term, leader Server, prevIndex LogIndex, prevTerm Term, commit LogIndex, entries ...Entry) resp.Request {
	req := resp.Request{"RAFT_APPEND_ENTRIES", strconv.FormatInt(term, 10), leader.String(),
		strconv.FormatInt(prevIndex, 10), strconv.FormatInt(prevTerm, 10),
		strconv.FormatInt(commit, 10), strconv.Itoa(len(entries))}
	for i := range entries {
		req = append(req, entries[i].Serialize())
	}
	return req
}

func appendEntriesOutcome(t *testing.T, encoded resp.EncodedResponse) (LogIndex, bool) {
	t.Helper()
	reply := decodeReply(t, encoded)
	if reply.Kind != resp.ReplyArray || len(reply.Elements) != 4 {
		t.Fatalf("unexpected append entries reply: %q", encoded.Value())
	}
	logSize, _ := strconv.ParseInt(reply.Elements[1].Str, 10, 64)
	return logSize, reply.Elements[2].Str == "1"
}

func TestDispatcherAppendEntries(t *testing.T) {
	fixture := createDispatcherFixture(t)

	entries := []Entry{
		dataEntry(1, "SET", "asdf", "1234"),
		dataEntry(1, "SET", "qwerty", "5678"),
	}

	response := fixture.dispatcher.serviceRaft(nil,
		appendEntriesRequest(1, testNodes[1], 0, 0, 0, entries...))
	logSize, outcome := appendEntriesOutcome(t, response)
	if !outcome || logSize != 3 {
		t.Fatalf("append entries = (%d, %v), want (3, true)", logSize, outcome)
	}

	// Stale term refused.
	response = fixture.dispatcher.serviceRaft(nil,
		appendEntriesRequest(0, testNodes[2], 2, 1, 0, dataEntry(0, "SET", "x", "y")))
	if _, outcome := appendEntriesOutcome(t, response); outcome {
		t.Errorf("append entries from stale term accepted")
	}

	// Mismatching prevIndex/prevTerm refused.
	response = fixture.dispatcher.serviceRaft(nil,
		appendEntriesRequest(1, testNodes[1], 7, 1, 0))
	if _, outcome := appendEntriesOutcome(t, response); outcome {
		t.Errorf("append entries with bad prev accepted")
	}

	// Idempotent replay of the same payload succeeds without growth.
	response = fixture.dispatcher.serviceRaft(nil,
		appendEntriesRequest(1, testNodes[1], 0, 0, 2, entries...))
	logSize, outcome = appendEntriesOutcome(t, response)
	if !outcome || logSize != 3 {
		t.Errorf("replay = (%d, %v), want (3, true)", logSize, outcome)
	}

	// The commit index advanced and the applier caught up.
	if fixture.journal.CommitIndex() != 2 {
		t.Errorf("commit index = %d, want 2", fixture.journal.CommitIndex())
	}
	if !fixture.machine.WaitUntilTargetLastApplied(2, 5*time.Second) {
		t.Fatalf("applier never reached index 2")
	}
	if value, err := fixture.machine.Get("asdf"); err != nil || value != "1234" {
		t.Errorf("applied value = (%q, %v)", value, err)
	}
}

func TestDispatcherAppendEntriesOverwritesConflicts(t *testing.T) {
	fixture := createDispatcherFixture(t)

	// Term-1 leader appends two entries, only the first commits.
	first := fixture.dispatcher.serviceRaft(nil, appendEntriesRequest(1, testNodes[1], 0, 0, 0,
		dataEntry(1, "SET", "a", "1"), dataEntry(1, "SET", "b", "2")))
	if _, outcome := appendEntriesOutcome(t, first); !outcome {
		t.Fatalf("initial append refused")
	}
	fixture.journal.SetCommitIndex(1)

	// Term-2 leader overwrites entry 2 with different content.
	second := fixture.dispatcher.serviceRaft(nil, appendEntriesRequest(2, testNodes[2], 1, 1, 1,
		dataEntry(2, "SET", "b", "OTHER")))
	logSize, outcome := appendEntriesOutcome(t, second)
	if !outcome || logSize != 3 {
		t.Fatalf("conflicting append = (%d, %v), want (3, true)", logSize, outcome)
	}

	entry, err := fixture.journal.FetchEntry(2)
	if err != nil || entry.Term != 2 || entry.Request[2] != "OTHER" {
		t.Errorf("conflict not overwritten: %+v, %v", entry, err)
	}
}

func TestDispatcherFetch(t *testing.T) {
	fixture := createDispatcherFixture(t)
	fixture.journal.SetCurrentTerm(1, Server{})
	entry := dataEntry(1, "SET", "k", "v")
	fixture.journal.Append(1, &entry, false)

	response := fixture.dispatcher.serviceRaft(nil, resp.Request{"RAFT_FETCH", "1"})
	reply := decodeReply(t, response)
	if reply.Kind != resp.ReplyString {
		t.Fatalf("RAFT_FETCH reply kind %v", reply.Kind)
	}

	decoded, err := DeserializeEntry(reply.Str)
	if err != nil || !decoded.Equal(&entry) {
		t.Errorf("fetched entry mismatch: %+v, %v", decoded, err)
	}

	// Absent index yields null.
	response = fixture.dispatcher.serviceRaft(nil, resp.Request{"RAFT_FETCH", "99"})
	if reply := decodeReply(t, response); reply.Kind != resp.ReplyNull {
		t.Errorf("absent entry fetch = %+v, want null", reply)
	}
}

func TestDispatcherMembershipChangeRequiresLeadership(t *testing.T) {
	fixture := createDispatcherFixture(t)

	response := fixture.dispatcher.serviceRaft(nil, resp.Request{"RAFT_ADD_OBSERVER", "host9:7777"})
	if !strings.HasPrefix(response.Value(), "-ERR") {
		t.Errorf("membership change accepted from non-leader: %q", response.Value())
	}
}

func TestDispatcherMembershipChangeBlockedWithoutQuorum(t *testing.T) {
	fixture := createDispatcherFixture(t)

	// Become leader the hard way.
	fixture.state.Observed(1, Server{})
	fixture.state.BecomeCandidate(1)
	fixture.state.Ascend(1)

	// No replicator attached: nobody's up-to-dateness can be judged, so the
	// change must be blocked.
	response := fixture.dispatcher.serviceRaft(nil, resp.Request{"RAFT_REMOVE_MEMBER", testNodes[1].String()})
	if !strings.Contains(response.Value(), "membership update blocked, new cluster would not have an up-to-date quorum") {
		t.Errorf("unexpected response: %q", response.Value())
	}
}
