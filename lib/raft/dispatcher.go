package raft

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quarkdb/quarkdb/lib/resp"
	"github.com/quarkdb/quarkdb/lib/server"
	"github.com/quarkdb/quarkdb/lib/sm"
)

// ResilveringTrigger is implemented by the shard directory; the replicator
// calls it when a follower has fallen off the log.
type ResilveringTrigger interface {
	TriggerResilvering(target Server, contact ContactDetails) (progress string, err error)
}

// Dispatcher services RAFT_* RPCs from peers and routes client traffic
// according to leadership. It implements server.Dispatcher.
type Dispatcher struct {
	journal    *Journal
	machine    *sm.StateMachine
	state      *State
	heartbeats *HeartbeatTracker
	redis      *server.RedisDispatcher
	publisher  *server.Publisher
	writes     *WriteTracker
	contact    ContactDetails
	log        Logger

	// replicator is set once the director exists; guarded for the rare
	// lookups from membership RPCs.
	replicatorMtx sync.Mutex
	replicator    *Replicator
}

func NewDispatcher(journal *Journal, machine *sm.StateMachine, state *State, heartbeats *HeartbeatTracker,
	redis *server.RedisDispatcher, publisher *server.Publisher, writes *WriteTracker,
	contact ContactDetails, logger Logger) *Dispatcher {
	return &Dispatcher{
		journal:    journal,
		machine:    machine,
		state:      state,
		heartbeats: heartbeats,
		redis:      redis,
		publisher:  publisher,
		writes:     writes,
		contact:    contact,
		log:        logger,
	}
}

func (d *Dispatcher) attachReplicator(replicator *Replicator) {
	d.replicatorMtx.Lock()
	defer d.replicatorMtx.Unlock()
	d.replicator = replicator
}

func (d *Dispatcher) getReplicator() *Replicator {
	d.replicatorMtx.Lock()
	defer d.replicatorMtx.Unlock()
	return d.replicator
}

// Dispatch implements server.Dispatcher.
func (d *Dispatcher) Dispatch(conn *server.Connection, req resp.Request) {
	if server.HandleConnectionCommand(conn, req, d.publisher) {
		return
	}

	command := req.Command()
	kind, known := server.CommandTable[command]
	if !known {
		conn.Send(resp.Err("unknown command '" + req[0] + "'"))
		return
	}

	switch kind {
	case KindRaftCommand:
		conn.Send(d.serviceRaft(conn, req))
	case server.KindRead:
		d.dispatchRead(conn, req)
	case server.KindWrite:
		d.dispatchWrite(conn, req)
	default:
		conn.Send(resp.Err("internal dispatching error for '" + req[0] + "'"))
	}
}

// KindRaftCommand aliases the server-side classification for readability.
const KindRaftCommand = server.KindRaft

func (d *Dispatcher) dispatchRead(conn *server.Connection, req resp.Request) {
	snapshot := d.state.GetSnapshot()
	if snapshot.Status != StatusLeader && !conn.RaftStaleReads.Load() {
		d.redirect(conn, snapshot)
		return
	}

	// Reads queue behind any in-flight writes of the same connection, and
	// only execute once those writes have been applied: the client sees
	// responses strictly in submission order, and a read observes every
	// write it was issued after.
	conn.Queue().AddDeferredRead(req, d.redis.DispatchRead)
}

func (d *Dispatcher) dispatchWrite(conn *server.Connection, req resp.Request) {
	snapshot := d.state.GetSnapshot()
	if snapshot.Status != StatusLeader {
		d.redirect(conn, snapshot)
		return
	}

	rewritten, ok := d.redis.TimestampLeaseRequest(req)
	if !ok {
		conn.Send(resp.ErrArgs(req[0]))
		return
	}

	if !d.writes.Append(snapshot.Term, rewritten, conn.Queue()) {
		conn.Send(resp.Err("unavailable"))
	}
}

func (d *Dispatcher) redirect(conn *server.Connection, snapshot StateSnapshot) {
	if snapshot.Leader.Empty() {
		conn.Send(resp.Err("unavailable"))
		return
	}
	conn.Send(resp.Moved(0, snapshot.Leader.String()))
}

// ---------------------------------------------------------------------------
// RAFT_* RPC service
// ---------------------------------------------------------------------------

func (d *Dispatcher) serviceRaft(conn *server.Connection, req resp.Request) resp.EncodedResponse {
	switch req.Command() {
	case "RAFT_HANDSHAKE":
		response := d.handleHandshake(req)
		if conn != nil && response.Value() == resp.OK().Value() {
			conn.RaftAuthorization.Store(true)
		}
		return response
	case "RAFT_HEARTBEAT":
		if !raftAuthorized(conn) {
			return resp.Err("raft handshake required")
		}
		return d.handleHeartbeat(req)
	case "RAFT_APPEND_ENTRIES":
		if !raftAuthorized(conn) {
			return resp.Err("raft handshake required")
		}
		return d.handleAppendEntries(req)
	case "RAFT_REQUEST_VOTE":
		if !raftAuthorized(conn) {
			return resp.Err("raft handshake required")
		}
		return d.handleVote(req, false)
	case "RAFT_REQUEST_PRE_VOTE":
		if !raftAuthorized(conn) {
			return resp.Err("raft handshake required")
		}
		return d.handleVote(req, true)
	case "RAFT_FETCH":
		return d.handleFetch(req)
	case "RAFT_FETCH_LAST":
		return d.handleFetchLast(req)
	case "RAFT_JOURNAL_SCAN":
		return d.handleJournalScan(req)
	case "RAFT_INFO":
		info := d.Info()
		return resp.StatusVector(info.ToVector())
	case "RAFT_ATTEMPT_COUP":
		return d.handleAttemptCoup()
	case "RAFT_ADD_OBSERVER", "RAFT_REMOVE_MEMBER", "RAFT_PROMOTE_OBSERVER", "RAFT_DEMOTE_TO_OBSERVER":
		return d.handleMembershipChange(req)
	}
	return resp.Err("unknown command '" + req[0] + "'")
}

func (d *Dispatcher) handleHandshake(req resp.Request) resp.EncodedResponse {
	if len(req) != 4 {
		return resp.ErrArgs(req[0])
	}
	if req[1] != Version {
		return resp.Err(fmt.Sprintf("version mismatch, mine is %s, yours %s", Version, req[1]))
	}
	if req[2] != d.contact.ClusterID {
		return resp.Err(fmt.Sprintf("cluster id mismatch, mine is %s, yours %s", d.contact.ClusterID, req[2]))
	}
	if req[3] != d.contact.Timeouts.String() {
		return resp.Err(fmt.Sprintf("timeouts mismatch, mine are %s, yours %s", d.contact.Timeouts, req[3]))
	}
	return resp.OK()
}

func heartbeatReply(term Term, recognized bool, errMsg string) resp.EncodedResponse {
	outcome := "0"
	if recognized {
		outcome = "1"
	}
	return resp.Vector([]string{itoa(term), outcome, errMsg})
}

func (d *Dispatcher) handleHeartbeat(req resp.Request) resp.EncodedResponse {
	if len(req) != 3 {
		return resp.ErrArgs(req[0])
	}

	term, err1 := strconv.ParseInt(req[1], 10, 64)
	leader, err2 := ParseServer(req[2])
	if err1 != nil || err2 != nil {
		return resp.Err("malformed heartbeat")
	}

	d.state.Observed(term, leader)
	snapshot := d.state.GetSnapshot()

	if term < snapshot.Term {
		return heartbeatReply(snapshot.Term, false, "heartbeat from stale term")
	}
	if snapshot.Leader != leader {
		return heartbeatReply(snapshot.Term, false,
			fmt.Sprintf("recognized leader for term %d is %s, not %s", snapshot.Term, snapshot.Leader, leader))
	}

	d.heartbeats.Heartbeat(time.Now())
	return heartbeatReply(snapshot.Term, true, "")
}

func appendEntriesReply(term Term, logSize LogIndex, outcome bool, errMsg string) resp.EncodedResponse {
	out := "0"
	if outcome {
		out = "1"
	}
	return resp.Vector([]string{itoa(term), itoa(logSize), out, errMsg})
}

func (d *Dispatcher) handleAppendEntries(req resp.Request) resp.EncodedResponse {
	if len(req) < 7 {
		return resp.ErrArgs(req[0])
	}

	term, errT := strconv.ParseInt(req[1], 10, 64)
	leader, errL := ParseServer(req[2])
	prevIndex, errPI := strconv.ParseInt(req[3], 10, 64)
	prevTerm, errPT := strconv.ParseInt(req[4], 10, 64)
	commitIndex, errCI := strconv.ParseInt(req[5], 10, 64)
	entryCount, errEC := strconv.Atoi(req[6])
	if errT != nil || errL != nil || errPI != nil || errPT != nil || errCI != nil || errEC != nil {
		return resp.Err("malformed append entries request")
	}
	if len(req) != 7+entryCount {
		return resp.Err("malformed append entries request, entry count mismatch")
	}
	entries := []string(req[7:])

	snapshot := d.state.GetSnapshot()
	if term < snapshot.Term {
		return appendEntriesReply(snapshot.Term, d.journal.LogSize(), false, "stale term")
	}

	d.state.Observed(term, leader)
	snapshot = d.state.GetSnapshot()
	d.heartbeats.Heartbeat(time.Now())

	if !d.journal.MatchEntries(prevIndex, prevTerm) {
		return appendEntriesReply(snapshot.Term, d.journal.LogSize(), false,
			fmt.Sprintf("log does not match at index %d", prevIndex))
	}

	firstDivergent := d.journal.CompareEntries(prevIndex+1, entries)
	appendFrom := firstDivergent - (prevIndex + 1)

	if appendFrom < int64(len(entries)) {
		if firstDivergent < d.journal.LogSize() {
			if !d.journal.RemoveEntries(firstDivergent) {
				return appendEntriesReply(snapshot.Term, d.journal.LogSize(), false, "unable to remove conflicting entries")
			}
		}

		for i := appendFrom; i < int64(len(entries)); i++ {
			entry, err := DeserializeEntry(entries[i])
			if err != nil {
				return appendEntriesReply(snapshot.Term, d.journal.LogSize(), false, err.Error())
			}
			important := entry.IsMembershipUpdate() || entry.IsLeadershipMarker()
			if !d.journal.Append(prevIndex+1+i, &entry, important) {
				return appendEntriesReply(snapshot.Term, d.journal.LogSize(), false,
					fmt.Sprintf("unable to append entry at %d", prevIndex+1+i))
			}
		}

		// A membership change may have added or removed us.
		d.applyMembershipStatus(snapshot)
	}

	newCommit := commitIndex
	if d.journal.LogSize()-1 < newCommit {
		newCommit = d.journal.LogSize() - 1
	}
	d.journal.SetCommitIndex(newCommit)

	return appendEntriesReply(snapshot.Term, d.journal.LogSize(), true, "")
}

func (d *Dispatcher) applyMembershipStatus(snapshot StateSnapshot) {
	members := d.journal.GetMembers()
	myself := d.state.Myself()

	if members.IsFullMember(myself) {
		if d.state.GetSnapshot().Status == StatusObserver {
			d.state.JoinCluster(snapshot.Term)
		}
	} else {
		status := d.state.GetSnapshot().Status
		if status == StatusFollower || status == StatusCandidate {
			d.state.BecomeObserver(snapshot.Term)
		}
	}
}

func voteReply(term Term, vote Vote) resp.EncodedResponse {
	return resp.Vector([]string{itoa(term), vote.String()})
}

// handleVote decides a vote or pre-vote. Pre-votes answer as if the real
// vote would be cast, but modify no state and never advance the term.
func (d *Dispatcher) handleVote(req resp.Request, preVote bool) resp.EncodedResponse {
	if len(req) != 5 {
		return resp.ErrArgs(req[0])
	}

	term, errT := strconv.ParseInt(req[1], 10, 64)
	candidate, errC := ParseServer(req[2])
	lastIndex, errLI := strconv.ParseInt(req[3], 10, 64)
	lastTerm, errLT := strconv.ParseInt(req[4], 10, 64)
	if errT != nil || errC != nil || errLI != nil || errLT != nil {
		return resp.Err("malformed vote request")
	}

	votereq := VoteRequest{Term: term, Candidate: candidate, LastIndex: lastIndex, LastTerm: lastTerm}

	if !preVote {
		d.state.Observed(votereq.Term, Server{})
	}
	snapshot := d.state.GetSnapshot()

	if votereq.Term < snapshot.Term {
		return voteReply(snapshot.Term, VoteRefused)
	}

	myLastIndex := d.journal.LogSize() - 1
	myLastTerm, err := d.journal.FetchTerm(myLastIndex)
	if err != nil {
		return resp.Err("unable to fetch last entry")
	}

	// A candidate with a strictly less up-to-date log gets vetoed: it must
	// abort the election attempt entirely.
	if votereq.LastTerm < myLastTerm {
		return voteReply(snapshot.Term, VoteVeto)
	}
	if votereq.LastTerm == myLastTerm && votereq.LastIndex < myLastIndex {
		return voteReply(snapshot.Term, VoteVeto)
	}

	members := d.journal.GetMembers()
	if !members.IsFullMember(candidate) {
		if d.log != nil {
			d.log.Error("%s requested a vote but is not a full member", candidate)
		}
		return voteReply(snapshot.Term, VoteRefused)
	}

	if preVote {
		// Reply what the real vote would answer, persisting nothing.
		if votereq.Term > snapshot.Term {
			return voteReply(snapshot.Term, VoteGranted)
		}
		if snapshot.VotedFor.Empty() && snapshot.Leader.Empty() {
			return voteReply(snapshot.Term, VoteGranted)
		}
		return voteReply(snapshot.Term, VoteRefused)
	}

	if d.state.GrantVote(votereq.Term, candidate) {
		d.heartbeats.Heartbeat(time.Now())
		return voteReply(votereq.Term, VoteGranted)
	}
	return voteReply(snapshot.Term, VoteRefused)
}

func (d *Dispatcher) handleFetch(req resp.Request) resp.EncodedResponse {
	if len(req) != 2 {
		return resp.ErrArgs(req[0])
	}

	index, err := strconv.ParseInt(req[1], 10, 64)
	if err != nil {
		return resp.Err("value is not an integer or out of range")
	}

	data, err := d.journal.FetchSerialized(index)
	if errors.Is(err, ErrNotFound) {
		return resp.Null()
	}
	if err != nil {
		return resp.Err(err.Error())
	}
	return resp.String(data)
}

func (d *Dispatcher) handleFetchLast(req resp.Request) resp.EncodedResponse {
	if len(req) != 2 {
		return resp.ErrArgs(req[0])
	}

	count, err := strconv.ParseInt(req[1], 10, 64)
	if err != nil || count <= 0 {
		return resp.Err("value is not an integer or out of range")
	}

	entries, err := d.journal.FetchLast(count)
	if err != nil {
		return resp.Err(err.Error())
	}

	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, fmt.Sprintf("TERM %d -> %s", entry.Term, entry.Request.String()))
	}
	return resp.Vector(out)
}

func (d *Dispatcher) handleJournalScan(req resp.Request) resp.EncodedResponse {
	if len(req) != 2 && len(req) != 3 {
		return resp.ErrArgs(req[0])
	}

	cursor, err := strconv.ParseInt(req[1], 10, 64)
	if err != nil || cursor < 0 {
		return resp.Err("invalid cursor")
	}

	match := ""
	if len(req) == 3 {
		match = req[2]
	}

	entries, next, err := d.journal.ScanContents(cursor, 100, match, matchSerialized)
	if err != nil {
		return resp.Err(err.Error())
	}

	out := make([]string, 0, len(entries))
	for _, item := range entries {
		out = append(out, fmt.Sprintf("INDEX %d TERM %d -> %s", item.Index, item.Entry.Term, item.Entry.Request.String()))
	}
	return resp.Scan(strconv.FormatInt(next, 10), out)
}

// raftAuthorized reports whether the link completed a handshake. A nil
// connection marks an internal caller, which is always trusted.
func raftAuthorized(conn *server.Connection) bool {
	return conn == nil || conn.RaftAuthorization.Load()
}

// matchSerialized is a plain substring match over the serialized entry;
// journal inspection does not need full glob semantics.
func matchSerialized(pattern, data string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	return strings.Contains(data, strings.Trim(pattern, "*"))
}

func (d *Dispatcher) handleAttemptCoup() resp.EncodedResponse {
	snapshot := d.state.GetSnapshot()
	if snapshot.Leader.Empty() {
		return resp.Err("no leader to overthrow")
	}
	if snapshot.Leader == d.state.Myself() {
		return resp.Err("I am the leader, cannot overthrow myself")
	}
	members := d.journal.GetMembers()
	if !members.IsFullMember(d.state.Myself()) {
		return resp.Err("I am not a full member, cannot attempt coup")
	}

	d.heartbeats.TriggerTimeout()
	return resp.Status("vive la revolution")
}

// handleMembershipChange services the four leader-only membership RPCs.
// Changes are refused while the current epoch is uncommitted, and when the
// post-change member set would lack an up-to-date quorum.
func (d *Dispatcher) handleMembershipChange(req resp.Request) resp.EncodedResponse {
	if len(req) != 2 {
		return resp.ErrArgs(req[0])
	}

	target, err := ParseServer(req[1])
	if err != nil {
		return resp.Err("cannot parse server: " + req[1])
	}

	snapshot := d.state.GetSnapshot()
	if snapshot.Status != StatusLeader {
		if snapshot.Leader.Empty() {
			return resp.Err("unavailable")
		}
		return resp.Moved(0, snapshot.Leader.String())
	}

	newMembers := d.journal.GetMembers()
	switch req.Command() {
	case "RAFT_ADD_OBSERVER":
		err = newMembers.AddObserver(target)
	case "RAFT_REMOVE_MEMBER":
		if target == d.state.Myself() {
			return resp.Err("cannot remove myself from the cluster")
		}
		err = newMembers.RemoveMember(target)
	case "RAFT_PROMOTE_OBSERVER":
		err = newMembers.PromoteObserver(target)
	case "RAFT_DEMOTE_TO_OBSERVER":
		if target == d.state.Myself() {
			return resp.Err("cannot demote myself")
		}
		err = newMembers.DemoteToObserver(target)
	}
	if err != nil {
		return resp.Err(err.Error())
	}

	if !d.quorumWouldRemainUpToDate(newMembers) {
		return resp.Err("membership update blocked, new cluster would not have an up-to-date quorum")
	}

	if err := d.journal.MembershipUpdate(snapshot.Term, newMembers); err != nil {
		return resp.Err(err.Error())
	}
	return resp.OK()
}

// quorumWouldRemainUpToDate checks the replicator's view of each proposed
// full voter.
func (d *Dispatcher) quorumWouldRemainUpToDate(proposed Members) bool {
	replicator := d.getReplicator()
	if replicator == nil {
		return false
	}

	status := replicator.Status()
	logSize := d.journal.LogSize()

	upToDate := 0
	for _, node := range proposed.Nodes {
		if node == d.state.Myself() {
			upToDate++
			continue
		}
		replica, ok := status.Get(node)
		if ok && replica.UpToDate(logSize) {
			upToDate++
		}
	}

	return upToDate >= QuorumSize(len(proposed.Nodes))
}

// Info assembles the RAFT_INFO snapshot.
func (d *Dispatcher) Info() Info {
	snapshot := d.state.GetSnapshot()
	membership := d.journal.GetMembership()

	info := Info{
		ClusterID:       d.journal.ClusterID(),
		Myself:          d.state.Myself(),
		Leader:          snapshot.Leader,
		FsyncPolicy:     d.journal.FsyncPolicy(),
		MembershipEpoch: membership.Epoch,
		Nodes:           membership.Nodes,
		Observers:       membership.Observers,
		Term:            snapshot.Term,
		LogStart:        d.journal.LogStart(),
		LogSize:         d.journal.LogSize(),
		Status:          snapshot.Status,
		CommitIndex:     d.journal.CommitIndex(),
		LastApplied:     d.machine.LastApplied(),
		BlockedWrites:   d.writes.BlockedWrites(),
	}

	if replicator := d.getReplicator(); replicator != nil && snapshot.Status == StatusLeader {
		info.Replication = replicator.Status()
	}
	return info
}
