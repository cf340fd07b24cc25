// Package raft implements the replication subsystem: journal, state,
// elections with a pre-vote stage, per-follower replication trackers with
// streaming, membership changes with observers, and the write tracker that
// ties client connections to journal commit progress.
package raft

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quarkdb/quarkdb/lib/binutil"
	"github.com/quarkdb/quarkdb/lib/resp"
)

// Term and LogIndex are monotonic 64-bit counters. -1 marks "absent".
type Term = int64
type LogIndex = int64

// ClusterID prevents cross-cluster contamination on membership updates.
type ClusterID = string

// Logger is the minimal logging surface of the raft core.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

// Server identifies a cluster node by hostname and port. The zero value
// means "none".
type Server struct {
	Hostname string
	Port     int
}

func (s Server) Empty() bool { return s.Hostname == "" && s.Port == 0 }

func (s Server) String() string {
	if s.Empty() {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.Hostname, s.Port)
}

// ParseServer parses "hostname:port".
func ParseServer(str string) (Server, error) {
	idx := strings.LastIndexByte(str, ':')
	if idx <= 0 {
		return Server{}, fmt.Errorf("cannot parse server %q", str)
	}

	port, err := strconv.Atoi(str[idx+1:])
	if err != nil || port <= 0 {
		return Server{}, fmt.Errorf("cannot parse server %q", str)
	}

	return Server{Hostname: str[:idx], Port: port}, nil
}

// ParseServers parses a comma-separated server list.
func ParseServers(str string) ([]Server, error) {
	if str == "" {
		return nil, nil
	}

	parts := strings.Split(str, ",")
	servers := make([]Server, 0, len(parts))
	for _, part := range parts {
		srv, err := ParseServer(part)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

func SerializeServers(servers []Server) string {
	parts := make([]string, len(servers))
	for i, srv := range servers {
		parts[i] = srv.String()
	}
	return strings.Join(parts, ",")
}

func containsServer(servers []Server, target Server) bool {
	for _, srv := range servers {
		if srv == target {
			return true
		}
	}
	return false
}

// Special first tokens distinguishing the three entry shapes.
const (
	entryUpdateMembers    = "JOURNAL_UPDATE_MEMBERS"
	entryLeadershipMarker = "JOURNAL_LEADERSHIP_MARKER"
)

// Entry is one journal record: the term it was appended under, plus the
// replicated command.
type Entry struct {
	Term    Term
	Request resp.Request
}

func (e *Entry) IsMembershipUpdate() bool {
	return len(e.Request) > 0 && e.Request[0] == entryUpdateMembers
}

func (e *Entry) IsLeadershipMarker() bool {
	return len(e.Request) > 0 && e.Request[0] == entryLeadershipMarker
}

// Serialize renders the entry as term plus length-prefixed tokens, all in
// fixed 8-byte big-endian integers.
func (e *Entry) Serialize() string {
	var sb strings.Builder
	sb.WriteString(binutil.EncodeInt64(e.Term))
	for _, token := range e.Request {
		sb.WriteString(binutil.EncodeInt64(int64(len(token))))
		sb.WriteString(token)
	}
	return sb.String()
}

// DeserializeEntry is the inverse of Serialize.
func DeserializeEntry(data string) (Entry, error) {
	if len(data) < binutil.Width {
		return Entry{}, fmt.Errorf("serialized entry too short: %d bytes", len(data))
	}

	entry := Entry{Term: binutil.DecodeInt64([]byte(data))}
	pos := binutil.Width

	for pos < len(data) {
		if pos+binutil.Width > len(data) {
			return Entry{}, fmt.Errorf("corrupted entry: truncated token length at offset %d", pos)
		}
		length := binutil.DecodeInt64([]byte(data[pos:]))
		pos += binutil.Width

		if length < 0 || pos+int(length) > len(data) {
			return Entry{}, fmt.Errorf("corrupted entry: token of length %d at offset %d", length, pos)
		}
		entry.Request = append(entry.Request, data[pos:pos+int(length)])
		pos += int(length)
	}

	return entry, nil
}

// EntryTerm peeks at the term without a full deserialization.
func EntryTerm(data string) Term {
	return binutil.DecodeInt64([]byte(data))
}

func (e *Entry) Equal(other *Entry) bool {
	return e.Term == other.Term && e.Request.Equal(other.Request)
}

// EntryWithIndex pairs an entry with its journal position, for inspection
// commands.
type EntryWithIndex struct {
	Entry Entry
	Index LogIndex
}

// Status is the node's role in the cluster.
type Status int

const (
	StatusFollower Status = iota
	StatusCandidate
	StatusLeader
	StatusObserver
	StatusShutdown
)

func (s Status) String() string {
	switch s {
	case StatusFollower:
		return "FOLLOWER"
	case StatusCandidate:
		return "CANDIDATE"
	case StatusLeader:
		return "LEADER"
	case StatusObserver:
		return "OBSERVER"
	case StatusShutdown:
		return "SHUTDOWN"
	}
	return "UNKNOWN"
}

// Vote is the answer to a vote request. Veto is distinct from a plain
// refusal: the candidate's log is strictly less up-to-date and it must
// abort its election attempt.
type Vote int

const (
	VoteVeto    Vote = -1
	VoteRefused Vote = 0
	VoteGranted Vote = 1
)

func (v Vote) String() string {
	switch v {
	case VoteGranted:
		return "granted"
	case VoteRefused:
		return "refused"
	case VoteVeto:
		return "veto"
	}
	return "unknown"
}

func ParseVote(str string) (Vote, bool) {
	switch str {
	case "granted":
		return VoteGranted, true
	case "refused":
		return VoteRefused, true
	case "veto":
		return VoteVeto, true
	}
	return VoteRefused, false
}

// ElectionOutcome summarizes one election round.
type ElectionOutcome int

const (
	ElectionWon ElectionOutcome = iota
	ElectionLost
	ElectionVetoed
)

// QuorumSize returns the minimum number of agreeing members.
func QuorumSize(members int) int {
	return members/2 + 1
}

// HeartbeatRequest / HeartbeatResponse carry the liveness exchange.
type HeartbeatRequest struct {
	Term   Term
	Leader Server
}

type HeartbeatResponse struct {
	Term               Term
	RecognizedAsLeader bool
	Err                string
}

// AppendEntriesRequest replicates a batch of serialized entries.
type AppendEntriesRequest struct {
	Term        Term
	Leader      Server
	PrevIndex   LogIndex
	PrevTerm    Term
	CommitIndex LogIndex
	Entries     []string // serialized
}

type AppendEntriesResponse struct {
	Term    Term
	LogSize LogIndex
	Outcome bool
	Err     string
}

// VoteRequest asks for a vote (or pre-vote) in the given term.
type VoteRequest struct {
	Term      Term
	Candidate Server
	LastIndex LogIndex
	LastTerm  Term
}

func (r *VoteRequest) Describe(preVote bool) string {
	kind := "vote"
	if preVote {
		kind = "pre-vote"
	}
	return fmt.Sprintf("%s request [candidate=%s, term=%d, lastIndex=%d, lastTerm=%d]",
		kind, r.Candidate, r.Term, r.LastIndex, r.LastTerm)
}

type VoteResponse struct {
	Term Term
	Vote Vote
}

// ReplicaStatus is one follower as seen from the leader's replicator.
type ReplicaStatus struct {
	Target   Server
	Online   bool
	LogSize  LogIndex
	Resilver string
}

// upToDateThreshold is how far behind a replica may be while still counting
// as up-to-date for membership changes.
const upToDateThreshold = 30000

func (r ReplicaStatus) UpToDate(leaderLogSize LogIndex) bool {
	if !r.Online || r.LogSize < 0 {
		return false
	}
	return leaderLogSize-r.LogSize < upToDateThreshold
}

// ReplicationStatus aggregates all replicas.
type ReplicationStatus struct {
	Replicas    []ReplicaStatus
	ShakyQuorum bool
}

func (r *ReplicationStatus) ReplicasUpToDate(leaderLogSize LogIndex) int {
	count := 0
	for _, replica := range r.Replicas {
		if replica.UpToDate(leaderLogSize) {
			count++
		}
	}
	return count
}

func (r *ReplicationStatus) Get(target Server) (ReplicaStatus, bool) {
	for _, replica := range r.Replicas {
		if replica.Target == target {
			return replica, true
		}
	}
	return ReplicaStatus{}, false
}

// Info is the RAFT_INFO snapshot.
type Info struct {
	ClusterID       ClusterID
	Myself          Server
	Leader          Server
	FsyncPolicy     FsyncPolicy
	MembershipEpoch LogIndex
	Nodes           []Server
	Observers       []Server
	Term            Term
	LogStart        LogIndex
	LogSize         LogIndex
	Status          Status
	CommitIndex     LogIndex
	LastApplied     LogIndex
	BlockedWrites   int64
	Replication     ReplicationStatus
}

func (i *Info) ToVector() []string {
	out := []string{
		fmt.Sprintf("TERM %d", i.Term),
		fmt.Sprintf("LOG-START %d", i.LogStart),
		fmt.Sprintf("LOG-SIZE %d", i.LogSize),
		fmt.Sprintf("LEADER %s", i.Leader),
		fmt.Sprintf("CLUSTER-ID %s", i.ClusterID),
		fmt.Sprintf("COMMIT-INDEX %d", i.CommitIndex),
		fmt.Sprintf("LAST-APPLIED %d", i.LastApplied),
		fmt.Sprintf("BLOCKED-WRITES %d", i.BlockedWrites),
		"----------",
		fmt.Sprintf("MYSELF %s", i.Myself),
		fmt.Sprintf("STATUS %s", i.Status),
		fmt.Sprintf("JOURNAL-FSYNC-POLICY %s", i.FsyncPolicy),
		"----------",
		fmt.Sprintf("MEMBERSHIP-EPOCH %d", i.MembershipEpoch),
		fmt.Sprintf("NODES %s", SerializeServers(i.Nodes)),
		fmt.Sprintf("OBSERVERS %s", SerializeServers(i.Observers)),
		fmt.Sprintf("QUORUM-SIZE %d", QuorumSize(len(i.Nodes))),
	}

	for _, replica := range i.Replication.Replicas {
		state := "OFFLINE"
		if replica.Online {
			if replica.Resilver != "" {
				state = "ONLINE | RESILVERING " + replica.Resilver
			} else if replica.UpToDate(i.LogSize) {
				state = "ONLINE | UP-TO-DATE"
			} else {
				state = "ONLINE | LAGGING"
			}
		}
		out = append(out, fmt.Sprintf("REPLICA %s | %s | LOG-SIZE %d", replica.Target, state, replica.LogSize))
	}

	return out
}
