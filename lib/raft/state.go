package raft

import (
	"sync"
	"time"
)

// BlockedVote is the sentinel stored as votedFor once a leader is known for
// a term, so that a crash cannot make this node vote again in that term.
var BlockedVote = Server{Hostname: "VOTING_BLOCKED_FOR_THIS_TERM", Port: -1}

// StateSnapshot is a consistent view of (term, status, leader, votedFor).
// Reading the fields one by one through separate calls would race.
type StateSnapshot struct {
	Term     Term
	Status   Status
	Leader   Server
	VotedFor Server
}

// State holds the node's volatile raft state. All term and vote changes are
// persisted through the journal before the mutation returns.
type State struct {
	journal *Journal
	myself  Server
	log     Logger

	mtx    sync.Mutex
	cond   *sync.Cond
	term   Term
	status Status
	leader Server
	voted  Server
}

func NewState(journal *Journal, myself Server, logger Logger) *State {
	state := &State{
		journal: journal,
		myself:  myself,
		log:     logger,
		status:  StatusObserver,
	}
	state.cond = sync.NewCond(&state.mtx)

	if containsServer(journal.GetNodes(), myself) {
		state.status = StatusFollower
	}

	state.term = journal.CurrentTerm()
	state.voted = journal.VotedFor()
	return state
}

func (s *State) Myself() Server { return s.myself }

// CurrentTerm tolerates races; use GetSnapshot when consistency across
// fields matters.
func (s *State) CurrentTerm() Term {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.term
}

func (s *State) GetSnapshot() StateSnapshot {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return StateSnapshot{Term: s.term, Status: s.status, Leader: s.leader, VotedFor: s.voted}
}

// IsSnapshotCurrent reports whether term and status still match.
func (s *State) IsSnapshotCurrent(snapshot *StateSnapshot) bool {
	now := s.GetSnapshot()
	return snapshot.Term == now.Term && snapshot.Status == now.Status
}

func (s *State) InShutdown() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.status == StatusShutdown
}

// Wait blocks until the state changes or the timeout elapses.
func (s *State) Wait(timeout time.Duration) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	timer := time.AfterFunc(timeout, func() {
		s.mtx.Lock()
		s.cond.Broadcast()
		s.mtx.Unlock()
	})
	defer timer.Stop()
	s.cond.Wait()
}

func (s *State) updateJournal() {
	s.journal.SetCurrentTerm(s.term, s.voted)
}

// Observed processes evidence of (term, leader) seen in the cluster.
// Observing a higher term steps the node down to follower and clears any
// leadership; fixing the leader for a term blocks further votes in it.
func (s *State) Observed(observedTerm Term, observedLeader Server) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status == StatusShutdown {
		return false
	}

	if observedTerm > s.term {
		if s.status != StatusObserver {
			s.status = StatusFollower
		}
		s.declareEvent(observedTerm, observedLeader)

		s.voted = Server{}
		s.term = observedTerm
		s.leader = observedLeader

		// If the leader for this term is already known, block further votes
		// so a crash cannot make this node vote again in the same term.
		if !observedLeader.Empty() {
			s.voted = BlockedVote
		}

		s.updateJournal()
		s.cond.Broadcast()
		return true
	}

	if observedTerm == s.term && s.leader.Empty() {
		s.declareEvent(observedTerm, observedLeader)
		s.leader = observedLeader

		if !s.leader.Empty() && s.voted.Empty() {
			s.voted = BlockedVote
			s.updateJournal()
		}

		s.cond.Broadcast()
		return true
	}

	if observedTerm == s.term && !s.leader.Empty() && !observedLeader.Empty() && s.leader != observedLeader {
		if s.log != nil {
			s.log.Error("attempted to change leader for term %d: %s ==> %s", s.term, s.leader, observedLeader)
		}
	}

	return false
}

func (s *State) declareEvent(observedTerm Term, observedLeader Server) {
	if s.log == nil {
		return
	}
	if observedTerm > s.term {
		s.log.Info("progressing raft state: term %d ==> %d", s.term, observedTerm)
	}
	if !observedLeader.Empty() {
		s.log.Info("recognizing %s as leader for term %d", observedLeader, observedTerm)
	}
}

// BecomeCandidate transitions FOLLOWER -> CANDIDATE, voting for ourselves.
// Only legal when no leader is recognized and no vote was cast.
func (s *State) BecomeCandidate(forTerm Term) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if forTerm != s.term {
		return false
	}
	if s.status != StatusFollower {
		s.logError("attempted to become a candidate without first being a follower for term %d", forTerm)
		return false
	}
	if !s.leader.Empty() {
		s.logError("attempted to become a candidate for term %d while recognizing %s as leader", forTerm, s.leader)
		return false
	}
	if !s.voted.Empty() {
		s.logError("attempted to become a candidate for term %d while having voted for %s", forTerm, s.voted)
		return false
	}

	s.voted = s.myself
	s.updateJournal()
	s.status = StatusCandidate
	s.cond.Broadcast()
	return true
}

// Ascend transitions CANDIDATE -> LEADER after winning an election.
func (s *State) Ascend(forTerm Term) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if forTerm != s.term {
		return false
	}
	if s.status != StatusCandidate {
		s.logError("attempted to ascend without being a candidate for term %d", forTerm)
		return false
	}
	if !s.leader.Empty() {
		s.logError("attempted to ascend for term %d while recognizing %s as leader", forTerm, s.leader)
		return false
	}
	if s.voted != s.myself {
		s.logError("attempted to ascend in term %d without having voted for myself first", forTerm)
		return false
	}

	s.leader = s.myself
	s.status = StatusLeader
	if s.log != nil {
		s.log.Info("ascending as leader for term %d - long may I reign", forTerm)
	}
	s.cond.Broadcast()
	return true
}

// DropOut abandons a failed candidacy by moving to the next term as
// follower.
func (s *State) DropOut(forTerm Term) bool {
	s.mtx.Lock()
	status := s.status
	s.mtx.Unlock()

	if status != StatusCandidate {
		return false
	}
	return s.Observed(forTerm, Server{})
}

// GrantVote is called after establishing that the candidate's log is at
// least as up-to-date as ours.
func (s *State) GrantVote(forTerm Term, vote Server) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != StatusFollower {
		s.logError("attempted to vote for %s while in status %s", vote, s.status)
		return false
	}
	if forTerm != s.term {
		return false
	}
	if !s.leader.Empty() {
		s.logError("attempted to vote for %s in term %d while there is an established leader: %s", vote, forTerm, s.leader)
		return false
	}
	if !s.voted.Empty() {
		s.logError("attempted to change vote for term %d: %s ==> %s", forTerm, s.voted, vote)
		return false
	}

	if s.log != nil {
		s.log.Info("granting vote for term %d to %s", forTerm, vote)
	}
	s.voted = vote
	s.updateJournal()
	return true
}

// JoinCluster promotes an observer that became part of the member set.
func (s *State) JoinCluster(forTerm Term) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if forTerm != s.term {
		return false
	}
	if s.status != StatusObserver {
		s.logError("attempted to join cluster while not being an observer")
		return false
	}
	if !containsServer(s.journal.GetNodes(), s.myself) {
		s.logError("attempted to join cluster while not being part of the member set")
		return false
	}

	s.status = StatusFollower
	s.cond.Broadcast()
	return true
}

// BecomeObserver demotes a node that left the member set.
func (s *State) BecomeObserver(forTerm Term) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if forTerm != s.term {
		return false
	}
	if s.status != StatusFollower && s.status != StatusCandidate {
		s.logError("attempted to become an observer while status = %s", s.status)
		return false
	}
	if containsServer(s.journal.GetNodes(), s.myself) {
		s.logError("attempted to become an observer while still part of the member set")
		return false
	}

	s.status = StatusObserver
	s.cond.Broadcast()
	return true
}

// Shutdown is terminal.
func (s *State) Shutdown() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.status = StatusShutdown
	s.cond.Broadcast()
}

func (s *State) logError(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Error(format, args...)
	}
}
