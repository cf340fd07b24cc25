package raft

import (
	"time"
)

// performPreVote probes election viability without modifying any state.
// Requires a quorum of granted replies with not a single veto.
func performPreVote(votereq VoteRequest, state *State, journal *Journal, contact ContactDetails, logger Logger) ElectionOutcome {
	return voteRound(votereq, state, journal, contact, logger, true)
}

// performElection runs the real vote for a term the node is already a
// candidate in.
func performElection(votereq VoteRequest, state *State, journal *Journal, contact ContactDetails, logger Logger) ElectionOutcome {
	return voteRound(votereq, state, journal, contact, logger, false)
}

func voteRound(votereq VoteRequest, state *State, journal *Journal, contact ContactDetails, logger Logger, preVote bool) ElectionOutcome {
	nodes := journal.GetNodes()
	myself := state.Myself()

	if !containsServer(nodes, myself) {
		if logger != nil {
			logger.Error("attempted to run for leader without being a full member")
		}
		return ElectionLost
	}

	if logger != nil {
		logger.Info("starting %s", votereq.Describe(preVote))
	}

	type voteReplyFuture struct {
		talker *Talker
		future *replyFuture
	}

	futures := make([]voteReplyFuture, 0, len(nodes)-1)
	for _, node := range nodes {
		if node == myself {
			continue
		}
		talker := NewTalker(node, contact, "election-round", logger)
		futures = append(futures, voteReplyFuture{talker: talker, future: talker.RequestVote(votereq, preVote)})
	}

	granted, refused, vetoes := 1, 0, 0 // we vote for ourselves

	deadline := contact.Timeouts.Heartbeat * 2
	for _, item := range futures {
		reply := item.future.Get(deadline)
		if reply == nil {
			refused++
			continue
		}

		response, err := ParseVoteResponse(reply)
		if err != nil {
			refused++
			continue
		}

		if !preVote {
			state.Observed(response.Term, Server{})
		}

		switch response.Vote {
		case VoteGranted:
			granted++
		case VoteVeto:
			vetoes++
		default:
			refused++
		}
	}

	for _, item := range futures {
		item.talker.Close()
	}

	if logger != nil {
		logger.Info("%s round complete: %d granted, %d refused, %d vetoes",
			votereq.Describe(preVote), granted, refused, vetoes)
	}

	if vetoes > 0 {
		return ElectionVetoed
	}
	if granted >= QuorumSize(len(nodes)) {
		return ElectionWon
	}
	return ElectionLost
}

// runForLeader drives the full sequence: mandatory pre-vote, then term
// advancement, candidacy, the real election, and on success the
// leadership-marker append. A partitioned node that keeps timing out must
// not inflate the term and disrupt a healthy cluster when it rejoins; the
// pre-vote stage guarantees that.
func runForLeader(state *State, journal *Journal, contact ContactDetails, logger Logger) bool {
	snapshot := state.GetSnapshot()

	lastIndex := journal.LogSize() - 1
	lastTerm, err := journal.FetchTerm(lastIndex)
	if err != nil {
		if logger != nil {
			logger.Error("unable to fetch journal entry %d when running for leader", lastIndex)
		}
		return false
	}

	votereq := VoteRequest{
		Term:      snapshot.Term + 1,
		Candidate: state.Myself(),
		LastIndex: lastIndex,
		LastTerm:  lastTerm,
	}

	// Stage one: pre-vote, no state modified.
	switch performPreVote(votereq, state, journal, contact, logger) {
	case ElectionWon:
	case ElectionVetoed:
		if logger != nil {
			logger.Error("pre-vote round vetoed, backing off")
		}
		time.Sleep(contact.Timeouts.Heartbeat)
		return false
	default:
		if logger != nil {
			logger.Info("pre-vote round failed, not advancing term")
		}
		return false
	}

	// Stage two: the real thing.
	if !state.Observed(votereq.Term, Server{}) {
		return false
	}
	if !state.BecomeCandidate(votereq.Term) {
		return false
	}

	outcome := performElection(votereq, state, journal, contact, logger)
	if outcome != ElectionWon {
		state.DropOut(votereq.Term + 1)
		return false
	}

	if !state.Ascend(votereq.Term) {
		return false
	}

	// The leadership marker pins our term in the journal before the
	// replicator starts pushing entries.
	if !journal.AppendLeadershipMarker(journal.LogSize(), votereq.Term, state.Myself()) {
		if logger != nil {
			logger.Error("unable to append leadership marker after winning election for term %d", votereq.Term)
		}
		return false
	}

	return true
}
