package raft

import (
	"time"

	"github.com/quarkdb/quarkdb/lib/resp"
)

// Director is the single orchestrator of a node's raft lifecycle: it runs
// the election timer as follower, the replicator as leader, and reacts to
// term, status and membership-epoch changes. Exactly one of actAsFollower
// and actAsLeader executes at any time.
type Director struct {
	journal    *Journal
	state      *State
	heartbeats *HeartbeatTracker
	lease      *Lease
	commits    *CommitTracker
	trimmer    *Trimmer
	writes     *WriteTracker
	dispatcher *Dispatcher
	resilver   ResilveringTrigger
	contact    ContactDetails
	log        Logger

	done chan struct{}
}

func NewDirector(journal *Journal, state *State, heartbeats *HeartbeatTracker, lease *Lease,
	commits *CommitTracker, trimmer *Trimmer, writes *WriteTracker, dispatcher *Dispatcher,
	resilver ResilveringTrigger, contact ContactDetails, logger Logger) *Director {
	director := &Director{
		journal:    journal,
		state:      state,
		heartbeats: heartbeats,
		lease:      lease,
		commits:    commits,
		trimmer:    trimmer,
		writes:     writes,
		dispatcher: dispatcher,
		resilver:   resilver,
		contact:    contact,
		log:        logger,
		done:       make(chan struct{}),
	}

	director.trimmer.Start()
	go director.main()
	return director
}

// Stop shuts the node's raft activity down and joins the director thread.
func (d *Director) Stop() {
	d.state.Shutdown()
	d.journal.NotifyWaitingThreads()
	<-d.done
	d.trimmer.Stop()
}

func (d *Director) main() {
	defer close(d.done)

	d.heartbeats.Heartbeat(time.Now())
	for {
		d.heartbeats.RefreshRandomTimeout()
		snapshot := d.state.GetSnapshot()

		switch snapshot.Status {
		case StatusShutdown:
			return
		case StatusFollower, StatusObserver:
			d.actAsFollower(snapshot)
		case StatusLeader:
			d.actAsLeader(snapshot)
			d.heartbeats.Heartbeat(time.Now())
		case StatusCandidate:
			// A candidacy either resolves inside runForLeader or drops out;
			// seeing it here means a race, wait for it to settle.
			d.state.Wait(d.contact.Timeouts.Heartbeat)
		}
	}
}

// actAsLeader activates the replicator for this term and holds leadership
// until the membership epoch, term or status changes, or the quorum lease
// goes shaky.
func (d *Director) actAsLeader(snapshot StateSnapshot) {
	membership := d.journal.GetMembership()
	if d.log != nil {
		d.log.Info("starting replicator for membership epoch %d", membership.Epoch)
	}

	replicator := NewReplicator(d.journal, d.state, d.lease, d.commits, d.trimmer,
		d.resilver, d.contact, d.log)
	replicator.Activate(snapshot)
	d.dispatcher.attachReplicator(replicator)

	defer func() {
		d.dispatcher.attachReplicator(nil)
		replicator.Deactivate()

		// On a genuine step-down, anything still pending will never get its
		// response through this leadership; fail the queues explicitly. An
		// epoch-only restart keeps them, the next activation finishes them.
		now := d.state.GetSnapshot()
		if now.Status != StatusLeader || now.Term != snapshot.Term {
			d.writes.FlushQueues(resp.Err("unavailable"))
		}
	}()

	for membership.Epoch == d.journal.Epoch() &&
		snapshot.Term == d.state.CurrentTerm() &&
		d.state.GetSnapshot().Status == StatusLeader {

		// A leader that lost contact with a quorum steps down once the
		// lease expires; in a two-node cluster this fires when the single
		// follower disappears.
		if time.Now().After(d.lease.ShakyQuorumDeadline()) {
			if d.log != nil {
				d.log.Error("quorum lease expired, stepping down as leader for term %d", snapshot.Term)
			}
			d.state.Observed(snapshot.Term+1, Server{})
			return
		}

		d.state.Wait(d.contact.Timeouts.Heartbeat)
	}

	// Either we lost leadership, or the membership epoch moved and the main
	// loop restarts the replicator against the new member set.
}

// actAsFollower waits out the randomized election timeout, running for
// leader when it expires - but only full members may stand for election.
func (d *Director) actAsFollower(snapshot StateSnapshot) {
	randomTimeout := d.heartbeats.RandomTimeout()

	for {
		now := d.state.GetSnapshot()
		if snapshot.Term != now.Term || snapshot.Status != now.Status {
			return
		}

		d.state.Wait(randomTimeout)

		if d.heartbeats.TimedOut(time.Now()) {
			if containsServer(d.journal.GetMembership().Nodes, d.state.Myself()) {
				if d.log != nil {
					d.log.Info("%s: election timeout after %s without heartbeats, attempting to start election",
						d.state.Myself(), randomTimeout)
				}
				runForLeader(d.state, d.journal, d.contact, d.log)
				return
			}
			if d.log != nil {
				d.log.Debug(1, "election timeout, but not a full member in epoch %d - waiting", d.journal.Epoch())
			}
		}
	}
}
