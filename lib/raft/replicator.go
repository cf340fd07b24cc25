package raft

import (
	"sync"
	"sync/atomic"
	"time"
)

// pendingResponse is one optimistically pushed streaming payload awaiting
// acknowledgement.
type pendingResponse struct {
	future      *replyFuture
	sent        time.Time
	pushedFrom  LogIndex
	payloadSize int64
	lastTerm    Term
}

// onlineTracker remembers when a target was last seen healthy.
type onlineTracker struct {
	online   bool
	lastSeen time.Time
}

func (o *onlineTracker) seenOnline() {
	o.online = true
	o.lastSeen = time.Now()
}

func (o *onlineTracker) seenOffline() {
	o.online = false
}

func (o *onlineTracker) isOnline() bool { return o.online }

// hasBeenOfflineForLong decides when to stop protecting the target's
// journal entries from trimming.
func (o *onlineTracker) hasBeenOfflineForLong() bool {
	if o.online {
		return false
	}
	return time.Since(o.lastSeen) > time.Minute
}

const (
	maxPayloadLimit       = 1024
	streamingPayloadLimit = 512
	streamingWindow       = 512
	streamingThreshold    = 8
	ackAttempts           = 10
	rpcTimeout            = 500 * time.Millisecond
)

// ReplicaTracker replicates the journal onto one target. Two cooperating
// flows run per tracker: a heartbeat goroutine for liveness, and the main
// replication loop, which starts conservative (each round acknowledged
// before the next, the payload starting at one entry and doubling after
// every acknowledged round) and upgrades to streaming once the target
// proves stable.
type ReplicaTracker struct {
	target   Server
	snapshot StateSnapshot

	journal  *Journal
	state    *State
	lease    *Lease
	commits  *CommitTracker
	trimmer  *Trimmer
	resilver ResilveringTrigger
	contact  ContactDetails
	log      Logger

	matchIndex    *MatchIndexTracker
	lastContact   *LastContact
	trimmingBlock *TrimmingBlock

	shutdown atomic.Bool
	wg       sync.WaitGroup

	statusOnline   atomic.Bool
	statusLogSize  atomic.Int64
	statusMtx      sync.Mutex
	statusResilver string

	// streaming state
	streaming     atomic.Bool
	inFlightMtx   sync.Mutex
	inFlight      []pendingResponse
	inFlightCV    *sync.Cond
	inFlightSpace *sync.Cond
}

func newReplicaTracker(target Server, snapshot StateSnapshot, journal *Journal, state *State,
	lease *Lease, commits *CommitTracker, trimmer *Trimmer, resilver ResilveringTrigger,
	contact ContactDetails, logger Logger) *ReplicaTracker {

	if target == state.Myself() {
		panic("attempted to run replication on myself")
	}

	tracker := &ReplicaTracker{
		target:   target,
		snapshot: snapshot,
		journal:  journal,
		state:    state,
		lease:    lease,
		commits:  commits,
		trimmer:  trimmer,
		resilver: resilver,
		contact:  contact,
		log:      logger,

		matchIndex:    commits.GetHandler(target),
		lastContact:   lease.GetHandler(target),
		trimmingBlock: trimmer.NewBlock(),
	}
	tracker.inFlightCV = sync.NewCond(&tracker.inFlightMtx)
	tracker.inFlightSpace = sync.NewCond(&tracker.inFlightMtx)

	current := state.GetSnapshot()
	if snapshot.Term < current.Term {
		return tracker
	}
	if current.Status != StatusLeader && current.Status != StatusShutdown {
		panic("attempted to initiate replication for a term in which I'm not a leader")
	}

	tracker.wg.Add(2)
	go tracker.main()
	go tracker.sendHeartbeats()
	return tracker
}

func (r *ReplicaTracker) stop() {
	r.shutdown.Store(true)
	r.journal.NotifyWaitingThreads()
	r.inFlightMtx.Lock()
	r.inFlightCV.Broadcast()
	r.inFlightSpace.Broadcast()
	r.inFlightMtx.Unlock()
	r.wg.Wait()
	r.trimmer.RemoveBlock(r.trimmingBlock)
}

func (r *ReplicaTracker) running() bool {
	return !r.shutdown.Load() && r.state.IsSnapshotCurrent(&r.snapshot)
}

func (r *ReplicaTracker) getStatus() ReplicaStatus {
	r.statusMtx.Lock()
	resilver := r.statusResilver
	r.statusMtx.Unlock()

	return ReplicaStatus{
		Target:   r.target,
		Online:   r.statusOnline.Load(),
		LogSize:  r.statusLogSize.Load(),
		Resilver: resilver,
	}
}

func (r *ReplicaTracker) updateStatus(online bool, logSize LogIndex, resilver string) {
	r.statusOnline.Store(online)
	r.statusLogSize.Store(logSize)
	r.statusMtx.Lock()
	r.statusResilver = resilver
	r.statusMtx.Unlock()
}

// ---------------------------------------------------------------------------
// Heartbeat flow
// ---------------------------------------------------------------------------

func (r *ReplicaTracker) sendHeartbeats() {
	defer r.wg.Done()

	talker := NewTalker(r.target, r.contact, "internal-heartbeat-sender", r.log)
	defer talker.Close()

	for r.running() {
		contact := time.Now()
		future := talker.Heartbeat(r.snapshot.Term, r.state.Myself())

		reply := future.Get(rpcTimeout)
		if reply != nil {
			if response, err := ParseHeartbeatResponse(reply); err == nil {
				r.state.Observed(response.Term, Server{})
				if r.snapshot.Term >= response.Term && response.RecognizedAsLeader {
					r.lastContact.Heartbeat(contact)
				}
			}
		}

		r.state.Wait(r.contact.Timeouts.Heartbeat)
	}
}

// ---------------------------------------------------------------------------
// Payload construction
// ---------------------------------------------------------------------------

// buildPayload gathers up to payloadLimit serialized entries starting at
// nextIndex, along with the term of the last one.
func (r *ReplicaTracker) buildPayload(nextIndex LogIndex, payloadLimit int64) ([]string, Term, bool) {
	payloadSize := payloadLimit
	if remaining := r.journal.LogSize() - nextIndex; remaining < payloadSize {
		payloadSize = remaining
	}

	entries := make([]string, 0, payloadSize)
	lastTerm := Term(-1)

	for i := nextIndex; i < nextIndex+payloadSize; i++ {
		data, err := r.journal.FetchSerialized(i)
		if err != nil {
			if r.log != nil {
				r.log.Error("could not fetch entry %d while building payload for %s", i, r.target)
			}
			return nil, -1, false
		}

		entryTerm := EntryTerm(data)
		if r.snapshot.Term < entryTerm {
			if r.log != nil {
				r.log.Error("found journal entry with higher term than my snapshot, %d vs %d", r.snapshot.Term, entryTerm)
			}
			return nil, -1, false
		}

		entries = append(entries, data)
		lastTerm = entryTerm
	}

	return entries, lastTerm, true
}

// sendPayload issues one append-entries RPC. The commit index is captured
// BEFORE reading the entries: otherwise a new leader could overwrite
// inconsistent entries and progress our commit index after we built the
// batch but before we send it, marking potentially inconsistent entries as
// committed on the target.
func (r *ReplicaTracker) sendPayload(talker *Talker, nextIndex LogIndex, payloadLimit int64) (*replyFuture, time.Time, int64, Term, bool) {
	prevTerm, err := r.journal.FetchTerm(nextIndex - 1)
	if err != nil {
		if r.log != nil {
			r.log.Error("unable to fetch log entry %d when tracking %s, log start %d", nextIndex-1, r.target, r.journal.LogStart())
		}
		r.state.Observed(r.snapshot.Term+1, Server{})
		return nil, time.Time{}, 0, -1, false
	}

	if r.snapshot.Term < prevTerm {
		r.state.Observed(r.snapshot.Term+1, Server{})
		return nil, time.Time{}, 0, -1, false
	}

	commitIndexForTarget := r.journal.CommitIndex()

	entries, lastTerm, ok := r.buildPayload(nextIndex, payloadLimit)
	if !ok {
		r.state.Observed(r.snapshot.Term+1, Server{})
		return nil, time.Time{}, 0, -1, false
	}

	contact := time.Now()
	future := talker.AppendEntries(r.snapshot.Term, r.state.Myself(), nextIndex-1, prevTerm,
		commitIndexForTarget, entries)

	return future, contact, int64(len(entries)), lastTerm, true
}

// ---------------------------------------------------------------------------
// Streaming mode
// ---------------------------------------------------------------------------

// monitorAckReception drains streaming acknowledgements in order, verifying
// each against what was pushed. Any anomaly stops streaming.
func (r *ReplicaTracker) monitorAckReception() {
	defer r.wg.Done()

	r.inFlightMtx.Lock()
	defer r.inFlightMtx.Unlock()

	for r.streaming.Load() && !r.shutdown.Load() {
		if len(r.inFlight) == 0 {
			r.waitInFlight()
			continue
		}

		item := r.inFlight[0]
		r.inFlight = r.inFlight[1:]
		r.inFlightSpace.Broadcast()
		r.inFlightMtx.Unlock()

		ok := r.verifyAck(item)

		r.inFlightMtx.Lock()
		if !ok {
			r.streaming.Store(false)
			return
		}
	}
}

func (r *ReplicaTracker) waitInFlight() {
	timer := time.AfterFunc(r.contact.Timeouts.Heartbeat, func() {
		r.inFlightMtx.Lock()
		r.inFlightCV.Broadcast()
		r.inFlightMtx.Unlock()
	})
	defer timer.Stop()
	r.inFlightCV.Wait()
}

func (r *ReplicaTracker) verifyAck(item pendingResponse) bool {
	var reply = item.future.Get(rpcTimeout)
	for attempts := 1; reply == nil && attempts < ackAttempts; attempts++ {
		if r.shutdown.Load() || !r.streaming.Load() {
			return false
		}
		reply = item.future.Get(rpcTimeout)
	}
	if reply == nil {
		return false
	}

	response, err := ParseAppendEntriesResponse(reply)
	if err != nil {
		return false
	}

	r.state.Observed(response.Term, Server{})

	if !response.Outcome {
		return false
	}
	if response.Term != r.snapshot.Term {
		return false
	}
	if response.LogSize != item.pushedFrom+item.payloadSize {
		if r.log != nil {
			r.log.Error("streaming ack logSize mismatch: response %d, pushedFrom %d, payloadSize %d",
				response.LogSize, item.pushedFrom, item.payloadSize)
		}
		return false
	}

	r.updateStatus(true, response.LogSize, "")
	r.lastContact.Heartbeat(item.sent)

	// Only update the commit tracker with entries from our own term.
	// (Figure 8 and section 5.4.2 of the raft paper.)
	if item.lastTerm == r.snapshot.Term {
		r.matchIndex.Update(response.LogSize - 1)
	}

	r.trimmingBlock.Enforce(response.LogSize - 2)
	return true
}

// streamUpdates pushes payloads optimistically, up to streamingWindow
// requests in flight, while the ack monitor validates responses in order.
// Returns the next index to use once streaming ends; the caller
// re-stabilizes the target conservatively.
func (r *ReplicaTracker) streamUpdates(talker *Talker, firstNextIndex LogIndex) LogIndex {
	r.streaming.Store(true)

	r.wg.Add(1)
	go r.monitorAckReception()

	nextIndex := firstNextIndex

	for !r.shutdown.Load() && r.streaming.Load() && r.state.IsSnapshotCurrent(&r.snapshot) {
		future, contact, payloadSize, lastTerm, ok := r.sendPayload(talker, nextIndex, streamingPayloadLimit)
		if !ok {
			if r.log != nil {
				r.log.Error("unexpected error when streaming to %s, halting replication", r.target)
			}
			break
		}

		r.inFlightMtx.Lock()
		r.inFlight = append(r.inFlight, pendingResponse{
			future:      future,
			sent:        contact,
			pushedFrom:  nextIndex,
			payloadSize: payloadSize,
			lastTerm:    lastTerm,
		})
		r.inFlightCV.Broadcast()

		for len(r.inFlight) >= streamingWindow && !r.shutdown.Load() && r.streaming.Load() && r.state.IsSnapshotCurrent(&r.snapshot) {
			r.waitInFlightSpace()
		}
		r.inFlightMtx.Unlock()

		// Assume success and keep pushing when more entries exist.
		nextIndex += payloadSize

		if nextIndex >= r.journal.LogSize() {
			r.journal.WaitForUpdates(nextIndex, r.contact.Timeouts.Heartbeat)
		}
	}

	// Stop the ack monitor and drain the queue.
	r.streaming.Store(false)
	r.inFlightMtx.Lock()
	r.inFlightCV.Broadcast()
	r.inFlightSpace.Broadcast()
	r.inFlight = nil
	r.inFlightMtx.Unlock()

	return nextIndex
}

func (r *ReplicaTracker) waitInFlightSpace() {
	timer := time.AfterFunc(r.contact.Timeouts.Heartbeat, func() {
		r.inFlightMtx.Lock()
		r.inFlightSpace.Broadcast()
		r.inFlightMtx.Unlock()
	})
	defer timer.Stop()
	r.inFlightSpace.Wait()
}

// ---------------------------------------------------------------------------
// Main replication loop
// ---------------------------------------------------------------------------

func (r *ReplicaTracker) main() {
	defer r.wg.Done()

	talker := NewTalker(r.target, r.contact, "internal-replicator", r.log)
	defer talker.Close()

	nextIndex := r.journal.LogSize()
	online := &onlineTracker{}
	payloadLimit := int64(1)

	warnStreamingHiccup := false
	needResilvering := false
	resilverProgress := ""

	for r.running() {
		if warnStreamingHiccup {
			if r.log != nil {
				r.log.Error("hiccup during streaming replication of %s, switching back to conservative replication", r.target)
			}
			warnStreamingHiccup = false
		}

		// A target that stayed online while the payload limit grew to
		// streamingThreshold gets a continuous stream. How far its log lags
		// behind ours is not checked here.
		if online.isOnline() && payloadLimit >= streamingThreshold {
			if r.log != nil {
				r.log.Info("target %s appears stable, initiating streaming replication", r.target)
			}
			nextIndex = r.streamUpdates(talker, nextIndex)
			warnStreamingHiccup = true
			online.seenOnline()
			payloadLimit = 1
			continue
		}

		if nextIndex <= 0 {
			panic("nextIndex has invalid value")
		}
		if nextIndex <= r.journal.LogStart() {
			nextIndex = r.journal.LogSize()
		}

		future, contact, payloadSize, lastTerm, ok := r.sendPayload(talker, nextIndex, payloadLimit)
		if !ok {
			if r.log != nil {
				r.log.Error("unexpected error when sending payload to %s, halting replication", r.target)
			}
			break
		}

		var response AppendEntriesResponse
		reply := future.Get(rpcTimeout)
		parsed := false
		if reply != nil {
			if parsedResponse, err := ParseAppendEntriesResponse(reply); err == nil {
				response = parsedResponse
				parsed = true
			}
		}

		if !parsed {
			// Offline target: conservative mode, wait a heartbeat interval.
			if online.isOnline() {
				payloadLimit = 1
				if r.log != nil {
					r.log.Info("replication target %s went offline", r.target)
				}
				online.seenOffline()
			}
			r.roundEnd(online, needResilvering, nextIndex, response.LogSize, resilverProgress)
			continue
		}

		if !online.isOnline() {
			online.seenOnline()
			if r.log != nil {
				r.log.Info("replication target %s came back online, lagging %d entries behind (approximate)",
					r.target, r.journal.LogSize()-response.LogSize)
			}
		}

		r.state.Observed(response.Term, Server{})
		if r.snapshot.Term < response.Term {
			continue
		}
		r.lastContact.Heartbeat(contact)

		// Target has fallen off our log entirely: resilver it.
		if response.LogSize <= r.journal.LogStart() {
			nextIndex = r.journal.LogSize()

			if !needResilvering {
				if r.log != nil {
					r.log.Info("unable to replicate onto %s, too far behind (its log size %d, my log starts at %d)",
						r.target, response.LogSize, r.journal.LogStart())
				}
				needResilvering = true
				payloadLimit = 1
			}

			if r.resilver != nil {
				progress, err := r.resilver.TriggerResilvering(r.target, r.contact)
				resilverProgress = progress
				if err != nil && r.log != nil {
					r.log.Error("resilvering attempt for %s failed: %v", r.target, err)
				}
			}

			r.roundEnd(online, needResilvering, nextIndex, response.LogSize, resilverProgress)
			continue
		}

		needResilvering = false
		resilverProgress = ""

		// Refusal: our view of the target's journal is wrong, back up.
		if !response.Outcome {
			if nextIndex >= 2 && nextIndex <= response.LogSize {
				// Journal inconsistency, remove one entry per round.
				nextIndex--
			} else if response.LogSize > 0 {
				// Our nextIndex is simply outdated.
				nextIndex = response.LogSize
			}
			r.roundEnd(online, needResilvering, nextIndex, response.LogSize, resilverProgress)
			continue
		}

		if nextIndex+payloadSize != response.LogSize && r.log != nil {
			r.log.Error("mismatch in expected logSize: nextIndex %d, payloadSize %d, response logSize %d",
				nextIndex, payloadSize, response.LogSize)
		}

		// Only count entries from our own term towards the commit quorum.
		if lastTerm == r.snapshot.Term {
			r.matchIndex.Update(response.LogSize - 1)
		}

		nextIndex = response.LogSize
		if payloadLimit < maxPayloadLimit {
			payloadLimit *= 2
		}

		r.roundEnd(online, needResilvering, nextIndex, response.LogSize, resilverProgress)
	}

	if r.log != nil {
		r.log.Info("shutting down replica tracker for %s", r.target)
	}
}

// roundEnd maintains the trimming block and decides how long to wait before
// the next round.
func (r *ReplicaTracker) roundEnd(online *onlineTracker, needResilvering bool, nextIndex, targetLogSize LogIndex, resilverProgress string) {
	if online.hasBeenOfflineForLong() {
		// A permanently offline node must not block journal trimming; it
		// will be resilvered upon return.
		r.trimmingBlock.Lift()
	} else {
		r.trimmingBlock.Enforce(nextIndex - 2)
	}

	r.updateStatus(online.isOnline(), targetLogSize, resilverProgress)

	if !online.isOnline() || needResilvering {
		r.state.Wait(r.contact.Timeouts.Heartbeat)
	} else if nextIndex >= r.journal.LogSize() {
		r.journal.WaitForUpdates(nextIndex, r.contact.Timeouts.Heartbeat)
	}
	// Otherwise fire the next round immediately.
}

// ---------------------------------------------------------------------------
// Replicator
// ---------------------------------------------------------------------------

// Replicator owns one ReplicaTracker per replication target for the
// duration of a leadership term.
type Replicator struct {
	journal  *Journal
	state    *State
	lease    *Lease
	commits  *CommitTracker
	trimmer  *Trimmer
	resilver ResilveringTrigger
	contact  ContactDetails
	log      Logger

	mtx      sync.Mutex
	snapshot StateSnapshot
	targets  map[Server]*ReplicaTracker
}

func NewReplicator(journal *Journal, state *State, lease *Lease, commits *CommitTracker,
	trimmer *Trimmer, resilver ResilveringTrigger, contact ContactDetails, logger Logger) *Replicator {
	return &Replicator{
		journal:  journal,
		state:    state,
		lease:    lease,
		commits:  commits,
		trimmer:  trimmer,
		resilver: resilver,
		contact:  contact,
		log:      logger,
		targets:  make(map[Server]*ReplicaTracker),
	}
}

// Activate spins up trackers for the current membership under the given
// leadership snapshot.
func (r *Replicator) Activate(snapshot StateSnapshot) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.log != nil {
		r.log.Info("activating replicator for term %d", snapshot.Term)
	}
	if len(r.targets) != 0 {
		panic("replicator activated while already active")
	}

	r.snapshot = snapshot
	r.commits.Reset()
	r.reconfigureLocked()
}

// Reconfigure adjusts the tracker set after a membership change.
func (r *Replicator) Reconfigure() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.reconfigureLocked()
}

func (r *Replicator) reconfigureLocked() {
	membership := r.journal.GetMembership()
	if r.log != nil {
		r.log.Info("reconfiguring replicator for membership epoch %d", membership.Epoch)
	}

	myself := r.state.Myself()

	fullNodes := make([]Server, 0, len(membership.Nodes))
	for _, node := range membership.Nodes {
		if node != myself {
			fullNodes = append(fullNodes, node)
		}
	}

	targets := append([]Server(nil), fullNodes...)
	for _, observer := range membership.Observers {
		if observer == myself {
			panic("found myself in the list of observers while leader")
		}
		targets = append(targets, observer)
	}

	// Quorum bookkeeping counts full voters only.
	r.commits.UpdateTargets(fullNodes)
	r.lease.UpdateTargets(fullNodes)

	// Add new targets.
	for _, target := range targets {
		if _, ok := r.targets[target]; !ok {
			r.targets[target] = newReplicaTracker(target, r.snapshot, r.journal, r.state,
				r.lease, r.commits, r.trimmer, r.resilver, r.contact, r.log)
		}
	}

	// Drop removed targets.
	for target, tracker := range r.targets {
		if !containsServer(targets, target) {
			tracker.stop()
			delete(r.targets, target)
		}
	}
}

// Deactivate tears all trackers down at the end of a term.
func (r *Replicator) Deactivate() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.log != nil {
		r.log.Info("de-activating replicator")
	}

	for _, tracker := range r.targets {
		tracker.stop()
	}
	r.targets = make(map[Server]*ReplicaTracker)
	r.commits.Reset()
}

// Status reports every replica plus the quorum lease health.
func (r *Replicator) Status() ReplicationStatus {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	status := ReplicationStatus{}
	for _, tracker := range r.targets {
		status.Replicas = append(status.Replicas, tracker.getStatus())
	}
	status.ShakyQuorum = r.lease.ShakyQuorumDeadline().Before(time.Now())
	return status
}
