package raft

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"

	"github.com/quarkdb/quarkdb/lib/binutil"
)

// FsyncPolicy controls when journal writes reach stable storage.
type FsyncPolicy int

const (
	FsyncAlways FsyncPolicy = iota
	FsyncAsync
	FsyncImportantUpdates
)

func (p FsyncPolicy) String() string {
	switch p {
	case FsyncAlways:
		return "always"
	case FsyncAsync:
		return "async"
	case FsyncImportantUpdates:
		return "sync-important-updates"
	}
	return "unknown"
}

func ParseFsyncPolicy(str string) (FsyncPolicy, bool) {
	switch str {
	case "always":
		return FsyncAlways, true
	case "async":
		return FsyncAsync, true
	case "sync-important-updates":
		return FsyncImportantUpdates, true
	}
	return FsyncImportantUpdates, false
}

// Journal metadata keys.
const (
	jkeyCurrentTerm       = "RAFT_CURRENT_TERM"
	jkeyLogSize           = "RAFT_LOG_SIZE"
	jkeyLogStart          = "RAFT_LOG_START"
	jkeyClusterID         = "RAFT_CLUSTER_ID"
	jkeyVotedFor          = "RAFT_VOTED_FOR"
	jkeyCommitIndex       = "RAFT_COMMIT_INDEX"
	jkeyMembers           = "RAFT_MEMBERS"
	jkeyMembershipEpoch   = "RAFT_MEMBERSHIP_EPOCH"
	jkeyPreviousMembers   = "RAFT_PREVIOUS_MEMBERS"
	jkeyPreviousMembEpoch = "RAFT_PREVIOUS_MEMBERSHIP_EPOCH"
	jkeyFsyncPolicy       = "RAFT_FSYNC_POLICY"
)

func entryKey(index LogIndex) []byte {
	out := make([]byte, 0, 1+binutil.Width)
	out = append(out, 'E')
	return binutil.AppendInt64(out, index)
}

// ErrNotFound is returned when fetching a trimmed or absent entry.
var ErrNotFound = errors.New("journal entry not found")

// Journal is the durable append-only raft log plus the node's persistent
// term/vote/member state, all living in one pebble instance so that related
// updates commit atomically.
type Journal struct {
	db   *pebble.DB
	path string
	log  Logger

	// contentMutex serializes appends, removals and comparisons.
	contentMutex sync.Mutex
	logUpdated   *sync.Cond

	commitIndexMutex sync.Mutex
	commitNotifier   *sync.Cond

	currentTermMutex sync.Mutex
	membersMutex     sync.Mutex
	fsyncPolicyMutex sync.Mutex

	// Scalar counters are atomics so that readers never take part in the
	// mutex ordering above; the mutexes serialize writers only.
	currentTerm     atomic.Int64
	logSize         atomic.Int64
	logStart        atomic.Int64
	commitIndex     atomic.Int64
	termOfLastEntry atomic.Int64
	membershipEpoch atomic.Int64

	clusterID   ClusterID
	votedFor    Server
	members     Members
	fsyncPolicy FsyncPolicy

	fsyncStop chan struct{}
	fsyncDone chan struct{}
}

func journalEngineOptions(logger Logger) *pebble.Options {
	return &pebble.Options{
		Levels: []pebble.LevelOptions{{
			BlockSize:    16 * 1024,
			FilterPolicy: bloom.FilterPolicy(10),
		}},
		EventListener: &pebble.EventListener{
			WriteStallBegin: func(info pebble.WriteStallBeginInfo) {
				if logger != nil {
					logger.Error("raft-journal write stall begins: %s", info.Reason)
				}
			},
			WriteStallEnd: func() {
				if logger != nil {
					logger.Info("raft-journal write stall over")
				}
			},
		},
	}
}

// OpenJournal opens an existing journal directory.
func OpenJournal(path string, logger Logger) (*Journal, error) {
	if logger != nil {
		logger.Info("opening raft journal %q", path)
	}

	db, err := pebble.Open(path, journalEngineOptions(logger))
	if err != nil {
		return nil, fmt.Errorf("error while opening journal in %q: %w", path, err)
	}

	journal := newJournal(db, path, logger)
	if err := journal.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	journal.startFsyncThread()
	return journal, nil
}

// CreateJournal initializes a brand new journal with the genesis
// membership-update entry at startIndex.
func CreateJournal(path string, clusterID ClusterID, nodes []Server, startIndex LogIndex, policy FsyncPolicy, logger Logger) (*Journal, error) {
	if logger != nil {
		logger.Info("creating raft journal %q for cluster %s", path, clusterID)
	}

	db, err := pebble.Open(path, journalEngineOptions(logger))
	if err != nil {
		return nil, fmt.Errorf("error while creating journal in %q: %w", path, err)
	}

	journal := newJournal(db, path, logger)
	if err := journal.obliterate(clusterID, nodes, startIndex, policy); err != nil {
		db.Close()
		return nil, err
	}
	journal.startFsyncThread()
	return journal, nil
}

func newJournal(db *pebble.DB, path string, logger Logger) *Journal {
	journal := &Journal{db: db, path: path, log: logger}
	journal.logUpdated = sync.NewCond(&journal.contentMutex)
	journal.commitNotifier = sync.NewCond(&journal.commitIndexMutex)
	return journal
}

// obliterate wipes all contents and reinitializes.
func (j *Journal) obliterate(clusterID ClusterID, nodes []Server, startIndex LogIndex, policy FsyncPolicy) error {
	iter, err := j.db.NewIter(nil)
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := j.db.Delete(append([]byte(nil), iter.Key()...), pebble.NoSync); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	members := Members{Nodes: nodes}
	j.setIntOrDie(jkeyCurrentTerm, 0)
	j.setIntOrDie(jkeyLogSize, startIndex+1)
	j.setIntOrDie(jkeyLogStart, startIndex)
	j.setOrDie(jkeyClusterID, clusterID)
	j.setOrDie(jkeyVotedFor, "")
	j.setIntOrDie(jkeyCommitIndex, startIndex)
	j.setOrDie(jkeyMembers, members.Serialize())
	j.setIntOrDie(jkeyMembershipEpoch, startIndex)
	j.setOrDie(jkeyFsyncPolicy, policy.String())

	genesis := Entry{Term: 0, Request: []string{entryUpdateMembers, members.Serialize(), clusterID}}
	j.setOrDie(string(entryKey(startIndex)), genesis.Serialize())

	return j.initialize()
}

func (j *Journal) initialize() error {
	if err := j.ensureFsyncPolicyInitialized(); err != nil {
		return err
	}

	currentTerm, err := j.getInt(jkeyCurrentTerm)
	if err != nil {
		return err
	}
	j.currentTerm.Store(currentTerm)

	logSize, err := j.getInt(jkeyLogSize)
	if err != nil {
		return err
	}
	j.logSize.Store(logSize)

	logStart, err := j.getInt(jkeyLogStart)
	if err != nil {
		return err
	}
	j.logStart.Store(logStart)

	if j.clusterID, err = j.get(jkeyClusterID); err != nil {
		return err
	}

	commitIndex, err := j.getInt(jkeyCommitIndex)
	if err != nil {
		return err
	}
	j.commitIndex.Store(commitIndex)

	vote, err := j.get(jkeyVotedFor)
	if err != nil {
		return err
	}
	if vote != "" {
		if j.votedFor, err = ParseServer(vote); err != nil {
			return fmt.Errorf("journal corruption, cannot parse %s: %q", jkeyVotedFor, vote)
		}
	} else {
		j.votedFor = Server{}
	}

	epoch, err := j.getInt(jkeyMembershipEpoch)
	if err != nil {
		return err
	}
	j.membershipEpoch.Store(epoch)
	membersData, err := j.get(jkeyMembers)
	if err != nil {
		return err
	}
	if j.members, err = ParseMembers(membersData); err != nil {
		return err
	}

	policyStr, err := j.get(jkeyFsyncPolicy)
	if err != nil {
		return err
	}
	policy, ok := ParseFsyncPolicy(policyStr)
	if !ok {
		if j.log != nil {
			j.log.Error("invalid fsync policy in journal: %q", policyStr)
		}
	}
	j.fsyncPolicy = policy

	lastEntry, err := j.fetchEntry(j.logSize.Load() - 1)
	if err != nil {
		return fmt.Errorf("unable to fetch last entry %d: %w", j.logSize.Load()-1, err)
	}
	j.termOfLastEntry.Store(lastEntry.Term)
	return nil
}

func (j *Journal) ensureFsyncPolicyInitialized() error {
	_, err := j.get(jkeyFsyncPolicy)
	if errors.Is(err, ErrNotFound) {
		j.setOrDie(jkeyFsyncPolicy, FsyncImportantUpdates.String())
		return nil
	}
	return err
}

// The background fsync thread bounds data loss under the async policies.
func (j *Journal) startFsyncThread() {
	j.fsyncStop = make(chan struct{})
	j.fsyncDone = make(chan struct{})

	go func() {
		defer close(j.fsyncDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-j.fsyncStop:
				return
			case <-ticker.C:
				j.db.LogData(nil, pebble.Sync)
			}
		}
	}()
}

func (j *Journal) Close() error {
	if j.log != nil {
		j.log.Info("closing raft journal %q", j.path)
	}
	close(j.fsyncStop)
	<-j.fsyncDone
	return j.db.Close()
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (j *Journal) Path() string         { return j.path }
func (j *Journal) ClusterID() ClusterID { return j.clusterID }

func (j *Journal) LogSize() LogIndex { return j.logSize.Load() }

func (j *Journal) LogStart() LogIndex { return j.logStart.Load() }

func (j *Journal) CurrentTerm() Term { return j.currentTerm.Load() }

func (j *Journal) VotedFor() Server {
	j.currentTermMutex.Lock()
	defer j.currentTermMutex.Unlock()
	return j.votedFor
}

func (j *Journal) CommitIndex() LogIndex { return j.commitIndex.Load() }

func (j *Journal) GetMembers() Members {
	j.membersMutex.Lock()
	defer j.membersMutex.Unlock()
	return j.members.clone()
}

func (j *Journal) GetMembership() Membership {
	j.membersMutex.Lock()
	defer j.membersMutex.Unlock()
	m := j.members.clone()
	return Membership{Nodes: m.Nodes, Observers: m.Observers, Epoch: j.membershipEpoch.Load()}
}

func (j *Journal) Epoch() LogIndex { return j.membershipEpoch.Load() }

func (j *Journal) GetNodes() []Server {
	return j.GetMembership().Nodes
}

func (j *Journal) FsyncPolicy() FsyncPolicy {
	j.fsyncPolicyMutex.Lock()
	defer j.fsyncPolicyMutex.Unlock()
	return j.fsyncPolicy
}

func (j *Journal) SetFsyncPolicy(policy FsyncPolicy) {
	j.fsyncPolicyMutex.Lock()
	defer j.fsyncPolicyMutex.Unlock()
	if j.fsyncPolicy != policy {
		j.setOrDie(jkeyFsyncPolicy, policy.String())
		j.fsyncPolicy = policy
	}
}

func (j *Journal) shouldSync(important bool) bool {
	j.fsyncPolicyMutex.Lock()
	defer j.fsyncPolicyMutex.Unlock()

	switch j.fsyncPolicy {
	case FsyncAlways:
		return true
	case FsyncAsync:
		return false
	default:
		return important
	}
}

// ---------------------------------------------------------------------------
// Term and vote
// ---------------------------------------------------------------------------

// SetCurrentTerm persists (term, vote) atomically. Terms never go back in
// time, and a vote for the current term never changes.
func (j *Journal) SetCurrentTerm(term Term, vote Server) bool {
	j.currentTermMutex.Lock()
	defer j.currentTermMutex.Unlock()

	if term < j.currentTerm.Load() {
		return false
	}
	if term == j.currentTerm.Load() && !j.votedFor.Empty() {
		return false
	}

	batch := j.db.NewBatch()
	mustBatchSet(batch, jkeyCurrentTerm, binutil.EncodeInt64(term))
	mustBatchSet(batch, jkeyVotedFor, vote.String())
	j.commitBatch(batch, -1, true)

	j.currentTerm.Store(term)
	j.votedFor = vote
	return true
}

// ---------------------------------------------------------------------------
// Commit index
// ---------------------------------------------------------------------------

// SetCommitIndex advances the commit index monotonically and wakes waiters.
// Marking a non-existent entry committed is a fatal inconsistency.
func (j *Journal) SetCommitIndex(newIndex LogIndex) bool {
	j.commitIndexMutex.Lock()
	defer j.commitIndexMutex.Unlock()

	if newIndex < j.commitIndex.Load() {
		if j.log != nil {
			j.log.Error("attempted to set commit index in the past, %d ==> %d", j.commitIndex.Load(), newIndex)
		}
		return false
	}

	if j.LogSize() <= newIndex {
		panic(fmt.Sprintf("attempted to mark as committed a non-existing entry, logSize %d, new commit index %d", j.LogSize(), newIndex))
	}

	if j.commitIndex.Load() < newIndex {
		j.rawSetCommitIndex(newIndex)
	}
	return true
}

func (j *Journal) rawSetCommitIndex(newIndex LogIndex) {
	j.setOrDie(jkeyCommitIndex, binutil.EncodeInt64(newIndex))
	j.commitIndex.Store(newIndex)
	j.commitNotifier.Broadcast()
}

// WaitForCommits blocks until the commit index moves past currentCommit or
// NotifyWaitingThreads fires.
func (j *Journal) WaitForCommits(currentCommit LogIndex) {
	j.commitIndexMutex.Lock()
	defer j.commitIndexMutex.Unlock()

	if currentCommit < j.commitIndex.Load() {
		return
	}
	j.commitNotifier.Wait()
}

// NotifyWaitingThreads wakes everything blocked on the journal, used during
// shutdown.
func (j *Journal) NotifyWaitingThreads() {
	j.contentMutex.Lock()
	j.logUpdated.Broadcast()
	j.contentMutex.Unlock()

	j.commitIndexMutex.Lock()
	j.commitNotifier.Broadcast()
	j.commitIndexMutex.Unlock()
}

// WaitForUpdates suspends the caller until a new entry arrives or the
// timeout elapses.
func (j *Journal) WaitForUpdates(currentSize LogIndex, timeout time.Duration) {
	j.contentMutex.Lock()
	defer j.contentMutex.Unlock()

	if currentSize < j.logSize.Load() {
		return
	}

	timer := time.AfterFunc(timeout, func() {
		j.contentMutex.Lock()
		j.logUpdated.Broadcast()
		j.contentMutex.Unlock()
	})
	defer timer.Stop()
	j.logUpdated.Wait()
}

// ---------------------------------------------------------------------------
// Appends
// ---------------------------------------------------------------------------

// Append adds one entry at the given index, which must equal the current
// log size. Membership updates with a matching cluster ID take effect
// immediately, before commit; the previous member set is persisted in the
// same batch so an uncommitted epoch can be rolled back.
func (j *Journal) Append(index LogIndex, entry *Entry, important bool) bool {
	j.contentMutex.Lock()
	defer j.contentMutex.Unlock()
	return j.appendNoLock(index, entry, important)
}

func (j *Journal) appendNoLock(index LogIndex, entry *Entry, important bool) bool {
	if index != j.logSize.Load() {
		if j.log != nil {
			j.log.Error("attempted to insert journal entry at an invalid position, index %d, logSize %d", index, j.logSize.Load())
		}
		return false
	}
	if entry.Term > j.CurrentTerm() {
		if j.log != nil {
			j.log.Error("attempted to insert journal entry with higher term than the current one: %d vs %d", entry.Term, j.CurrentTerm())
		}
		return false
	}
	if entry.Term < j.termOfLastEntry.Load() {
		if j.log != nil {
			j.log.Error("attempted to insert journal entry with lower term %d, while last one is %d", entry.Term, j.termOfLastEntry.Load())
		}
		return false
	}

	batch := j.db.NewBatch()

	if entry.IsMembershipUpdate() {
		if len(entry.Request) != 3 {
			panic(fmt.Sprintf("journal corruption, invalid membership update entry: %v", entry.Request))
		}

		if entry.Request[2] == j.clusterID {
			newMembers, err := ParseMembers(entry.Request[1])
			if err != nil {
				panic(fmt.Sprintf("journal corruption: %v", err))
			}

			j.membersMutex.Lock()
			mustBatchSet(batch, jkeyMembers, entry.Request[1])
			mustBatchSet(batch, jkeyMembershipEpoch, binutil.EncodeInt64(index))
			mustBatchSet(batch, jkeyPreviousMembers, j.members.Serialize())
			mustBatchSet(batch, jkeyPreviousMembEpoch, binutil.EncodeInt64(j.membershipEpoch.Load()))

			if j.log != nil {
				j.log.Info("transitioning into a new membership epoch: %d => %d, new members: %s",
					j.membershipEpoch.Load(), index, entry.Request[1])
			}

			j.members = newMembers
			j.membershipEpoch.Store(index)
			j.membersMutex.Unlock()
		} else if j.log != nil {
			j.log.Error("membership update carries foreign cluster id %q (mine: %q), entry will be appended but IGNORED",
				entry.Request[2], j.clusterID)
		}

		important = true
	}

	mustBatchSetBytes(batch, entryKey(index), entry.Serialize())
	j.commitBatchLocked(batch, index+1, important)

	j.termOfLastEntry.Store(entry.Term)
	j.logUpdated.Broadcast()
	return true
}

// AppendLeadershipMarker records a fresh leader ascension in the log.
func (j *Journal) AppendLeadershipMarker(index LogIndex, term Term, leader Server) bool {
	entry := Entry{Term: term, Request: []string{entryLeadershipMarker, fmt.Sprintf("%d", term), leader.String()}}
	return j.Append(index, &entry, true)
}

// MembershipUpdate appends a membership-update entry, refusing while the
// current epoch is still uncommitted.
func (j *Journal) MembershipUpdate(term Term, newMembers Members) error {
	j.contentMutex.Lock()
	defer j.contentMutex.Unlock()

	if j.CommitIndex() < j.Epoch() {
		return fmt.Errorf("the current membership epoch has not been committed yet: %d", j.Epoch())
	}

	entry := Entry{Term: term, Request: []string{entryUpdateMembers, newMembers.Serialize(), j.clusterID}}
	if !j.appendNoLock(j.logSize.Load(), &entry, true) {
		return fmt.Errorf("failed to append membership update")
	}
	return nil
}

// commitBatch writes the batch, updating logSize when index >= 0.
func (j *Journal) commitBatch(batch *pebble.Batch, index LogIndex, important bool) {
	j.contentMutex.Lock()
	defer j.contentMutex.Unlock()
	j.commitBatchLocked(batch, index, important)
}

func (j *Journal) commitBatchLocked(batch *pebble.Batch, index LogIndex, important bool) {
	if index >= 0 && index <= j.CommitIndex() {
		panic(fmt.Sprintf("attempted to remove committed entries by setting logSize to %d while commitIndex = %d", index, j.CommitIndex()))
	}

	if index >= 0 && index != j.logSize.Load() {
		mustBatchSet(batch, jkeyLogSize, binutil.EncodeInt64(index))
	}

	opts := pebble.NoSync
	if j.shouldSync(important) {
		opts = pebble.Sync
	}

	if err := batch.Commit(opts); err != nil {
		panic(fmt.Sprintf("unable to commit journal transaction: %v", err))
	}
	batch.Close()

	if index >= 0 {
		j.logSize.Store(index)
	}
}

// ---------------------------------------------------------------------------
// Removal and trimming
// ---------------------------------------------------------------------------

// RemoveEntries drops [from, logSize). Committed entries are untouchable.
// If the removed range crosses the membership epoch, the previous member
// set is restored.
func (j *Journal) RemoveEntries(from LogIndex) bool {
	j.contentMutex.Lock()
	defer j.contentMutex.Unlock()

	if j.logSize.Load() <= from {
		return false
	}
	if from <= j.CommitIndex() {
		panic(fmt.Sprintf("attempted to remove committed entries, commitIndex %d, from %d", j.CommitIndex(), from))
	}
	if j.log != nil {
		j.log.Error("removing inconsistent log entries: [%d, %d]", from, j.logSize.Load()-1)
	}

	batch := j.db.NewBatch()
	for i := from; i < j.logSize.Load(); i++ {
		if err := batch.Delete(entryKey(i), nil); err != nil {
			panic(fmt.Sprintf("unable to stage entry deletion: %v", err))
		}
	}

	// An uncommitted membership epoch can be rolled back, per the joint
	// consensus rules. Log loudly, this should be extremely uncommon.
	if from <= j.Epoch() {
		j.membersMutex.Lock()

		previousEpoch, err := j.getInt(jkeyPreviousMembEpoch)
		if err != nil {
			panic(fmt.Sprintf("cannot roll back membership epoch: %v", err))
		}
		previousMembers, err := j.get(jkeyPreviousMembers)
		if err != nil {
			panic(fmt.Sprintf("cannot roll back membership epoch: %v", err))
		}

		mustBatchSet(batch, jkeyMembershipEpoch, binutil.EncodeInt64(previousEpoch))
		mustBatchSet(batch, jkeyMembers, previousMembers)

		if j.log != nil {
			j.log.Error("rolling back an uncommitted membership epoch, %d => %d, members: %s",
				j.membershipEpoch.Load(), previousEpoch, previousMembers)
		}

		members, err := ParseMembers(previousMembers)
		if err != nil {
			panic(fmt.Sprintf("cannot parse previous members: %v", err))
		}
		j.members = members
		j.membershipEpoch.Store(previousEpoch)
		j.membersMutex.Unlock()
	}

	j.commitBatchLocked(batch, from, false)

	lastEntry, err := j.fetchEntry(from - 1)
	if err != nil {
		panic(fmt.Sprintf("unable to fetch entry %d after removal: %v", from-1, err))
	}
	j.termOfLastEntry.Store(lastEntry.Term)
	return true
}

// TrimUntil deletes [logStart, newLogStart). Only committed entries may be
// trimmed.
func (j *Journal) TrimUntil(newLogStart LogIndex) {
	j.contentMutex.Lock()
	defer j.contentMutex.Unlock()

	if newLogStart <= j.logStart.Load() {
		return
	}
	if j.logSize.Load() < newLogStart {
		panic(fmt.Sprintf("attempted to trim journal past its end, logSize %d, new log start %d", j.logSize.Load(), newLogStart))
	}
	if j.CommitIndex() < newLogStart {
		panic(fmt.Sprintf("attempted to trim non-committed entries, commitIndex %d, new log start %d", j.CommitIndex(), newLogStart))
	}

	if j.log != nil {
		j.log.Info("trimming raft journal from #%d until #%d", j.logStart.Load(), newLogStart)
	}

	batch := j.db.NewBatch()
	for i := j.logStart.Load(); i < newLogStart; i++ {
		if err := batch.Delete(entryKey(i), nil); err != nil {
			panic(fmt.Sprintf("unable to stage entry deletion: %v", err))
		}
	}
	mustBatchSet(batch, jkeyLogStart, binutil.EncodeInt64(newLogStart))
	j.commitBatchLocked(batch, -1, false)
	j.logStart.Store(newLogStart)
}

// ---------------------------------------------------------------------------
// Fetch and comparison
// ---------------------------------------------------------------------------

// FetchSerialized returns the raw serialized entry at index.
func (j *Journal) FetchSerialized(index LogIndex) (string, error) {
	value, closer, err := j.db.Get(entryKey(index))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	out := string(value)
	closer.Close()
	return out, nil
}

func (j *Journal) fetchEntry(index LogIndex) (Entry, error) {
	data, err := j.FetchSerialized(index)
	if err != nil {
		return Entry{}, err
	}
	return DeserializeEntry(data)
}

// FetchEntry returns the deserialized entry at index.
func (j *Journal) FetchEntry(index LogIndex) (Entry, error) {
	return j.fetchEntry(index)
}

// FetchTerm returns only the term of the entry at index.
func (j *Journal) FetchTerm(index LogIndex) (Term, error) {
	data, err := j.FetchSerialized(index)
	if err != nil {
		return -1, err
	}
	return EntryTerm(data), nil
}

// FetchLast returns up to last entries from the tail of the log.
func (j *Journal) FetchLast(last int64) ([]Entry, error) {
	end := j.LogSize()
	start := end - last
	if start < j.LogStart() {
		start = j.LogStart()
	}

	entries := make([]Entry, 0, end-start)
	for index := start; index < end; index++ {
		entry, err := j.fetchEntry(index)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// MatchEntries reports whether the entry at index carries the given term.
func (j *Journal) MatchEntries(index LogIndex, term Term) bool {
	j.contentMutex.Lock()
	defer j.contentMutex.Unlock()

	if j.logSize.Load() <= index {
		return false
	}

	entryTerm, err := j.FetchTerm(index)
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if err != nil {
		panic(fmt.Sprintf("engine error: %v", err))
	}
	return entryTerm == term
}

// CompareEntries returns the first index at which the given serialized
// entries diverge from the journal, stopping at logSize.
func (j *Journal) CompareEntries(start LogIndex, entries []string) LogIndex {
	j.contentMutex.Lock()
	defer j.contentMutex.Unlock()

	endIndex := j.logSize.Load()
	if start+LogIndex(len(entries)) < endIndex {
		endIndex = start + LogIndex(len(entries))
	}

	startIndex := start
	if j.logStart.Load() > startIndex {
		startIndex = j.logStart.Load()
		if j.log != nil {
			j.log.Error("asked to compare entries which have already been trimmed, assuming no inconsistencies, logStart %d, from %d", j.logStart.Load(), start)
		}
	}

	for i := startIndex; i < endIndex; i++ {
		mine, err := j.FetchSerialized(i)
		if err != nil {
			panic(fmt.Sprintf("unable to fetch entry %d during comparison: %v", i, err))
		}
		if mine != entries[i-start] {
			if j.log != nil {
				j.log.Error("detected journal inconsistency for entry #%d", i)
			}
			return i
		}
	}

	return endIndex
}

// ScanContents iterates entries starting at startingPoint, returning those
// for which matchFn(match, serialized entry) holds; every entry is returned
// when match is empty or matchFn is nil. nextCursor is 0 when the scan is
// exhausted.
func (j *Journal) ScanContents(startingPoint LogIndex, count int64, match string, matchFn func(pattern, data string) bool) ([]EntryWithIndex, LogIndex, error) {
	out := []EntryWithIndex{}

	index := startingPoint
	if index < j.LogStart() {
		index = j.LogStart()
	}

	for i := int64(0); i < count; i++ {
		data, err := j.FetchSerialized(index)
		if errors.Is(err, ErrNotFound) {
			return out, 0, nil
		}
		if err != nil {
			return nil, 0, err
		}

		if match == "" || matchFn == nil || matchFn(match, data) {
			entry, err := DeserializeEntry(data)
			if err != nil {
				return nil, 0, err
			}
			out = append(out, EntryWithIndex{Entry: entry, Index: index})
		}
		index++
	}

	if index >= j.LogSize() {
		return out, 0, nil
	}
	return out, index, nil
}

// Checkpoint creates an online backup of the journal under path.
func (j *Journal) Checkpoint(path string) error {
	return j.db.Checkpoint(path)
}

// ManualCompaction compacts the whole journal.
func (j *Journal) ManualCompaction() error {
	if j.log != nil {
		j.log.Info("triggering manual journal compaction")
	}
	return j.db.Compact([]byte{0x00}, []byte{0xff}, true)
}

// ---------------------------------------------------------------------------
// Low-level helpers
// ---------------------------------------------------------------------------

func (j *Journal) get(key string) (string, error) {
	value, closer, err := j.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("error when getting journal key %s: %w", key, err)
	}
	out := string(value)
	closer.Close()
	return out, nil
}

func (j *Journal) getInt(key string) (int64, error) {
	value, err := j.get(key)
	if err != nil {
		return 0, err
	}
	return binutil.DecodeInt64([]byte(value)), nil
}

func (j *Journal) setOrDie(key, value string) {
	if err := j.db.Set([]byte(key), []byte(value), pebble.Sync); err != nil {
		panic(fmt.Sprintf("unable to set journal key %s: %v", key, err))
	}
}

func (j *Journal) setIntOrDie(key string, value int64) {
	j.setOrDie(key, binutil.EncodeInt64(value))
}

func mustBatchSet(batch *pebble.Batch, key, value string) {
	if err := batch.Set([]byte(key), []byte(value), nil); err != nil {
		panic(fmt.Sprintf("unable to stage journal write: %v", err))
	}
}

func mustBatchSetBytes(batch *pebble.Batch, key []byte, value string) {
	if err := batch.Set(key, []byte(value), nil); err != nil {
		panic(fmt.Sprintf("unable to stage journal write: %v", err))
	}
}
