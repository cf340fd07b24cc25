package raft

import (
	"sync"

	"github.com/quarkdb/quarkdb/lib/resp"
	"github.com/quarkdb/quarkdb/lib/server"
	"github.com/quarkdb/quarkdb/lib/sm"
)

// blockedWrites maps journal indexes of in-flight writes to the pending
// queue expecting the response.
type blockedWrites struct {
	mtx   sync.Mutex
	items map[LogIndex]*server.PendingQueue
}

func (b *blockedWrites) insert(index LogIndex, queue *server.PendingQueue) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.items[index] = queue
}

func (b *blockedWrites) pop(index LogIndex) *server.PendingQueue {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	queue := b.items[index]
	delete(b.items, index)
	return queue
}

func (b *blockedWrites) size() int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return int64(len(b.items))
}

func (b *blockedWrites) drain() []*server.PendingQueue {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	queues := make([]*server.PendingQueue, 0, len(b.items))
	seen := make(map[*server.PendingQueue]struct{})
	for _, queue := range b.items {
		if _, ok := seen[queue]; !ok {
			seen[queue] = struct{}{}
			queues = append(queues, queue)
		}
	}
	b.items = make(map[LogIndex]*server.PendingQueue)
	return queues
}

// WriteTracker owns the leader-side write pipeline: it appends client
// writes to the journal, remembers which connection expects each response,
// and runs the commit applier that feeds committed entries into the state
// machine and resolves the pending queues.
type WriteTracker struct {
	journal *Journal
	machine *sm.StateMachine
	redis   *server.RedisDispatcher
	log     Logger

	appendMtx sync.Mutex
	blocked   blockedWrites

	shutdown chan struct{}
	done     chan struct{}
}

func NewWriteTracker(journal *Journal, machine *sm.StateMachine, redis *server.RedisDispatcher, logger Logger) *WriteTracker {
	tracker := &WriteTracker{
		journal: journal,
		machine: machine,
		redis:   redis,
		log:     logger,
		blocked: blockedWrites{items: make(map[LogIndex]*server.PendingQueue)},
	}
	tracker.shutdown = make(chan struct{})
	tracker.done = make(chan struct{})
	go tracker.applyCommits()
	return tracker
}

// Append journals one write under the current term and registers the
// pending response slot. False means the append was refused and the caller
// should answer unavailable.
func (w *WriteTracker) Append(term Term, req resp.Request, queue *server.PendingQueue) bool {
	w.appendMtx.Lock()
	defer w.appendMtx.Unlock()

	index := w.journal.LogSize()
	entry := Entry{Term: term, Request: req}

	if !w.journal.Append(index, &entry, false) {
		return false
	}

	queue.AddPendingWrite(req, index)
	w.blocked.insert(index, queue)
	return true
}

// BlockedWrites counts writes journaled but not yet applied.
func (w *WriteTracker) BlockedWrites() int64 {
	return w.blocked.size()
}

// FlushQueues answers every in-flight write with the given response; called
// on leader step-down.
func (w *WriteTracker) FlushQueues(response resp.EncodedResponse) {
	for _, queue := range w.blocked.drain() {
		queue.FlushAll(response)
	}
}

func (w *WriteTracker) Stop() {
	close(w.shutdown)
	w.journal.NotifyWaitingThreads()
	<-w.done
}

// applyCommits is the commit applier: it waits for commit-index progress
// and applies every newly committed entry, in order, exactly once.
func (w *WriteTracker) applyCommits() {
	defer close(w.done)

	for {
		select {
		case <-w.shutdown:
			return
		default:
		}

		commitIndex := w.journal.CommitIndex()
		lastApplied := w.machine.LastApplied()

		if lastApplied >= commitIndex {
			w.journal.WaitForCommits(commitIndex)
			continue
		}

		for index := lastApplied + 1; index <= commitIndex; index++ {
			select {
			case <-w.shutdown:
				return
			default:
			}
			w.applySingleCommit(index)
		}
	}
}

func (w *WriteTracker) applySingleCommit(index LogIndex) {
	entry, err := w.journal.FetchEntry(index)
	if err != nil {
		// A committed entry must exist; this is unrecoverable corruption.
		panic(err)
	}

	// Membership updates and leadership markers apply as no-ops; their
	// effect lives in the journal, not the state machine.
	if entry.IsMembershipUpdate() || entry.IsLeadershipMarker() {
		if err := w.machine.Noop(index); err != nil {
			panic(err)
		}
		w.resolve(index, resp.OK())
		return
	}

	response := w.redis.DispatchWrite(entry.Request, index)
	w.resolve(index, response)
}

func (w *WriteTracker) resolve(index LogIndex, response resp.EncodedResponse) {
	if queue := w.blocked.pop(index); queue != nil {
		queue.FulfillWrite(index, response)
	}
}
