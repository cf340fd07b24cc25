package raft

import (
	"sort"
	"sync"
)

// MatchIndexTracker follows how far one replica's journal matches ours.
type MatchIndexTracker struct {
	tracker *CommitTracker
	mtx     sync.Mutex
	match   LogIndex
}

// Update advances the match index and re-derives the commit index.
func (m *MatchIndexTracker) Update(newMatch LogIndex) {
	m.mtx.Lock()
	if newMatch <= m.match {
		m.mtx.Unlock()
		return
	}
	m.match = newMatch
	m.mtx.Unlock()

	m.tracker.recalculate()
}

func (m *MatchIndexTracker) Get() LogIndex {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.match
}

// CommitTracker derives the quorum commit index from per-replica match
// indexes. The leader's own log counts as fully matched.
type CommitTracker struct {
	journal *Journal

	mtx     sync.Mutex
	targets map[Server]*MatchIndexTracker
	quorum  int
}

func NewCommitTracker(journal *Journal) *CommitTracker {
	return &CommitTracker{journal: journal, targets: make(map[Server]*MatchIndexTracker)}
}

func (c *CommitTracker) GetHandler(target Server) *MatchIndexTracker {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	handler, ok := c.targets[target]
	if !ok {
		handler = &MatchIndexTracker{tracker: c}
		c.targets[target] = handler
	}
	return handler
}

// UpdateTargets reconfigures the quorum-relevant replicas.
func (c *CommitTracker) UpdateTargets(fullVoters []Server) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	next := make(map[Server]*MatchIndexTracker, len(fullVoters))
	for _, target := range fullVoters {
		if existing, ok := c.targets[target]; ok {
			next[target] = existing
		} else {
			next[target] = &MatchIndexTracker{tracker: c}
		}
	}
	c.targets = next
	c.quorum = QuorumSize(len(fullVoters) + 1)
}

// Reset discards all match indexes, as required on every leader change.
func (c *CommitTracker) Reset() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.targets = make(map[Server]*MatchIndexTracker)
}

// recalculate finds the highest index replicated on a quorum and pushes it
// into the journal.
func (c *CommitTracker) recalculate() {
	c.mtx.Lock()

	matches := make([]LogIndex, 0, len(c.targets)+1)
	matches = append(matches, c.journal.LogSize()-1)
	for _, handler := range c.targets {
		matches = append(matches, handler.Get())
	}

	quorum := c.quorum
	c.mtx.Unlock()

	if quorum <= 0 || quorum > len(matches) {
		return
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	commit := matches[quorum-1]

	if commit > c.journal.CommitIndex() {
		c.journal.SetCommitIndex(commit)
	}
}
