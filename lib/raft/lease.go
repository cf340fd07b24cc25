package raft

import (
	"sort"
	"sync"
	"time"
)

// LastContact records the most recent successful contact with one replica.
// Handlers survive reconfiguration so that replicator threads can keep
// their reference across membership epochs.
type LastContact struct {
	mtx  sync.Mutex
	last time.Time
}

func (c *LastContact) Heartbeat(timestamp time.Time) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.last.Before(timestamp) {
		c.last = timestamp
	}
}

func (c *LastContact) Get() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.last
}

// Lease derives the leader's quorum lease from per-replica contact
// timestamps: as long as a quorum of voters acknowledged us within the
// lease validity window, we may consider our leadership solid. Once the
// deadline passes, the quorum has gone shaky and the leader steps down.
type Lease struct {
	mtx      sync.Mutex
	validity time.Duration
	targets  map[Server]*LastContact
	quorum   int
}

func NewLease(validity time.Duration) *Lease {
	return &Lease{validity: validity, targets: make(map[Server]*LastContact)}
}

// GetHandler returns the contact tracker for a target, creating it when
// needed.
func (l *Lease) GetHandler(target Server) *LastContact {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	handler, ok := l.targets[target]
	if !ok {
		handler = &LastContact{last: time.Now()}
		l.targets[target] = handler
	}
	return handler
}

// UpdateTargets reconfigures which replicas count towards quorum. Only full
// voters belong here; observers have handlers but never quorum weight.
func (l *Lease) UpdateTargets(fullVoters []Server) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	next := make(map[Server]*LastContact, len(fullVoters))
	for _, target := range fullVoters {
		if existing, ok := l.targets[target]; ok {
			next[target] = existing
		} else {
			// A fresh target starts with a full lease; it only goes shaky
			// after genuinely failing to answer for the validity window.
			next[target] = &LastContact{last: time.Now()}
		}
	}
	l.targets = next

	// Quorum counts the leader itself, which is not among the targets.
	l.quorum = QuorumSize(len(fullVoters) + 1)
}

// ShakyQuorumDeadline computes the point in time at which the quorum lease
// expires, given the current contact timestamps. The leader always counts
// itself as freshly contacted.
func (l *Lease) ShakyQuorumDeadline() time.Time {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	contacts := make([]time.Time, 0, len(l.targets)+1)
	for _, handler := range l.targets {
		contacts = append(contacts, handler.Get())
	}

	// Newest first, with the leader itself always in front; the quorum-th
	// contact anchors the lease.
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].After(contacts[j]) })
	contacts = append([]time.Time{time.Now()}, contacts...)

	anchor := l.quorum - 1
	if anchor < 0 {
		anchor = 0
	}
	if anchor >= len(contacts) {
		anchor = len(contacts) - 1
	}

	return contacts[anchor].Add(l.validity)
}
