package raft

import (
	"sync"
	"time"
)

// TrimmingBlock is a per-replica advisory lower bound under which the
// trimmer may not trim, so that entries still needed by an online follower
// survive. A lifted block stops constraining the trimmer.
type TrimmingBlock struct {
	trimmer *Trimmer
	mtx     sync.Mutex
	limit   LogIndex
	lifted  bool
}

// Enforce raises the block to the given index.
func (b *TrimmingBlock) Enforce(limit LogIndex) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.lifted = false
	if limit > b.limit {
		b.limit = limit
	}
}

// Lift removes the constraint entirely. A target offline for too long must
// not block journal trimming indefinitely; it will be resilvered later.
func (b *TrimmingBlock) Lift() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.lifted = true
}

func (b *TrimmingBlock) get() (LogIndex, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.limit, !b.lifted
}

// TrimmingConfig bounds journal growth.
type TrimmingConfig struct {
	// KeepSpan is how many committed entries to preserve behind the commit
	// index.
	KeepSpan LogIndex
	// TrimLimit is the minimum log span before a trim is considered.
	TrimLimit LogIndex
}

var DefaultTrimmingConfig = TrimmingConfig{KeepSpan: 100000, TrimLimit: 1000000}

// Trimmer periodically removes old committed journal entries, subject to
// every registered trimming block.
type Trimmer struct {
	journal *Journal
	state   *State
	config  TrimmingConfig

	mtx    sync.Mutex
	blocks []*TrimmingBlock

	stop chan struct{}
	done chan struct{}
}

func NewTrimmer(journal *Journal, state *State, config TrimmingConfig) *Trimmer {
	return &Trimmer{journal: journal, state: state, config: config}
}

// NewBlock registers a fresh trimming block, initially lifted.
func (t *Trimmer) NewBlock() *TrimmingBlock {
	block := &TrimmingBlock{trimmer: t, lifted: true}
	t.mtx.Lock()
	t.blocks = append(t.blocks, block)
	t.mtx.Unlock()
	return block
}

// RemoveBlock unregisters a block, typically when its replica tracker dies.
func (t *Trimmer) RemoveBlock(block *TrimmingBlock) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for i, b := range t.blocks {
		if b == block {
			t.blocks = append(t.blocks[:i], t.blocks[i+1:]...)
			return
		}
	}
}

// Start launches the trimming loop.
func (t *Trimmer) Start() {
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				t.round()
			}
		}
	}()
}

func (t *Trimmer) Stop() {
	if t.stop != nil {
		close(t.stop)
		<-t.done
	}
}

func (t *Trimmer) round() {
	logStart := t.journal.LogStart()
	logSize := t.journal.LogSize()

	if logSize-logStart < t.config.TrimLimit {
		return
	}

	threshold := t.journal.CommitIndex() - t.config.KeepSpan
	if threshold <= logStart {
		return
	}

	t.mtx.Lock()
	for _, block := range t.blocks {
		if limit, active := block.get(); active && limit < threshold {
			threshold = limit
		}
	}
	t.mtx.Unlock()

	if threshold > logStart {
		t.journal.TrimUntil(threshold)
	}
}
