package sm

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// StagingArea collects the writes of one journal entry before they are
// committed atomically. Writes go through an indexed batch that overlays the
// engine, so an operation reads its own pending changes. Read-only staging
// areas work off an engine snapshot instead and never take the write lock.
//
// A write staging area holds the state machine's write mutex from creation
// until Commit or Cancel; exactly one of the two must be called.
type StagingArea struct {
	machine  *StateMachine
	readOnly bool
	bulkload bool
	released bool

	batch    *pebble.Batch // indexed, nil when readOnly
	raw      *pebble.Batch // plain batch used during bulkload
	snapshot *pebble.Snapshot
}

// NewStagingArea opens a write staging area.
func (s *StateMachine) NewStagingArea() *StagingArea {
	area := &StagingArea{machine: s, bulkload: s.bulkload}

	if s.bulkload {
		area.raw = s.db.NewBatch()
		return area
	}

	s.writeMtx.Lock()
	area.batch = s.db.NewIndexedBatch()
	return area
}

// NewReadStagingArea opens a read-only staging area over a snapshot.
func (s *StateMachine) NewReadStagingArea() *StagingArea {
	return &StagingArea{machine: s, readOnly: true, snapshot: s.db.NewSnapshot()}
}

func (a *StagingArea) assertWritable() {
	if a.readOnly {
		panic("write on a read-only staging area")
	}
	if a.released {
		panic("staging area already committed or canceled")
	}
}

// Get reads through the overlay (batch + engine), or the snapshot for
// read-only areas. Missing keys yield ErrNotFound.
func (a *StagingArea) Get(key []byte) (string, error) {
	if a.bulkload {
		// Reads are disabled in bulkload mode; fields look absent.
		return "", ErrNotFound
	}

	var value []byte
	var closer interface{ Close() error }
	var err error

	if a.readOnly {
		value, closer, err = a.snapshot.Get(key)
	} else {
		value, closer, err = a.batch.Get(key)
	}

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

// Exists reports key presence; errors other than not-found propagate.
func (a *StagingArea) Exists(key []byte) (bool, error) {
	_, err := a.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *StagingArea) Put(key []byte, value string) {
	a.assertWritable()

	if a.bulkload {
		if len(key) > 0 && key[0] == prefixDescriptor {
			// Descriptors are deferred; finalizeBulkload rebuilds them all.
			return
		}
		if err := a.raw.Set(key, []byte(value), nil); err != nil {
			panic(fmt.Sprintf("unable to stage write: %v", err))
		}
		return
	}

	if err := a.batch.Set(key, []byte(value), nil); err != nil {
		panic(fmt.Sprintf("unable to stage write: %v", err))
	}
}

func (a *StagingArea) Del(key []byte) {
	a.assertWritable()
	if a.bulkload {
		panic("no deletions allowed during bulk load")
	}
	if err := a.batch.Delete(key, nil); err != nil {
		panic(fmt.Sprintf("unable to stage deletion: %v", err))
	}
}

// Iterator returns an iterator that merges the pending batch with the
// engine. lower/upper bound the key range; upper may be nil.
func (a *StagingArea) Iterator(lower, upper []byte) (*pebble.Iterator, error) {
	opts := &pebble.IterOptions{LowerBound: lower, UpperBound: upper}

	if a.readOnly {
		return a.snapshot.NewIter(opts)
	}
	if a.bulkload {
		return nil, errors.New("no iteration during bulk load")
	}
	return a.batch.NewIter(opts)
}

// Commit applies the staged writes atomically together with the
// last-applied update, then releases the write lock.
func (a *StagingArea) Commit(index LogIndex) error {
	if a.readOnly {
		panic("cannot commit a read-only staging area")
	}
	if a.released {
		panic("staging area already committed or canceled")
	}
	a.released = true

	if a.bulkload {
		if index != 0 {
			panic(fmt.Sprintf("bulkload commit with nonzero index %d", index))
		}
		err := a.raw.Commit(pebble.NoSync)
		a.raw.Close()
		return err
	}

	defer a.machine.writeMtx.Unlock()
	a.machine.commitTransaction(a.batch, index)
	a.batch.Close()
	return nil
}

// Cancel drops all staged writes and releases the write lock.
func (a *StagingArea) Cancel() {
	if a.released {
		return
	}
	a.released = true

	if a.readOnly {
		a.snapshot.Close()
		return
	}
	if a.bulkload {
		a.raw.Close()
		return
	}

	a.batch.Close()
	a.machine.writeMtx.Unlock()
}

// Close releases the resources of a read-only staging area. Alias of Cancel
// for the reader call sites.
func (a *StagingArea) Close() {
	a.Cancel()
}
