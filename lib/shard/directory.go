// Package shard ties a node together: the on-disk shard directory owning
// the two engine instances, the consensus (or standalone) group built on
// top, and the top-level command routing.
package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quarkdb/quarkdb/lib/raft"
	"github.com/quarkdb/quarkdb/lib/sm"
)

// Logger is the minimal logging surface of the shard layer.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

// Directory manages one shard's physical layout:
//
//	<path>/current              -> symlink to the active shard contents
//	<path>/shard-<n>/state-machine
//	<path>/shard-<n>/raft-journal
//	<path>/resilvering-history
//	<path>/resilvering-arena-<id>
//
// Resilvering builds a complete replacement under an arena and atomically
// swaps the "current" symlink.
type Directory struct {
	path string
	log  Logger

	mtx     sync.Mutex
	machine *sm.StateMachine
	journal *raft.Journal

	history []string
}

func NewDirectory(path string, logger Logger) (*Directory, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	dir := &Directory{path: path, log: logger}
	dir.loadResilveringHistory()
	return dir, nil
}

func (d *Directory) Path() string { return d.path }

func (d *Directory) currentPath() string {
	return filepath.Join(d.path, "current")
}

func (d *Directory) stateMachinePath() string {
	return filepath.Join(d.currentPath(), "state-machine")
}

func (d *Directory) raftJournalPath() string {
	return filepath.Join(d.currentPath(), "raft-journal")
}

func (d *Directory) historyPath() string {
	return filepath.Join(d.path, "resilvering-history")
}

func (d *Directory) arenaPath(id string) string {
	return filepath.Join(d.path, "resilvering-arena-"+id)
}

// ensureCurrent creates the initial shard contents directory and symlink.
func (d *Directory) ensureCurrent() error {
	if _, err := os.Lstat(d.currentPath()); err == nil {
		return nil
	}

	target := filepath.Join(d.path, "shard-0")
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	return os.Symlink("shard-0", d.currentPath())
}

// HasRaftJournal reports whether this shard was initialized for consensus.
func (d *Directory) HasRaftJournal() bool {
	_, err := os.Stat(d.raftJournalPath())
	return err == nil
}

// GetStateMachine lazily opens the state machine.
func (d *Directory) GetStateMachine(logger sm.Logger, bulkload bool) (*sm.StateMachine, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.getStateMachineLocked(logger, bulkload)
}

func (d *Directory) getStateMachineLocked(logger sm.Logger, bulkload bool) (*sm.StateMachine, error) {
	if d.machine != nil {
		return d.machine, nil
	}
	if err := d.ensureCurrent(); err != nil {
		return nil, err
	}

	machine, err := sm.Open(d.stateMachinePath(), sm.Options{
		WriteAheadLog: true,
		Bulkload:      bulkload,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	d.machine = machine
	return machine, nil
}

// GetRaftJournal lazily opens the journal; it must already exist.
func (d *Directory) GetRaftJournal(logger raft.Logger) (*raft.Journal, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.getRaftJournalLocked(logger)
}

func (d *Directory) getRaftJournalLocked(logger raft.Logger) (*raft.Journal, error) {
	if d.journal != nil {
		return d.journal, nil
	}

	journal, err := raft.OpenJournal(d.raftJournalPath(), logger)
	if err != nil {
		return nil, err
	}
	d.journal = journal
	return journal, nil
}

// Initialize creates a consensus shard from scratch.
func (d *Directory) Initialize(clusterID raft.ClusterID, nodes []raft.Server, policy raft.FsyncPolicy, logger raft.Logger) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if err := d.ensureCurrent(); err != nil {
		return err
	}
	if d.HasRaftJournal() {
		return fmt.Errorf("shard %q already contains a raft journal", d.path)
	}

	journal, err := raft.CreateJournal(d.raftJournalPath(), clusterID, nodes, 0, policy, logger)
	if err != nil {
		return err
	}
	d.journal = journal
	return nil
}

// Close releases both engines.
func (d *Directory) Close() {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.closeLocked()
}

func (d *Directory) closeLocked() {
	if d.machine != nil {
		d.machine.Close()
		d.machine = nil
	}
	if d.journal != nil {
		d.journal.Close()
		d.journal = nil
	}
}

// Checkpoint copies both engines into path for online backups and
// resilvering sources.
func (d *Directory) Checkpoint(path string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.machine == nil {
		return fmt.Errorf("state machine not open")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	if err := d.machine.Checkpoint(filepath.Join(path, "state-machine")); err != nil {
		return err
	}
	if d.journal != nil {
		return d.journal.Checkpoint(filepath.Join(path, "raft-journal"))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Resilvering, target side
// ---------------------------------------------------------------------------

func (d *Directory) loadResilveringHistory() {
	data, err := os.ReadFile(d.historyPath())
	if err != nil {
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line != "" {
			d.history = append(d.history, line)
		}
	}
}

func (d *Directory) appendResilveringHistory(id string) {
	entry := fmt.Sprintf("%s %d", id, time.Now().Unix())
	d.history = append(d.history, entry)

	file, err := os.OpenFile(d.historyPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if d.log != nil {
			d.log.Error("cannot persist resilvering history: %v", err)
		}
		return
	}
	defer file.Close()
	fmt.Fprintln(file, entry)
}

// ResilveringHistory lists past resilvering events.
func (d *Directory) ResilveringHistory() []string {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]string(nil), d.history...)
}

// ResilveringStart opens a fresh arena for the given event id.
func (d *Directory) ResilveringStart(id string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	arena := d.arenaPath(id)
	if err := os.RemoveAll(arena); err != nil {
		return err
	}
	if d.log != nil {
		d.log.Info("resilvering event %s starting, arena %q", id, arena)
	}
	return os.MkdirAll(arena, 0o755)
}

// ResilveringCopy stores one file into the arena. Filenames are relative
// paths like "state-machine/000001.sst".
func (d *Directory) ResilveringCopy(id, filename string, contents []byte) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	arena := d.arenaPath(id)
	if _, err := os.Stat(arena); err != nil {
		return fmt.Errorf("resilvering event %s was never started", id)
	}

	clean := filepath.Clean(filename)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("refusing to copy file outside the arena: %q", filename)
	}

	target := filepath.Join(arena, clean)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, contents, 0o644)
}

// ResilveringFinish atomically replaces the active shard contents with the
// arena. The caller has already detached the shard: the engines are closed
// here, the symlink flipped, and the supplanted directory removed.
func (d *Directory) ResilveringFinish(id string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	arena := d.arenaPath(id)
	if _, err := os.Stat(arena); err != nil {
		return fmt.Errorf("resilvering event %s was never started", id)
	}

	d.closeLocked()

	supplanted, err := os.Readlink(d.currentPath())
	if err != nil {
		return err
	}

	newName := "shard-" + id
	if err := os.Rename(arena, filepath.Join(d.path, newName)); err != nil {
		return err
	}

	// Symlink swap: create the new link under a temp name, rename over.
	tempLink := filepath.Join(d.path, "current.next")
	os.Remove(tempLink)
	if err := os.Symlink(newName, tempLink); err != nil {
		return err
	}
	if err := os.Rename(tempLink, d.currentPath()); err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Join(d.path, supplanted)); err != nil && d.log != nil {
		d.log.Error("cannot remove supplanted shard contents %q: %v", supplanted, err)
	}

	d.appendResilveringHistory(id)
	if d.log != nil {
		d.log.Info("resilvering event %s complete", id)
	}
	return nil
}

// ResilveringCancel drops the arena.
func (d *Directory) ResilveringCancel(id string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.log != nil {
		d.log.Info("resilvering event %s canceled", id)
	}
	return os.RemoveAll(d.arenaPath(id))
}
