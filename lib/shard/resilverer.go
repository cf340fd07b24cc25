package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarkdb/quarkdb/lib/raft"
	"github.com/quarkdb/quarkdb/lib/resp"
)

// resilverState is one in-flight resilvering towards a target.
type resilverState struct {
	id    string
	total int
	sent  int
	done  bool
	err   error
}

// Resilverer drives resilvering from the leader side: checkpoint both
// engines, then stream every file to the target through the
// QUARKDB_RESILVERING_* protocol. One attempt runs per target at a time.
type Resilverer struct {
	directory *Directory
	log       Logger

	mtx     sync.Mutex
	targets map[raft.Server]*resilverState
}

func NewResilverer(directory *Directory, logger Logger) *Resilverer {
	return &Resilverer{directory: directory, log: logger, targets: make(map[raft.Server]*resilverState)}
}

// TriggerResilvering implements raft.ResilveringTrigger. It is called
// repeatedly by the replicator; an in-progress attempt just reports its
// progress, a failed one is cleared for retry in the next round.
func (r *Resilverer) TriggerResilvering(target raft.Server, contact raft.ContactDetails) (string, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	state, ok := r.targets[target]
	if ok && !state.done {
		return fmt.Sprintf("%d/%d", state.sent, state.total), nil
	}
	if ok && state.done {
		delete(r.targets, target)
		if state.err != nil {
			return "", state.err
		}
		return "", nil
	}

	state = &resilverState{id: uuid.NewString()}
	r.targets[target] = state

	go r.run(target, contact, state)
	return "0/0", nil
}

func (r *Resilverer) run(target raft.Server, contact raft.ContactDetails, state *resilverState) {
	err := r.resilver(target, contact, state)

	r.mtx.Lock()
	state.done = true
	state.err = err
	r.mtx.Unlock()

	if err != nil && r.log != nil {
		r.log.Error("resilvering of %s failed: %v", target, err)
	}
}

func (r *Resilverer) resilver(target raft.Server, contact raft.ContactDetails, state *resilverState) error {
	snapshotPath := filepath.Join(r.directory.Path(), "temp-snapshot-"+state.id)
	defer os.RemoveAll(snapshotPath)

	if err := r.directory.Checkpoint(snapshotPath); err != nil {
		return fmt.Errorf("cannot checkpoint shard: %w", err)
	}

	files, err := collectFiles(snapshotPath)
	if err != nil {
		return err
	}

	r.mtx.Lock()
	state.total = len(files)
	r.mtx.Unlock()

	talker := raft.NewTalker(target, contact, "resilverer", nil)
	defer talker.Close()

	if err := r.execute(talker, resp.Request{"QUARKDB_START_RESILVERING", state.id}); err != nil {
		return err
	}

	for _, file := range files {
		contents, err := os.ReadFile(filepath.Join(snapshotPath, file))
		if err != nil {
			r.execute(talker, resp.Request{"QUARKDB_CANCEL_RESILVERING", state.id})
			return err
		}

		if err := r.execute(talker, resp.Request{"QUARKDB_RESILVERING_COPY_FILE", state.id, file, string(contents)}); err != nil {
			r.execute(talker, resp.Request{"QUARKDB_CANCEL_RESILVERING", state.id})
			return err
		}

		r.mtx.Lock()
		state.sent++
		r.mtx.Unlock()
	}

	return r.execute(talker, resp.Request{"QUARKDB_FINISH_RESILVERING", state.id})
}

// execute runs one command and waits generously; file pushes can be slow.
func (r *Resilverer) execute(talker *raft.Talker, req resp.Request) error {
	reply := talker.Execute(req).Get(30 * time.Second)
	if reply == nil {
		return fmt.Errorf("no response to %s", req.Command())
	}
	if reply.IsError() {
		return fmt.Errorf("%s refused: %s", req.Command(), reply.Str)
	}
	return nil
}

func collectFiles(root string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	return files, err
}
