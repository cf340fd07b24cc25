package sm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"

	"github.com/quarkdb/quarkdb/lib/binutil"
)

// LogIndex numbers raft journal entries. -1 is reserved for "absent".
type LogIndex = int64

var (
	// ErrNotFound is returned for missing keys and fields. All other engine
	// errors propagate.
	ErrNotFound = errors.New("not found")

	// ErrWrongType signals a datatype conflict on a key.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
)

// MalformedError marks runtime-recoverable argument errors, such as
// incrementing a non-numeric hash value.
type MalformedError struct{ Msg string }

func (e *MalformedError) Error() string { return e.Msg }

func malformed(msg string) error { return &MalformedError{Msg: msg} }

// Logger is the minimal logging surface the state machine needs. The
// concrete implementation is wired in by the server bootstrap.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}

// StateMachine is a synchronous, thread-safe datatype KV service over a
// pebble instance. Writers serialize behind writeMtx; readers work off
// engine snapshots and never block writers.
//
// At-most-once application of journal entries is enforced in
// commitTransaction: the supplied index must equal lastApplied+1.
type StateMachine struct {
	path          string
	db            *pebble.DB
	log           Logger
	writeAheadLog bool
	bulkload      bool

	writeMtx sync.Mutex // serializes write staging areas

	lastAppliedMtx sync.Mutex
	lastAppliedCV  *sync.Cond
	lastApplied    LogIndex

	timekeeper *Timekeeper
}

// Options configures the engine open.
type Options struct {
	WriteAheadLog bool
	Bulkload      bool
	Logger        Logger
}

func engineOptions(bulkload bool, logger Logger) *pebble.Options {
	opts := &pebble.Options{
		Levels: []pebble.LevelOptions{{
			BlockSize:    16 * 1024,
			FilterPolicy: bloom.FilterPolicy(10),
		}},
		EventListener: &pebble.EventListener{
			WriteStallBegin: func(info pebble.WriteStallBeginInfo) {
				if logger != nil {
					logger.Error("write stall begins: %s", info.Reason)
				}
			},
			WriteStallEnd: func() {
				if logger != nil {
					logger.Info("write stall over")
				}
			},
		},
	}

	if bulkload {
		opts.DisableWAL = true
		opts.DisableAutomaticCompactions = true
	}

	return opts
}

func directoryExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// Open opens or creates a state machine directory. A missing or empty
// directory gets a freshly initialized state machine.
func Open(path string, opts Options) (*StateMachine, error) {
	dirExists := directoryExists(path)
	if dirExists {
		if entries, err := os.ReadDir(path); err == nil && len(entries) == 0 {
			dirExists = false
		}
	}

	if opts.Bulkload && dirExists {
		return nil, fmt.Errorf("bulkload only available for newly initialized state machines; path %q already exists", path)
	}

	if opts.Logger != nil {
		if opts.WriteAheadLog {
			opts.Logger.Info("opening state machine %q", path)
		} else {
			opts.Logger.Error("opening state machine %q *without* write ahead log - an unclean shutdown WILL CAUSE DATA LOSS", path)
		}
	}

	db, err := pebble.Open(path, engineOptions(opts.Bulkload, opts.Logger))
	if err != nil {
		return nil, fmt.Errorf("cannot open state machine %q: %w", path, err)
	}

	machine := &StateMachine{
		path:          path,
		db:            db,
		log:           opts.Logger,
		writeAheadLog: opts.WriteAheadLog && !opts.Bulkload,
		bulkload:      opts.Bulkload,
	}
	machine.lastAppliedCV = sync.NewCond(&machine.lastAppliedMtx)

	if err := machine.ensureCompatibleFormat(!dirExists); err != nil {
		db.Close()
		return nil, err
	}
	if err := machine.ensureBulkloadSanity(!dirExists); err != nil {
		db.Close()
		return nil, err
	}
	if err := machine.ensureClockSanity(!dirExists); err != nil {
		db.Close()
		return nil, err
	}
	if err := machine.retrieveLastApplied(); err != nil {
		db.Close()
		return nil, err
	}

	return machine, nil
}

func (s *StateMachine) Close() error {
	if s.log != nil {
		s.log.Info("closing state machine %q", s.path)
	}
	return s.db.Close()
}

func (s *StateMachine) Path() string { return s.path }

// rawGet reads a key directly from the engine, translating pebble's
// not-found into ErrNotFound.
func (s *StateMachine) rawGet(key []byte) (string, error) {
	value, closer, err := s.db.Get(key)
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

func (s *StateMachine) rawSet(key []byte, value string) error {
	return s.db.Set(key, []byte(value), s.writeOpts())
}

func (s *StateMachine) writeOpts() *pebble.WriteOptions {
	if s.writeAheadLog {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *StateMachine) ensureCompatibleFormat(justCreated bool) error {
	format, err := s.rawGet([]byte(keyFormat))

	if justCreated {
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("reading %s, which should not exist: %v", keyFormat, err)
		}
		return s.rawSet([]byte(keyFormat), currentFormat)
	}

	if err != nil {
		return fmt.Errorf("cannot read %s: %w", keyFormat, err)
	}
	if format != currentFormat {
		return fmt.Errorf("asked to open a state machine with incompatible format (%s), can only handle %s", format, currentFormat)
	}
	return nil
}

func (s *StateMachine) ensureBulkloadSanity(justCreated bool) error {
	inBulkload, err := s.rawGet([]byte(keyInBulkload))

	if justCreated {
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("reading %s, which should not exist: %v", keyInBulkload, err)
		}
		return s.rawSet([]byte(keyInBulkload), boolToString(s.bulkload))
	}

	if err != nil {
		return fmt.Errorf("cannot read %s: %w", keyInBulkload, err)
	}
	if inBulkload != boolToString(false) {
		return fmt.Errorf("bulkload mode was NOT finalized, DB is corrupted - finalize the bulkload before re-opening")
	}
	return nil
}

func (s *StateMachine) ensureClockSanity(justCreated bool) error {
	value, err := s.rawGet([]byte(keyClock))

	if justCreated {
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("reading %s, which should not exist: %v", keyClock, err)
		}
		if err := s.rawSet([]byte(keyClock), binutil.EncodeUint64(0)); err != nil {
			return err
		}
		value = binutil.EncodeUint64(0)
	} else if err != nil {
		return fmt.Errorf("cannot read %s: %w", keyClock, err)
	}

	if len(value) != binutil.Width {
		return fmt.Errorf("detected corruption of %s, got %d bytes, expected %d", keyClock, len(value), binutil.Width)
	}

	s.timekeeper = NewTimekeeper(ClockValue(binutil.DecodeUint64([]byte(value))))
	return nil
}

func (s *StateMachine) retrieveLastApplied() error {
	value, err := s.rawGet([]byte(keyLastApplied))
	if errors.Is(err, ErrNotFound) {
		s.lastApplied = 0
		return s.rawSet([]byte(keyLastApplied), binutil.EncodeInt64(0))
	}
	if err != nil {
		return fmt.Errorf("cannot retrieve last applied: %w", err)
	}

	s.lastApplied = binutil.DecodeInt64([]byte(value))
	return nil
}

// LastApplied returns the highest journal index applied so far.
func (s *StateMachine) LastApplied() LogIndex {
	s.lastAppliedMtx.Lock()
	defer s.lastAppliedMtx.Unlock()
	return s.lastApplied
}

// WaitUntilTargetLastApplied blocks until lastApplied reaches target or the
// duration elapses. Returns whether the target was reached.
func (s *StateMachine) WaitUntilTargetLastApplied(target LogIndex, duration time.Duration) bool {
	s.lastAppliedMtx.Lock()
	defer s.lastAppliedMtx.Unlock()

	if target <= s.lastApplied {
		return true
	}

	deadline := time.AfterFunc(duration, func() {
		s.lastAppliedCV.Broadcast()
	})
	defer deadline.Stop()

	expires := time.Now().Add(duration)
	for target > s.lastApplied && time.Now().Before(expires) {
		s.lastAppliedCV.Wait()
	}
	return target <= s.lastApplied
}

// commitTransaction applies a staged batch atomically together with the
// lastApplied update. Index 0 and below mark out-of-band writes, permitted
// only while lastApplied is still 0. A failure here would leave a committed
// journal entry partially applied, so it aborts the process.
func (s *StateMachine) commitTransaction(batch *pebble.Batch, index LogIndex) {
	s.lastAppliedMtx.Lock()
	defer s.lastAppliedMtx.Unlock()

	if index <= 0 && s.lastApplied > 0 {
		panic(fmt.Sprintf("invalid index for version-tracked database: %d, current last applied: %d", index, s.lastApplied))
	}

	if index > 0 {
		if index != s.lastApplied+1 {
			panic(fmt.Sprintf("illegal lastApplied update attempted: %d ==> %d", s.lastApplied, index))
		}
		if err := batch.Set([]byte(keyLastApplied), []byte(binutil.EncodeInt64(index)), nil); err != nil {
			panic(fmt.Sprintf("unable to stage lastApplied update: %v", err))
		}
	}

	if err := batch.Commit(s.writeOpts()); err != nil {
		panic(fmt.Sprintf("unable to commit transaction with index %d: %v", index, err))
	}

	if index > 0 {
		s.lastApplied = index
		s.lastAppliedCV.Broadcast()
	}
}

// Noop advances lastApplied without modifying user data. Membership updates
// and leadership markers apply as no-ops.
func (s *StateMachine) Noop(index LogIndex) error {
	staging := s.NewStagingArea()
	return staging.Commit(index)
}

// Reset wipes all contents and reinitializes metadata.
func (s *StateMachine) Reset() error {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := s.db.Delete(append([]byte(nil), iter.Key()...), pebble.NoSync); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	if err := s.ensureCompatibleFormat(true); err != nil {
		return err
	}
	if err := s.ensureBulkloadSanity(true); err != nil {
		return err
	}
	if err := s.ensureClockSanity(true); err != nil {
		return err
	}

	s.lastAppliedMtx.Lock()
	s.lastApplied = 0
	s.lastAppliedMtx.Unlock()
	return s.rawSet([]byte(keyLastApplied), binutil.EncodeInt64(0))
}

// Checkpoint creates a point-in-time copy of the engine under path, for
// online backups and resilvering sources.
func (s *StateMachine) Checkpoint(path string) error {
	return s.db.Checkpoint(path)
}

// ManualCompaction compacts the whole key range down to the bottommost
// level.
func (s *StateMachine) ManualCompaction() error {
	if s.log != nil {
		s.log.Info("triggering manual compaction of the state machine")
	}
	return s.db.Compact([]byte{0x00}, []byte{0xff}, true)
}

// VerifyChecksum reads every key-value pair, forcing block checksum
// verification across the whole store.
func (s *StateMachine) VerifyChecksum() error {
	if s.log != nil {
		s.log.Info("initiating a full checksum scan of the state machine")
	}

	start := time.Now()
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return err
	}

	var pairs int64
	for iter.First(); iter.Valid(); iter.Next() {
		_ = iter.Value()
		pairs++
	}
	err = iter.Close()

	if err == nil {
		if s.log != nil {
			s.log.Info("state machine checksum scan successful, %d pairs in %s", pairs, time.Since(start))
		}
	} else if s.log != nil {
		s.log.Error("state machine corruption, checksum verification failed: %v", err)
	}
	return err
}

// HardSynchronizeDynamicClock re-anchors the timekeeper on the persisted
// clock value.
func (s *StateMachine) HardSynchronizeDynamicClock() {
	value, err := s.rawGet([]byte(keyClock))
	if err != nil {
		panic(fmt.Sprintf("cannot read %s: %v", keyClock, err))
	}
	s.timekeeper.Synchronize(ClockValue(binutil.DecodeUint64([]byte(value))))
}

// DynamicClock returns the extrapolated millisecond clock.
func (s *StateMachine) DynamicClock() ClockValue {
	return s.timekeeper.DynamicTime()
}

func (s *StateMachine) InBulkload() bool { return s.bulkload }

func boolToString(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

var _ io.Closer = (*StateMachine)(nil)
