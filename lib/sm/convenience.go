package sm

// Convenience layer: one staging area per call, for call sites that do not
// batch multiple operations into a single journal entry. Writes commit with
// the given journal index; reads run against a snapshot.

func (s *StateMachine) write(index LogIndex, fn func(*StagingArea) error) error {
	staging := s.NewStagingArea()
	err := fn(staging)
	if commitErr := staging.Commit(index); commitErr != nil {
		return commitErr
	}
	return err
}

func (s *StateMachine) read(fn func(*StagingArea) error) error {
	staging := s.NewReadStagingArea()
	defer staging.Close()
	return fn(staging)
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (s *StateMachine) Get(key string) (value string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		value, e = s.StagedGet(a, key)
		return e
	})
	return
}

func (s *StateMachine) Exists(keys []string) (count int64, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		count, e = s.StagedExists(a, keys)
		return e
	})
	return
}

func (s *StateMachine) Keys(pattern string) (result []string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		result, e = s.StagedKeys(a, pattern)
		return e
	})
	return
}

func (s *StateMachine) Scan(cursor, pattern string, count int64) (next string, result []string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		next, result, e = s.StagedScan(a, cursor, pattern, count)
		return e
	})
	return
}

func (s *StateMachine) HGet(key, field string) (value string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		value, e = s.StagedHGet(a, key, field)
		return e
	})
	return
}

func (s *StateMachine) HExists(key, field string) (exists bool, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		exists, e = s.StagedHExists(a, key, field)
		return e
	})
	return
}

func (s *StateMachine) HKeys(key string) (keys []string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		keys, e = s.StagedHKeys(a, key)
		return e
	})
	return
}

func (s *StateMachine) HVals(key string) (vals []string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		vals, e = s.StagedHVals(a, key)
		return e
	})
	return
}

func (s *StateMachine) HGetall(key string) (res []string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		res, e = s.StagedHGetall(a, key)
		return e
	})
	return
}

func (s *StateMachine) HLen(key string) (size int64, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		size, e = s.StagedHLen(a, key)
		return e
	})
	return
}

func (s *StateMachine) HScan(key, cursor string, count int64) (next string, res []string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		next, res, e = s.StagedHScan(a, key, cursor, count)
		return e
	})
	return
}

func (s *StateMachine) SIsMember(key, member string) (ok bool, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		ok, e = s.StagedSIsMember(a, key, member)
		return e
	})
	return
}

func (s *StateMachine) SMembers(key string) (members []string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		members, e = s.StagedSMembers(a, key)
		return e
	})
	return
}

func (s *StateMachine) SCard(key string) (count int64, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		count, e = s.StagedSCard(a, key)
		return e
	})
	return
}

func (s *StateMachine) SScan(key, cursor string, count int64) (next string, res []string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		next, res, e = s.StagedSScan(a, key, cursor, count)
		return e
	})
	return
}

func (s *StateMachine) DequeLen(key string) (size int64, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		size, e = s.StagedDequeLen(a, key)
		return e
	})
	return
}

func (s *StateMachine) LHLen(key string) (size int64, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		size, e = s.StagedLHLen(a, key)
		return e
	})
	return
}

func (s *StateMachine) LHGet(key, field, hint string) (value string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		value, e = s.StagedLHGet(a, key, field, hint)
		return e
	})
	return
}

func (s *StateMachine) ConfigGet(key string) (value string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		value, e = s.StagedConfigGet(a, key)
		return e
	})
	return
}

func (s *StateMachine) ConfigGetall() (res []string, err error) {
	err = s.read(func(a *StagingArea) error {
		var e error
		res, e = s.StagedConfigGetall(a)
		return e
	})
	return
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func (s *StateMachine) Set(key, value string, index LogIndex) error {
	return s.write(index, func(a *StagingArea) error {
		return s.StagedSet(a, key, value)
	})
}

func (s *StateMachine) Del(keys []string, index LogIndex) (removed int64, err error) {
	err = s.write(index, func(a *StagingArea) error {
		return s.StagedDel(a, keys, &removed)
	})
	return
}

func (s *StateMachine) Flushall(index LogIndex) error {
	return s.write(index, func(a *StagingArea) error {
		return s.StagedFlushall(a)
	})
}

func (s *StateMachine) HSet(key, field, value string, index LogIndex) (created bool, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		created, e = s.StagedHSet(a, key, field, value)
		return e
	})
	return
}

func (s *StateMachine) HMSet(key string, pairs []string, index LogIndex) error {
	return s.write(index, func(a *StagingArea) error {
		return s.StagedHMSet(a, key, pairs)
	})
}

func (s *StateMachine) HSetNX(key, field, value string, index LogIndex) (created bool, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		created, e = s.StagedHSetNX(a, key, field, value)
		return e
	})
	return
}

func (s *StateMachine) HIncrBy(key, field, incrby string, index LogIndex) (result int64, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		result, e = s.StagedHIncrBy(a, key, field, incrby)
		return e
	})
	return
}

func (s *StateMachine) HIncrByFloat(key, field, incrby string, index LogIndex) (result float64, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		result, e = s.StagedHIncrByFloat(a, key, field, incrby)
		return e
	})
	return
}

func (s *StateMachine) HDel(key string, fields []string, index LogIndex) (removed int64, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		removed, e = s.StagedHDel(a, key, fields)
		return e
	})
	return
}

func (s *StateMachine) HClone(source, target string, index LogIndex) error {
	return s.write(index, func(a *StagingArea) error {
		return s.StagedHClone(a, source, target)
	})
}

func (s *StateMachine) SAdd(key string, members []string, index LogIndex) (added int64, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		added, e = s.StagedSAdd(a, key, members)
		return e
	})
	return
}

func (s *StateMachine) SRem(key string, members []string, index LogIndex) (removed int64, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		removed, e = s.StagedSRem(a, key, members)
		return e
	})
	return
}

func (s *StateMachine) SMove(source, destination, member string, index LogIndex) (moved bool, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		moved, e = s.StagedSMove(a, source, destination, member)
		return e
	})
	return
}

func (s *StateMachine) DequePushFront(key string, items []string, index LogIndex) (length int64, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		length, e = s.StagedDequePushFront(a, key, items)
		return e
	})
	return
}

func (s *StateMachine) DequePushBack(key string, items []string, index LogIndex) (length int64, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		length, e = s.StagedDequePushBack(a, key, items)
		return e
	})
	return
}

func (s *StateMachine) DequePopFront(key string, index LogIndex) (item string, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		item, e = s.StagedDequePopFront(a, key)
		return e
	})
	return
}

func (s *StateMachine) DequePopBack(key string, index LogIndex) (item string, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		item, e = s.StagedDequePopBack(a, key)
		return e
	})
	return
}

func (s *StateMachine) DequeTrimFront(key, maxToKeep string, index LogIndex) (removed int64, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		removed, e = s.StagedDequeTrimFront(a, key, maxToKeep)
		return e
	})
	return
}

func (s *StateMachine) LHSet(key, field, hint, value string, index LogIndex) (created bool, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		created, e = s.StagedLHSet(a, key, field, hint, value)
		return e
	})
	return
}

func (s *StateMachine) LHMSet(key string, triplets []string, index LogIndex) error {
	return s.write(index, func(a *StagingArea) error {
		return s.StagedLHMSet(a, key, triplets)
	})
}

func (s *StateMachine) LHDel(key string, fields []string, index LogIndex) (removed int64, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		removed, e = s.StagedLHDel(a, key, fields)
		return e
	})
	return
}

func (s *StateMachine) ConfigSet(key, value string, index LogIndex) error {
	return s.write(index, func(a *StagingArea) error {
		return s.StagedConfigSet(a, key, value)
	})
}

func (s *StateMachine) LeaseAcquire(key, holder string, clockUpdate ClockValue, duration uint64, index LogIndex) (status LeaseAcquisitionStatus, info LeaseInfo, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		status, info, e = s.StagedLeaseAcquire(a, key, holder, clockUpdate, duration)
		return e
	})
	return
}

func (s *StateMachine) LeaseGet(key string, clockUpdate ClockValue, index LogIndex) (info LeaseInfo, err error) {
	err = s.write(index, func(a *StagingArea) error {
		var e error
		info, e = s.StagedLeaseGet(a, key, clockUpdate)
		return e
	})
	return
}

func (s *StateMachine) LeaseRelease(key string, clockUpdate ClockValue, index LogIndex) error {
	return s.write(index, func(a *StagingArea) error {
		return s.StagedLeaseRelease(a, key, clockUpdate)
	})
}

func (s *StateMachine) AdvanceClock(newValue ClockValue, index LogIndex) error {
	return s.write(index, func(a *StagingArea) error {
		return s.StagedAdvanceClock(a, newValue)
	})
}
