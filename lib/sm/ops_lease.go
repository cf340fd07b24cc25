package sm

import (
	"errors"
	"fmt"

	"github.com/quarkdb/quarkdb/lib/binutil"
)

// LeaseAcquisitionStatus is the outcome of a lease_acquire.
type LeaseAcquisitionStatus int

const (
	LeaseAcquired LeaseAcquisitionStatus = iota
	LeaseRenewed
	LeaseFailedDueToOtherOwner
	LeaseKeyTypeMismatch
)

// LeaseInfo describes a live lease: its holder and validity window.
type LeaseInfo struct {
	Holder   string
	Start    ClockValue
	Deadline ClockValue
}

// expirationEventIterator walks pending lease-expiration events in deadline
// order.
type expirationEventIterator struct {
	iter interface {
		First() bool
		Valid() bool
		Next() bool
		Key() []byte
		Close() error
	}
	started bool
}

func (s *StateMachine) expirationEvents(staging *StagingArea) (*expirationEventIterator, error) {
	prefix := []byte{prefixExpirationEvent}
	iter, err := staging.Iterator(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	return &expirationEventIterator{iter: iter}, nil
}

func (it *expirationEventIterator) valid() bool {
	if !it.started {
		it.started = true
		it.iter.First()
	}
	return it.iter.Valid()
}

func (it *expirationEventIterator) deadline() ClockValue {
	return ClockValue(binutil.DecodeUint64(it.iter.Key()[1:]))
}

func (it *expirationEventIterator) key() string {
	return string(it.iter.Key()[1+binutil.Width:])
}

func (it *expirationEventIterator) next()  { it.iter.Next() }
func (it *expirationEventIterator) close() { it.iter.Close() }

// StagedAdvanceClock moves the persisted clock forward, releasing every
// lease whose deadline has passed. Moving the clock backwards is an
// invariant violation.
func (s *StateMachine) StagedAdvanceClock(staging *StagingArea, newValue ClockValue) error {
	previous, err := s.StagedGetClock(staging)
	if err != nil {
		return err
	}
	if newValue < previous {
		panic(fmt.Sprintf("attempted to set state machine clock in the past: %d ==> %d", previous, newValue))
	}

	events, err := s.expirationEvents(staging)
	if err != nil {
		return err
	}

	var expired []string
	for events.valid() && events.deadline() <= newValue {
		expired = append(expired, events.key())
		events.next()
	}
	events.close()

	for _, key := range expired {
		if err := s.StagedLeaseRelease(staging, key, 0); err != nil {
			panic(fmt.Sprintf("failed to release expired lease %q: %v", key, err))
		}
	}

	staging.Put([]byte(keyClock), binutil.EncodeUint64(uint64(newValue)))
	return nil
}

// maybeAdvanceClock resolves the race between an external clock update and
// a clock that has already moved further: the larger value wins.
func (s *StateMachine) maybeAdvanceClock(staging *StagingArea, clockUpdate ClockValue) (ClockValue, error) {
	current, err := s.StagedGetClock(staging)
	if err != nil {
		return 0, err
	}

	if current < clockUpdate {
		if err := s.StagedAdvanceClock(staging, clockUpdate); err != nil {
			return 0, err
		}
		return clockUpdate, nil
	}
	return current, nil
}

func (s *StateMachine) StagedGetClock(staging *StagingArea) (ClockValue, error) {
	value, err := staging.Get([]byte(keyClock))
	if err != nil {
		return 0, err
	}
	if len(value) != binutil.Width {
		panic(fmt.Sprintf("clock corruption, expected exactly %d bytes, got %d", binutil.Width, len(value)))
	}
	return ClockValue(binutil.DecodeUint64([]byte(value))), nil
}

// StagedLeaseAcquire creates or extends a lease. An extension is only
// granted to the current holder; anyone else gets the holder's info back.
func (s *StateMachine) StagedLeaseAcquire(staging *StagingArea, key, holder string, clockUpdate ClockValue, duration uint64) (LeaseAcquisitionStatus, LeaseInfo, error) {
	if holder == "" {
		panic("lease acquisition with empty holder")
	}

	clockUpdate, err := s.maybeAdvanceClock(staging, clockUpdate)
	if err != nil {
		return 0, LeaseInfo{}, err
	}

	op, err := newWriteOperation(staging, key, KeyTypeLease)
	if err != nil {
		return 0, LeaseInfo{}, err
	}
	if !op.Valid() {
		return LeaseKeyTypeMismatch, LeaseInfo{}, nil
	}

	// Expired leases are gone by now; advanceClock released them.
	oldHolder, err := staging.Get(leaseKey(key))
	if err != nil && !errors.Is(err, ErrNotFound) {
		op.Cancel()
		return 0, LeaseInfo{}, err
	}

	if err == nil && oldHolder != holder {
		descriptor := op.Descriptor()
		info := LeaseInfo{
			Holder:   oldHolder,
			Start:    ClockValue(descriptor.StartIndex()),
			Deadline: ClockValue(descriptor.EndIndex()),
		}
		op.Cancel()
		return LeaseFailedDueToOtherOwner, info, nil
	}

	descriptor := op.Descriptor()
	extended := op.KeyExists()
	if extended {
		// Extension: wipe out the previous pending expiration event.
		oldEvent := expirationEventKey(ClockValue(descriptor.EndIndex()), key)
		ok, err := staging.Exists(oldEvent)
		if err != nil {
			op.Cancel()
			return 0, LeaseInfo{}, err
		}
		if !ok {
			panic(fmt.Sprintf("lease %q has no pending expiration event", key))
		}
		staging.Del(oldEvent)
	}

	expiration := clockUpdate + ClockValue(duration)
	descriptor.SetStartIndex(uint64(clockUpdate))
	descriptor.SetEndIndex(uint64(expiration))

	staging.Put(expirationEventKey(expiration, key), "1")
	op.Write(holder)

	info := LeaseInfo{Holder: holder, Start: clockUpdate, Deadline: expiration}
	op.Finalize(int64(len(holder)), true)

	if extended {
		return LeaseRenewed, info, nil
	}
	return LeaseAcquired, info, nil
}

// StagedLeaseGet reads a lease, advancing the clock first so that expired
// leases report as missing.
func (s *StateMachine) StagedLeaseGet(staging *StagingArea, key string, clockUpdate ClockValue) (LeaseInfo, error) {
	if _, err := s.maybeAdvanceClock(staging, clockUpdate); err != nil {
		return LeaseInfo{}, err
	}

	descriptor, err := s.descriptorAt(staging, key)
	if err != nil {
		return LeaseInfo{}, err
	}
	if descriptor.Empty() {
		return LeaseInfo{}, ErrNotFound
	}
	if descriptor.KeyType() != KeyTypeLease {
		return LeaseInfo{}, ErrWrongType
	}

	holder, err := staging.Get(leaseKey(key))
	if err != nil {
		panic(fmt.Sprintf("lease descriptor for %q without a value: %v", key, err))
	}

	return LeaseInfo{
		Holder:   holder,
		Start:    ClockValue(descriptor.StartIndex()),
		Deadline: ClockValue(descriptor.EndIndex()),
	}, nil
}

// StagedLeaseRelease deletes a lease and its expiration event. clockUpdate
// of zero skips the clock advance; StagedAdvanceClock itself releases
// through this path.
func (s *StateMachine) StagedLeaseRelease(staging *StagingArea, key string, clockUpdate ClockValue) error {
	if clockUpdate != 0 {
		if _, err := s.maybeAdvanceClock(staging, clockUpdate); err != nil {
			return err
		}
	}

	op, err := newWriteOperation(staging, key, KeyTypeLease)
	if err != nil {
		return err
	}
	if !op.Valid() {
		return ErrWrongType
	}
	if !op.KeyExists() {
		op.Finalize(0, false)
		return ErrNotFound
	}

	descriptor := op.Descriptor()

	event := expirationEventKey(ClockValue(descriptor.EndIndex()), key)
	ok, err := staging.Exists(event)
	if err != nil {
		op.Cancel()
		return err
	}
	if !ok {
		panic(fmt.Sprintf("lease %q has no pending expiration event", key))
	}
	staging.Del(event)

	ok, err = staging.Exists(leaseKey(key))
	if err != nil {
		op.Cancel()
		return err
	}
	if !ok {
		panic(fmt.Sprintf("lease %q has no value", key))
	}
	staging.Del(leaseKey(key))

	op.Finalize(0, false)
	return nil
}
