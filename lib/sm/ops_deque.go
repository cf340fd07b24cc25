package sm

import (
	"strconv"

	"github.com/quarkdb/quarkdb/lib/binutil"
)

// Deques store their items under 64-bit unsigned binary field indexes. The
// descriptor records the open interval (startIndex, endIndex); pushes at the
// front decrement startIndex, pushes at the back increment endIndex, and the
// size is always endIndex - startIndex - 1.

func (s *StateMachine) stagedDequePush(staging *StagingArea, dir Direction, key string, items []string) (int64, error) {
	op, err := newWriteOperation(staging, key, KeyTypeDeque)
	if err != nil {
		return 0, err
	}
	if !op.Valid() {
		return 0, ErrWrongType
	}

	descriptor := op.Descriptor()
	listIndex := descriptor.ListIndex(dir)

	var added uint64
	for _, item := range items {
		op.WriteField(binutil.EncodeUint64(listIndex+added*uint64(int64(dir))), item)
		added++
	}

	descriptor.SetListIndex(dir, listIndex+added*uint64(int64(dir)))
	length := op.KeySize() + int64(added)
	if op.KeySize() == 0 {
		// First insert into an empty deque: anchor the opposite end one step
		// behind the chosen index so that size = end - start - 1.
		descriptor.SetListIndex(dir.Flip(), listIndex+uint64(int64(dir.Flip())))
	}
	op.Finalize(length, true)
	return length, nil
}

func (s *StateMachine) StagedDequePushFront(staging *StagingArea, key string, items []string) (int64, error) {
	return s.stagedDequePush(staging, DirectionLeft, key, items)
}

func (s *StateMachine) StagedDequePushBack(staging *StagingArea, key string, items []string) (int64, error) {
	return s.stagedDequePush(staging, DirectionRight, key, items)
}

func (s *StateMachine) stagedDequePop(staging *StagingArea, dir Direction, key string) (string, error) {
	op, err := newWriteOperation(staging, key, KeyTypeDeque)
	if err != nil {
		return "", err
	}
	if !op.Valid() {
		return "", ErrWrongType
	}

	if op.KeySize() == 0 {
		op.Finalize(0, false)
		return "", ErrNotFound
	}

	descriptor := op.Descriptor()
	listIndex := descriptor.ListIndex(dir)
	victim := listIndex + uint64(int64(dir.Flip()))

	field := binutil.EncodeUint64(victim)
	item, ok := op.GetField(field)
	if !ok {
		panic("deque element missing despite nonzero descriptor size")
	}
	if !op.DeleteField(field) {
		panic("deque element vanished mid-operation")
	}
	descriptor.SetListIndex(dir, victim)

	op.Finalize(op.KeySize()-1, true)
	return item, nil
}

func (s *StateMachine) StagedDequePopFront(staging *StagingArea, key string) (string, error) {
	return s.stagedDequePop(staging, DirectionLeft, key)
}

func (s *StateMachine) StagedDequePopBack(staging *StagingArea, key string) (string, error) {
	return s.stagedDequePop(staging, DirectionRight, key)
}

func (s *StateMachine) StagedDequeLen(staging *StagingArea, key string) (int64, error) {
	descriptor, err := s.descriptorAt(staging, key)
	if err != nil {
		return 0, err
	}
	if !descriptor.Empty() && descriptor.KeyType() != KeyTypeDeque {
		return 0, ErrWrongType
	}
	return descriptor.Size(), nil
}

// StagedDequeTrimFront removes items from the front until at most maxToKeep
// remain.
func (s *StateMachine) StagedDequeTrimFront(staging *StagingArea, key, maxToKeepStr string) (int64, error) {
	maxToKeep, err := strconv.ParseInt(maxToKeepStr, 10, 64)
	if err != nil || maxToKeep < 0 {
		return 0, malformed("value is not an integer or out of range")
	}

	op, err := newWriteOperation(staging, key, KeyTypeDeque)
	if err != nil {
		return 0, err
	}
	if !op.Valid() {
		return 0, ErrWrongType
	}

	descriptor := op.Descriptor()
	toRemove := descriptor.Size() - maxToKeep
	if toRemove <= 0 {
		op.Cancel()
		return 0, nil
	}

	for next := descriptor.StartIndex() + 1; next <= descriptor.StartIndex()+uint64(toRemove); next++ {
		if !op.DeleteField(binutil.EncodeUint64(next)) {
			panic("deque element missing during trim")
		}
	}

	descriptor.SetStartIndex(descriptor.StartIndex() + uint64(toRemove))
	if descriptor.EndIndex()-descriptor.StartIndex()-1 != uint64(maxToKeep) {
		panic("deque trim arithmetic violated the size invariant")
	}

	op.Finalize(maxToKeep, true)
	return toRemove, nil
}
