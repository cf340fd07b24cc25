package sm

import (
	"bytes"
	"errors"
	"fmt"
)

func (s *StateMachine) descriptorAt(staging *StagingArea, key string) (KeyDescriptor, error) {
	data, err := staging.Get(descriptorKey(key))
	if errors.Is(err, ErrNotFound) {
		return KeyDescriptor{}, nil
	}
	if err != nil {
		return KeyDescriptor{}, err
	}

	descriptor, err := parseDescriptor([]byte(data))
	if err != nil {
		panic(fmt.Sprintf("key %q: %v", key, err))
	}
	return descriptor, nil
}

// assertKeyType fails with ErrWrongType when the key exists under a
// different datatype.
func (s *StateMachine) assertKeyType(staging *StagingArea, key string, keyType KeyType) error {
	descriptor, err := s.descriptorAt(staging, key)
	if err != nil {
		return err
	}
	if !descriptor.Empty() && descriptor.KeyType() != keyType {
		return ErrWrongType
	}
	return nil
}

func (s *StateMachine) StagedSet(staging *StagingArea, key, value string) error {
	op, err := newWriteOperation(staging, key, KeyTypeString)
	if err != nil {
		return err
	}
	if !op.Valid() {
		return ErrWrongType
	}

	op.Write(value)
	op.Finalize(int64(len(value)), false)
	return nil
}

func (s *StateMachine) StagedGet(staging *StagingArea, key string) (string, error) {
	if err := s.assertKeyType(staging, key, KeyTypeString); err != nil {
		return "", err
	}
	return staging.Get(stringKey(key))
}

// StagedDel removes any number of keys of any datatype, returning how many
// existed.
func (s *StateMachine) StagedDel(staging *StagingArea, keys []string, removed *int64) error {
	*removed = 0

	for _, key := range keys {
		descriptor, err := s.descriptorAt(staging, key)
		if err != nil {
			return err
		}
		if descriptor.Empty() {
			continue
		}

		switch descriptor.KeyType() {
		case KeyTypeString:
			staging.Del(stringKey(key))
		case KeyTypeLease:
			staging.Del(leaseKey(key))
			staging.Del(expirationEventKey(ClockValue(descriptor.EndIndex()), key))
		case KeyTypeHash, KeyTypeSet, KeyTypeDeque:
			count, err := s.removeAllWithPrefix(staging, fieldPrefix(key))
			if err != nil {
				return err
			}
			if count != descriptor.Size() {
				panic(fmt.Sprintf("mismatch between descriptor size and deleted fields for %q: %d vs %d", key, descriptor.Size(), count))
			}
		case KeyTypeLocalityHash:
			count, err := s.removeAllWithPrefix(staging, localityFieldPrefix(key))
			if err != nil {
				return err
			}
			if count != descriptor.Size() {
				panic(fmt.Sprintf("locality field count mismatch for %q: %d vs %d", key, descriptor.Size(), count))
			}
			count, err = s.removeAllWithPrefix(staging, localityIndexPrefix(key))
			if err != nil {
				return err
			}
			if count != descriptor.Size() {
				panic(fmt.Sprintf("locality index count mismatch for %q: %d vs %d", key, descriptor.Size(), count))
			}
		default:
			panic(fmt.Sprintf("unknown key type %q", descriptor.KeyType()))
		}

		staging.Del(descriptorKey(key))
		*removed++
	}

	return nil
}

func (s *StateMachine) removeAllWithPrefix(staging *StagingArea, prefix []byte) (int64, error) {
	iter, err := staging.Iterator(prefix, prefixUpperBound(prefix))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}

	for _, key := range keys {
		staging.Del(key)
	}
	return int64(len(keys)), nil
}

// StagedExists counts how many of the given keys exist.
func (s *StateMachine) StagedExists(staging *StagingArea, keys []string) (int64, error) {
	var count int64
	for _, key := range keys {
		descriptor, err := s.descriptorAt(staging, key)
		if err != nil {
			return 0, err
		}
		if !descriptor.Empty() {
			count++
		}
	}
	return count, nil
}

// StagedKeys returns every user key matching the glob pattern.
func (s *StateMachine) StagedKeys(staging *StagingArea, pattern string) ([]string, error) {
	allKeys := pattern == "*"

	prefix := []byte{prefixDescriptor}
	iter, err := staging.Iterator(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	result := []string{}
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key()[1:])
		if allKeys || matchPattern(pattern, key) {
			result = append(result, key)
		}
	}
	return result, iter.Error()
}

// StagedScan iterates descriptors starting at the cursor. The literal
// prefix of the pattern bounds the scan, so "prefix-*" patterns only visit
// matching descriptors.
func (s *StateMachine) StagedScan(staging *StagingArea, cursor, pattern string, count int64) (string, []string, error) {
	patternPrefix := extractPatternPrefix(pattern)

	var seek []byte
	if cursor == "" {
		seek = descriptorKey(patternPrefix)
	} else {
		seek = descriptorKey(cursor)
	}

	prefix := []byte{prefixDescriptor}
	iter, err := staging.Iterator(seek, prefixUpperBound(prefix))
	if err != nil {
		return "", nil, err
	}
	defer iter.Close()

	emptyPattern := pattern == "" || pattern == "*"
	results := []string{}
	var iterations int64

	for iter.First(); iter.Valid(); iter.Next() {
		iterations++
		key := string(iter.Key()[1:])

		if !bytes.HasPrefix([]byte(key), []byte(patternPrefix)) {
			// No further matches can exist, stop early.
			break
		}

		if iterations > count {
			return key, results, nil
		}

		if emptyPattern || matchPattern(pattern, key) {
			results = append(results, key)
		}
	}

	return "", results, iter.Error()
}

// StagedFlushall wipes all user data, preserving internal metadata and the
// configuration space.
func (s *StateMachine) StagedFlushall(staging *StagingArea) error {
	iter, err := staging.Iterator(nil, nil)
	if err != nil {
		return err
	}
	defer iter.Close()

	var victims [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) > 0 && (key[0] == prefixInternal || key[0] == prefixConfiguration) {
			continue
		}
		victims = append(victims, append([]byte(nil), key...))
	}
	if err := iter.Error(); err != nil {
		return err
	}

	for _, key := range victims {
		staging.Del(key)
	}
	return nil
}
