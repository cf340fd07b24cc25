package sm

import "errors"

// Locality hashes keep two entries per field: an index mapping field to its
// current locality hint, and the field body stored under the hint-qualified
// key. Fields sharing a hint are stored contiguously in the engine.

func (s *StateMachine) lhsetInternal(op *WriteOperation, field, hint, value string) bool {
	if op.LocalityFieldExists(hint, field) {
		// Field exists under the same hint, plain overwrite.
		op.WriteLocalityField(hint, field, value)
		return false
	}

	if previousHint, ok := op.GetLocalityIndex(field); ok {
		// Changing locality hint. Drop the old entry, insert the new one.
		if !op.DeleteLocalityField(previousHint, field) {
			panic("locality index points at a missing field")
		}
		op.WriteLocalityField(hint, field, value)
		op.WriteLocalityIndex(field, hint)
		return false
	}

	op.WriteLocalityField(hint, field, value)
	op.WriteLocalityIndex(field, hint)
	return true
}

func (s *StateMachine) StagedLHSet(staging *StagingArea, key, field, hint, value string) (bool, error) {
	op, err := newWriteOperation(staging, key, KeyTypeLocalityHash)
	if err != nil {
		return false, err
	}
	if !op.Valid() {
		return false, ErrWrongType
	}

	created := s.lhsetInternal(op, field, hint, value)
	op.Finalize(op.KeySize()+boolToInt64(created), false)
	return created, nil
}

// StagedLHMSet stores (field, hint, value) triplets.
func (s *StateMachine) StagedLHMSet(staging *StagingArea, key string, triplets []string) error {
	if len(triplets)%3 != 0 {
		panic("lhmset: triplet list length must be a multiple of three")
	}

	op, err := newWriteOperation(staging, key, KeyTypeLocalityHash)
	if err != nil {
		return err
	}
	if !op.Valid() {
		return ErrWrongType
	}

	var created int64
	for i := 0; i < len(triplets); i += 3 {
		if s.lhsetInternal(op, triplets[i], triplets[i+1], triplets[i+2]) {
			created++
		}
	}

	op.Finalize(op.KeySize()+created, false)
	return nil
}

func (s *StateMachine) StagedLHDel(staging *StagingArea, key string, fields []string) (int64, error) {
	op, err := newWriteOperation(staging, key, KeyTypeLocalityHash)
	if err != nil {
		return 0, err
	}
	if !op.Valid() {
		return 0, ErrWrongType
	}

	var removed int64
	for _, field := range fields {
		if hint, ok := op.GetAndDeleteLocalityIndex(field); ok {
			removed++
			if !op.DeleteLocalityField(hint, field) {
				panic("locality index points at a missing field")
			}
		}
	}

	op.Finalize(op.KeySize()-removed, false)
	return removed, nil
}

// StagedLHGet retrieves a field, trying the caller-supplied hint first. A
// wrong hint falls back to the index lookup and logs a warning.
func (s *StateMachine) StagedLHGet(staging *StagingArea, key, field, hint string) (string, error) {
	if err := s.assertKeyType(staging, key, KeyTypeLocalityHash); err != nil {
		return "", err
	}

	if hint != "" {
		value, err := staging.Get(localityFieldKey(key, hint, field))
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		// Either the field does not exist, or the hint was wrong.
	}

	correctHint, err := staging.Get(localityIndexKey(key, field))
	if err != nil {
		return "", err
	}

	if hint != "" && s.log != nil {
		s.log.Error("received invalid locality hint (%q vs %q) for key %q, field %q", hint, correctHint, key, field)
	}

	value, err := staging.Get(localityFieldKey(key, correctHint, field))
	if err != nil {
		panic("locality index points at a missing field")
	}
	return value, nil
}

func (s *StateMachine) StagedLHLen(staging *StagingArea, key string) (int64, error) {
	descriptor, err := s.descriptorAt(staging, key)
	if err != nil {
		return 0, err
	}
	if !descriptor.Empty() && descriptor.KeyType() != KeyTypeLocalityHash {
		return 0, ErrWrongType
	}
	return descriptor.Size(), nil
}
