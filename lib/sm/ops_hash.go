package sm

import (
	"strconv"
	"strings"
)

func (s *StateMachine) StagedHGet(staging *StagingArea, key, field string) (string, error) {
	if err := s.assertKeyType(staging, key, KeyTypeHash); err != nil {
		return "", err
	}
	return staging.Get(fieldKey(key, field))
}

func (s *StateMachine) StagedHExists(staging *StagingArea, key, field string) (bool, error) {
	_, err := s.StagedHGet(staging, key, field)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// fieldRange iterates all fields of a key, invoking fn with field name and
// value until it returns false.
func (s *StateMachine) fieldRange(staging *StagingArea, key string, fn func(field, value string) bool) error {
	prefix := fieldPrefix(key)
	iter, err := staging.Iterator(prefix, prefixUpperBound(prefix))
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		field := string(iter.Key()[len(prefix):])
		if !fn(field, string(iter.Value())) {
			break
		}
	}
	return iter.Error()
}

func (s *StateMachine) StagedHKeys(staging *StagingArea, key string) ([]string, error) {
	if err := s.assertKeyType(staging, key, KeyTypeHash); err != nil {
		return nil, err
	}

	keys := []string{}
	err := s.fieldRange(staging, key, func(field, _ string) bool {
		keys = append(keys, field)
		return true
	})
	return keys, err
}

func (s *StateMachine) StagedHVals(staging *StagingArea, key string) ([]string, error) {
	if err := s.assertKeyType(staging, key, KeyTypeHash); err != nil {
		return nil, err
	}

	vals := []string{}
	err := s.fieldRange(staging, key, func(_, value string) bool {
		vals = append(vals, value)
		return true
	})
	return vals, err
}

func (s *StateMachine) StagedHGetall(staging *StagingArea, key string) ([]string, error) {
	if err := s.assertKeyType(staging, key, KeyTypeHash); err != nil {
		return nil, err
	}

	res := []string{}
	err := s.fieldRange(staging, key, func(field, value string) bool {
		res = append(res, field, value)
		return true
	})
	return res, err
}

func (s *StateMachine) StagedHLen(staging *StagingArea, key string) (int64, error) {
	descriptor, err := s.descriptorAt(staging, key)
	if err != nil {
		return 0, err
	}
	if !descriptor.Empty() && descriptor.KeyType() != KeyTypeHash {
		return 0, ErrWrongType
	}
	return descriptor.Size(), nil
}

func (s *StateMachine) StagedHSet(staging *StagingArea, key, field, value string) (bool, error) {
	op, err := newWriteOperation(staging, key, KeyTypeHash)
	if err != nil {
		return false, err
	}
	if !op.Valid() {
		return false, ErrWrongType
	}

	created := !op.FieldExists(field)
	op.WriteField(field, value)
	op.Finalize(op.KeySize()+boolToInt64(created), false)
	return created, nil
}

// StagedHMSet stores field/value pairs; len(pairs) must be even.
func (s *StateMachine) StagedHMSet(staging *StagingArea, key string, pairs []string) error {
	if len(pairs)%2 != 0 {
		panic("hmset: field/value list must have even length")
	}

	op, err := newWriteOperation(staging, key, KeyTypeHash)
	if err != nil {
		return err
	}
	if !op.Valid() {
		return ErrWrongType
	}

	newSize := op.KeySize()
	for i := 0; i < len(pairs); i += 2 {
		newSize += boolToInt64(!op.FieldExists(pairs[i]))
		op.WriteField(pairs[i], pairs[i+1])
	}

	op.Finalize(newSize, false)
	return nil
}

func (s *StateMachine) StagedHSetNX(staging *StagingArea, key, field, value string) (bool, error) {
	op, err := newWriteOperation(staging, key, KeyTypeHash)
	if err != nil {
		return false, err
	}
	if !op.Valid() {
		return false, ErrWrongType
	}

	created := !op.FieldExists(field)
	if created {
		op.WriteField(field, value)
	}
	op.Finalize(op.KeySize()+boolToInt64(created), false)
	return created, nil
}

func (s *StateMachine) StagedHIncrBy(staging *StagingArea, key, field, incrby string) (int64, error) {
	delta, err := strconv.ParseInt(incrby, 10, 64)
	if err != nil {
		return 0, malformed("value is not an integer or out of range")
	}

	op, err := newWriteOperation(staging, key, KeyTypeHash)
	if err != nil {
		return 0, err
	}
	if !op.Valid() {
		return 0, ErrWrongType
	}

	var result int64
	value, exists := op.GetField(field)
	if exists {
		result, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			op.Finalize(op.KeySize(), false)
			return 0, malformed("hash value is not an integer")
		}
	}

	result += delta
	op.WriteField(field, strconv.FormatInt(result, 10))
	op.Finalize(op.KeySize()+boolToInt64(!exists), false)
	return result, nil
}

func (s *StateMachine) StagedHIncrByFloat(staging *StagingArea, key, field, incrby string) (float64, error) {
	delta, err := strconv.ParseFloat(incrby, 64)
	if err != nil {
		return 0, malformed("value is not a float or out of range")
	}

	op, err := newWriteOperation(staging, key, KeyTypeHash)
	if err != nil {
		return 0, err
	}
	if !op.Valid() {
		return 0, ErrWrongType
	}

	var result float64
	value, exists := op.GetField(field)
	if exists {
		result, err = strconv.ParseFloat(value, 64)
		if err != nil {
			op.Finalize(op.KeySize(), false)
			return 0, malformed("hash value is not a float")
		}
	}

	result += delta
	op.WriteField(field, formatFloat(result))
	op.Finalize(op.KeySize()+boolToInt64(!exists), false)
	return result, nil
}

func (s *StateMachine) StagedHDel(staging *StagingArea, key string, fields []string) (int64, error) {
	op, err := newWriteOperation(staging, key, KeyTypeHash)
	if err != nil {
		return 0, err
	}
	if !op.Valid() {
		return 0, ErrWrongType
	}

	var removed int64
	for _, field := range fields {
		if op.DeleteField(field) {
			removed++
		}
	}

	op.Finalize(op.KeySize()-removed, false)
	return removed, nil
}

// StagedHScan resumes field iteration at the cursor, returning up to count
// field/value pairs plus the next cursor ("" when iteration is done).
func (s *StateMachine) StagedHScan(staging *StagingArea, key, cursor string, count int64) (string, []string, error) {
	if err := s.assertKeyType(staging, key, KeyTypeHash); err != nil {
		return "", nil, err
	}

	prefix := fieldPrefix(key)
	iter, err := staging.Iterator(fieldKey(key, cursor), prefixUpperBound(prefix))
	if err != nil {
		return "", nil, err
	}
	defer iter.Close()

	res := []string{}
	newCursor := ""
	for iter.First(); iter.Valid(); iter.Next() {
		field := string(iter.Key()[len(prefix):])
		if int64(len(res)) >= count*2 {
			newCursor = field
			break
		}
		res = append(res, field, string(iter.Value()))
	}

	return newCursor, res, iter.Error()
}

// StagedHClone copies all fields of source into target, refusing to
// overwrite an existing target key.
func (s *StateMachine) StagedHClone(staging *StagingArea, source, target string) error {
	op, err := newWriteOperation(staging, target, KeyTypeHash)
	if err != nil {
		return err
	}
	if !op.Valid() {
		return ErrWrongType
	}
	if op.KeyExists() {
		op.Cancel()
		return malformed("target key already exists, will not overwrite")
	}

	sourceInfo, err := s.descriptorAt(staging, source)
	if err != nil {
		op.Cancel()
		return err
	}
	if sourceInfo.Empty() {
		op.Cancel()
		return nil
	}
	if sourceInfo.KeyType() != KeyTypeHash {
		op.Cancel()
		return ErrWrongType
	}

	var newSize int64
	err = s.fieldRange(staging, source, func(field, value string) bool {
		op.WriteField(field, value)
		newSize++
		return true
	})
	if err != nil {
		op.Cancel()
		return err
	}

	if newSize != sourceInfo.Size() {
		panic("hclone: source descriptor size mismatch")
	}
	op.Finalize(newSize, false)
	return nil
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// formatFloat renders a float the way redis does: shortest representation,
// no exponent for reasonable magnitudes, trailing zeros trimmed.
func formatFloat(f float64) string {
	out := strconv.FormatFloat(f, 'f', -1, 64)
	if strings.Contains(out, ".") {
		out = strings.TrimRight(out, "0")
		out = strings.TrimRight(out, ".")
	}
	return out
}
