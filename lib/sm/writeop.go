package sm

import (
	"errors"
	"fmt"
)

// WriteOperation wraps a single-key mutation: it locks the key's descriptor
// for update, verifies the datatype, tracks size changes, and re-encodes or
// deletes the descriptor on Finalize. Exactly one of Finalize or Cancel must
// run on every valid operation.
type WriteOperation struct {
	staging      *StagingArea
	key          string
	expectedType KeyType

	descriptor KeyDescriptor
	keyExists  bool
	valid      bool
	finalized  bool
}

func newWriteOperation(staging *StagingArea, key string, keyType KeyType) (*WriteOperation, error) {
	op := &WriteOperation{staging: staging, key: key, expectedType: keyType}

	data, err := staging.Get(descriptorKey(key))
	switch {
	case errors.Is(err, ErrNotFound):
		op.descriptor = KeyDescriptor{}
	case err != nil:
		return nil, err
	default:
		op.descriptor, err = parseDescriptor([]byte(data))
		if err != nil {
			panic(fmt.Sprintf("key %q: %v", key, err))
		}
	}

	op.keyExists = !op.descriptor.Empty()
	op.valid = op.descriptor.Empty() || op.descriptor.KeyType() == keyType

	if op.descriptor.Empty() && op.valid {
		op.descriptor.SetKeyType(keyType)
		if keyType == KeyTypeDeque {
			op.descriptor.SetStartIndex(dequeIndexOrigin)
			op.descriptor.SetEndIndex(dequeIndexOrigin)
		}
	}

	op.finalized = !op.valid
	return op, nil
}

func (op *WriteOperation) Valid() bool     { return op.valid }
func (op *WriteOperation) KeyExists() bool { return op.keyExists }
func (op *WriteOperation) KeySize() int64  { return op.descriptor.Size() }

// Descriptor exposes the tracked descriptor for deque index and lease
// window manipulation.
func (op *WriteOperation) Descriptor() *KeyDescriptor { return &op.descriptor }

func (op *WriteOperation) assertWritable() {
	if !op.valid {
		panic("WriteOperation not valid")
	}
	if op.finalized {
		panic("WriteOperation already finalized")
	}
}

// Write stores the single value of a string or lease key.
func (op *WriteOperation) Write(value string) {
	op.assertWritable()

	switch op.descriptor.KeyType() {
	case KeyTypeString:
		op.staging.Put(stringKey(op.key), value)
	case KeyTypeLease:
		op.staging.Put(leaseKey(op.key), value)
	default:
		panic("writing without a field makes sense only for strings and leases")
	}
}

// WriteField stores one field of a hash, set or deque.
func (op *WriteOperation) WriteField(field, value string) {
	op.assertWritable()

	t := op.descriptor.KeyType()
	if t != KeyTypeHash && t != KeyTypeSet && t != KeyTypeDeque {
		panic("writing with a field makes sense only for hashes, sets, or deques")
	}
	op.staging.Put(fieldKey(op.key, field), value)
}

func (op *WriteOperation) GetField(field string) (string, bool) {
	op.assertWritable()

	value, err := op.staging.Get(fieldKey(op.key, field))
	if errors.Is(err, ErrNotFound) {
		return "", false
	}
	if err != nil {
		panic(fmt.Sprintf("unexpected engine error: %v", err))
	}
	return value, true
}

func (op *WriteOperation) FieldExists(field string) bool {
	_, ok := op.GetField(field)
	return ok
}

func (op *WriteOperation) DeleteField(field string) bool {
	op.assertWritable()

	ok, err := op.staging.Exists(fieldKey(op.key, field))
	if err != nil {
		panic(fmt.Sprintf("unexpected engine error: %v", err))
	}
	if ok {
		op.staging.Del(fieldKey(op.key, field))
	}
	return ok
}

func (op *WriteOperation) assertLocality() {
	if op.descriptor.KeyType() != KeyTypeLocalityHash {
		panic("locality operation on non-locality key")
	}
}

func (op *WriteOperation) WriteLocalityField(hint, field, value string) {
	op.assertWritable()
	op.assertLocality()
	op.staging.Put(localityFieldKey(op.key, hint, field), value)
}

func (op *WriteOperation) WriteLocalityIndex(field, hint string) {
	op.assertWritable()
	op.assertLocality()
	op.staging.Put(localityIndexKey(op.key, field), hint)
}

func (op *WriteOperation) LocalityFieldExists(hint, field string) bool {
	op.assertWritable()
	op.assertLocality()

	ok, err := op.staging.Exists(localityFieldKey(op.key, hint, field))
	if err != nil {
		panic(fmt.Sprintf("unexpected engine error: %v", err))
	}
	return ok
}

func (op *WriteOperation) GetLocalityIndex(field string) (string, bool) {
	op.assertWritable()
	op.assertLocality()

	hint, err := op.staging.Get(localityIndexKey(op.key, field))
	if errors.Is(err, ErrNotFound) {
		return "", false
	}
	if err != nil {
		panic(fmt.Sprintf("unexpected engine error: %v", err))
	}
	return hint, true
}

func (op *WriteOperation) GetAndDeleteLocalityIndex(field string) (string, bool) {
	hint, ok := op.GetLocalityIndex(field)
	if ok {
		op.staging.Del(localityIndexKey(op.key, field))
	}
	return hint, ok
}

func (op *WriteOperation) DeleteLocalityField(hint, field string) bool {
	op.assertWritable()
	op.assertLocality()

	ok, err := op.staging.Exists(localityFieldKey(op.key, hint, field))
	if err != nil {
		panic(fmt.Sprintf("unexpected engine error: %v", err))
	}
	if ok {
		op.staging.Del(localityFieldKey(op.key, hint, field))
	}
	return ok
}

// Cancel abandons the operation without touching the descriptor.
func (op *WriteOperation) Cancel() {
	op.finalized = true
}

// Finalize records the new key size: zero deletes the descriptor, any other
// size re-encodes it. forceUpdate stores the descriptor even when the size
// did not change, needed when only the index pair moved.
func (op *WriteOperation) Finalize(newSize int64, forceUpdate bool) {
	op.assertWritable()

	if newSize < 0 {
		panic(fmt.Sprintf("invalid newSize: %d", newSize))
	}

	if newSize == 0 {
		op.staging.Del(descriptorKey(op.key))
	} else if op.descriptor.Size() != newSize || forceUpdate {
		op.descriptor.SetSize(newSize)
		op.staging.Put(descriptorKey(op.key), string(op.descriptor.Serialize()))
	}

	op.finalized = true
}
