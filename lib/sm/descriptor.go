package sm

import (
	"fmt"

	"github.com/quarkdb/quarkdb/lib/binutil"
)

// Direction selects which end of a deque an operation targets.
type Direction int

const (
	DirectionLeft  Direction = -1
	DirectionRight Direction = 1
)

func (d Direction) Flip() Direction { return -d }

// KeyDescriptor is the per-user-key metadata record: datatype tag, element
// count, and a pair of 64-bit indexes. For deques the indexes delimit the
// occupied field range; for leases they hold the acquisition and expiration
// timestamps.
//
// A descriptor exists if and only if the key holds at least one field (or a
// value, for strings and leases).
type KeyDescriptor struct {
	keyType    KeyType
	size       int64
	startIndex uint64
	endIndex   uint64
	exists     bool
}

const descriptorSerializedSize = 1 + 3*binutil.Width

func (d *KeyDescriptor) Empty() bool        { return !d.exists }
func (d *KeyDescriptor) KeyType() KeyType   { return d.keyType }
func (d *KeyDescriptor) Size() int64        { return d.size }
func (d *KeyDescriptor) StartIndex() uint64 { return d.startIndex }
func (d *KeyDescriptor) EndIndex() uint64   { return d.endIndex }

func (d *KeyDescriptor) SetKeyType(t KeyType)   { d.keyType = t; d.exists = true }
func (d *KeyDescriptor) SetSize(size int64)     { d.size = size }
func (d *KeyDescriptor) SetStartIndex(v uint64) { d.startIndex = v }
func (d *KeyDescriptor) SetEndIndex(v uint64)   { d.endIndex = v }

// ListIndex returns the deque insertion point for the given direction.
func (d *KeyDescriptor) ListIndex(dir Direction) uint64 {
	if dir == DirectionLeft {
		return d.startIndex
	}
	return d.endIndex
}

func (d *KeyDescriptor) SetListIndex(dir Direction, v uint64) {
	if dir == DirectionLeft {
		d.startIndex = v
	} else {
		d.endIndex = v
	}
}

func (d *KeyDescriptor) Serialize() []byte {
	out := make([]byte, 0, descriptorSerializedSize)
	out = append(out, byte(d.keyType))
	out = binutil.AppendInt64(out, d.size)
	out = binutil.AppendUint64(out, d.startIndex)
	out = binutil.AppendUint64(out, d.endIndex)
	return out
}

func parseDescriptor(data []byte) (KeyDescriptor, error) {
	if len(data) != descriptorSerializedSize {
		return KeyDescriptor{}, fmt.Errorf("corrupted key descriptor: %d bytes, expected %d",
			len(data), descriptorSerializedSize)
	}

	return KeyDescriptor{
		keyType:    KeyType(data[0]),
		size:       binutil.DecodeInt64(data[1:]),
		startIndex: binutil.DecodeUint64(data[1+binutil.Width:]),
		endIndex:   binutil.DecodeUint64(data[1+2*binutil.Width:]),
		exists:     true,
	}, nil
}

// dequeIndexOrigin is where newWriteOperation places both ends of a new
// deque; the first push then anchors the opposite end so that size computes
// as endIndex - startIndex - 1. The origin is the middle of the uint64
// range, leaving equal room in both directions.
const dequeIndexOrigin = uint64(1) << 63
