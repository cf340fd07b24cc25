// Package binutil provides fixed-width big-endian integer encodings.
//
// The encodings are used wherever integers take part in engine keys: raft
// journal entry keys, deque field indexes, and expiration-event deadlines.
// Big-endian fixed-width encoding preserves numeric order under the engine's
// bytewise comparator.
package binutil

import "encoding/binary"

const Width = 8

// EncodeInt64 encodes v as 8 big-endian bytes.
func EncodeInt64(v int64) string {
	var buf [Width]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return string(buf[:])
}

// DecodeInt64 decodes the first 8 bytes of b. The caller guarantees
// len(b) >= 8.
func DecodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// EncodeUint64 encodes v as 8 big-endian bytes.
func EncodeUint64(v uint64) string {
	var buf [Width]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return string(buf[:])
}

// DecodeUint64 decodes the first 8 bytes of b.
func DecodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// AppendInt64 appends the encoding of v to dst and returns the result.
func AppendInt64(dst []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(v))
}

// AppendUint64 appends the encoding of v to dst and returns the result.
func AppendUint64(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}
