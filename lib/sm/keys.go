// Package sm implements the versioned, datatype-typed state machine over the
// pebble ordered KV engine.
//
// Every engine key carries a single leading type byte selecting an internal
// key space. Within a space, composite keys separate their components with a
// NUL byte, which keeps fields of one user key contiguous under the engine's
// bytewise comparator.
package sm

import (
	"github.com/quarkdb/quarkdb/lib/binutil"
)

// Internal key spaces.
const (
	prefixDescriptor      = 'a'
	prefixString          = 'b'
	prefixLease           = 'c'
	prefixField           = 'd'
	prefixLocalityField   = 'e'
	prefixLocalityIndex   = 'f'
	prefixExpirationEvent = 'g'
	prefixInternal        = '_'
	prefixConfiguration   = '~'
)

// Reserved metadata keys. They live in the internal space by virtue of their
// leading underscores.
const (
	keyFormat      = "__format"
	keyClock       = "__clock"
	keyInBulkload  = "__in-bulkload"
	keyLastApplied = "__last-applied"
)

const currentFormat = "0"

// KeyType tags the datatype of a user key, stored in its descriptor.
type KeyType byte

const (
	KeyTypeString       KeyType = 'S'
	KeyTypeHash         KeyType = 'H'
	KeyTypeSet          KeyType = 'T'
	KeyTypeDeque        KeyType = 'D'
	KeyTypeLease        KeyType = 'L'
	KeyTypeLocalityHash KeyType = 'X'
)

func (t KeyType) String() string {
	switch t {
	case KeyTypeString:
		return "string"
	case KeyTypeHash:
		return "hash"
	case KeyTypeSet:
		return "set"
	case KeyTypeDeque:
		return "deque"
	case KeyTypeLease:
		return "lease"
	case KeyTypeLocalityHash:
		return "locality-hash"
	}
	return "unknown"
}

func descriptorKey(key string) []byte {
	out := make([]byte, 0, 1+len(key))
	out = append(out, prefixDescriptor)
	return append(out, key...)
}

func stringKey(key string) []byte {
	out := make([]byte, 0, 1+len(key))
	out = append(out, prefixString)
	return append(out, key...)
}

func leaseKey(key string) []byte {
	out := make([]byte, 0, 1+len(key))
	out = append(out, prefixLease)
	return append(out, key...)
}

// fieldPrefix is the common prefix of every field of the given user key.
func fieldPrefix(key string) []byte {
	out := make([]byte, 0, 2+len(key))
	out = append(out, prefixField)
	out = append(out, key...)
	return append(out, 0)
}

func fieldKey(key, field string) []byte {
	out := fieldPrefix(key)
	return append(out, field...)
}

func localityFieldPrefix(key string) []byte {
	out := make([]byte, 0, 2+len(key))
	out = append(out, prefixLocalityField)
	out = append(out, key...)
	return append(out, 0)
}

func localityFieldKey(key, hint, field string) []byte {
	out := localityFieldPrefix(key)
	out = append(out, hint...)
	out = append(out, 0)
	return append(out, field...)
}

func localityIndexPrefix(key string) []byte {
	out := make([]byte, 0, 2+len(key))
	out = append(out, prefixLocalityIndex)
	out = append(out, key...)
	return append(out, 0)
}

func localityIndexKey(key, field string) []byte {
	out := localityIndexPrefix(key)
	return append(out, field...)
}

// expirationEventKey orders lease-expiration events by deadline, then key.
func expirationEventKey(deadline ClockValue, key string) []byte {
	out := make([]byte, 0, 1+binutil.Width+len(key))
	out = append(out, prefixExpirationEvent)
	out = binutil.AppendUint64(out, uint64(deadline))
	return append(out, key...)
}

func configurationKey(key string) []byte {
	out := make([]byte, 0, 1+len(key))
	out = append(out, prefixConfiguration)
	return append(out, key...)
}

// prefixUpperBound returns the smallest key strictly greater than every key
// with the given prefix, for use as an iterator upper bound. Returns nil when
// no bound exists (prefix is all 0xff).
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
