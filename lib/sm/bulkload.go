package sm

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// FinalizeBulkload ends a bulk-load session: compacts the freshly ingested
// data, rebuilds every key descriptor in a single pass over the fields, and
// clears the in-bulkload marker. The state machine must be re-opened in
// normal mode afterwards.
func (s *StateMachine) FinalizeBulkload() error {
	if !s.bulkload {
		return fmt.Errorf("state machine is not in bulkload mode")
	}

	if s.log != nil {
		s.log.Info("finalizing bulkload, issuing manual compaction")
	}
	if err := s.ManualCompaction(); err != nil {
		return err
	}

	if s.log != nil {
		s.log.Info("manual compaction was successful, building key descriptors")
	}
	if err := s.buildAllDescriptors(); err != nil {
		return err
	}

	if err := s.db.Set([]byte(keyInBulkload), []byte(boolToString(false)), pebble.Sync); err != nil {
		return err
	}

	if s.log != nil {
		s.log.Info("all done, bulkload is over - restart in normal mode")
	}
	return nil
}

// buildAllDescriptors iterates the string and field spaces and synthesizes
// the per-key descriptors that bulk-load writes skipped.
func (s *StateMachine) buildAllDescriptors() error {
	batch := s.db.NewBatch()

	// String values first.
	if err := s.forEachInSpace(prefixString, func(key []byte, value []byte) error {
		descriptor := KeyDescriptor{}
		descriptor.SetKeyType(KeyTypeString)
		descriptor.SetSize(int64(len(value)))
		return batch.Set(descriptorKey(string(key)), descriptor.Serialize(), nil)
	}); err != nil {
		return err
	}

	// Fields, counted per user key. Bulk-loaded collections are hashes; sets
	// and deques cannot be distinguished once descriptors were skipped, and
	// bulk-load ingestion only emits hash and string data.
	var currentKey string
	var currentCount int64
	flush := func() error {
		if currentCount == 0 {
			return nil
		}
		descriptor := KeyDescriptor{}
		descriptor.SetKeyType(KeyTypeHash)
		descriptor.SetSize(currentCount)
		err := batch.Set(descriptorKey(currentKey), descriptor.Serialize(), nil)
		currentCount = 0
		return err
	}

	if err := s.forEachInSpace(prefixField, func(key []byte, _ []byte) error {
		sep := -1
		for i, b := range key {
			if b == 0 {
				sep = i
				break
			}
		}
		if sep < 0 {
			return fmt.Errorf("malformed field key %q", key)
		}

		userKey := string(key[:sep])
		if userKey != currentKey {
			if err := flush(); err != nil {
				return err
			}
			currentKey = userKey
		}
		currentCount++
		return nil
	}); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	return batch.Commit(pebble.Sync)
}

// forEachInSpace iterates one key space, handing over keys with the type
// byte stripped.
func (s *StateMachine) forEachInSpace(space byte, fn func(key, value []byte) error) error {
	prefix := []byte{space}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key()[1:], iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
