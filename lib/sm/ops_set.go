package sm

func (s *StateMachine) StagedSAdd(staging *StagingArea, key string, members []string) (int64, error) {
	op, err := newWriteOperation(staging, key, KeyTypeSet)
	if err != nil {
		return 0, err
	}
	if !op.Valid() {
		return 0, ErrWrongType
	}

	var added int64
	for _, member := range members {
		if !op.FieldExists(member) {
			op.WriteField(member, "1")
			added++
		}
	}

	op.Finalize(op.KeySize()+added, false)
	return added, nil
}

func (s *StateMachine) StagedSRem(staging *StagingArea, key string, members []string) (int64, error) {
	op, err := newWriteOperation(staging, key, KeyTypeSet)
	if err != nil {
		return 0, err
	}
	if !op.Valid() {
		return 0, ErrWrongType
	}

	var removed int64
	for _, member := range members {
		if op.DeleteField(member) {
			removed++
		}
	}

	op.Finalize(op.KeySize()-removed, false)
	return removed, nil
}

func (s *StateMachine) StagedSIsMember(staging *StagingArea, key, member string) (bool, error) {
	if err := s.assertKeyType(staging, key, KeyTypeSet); err != nil {
		return false, err
	}
	return staging.Exists(fieldKey(key, member))
}

func (s *StateMachine) StagedSMembers(staging *StagingArea, key string) ([]string, error) {
	if err := s.assertKeyType(staging, key, KeyTypeSet); err != nil {
		return nil, err
	}

	members := []string{}
	err := s.fieldRange(staging, key, func(member, _ string) bool {
		members = append(members, member)
		return true
	})
	return members, err
}

func (s *StateMachine) StagedSCard(staging *StagingArea, key string) (int64, error) {
	descriptor, err := s.descriptorAt(staging, key)
	if err != nil {
		return 0, err
	}
	if !descriptor.Empty() && descriptor.KeyType() != KeyTypeSet {
		return 0, ErrWrongType
	}
	return descriptor.Size(), nil
}

// StagedSMove atomically moves a member between two sets. Returns whether
// the member existed in the source.
func (s *StateMachine) StagedSMove(staging *StagingArea, source, destination, member string) (bool, error) {
	sourceOp, err := newWriteOperation(staging, source, KeyTypeSet)
	if err != nil {
		return false, err
	}
	if !sourceOp.Valid() {
		return false, ErrWrongType
	}

	destOp, err := newWriteOperation(staging, destination, KeyTypeSet)
	if err != nil {
		sourceOp.Cancel()
		return false, err
	}
	if !destOp.Valid() {
		sourceOp.Finalize(sourceOp.KeySize(), false)
		return false, ErrWrongType
	}

	if !sourceOp.DeleteField(member) {
		sourceOp.Finalize(sourceOp.KeySize(), false)
		destOp.Finalize(destOp.KeySize(), false)
		return false, nil
	}

	sourceOp.Finalize(sourceOp.KeySize()-1, false)
	if destOp.FieldExists(member) {
		destOp.Finalize(destOp.KeySize(), false)
	} else {
		destOp.WriteField(member, "1")
		destOp.Finalize(destOp.KeySize()+1, false)
	}
	return true, nil
}

// StagedSScan mirrors StagedHScan for sets: member names only.
func (s *StateMachine) StagedSScan(staging *StagingArea, key, cursor string, count int64) (string, []string, error) {
	if err := s.assertKeyType(staging, key, KeyTypeSet); err != nil {
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
		member := string(iter.Key()[len(prefix):])
		if int64(len(res)) >= count {
			newCursor = member
			break
		}
		res = append(res, member)
	}

	return newCursor, res, iter.Error()
}
