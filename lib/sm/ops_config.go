package sm

// The configuration space holds runtime key-values outside the user
// keyspace. Entries survive FLUSHALL and never get descriptors.

func (s *StateMachine) StagedConfigGet(staging *StagingArea, key string) (string, error) {
	return staging.Get(configurationKey(key))
}

func (s *StateMachine) StagedConfigSet(staging *StagingArea, key, value string) error {
	if s.log != nil {
		old, err := s.StagedConfigGet(staging, key)
		if err != nil {
			old = "N/A"
		}
		s.log.Info("applying configuration update: key %q changes from %q into %q", key, old, value)
	}

	staging.Put(configurationKey(key), value)
	return nil
}

func (s *StateMachine) StagedConfigGetall(staging *StagingArea) ([]string, error) {
	prefix := []byte{prefixConfiguration}
	iter, err := staging.Iterator(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	res := []string{}
	for iter.First(); iter.Valid(); iter.Next() {
		res = append(res, string(iter.Key()[1:]), string(iter.Value()))
	}
	return res, iter.Error()
}
