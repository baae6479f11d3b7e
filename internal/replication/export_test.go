package replication

// Refs returns how many holders and waiters reference id.
func (l *Locks) Refs(id string) int {
	s := l.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.refs
	}
	return 0
}
