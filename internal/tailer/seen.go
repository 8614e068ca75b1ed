package tailer

// seenSet is a fixed-capacity set with FIFO eviction. It is not safe for
// concurrent use; each tailer owns one and touches it from its poll loop only.
type seenSet struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

func (s *seenSet) contains(key string) bool {
	_, ok := s.members[key]
	return ok
}

func (s *seenSet) add(key string) {
	if _, ok := s.members[key]; ok {
		return
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
	s.order = append(s.order, key)
	s.members[key] = struct{}{}
}

func (s *seenSet) len() int { return len(s.members) }
