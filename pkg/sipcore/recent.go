package sipcore

// maxRetiredHandles is how many released handles each registry remembers, so that late
// engine notifications for them are dropped instead of stashed.
const maxRetiredHandles = 1024

// recentSet remembers the last max keys added to it.
type recentSet[K comparable] struct {
	max   int
	keys  map[K]struct{}
	order []K
}

func newRecentSet[K comparable](max int) *recentSet[K] {
	return &recentSet[K]{max: max, keys: make(map[K]struct{})}
}

func (s *recentSet[K]) add(k K) {
	if _, ok := s.keys[k]; ok {
		return
	}
	s.keys[k] = struct{}{}
	s.order = append(s.order, k)
	if len(s.order) > s.max {
		delete(s.keys, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *recentSet[K]) has(k K) bool {
	_, ok := s.keys[k]
	return ok
}
