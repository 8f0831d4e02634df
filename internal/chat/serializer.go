package chat

import "sync"

// serializer hands out one mutex per conversation id. Entries are dropped
// once nobody holds or waits on them.
type serializer struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func newSerializer() *serializer {
	return &serializer{locks: make(map[string]*convLock)}
}

// lock blocks until the caller owns conversationID and returns the unlock
// function.
func (s *serializer) lock(conversationID string) func() {
	s.mu.Lock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &convLock{}
		s.locks[conversationID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, conversationID)
		}
		s.mu.Unlock()
	}
}

func (s *serializer) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
