package websocket

import "sync"

// Registry maps a user id to that user's live sessions. A user with no
// sessions has no entry at all.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[*Session]struct{}
	total  int
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]map[*Session]struct{})}
}

// Add registers s and returns how many sessions its user now holds.
func (r *Registry) Add(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byUser[s.userID]
	if !ok {
		set = make(map[*Session]struct{})
		r.byUser[s.userID] = set
	}
	if _, exists := set[s]; !exists {
		set[s] = struct{}{}
		r.total++
	}
	return len(set)
}

// Remove unregisters s. It reports whether s was registered and how many
// sessions the user still holds.
func (r *Registry) Remove(s *Session) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byUser[s.userID]
	if !ok {
		return false, 0
	}
	if _, exists := set[s]; !exists {
		return false, len(set)
	}
	delete(set, s)
	r.total--
	if len(set) == 0 {
		delete(r.byUser, s.userID)
		return true, 0
	}
	return true, len(set)
}

// Sessions returns a snapshot of the user's sessions.
func (r *Registry) Sessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// All returns a snapshot of every registered session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, r.total)
	for _, set := range r.byUser {
		for s := range set {
			out = append(out, s)
		}
	}
	return out
}
