package websocket

import "sync"

// Rooms tracks which sessions are subscribed to which conversation room.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[*Session]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{members: make(map[string]map[*Session]struct{})}
}

// Join subscribes s to room. It reports false if s was already a member
// or is closed.
func (r *Rooms) Join(s *Session, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Closed() {
		return false
	}
	set, ok := r.members[room]
	if !ok {
		set = make(map[*Session]struct{})
		r.members[room] = set
	}
	if _, exists := set[s]; exists {
		return false
	}
	set[s] = struct{}{}
	s.addRoom(room)
	return true
}

// Leave unsubscribes s from room. It reports false if s was not a member.
func (r *Rooms) Leave(s *Session, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(s, room)
}

// LeaveAll unsubscribes s from every room and returns the rooms it left.
func (r *Rooms) LeaveAll(s *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := s.Rooms()
	for _, room := range rooms {
		r.leaveLocked(s, room)
	}
	return rooms
}

func (r *Rooms) leaveLocked(s *Session, room string) bool {
	set, ok := r.members[room]
	if !ok {
		return false
	}
	if _, exists := set[s]; !exists {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.members, room)
	}
	s.removeRoom(room)
	return true
}

// Snapshot copies the room's current members so callers can iterate
// without holding the lock.
func (r *Rooms) Snapshot(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[room]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Size returns the number of sessions in room.
func (r *Rooms) Size(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[room])
}
