package websocket

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"carechat/internal/metrics"
	"carechat/internal/models"
)

// Dispatcher handles inbound events read from a session.
type Dispatcher interface {
	Dispatch(s *Session, env models.Envelope)
}

type Options struct {
	SendBuffer   int
	InboundRate  rate.Limit
	InboundBurst int
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.InboundRate <= 0 {
		o.InboundRate = 20
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 40
	}
	return o
}

// Hub owns the session registry and room membership of this process and
// fans events out to sessions.
type Hub struct {
	registry   *Registry
	rooms      *Rooms
	logger     zerolog.Logger
	opts       Options
	dispatcher Dispatcher
}

func NewHub(logger zerolog.Logger, opts Options) *Hub {
	return &Hub{
		registry: NewRegistry(),
		rooms:    NewRooms(),
		logger:   logger.With().Str("component", "websocket").Logger(),
		opts:     opts.withDefaults(),
	}
}

// SetDispatcher installs the inbound event handler. It must be called
// before any ReadPump starts.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

func (h *Hub) dispatch(s *Session, env models.Envelope) {
	if h.dispatcher == nil {
		h.logger.Warn().Str("type", env.Type).Msg("no dispatcher installed, dropping event")
		return
	}
	h.dispatcher.Dispatch(s, env)
}

// Attach registers an authenticated session.
func (h *Hub) Attach(s *Session) {
	count := h.registry.Add(s)
	metrics.ActiveSessions.Inc()
	h.logger.Info().
		Str("user_id", s.userID).
		Str("session_id", s.id).
		Int("user_sessions", count).
		Int("total_sessions", h.registry.Count()).
		Msg("session attached")
}

// Detach closes the session, then removes it from every room and from the
// registry. Closing first means a concurrent Join cannot re-add it. It is
// safe to call more than once.
func (h *Hub) Detach(s *Session) {
	s.Close()
	h.rooms.LeaveAll(s)
	removed, remaining := h.registry.Remove(s)
	if !removed {
		return
	}
	metrics.ActiveSessions.Dec()

	event := h.logger.Info().
		Str("user_id", s.userID).
		Str("session_id", s.id).
		Int("user_sessions", remaining)
	if remaining == 0 {
		event.Msg("session detached, user offline")
	} else {
		event.Msg("session detached")
	}
}

// Join subscribes s to room. Joining twice is a no-op.
func (h *Hub) Join(s *Session, room string) bool {
	return h.rooms.Join(s, room)
}

// Leave unsubscribes s from room. Leaving a room not joined is a no-op.
func (h *Hub) Leave(s *Session, room string) bool {
	return h.rooms.Leave(s, room)
}

func (h *Hub) IsOnline(userID string) bool {
	return h.registry.IsOnline(userID)
}

func (h *Hub) Sessions(userID string) []*Session {
	return h.registry.Sessions(userID)
}

// SessionCount returns the number of live sessions in the process.
func (h *Hub) SessionCount() int {
	return h.registry.Count()
}

// RoomUsers returns the ids of users with at least one session in room.
func (h *Hub) RoomUsers(room string) map[string]struct{} {
	members := h.rooms.Snapshot(room)
	users := make(map[string]struct{}, len(members))
	for _, s := range members {
		users[s.userID] = struct{}{}
	}
	return users
}

// BroadcastRoom queues env to every session in room except the one whose
// id is exceptSessionID. It returns the number of sessions reached.
func (h *Hub) BroadcastRoom(room string, env models.Envelope, exceptSessionID string) int {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("type", env.Type).Msg("failed to marshal broadcast")
		return 0
	}

	delivered := 0
	for _, s := range h.rooms.Snapshot(room) {
		if s.id == exceptSessionID {
			continue
		}
		if h.deliver(s, env.Type, data) {
			delivered++
		}
	}
	return delivered
}

// SendToUser queues env to every session of userID and returns the number
// of sessions reached.
func (h *Hub) SendToUser(userID string, env models.Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("type", env.Type).Msg("failed to marshal message")
		return 0
	}

	delivered := 0
	for _, s := range h.registry.Sessions(userID) {
		if h.deliver(s, env.Type, data) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) deliver(s *Session, eventType string, data []byte) bool {
	err := s.enqueue(data)
	switch {
	case err == nil:
		metrics.Deliveries.WithLabelValues(eventType).Inc()
		return true
	case errors.Is(err, ErrSlowConsumer):
		metrics.DroppedDeliveries.WithLabelValues("slow").Inc()
		h.logger.Warn().Str("user_id", s.userID).Str("session_id", s.id).Msg("send buffer full, closing session")
		h.Detach(s)
	default:
		metrics.DroppedDeliveries.WithLabelValues("closed").Inc()
	}
	return false
}

// DisconnectUser closes every session of userID and returns how many were
// closed.
func (h *Hub) DisconnectUser(userID string) int {
	sessions := h.registry.Sessions(userID)
	for _, s := range sessions {
		h.Detach(s)
	}
	return len(sessions)
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	for _, s := range h.registry.All() {
		h.Detach(s)
	}
}
