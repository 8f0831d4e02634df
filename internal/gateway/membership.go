package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"carechat/internal/chat"
	"carechat/internal/directory"
	"carechat/internal/models"
	"carechat/internal/websocket"
)

// Membership subscribes sessions to conversation rooms.
type Membership struct {
	dir    directory.Directory
	hub    *websocket.Hub
	logger zerolog.Logger
}

func NewMembership(dir directory.Directory, hub *websocket.Hub, logger zerolog.Logger) *Membership {
	return &Membership{
		dir:    dir,
		hub:    hub,
		logger: logger.With().Str("component", "membership").Logger(),
	}
}

// AutoJoin joins s to a room for every conversation its user belongs to
// and returns the conversation ids.
func (m *Membership) AutoJoin(ctx context.Context, s *websocket.Session) ([]string, error) {
	ids, err := m.dir.ConversationsForUser(ctx, s.UserID())
	if err != nil {
		return []string{}, fmt.Errorf("failed to list conversations: %w", err)
	}
	for _, id := range ids {
		m.hub.Join(s, id)
	}
	m.logger.Debug().
		Str("user_id", s.UserID()).
		Str("session_id", s.ID()).
		Int("rooms", len(ids)).
		Msg("auto-joined rooms")
	return ids, nil
}

// Join subscribes s to conversationID if its user is a participant. Joining
// a room twice is a no-op; the joined event is sent either way.
func (m *Membership) Join(ctx context.Context, s *websocket.Session, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", chat.ErrValidation)
	}
	participants, err := m.dir.ParticipantsOf(ctx, conversationID)
	if errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("%w: conversation %s", chat.ErrUnauthorized, conversationID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", chat.ErrPersistence, err)
	}
	if !directory.Contains(participants, s.UserID()) {
		return fmt.Errorf("%w: conversation %s", chat.ErrUnauthorized, conversationID)
	}

	m.hub.Join(s, conversationID)
	return m.confirm(s, models.EventJoined, conversationID)
}

// Leave unsubscribes s from conversationID. Leaving a room not joined is a
// no-op.
func (m *Membership) Leave(s *websocket.Session, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", chat.ErrValidation)
	}
	m.hub.Leave(s, conversationID)
	return m.confirm(s, models.EventLeft, conversationID)
}

func (m *Membership) confirm(s *websocket.Session, eventType, conversationID string) error {
	env, err := models.NewEnvelope(eventType, models.ConversationPayload{ConversationID: conversationID})
	if err != nil {
		return err
	}
	return s.Send(env)
}
