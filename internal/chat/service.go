// Package chat implements message ingestion, read receipts, typing relay
// and message edits for conversations.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"carechat/internal/db"
	"carechat/internal/directory"
	"carechat/internal/metrics"
	"carechat/internal/models"
)

// Store is the part of the message store the pipeline writes to.
type Store interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string, at time.Time) ([]string, error)
	EditMessage(ctx context.Context, id, editorID string, typ models.MessageType, content models.Content, at time.Time) (*models.Message, error)
	SoftDeleteMessage(ctx context.Context, id, deletedBy string, at time.Time) (*models.Message, error)
}

// Fanout delivers events to live sessions.
type Fanout interface {
	BroadcastRoom(room string, env models.Envelope, exceptSessionID string) int
	SendToUser(userID string, env models.Envelope) int
	RoomUsers(room string) map[string]struct{}
}

// Session is the live connection an event arrived on.
type Session interface {
	ID() string
	UserID() string
	InRoom(room string) bool
	Send(env models.Envelope) error
}

type Service struct {
	store  Store
	dir    directory.Directory
	fanout Fanout
	logger zerolog.Logger
	serial *serializer
	now    func() time.Time
}

func NewService(store Store, dir directory.Directory, fanout Fanout, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		dir:    dir,
		fanout: fanout,
		logger: logger.With().Str("component", "chat").Logger(),
		serial: newSerializer(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit runs a message sent over a live session through the pipeline.
// Errors are returned to the caller and never broadcast.
func (s *Service) Submit(ctx context.Context, sess Session, p models.SendMessagePayload) (*models.Message, error) {
	return s.ingest(ctx, sess, sess.UserID(), p)
}

// IngestFromTrustedContext runs a message that did not arrive on a live
// session (for example a REST call) through the same pipeline.
func (s *Service) IngestFromTrustedContext(ctx context.Context, conversationID, senderID string, typ models.MessageType, content models.RawContent, analysis *models.AIAnalysis) (*models.Message, error) {
	return s.ingest(ctx, nil, senderID, models.SendMessagePayload{
		ConversationID: conversationID,
		Type:           typ,
		Content:        content,
		AIAnalysis:     analysis,
	})
}

func (s *Service) ingest(ctx context.Context, sess Session, senderID string, p models.SendMessagePayload) (*models.Message, error) {
	start := time.Now()

	msg, err := s.persist(ctx, sess, senderID, p)
	outcome := "ok"
	if err != nil {
		outcome = ErrorCode(err)
	}
	metrics.MessagesIngested.WithLabelValues(typeLabel(msg, p.Type), outcome).Inc()
	if err != nil {
		s.logger.Debug().Err(err).
			Str("user_id", senderID).
			Str("conversation_id", p.ConversationID).
			Msg("message rejected")
		return nil, err
	}
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	return msg, nil
}

// typeLabel is the stored type of msg, or the submitted type when it is one
// the pipeline knows. Anything else is counted as "other".
func typeLabel(msg *models.Message, submitted models.MessageType) string {
	if msg != nil {
		return string(msg.Type)
	}
	if submitted.Known() {
		return string(submitted)
	}
	return "other"
}

func (s *Service) persist(ctx context.Context, sess Session, senderID string, p models.SendMessagePayload) (*models.Message, error) {
	if p.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}
	if isEmptyJSON(p.Content) {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}

	participants, err := s.authorize(ctx, p.ConversationID, senderID)
	if err != nil {
		return nil, err
	}

	typ, content, err := models.NormalizeContent(p.Type, p.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	msg := &models.Message{
		ConversationID: p.ConversationID,
		SenderID:       senderID,
		Type:           typ,
		Content:        content,
		AIAnalysis:     p.AIAnalysis,
	}

	unlock := s.serial.lock(p.ConversationID)
	defer unlock()

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	payload := models.NewMessagePayload{Message: *msg, ClientRef: p.ClientRef}
	if profile, err := s.dir.ResolveUser(ctx, senderID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", senderID).Msg("failed to resolve sender")
	} else {
		payload.SenderName = profile.DisplayName
		payload.SenderAvatar = profile.AvatarURL
	}

	env, err := models.NewEnvelope(models.EventNewMessage, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.fanout.BroadcastRoom(p.ConversationID, env, "")
	if sess != nil && !sess.InRoom(p.ConversationID) {
		_ = sess.Send(env)
	}

	s.notifyOutsideRoom(p.ConversationID, participants, msg)
	return msg, nil
}

// authorize reloads the participant list and checks senderID is on it.
func (s *Service) authorize(ctx context.Context, conversationID, userID string) ([]string, error) {
	participants, err := s.dir.ParticipantsOf(ctx, conversationID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, fmt.Errorf("%w: conversation %s", ErrUnauthorized, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !directory.Contains(participants, userID) {
		return nil, fmt.Errorf("%w: conversation %s", ErrUnauthorized, conversationID)
	}
	return participants, nil
}

// notifyOutsideRoom sends conversation_updated to participants with no
// session joined to the room.
func (s *Service) notifyOutsideRoom(conversationID string, participants []string, msg *models.Message) {
	inRoom := s.fanout.RoomUsers(conversationID)
	env, err := models.NewEnvelope(models.EventConversationUpdated, models.ConversationUpdatedPayload{
		ConversationID: conversationID,
		LastMessage:    models.Summarize(msg),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode conversation update")
		return
	}
	for _, userID := range participants {
		if _, ok := inRoom[userID]; ok {
			continue
		}
		s.fanout.SendToUser(userID, env)
	}
}

// MarkRead records receipts from the session's user and tells the rest of
// the room. Nothing is broadcast when no new receipt was added.
func (s *Service) MarkRead(ctx context.Context, sess Session, p models.MarkReadPayload) ([]string, error) {
	return s.markRead(ctx, sess.UserID(), sess.ID(), p)
}

// MarkReadFromTrustedContext is MarkRead for callers without a session.
func (s *Service) MarkReadFromTrustedContext(ctx context.Context, userID string, p models.MarkReadPayload) ([]string, error) {
	return s.markRead(ctx, userID, "", p)
}

func (s *Service) markRead(ctx context.Context, userID, sessionID string, p models.MarkReadPayload) ([]string, error) {
	if p.ConversationID == "" || len(p.MessageIDs) == 0 {
		return nil, fmt.Errorf("%w: conversation_id and message_ids are required", ErrValidation)
	}
	if _, err := s.authorize(ctx, p.ConversationID, userID); err != nil {
		return nil, err
	}

	unlock := s.serial.lock(p.ConversationID)
	defer unlock()

	at := s.now()
	added, err := s.store.MarkRead(ctx, p.ConversationID, userID, p.MessageIDs, at)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if len(added) == 0 {
		return added, nil
	}

	env, err := models.NewEnvelope(models.EventMessagesRead, models.MessagesReadPayload{
		ConversationID: p.ConversationID,
		UserID:         userID,
		MessageIDs:     added,
		ReadAt:         at,
	})
	if err == nil {
		s.fanout.BroadcastRoom(p.ConversationID, env, sessionID)
	}
	return added, nil
}

// TypingStart relays a typing indicator to the rest of the room. Sessions
// not joined to the room are ignored.
func (s *Service) TypingStart(ctx context.Context, sess Session, conversationID string) {
	s.relayTyping(ctx, sess, conversationID, models.EventUserTyping)
}

func (s *Service) TypingStop(ctx context.Context, sess Session, conversationID string) {
	s.relayTyping(ctx, sess, conversationID, models.EventUserStopTyping)
}

func (s *Service) relayTyping(ctx context.Context, sess Session, conversationID, eventType string) {
	if conversationID == "" || !sess.InRoom(conversationID) {
		return
	}
	payload := models.TypingPayload{ConversationID: conversationID, UserID: sess.UserID()}
	if profile, err := s.dir.ResolveUser(ctx, sess.UserID()); err == nil {
		payload.DisplayName = profile.DisplayName
	}
	env, err := models.NewEnvelope(eventType, payload)
	if err != nil {
		return
	}
	s.fanout.BroadcastRoom(conversationID, env, sess.ID())
}

// EditMessage replaces the content of a message authored by editorID and
// broadcasts message_updated. The message keeps its type.
func (s *Service) EditMessage(ctx context.Context, editorID, messageID string, raw models.RawContent) (*models.Message, error) {
	if isEmptyJSON(raw) {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	current, err := s.ownMessage(ctx, editorID, messageID)
	if err != nil {
		return nil, err
	}
	typ, content, err := models.NormalizeContent(current.Type, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	unlock := s.serial.lock(current.ConversationID)
	defer unlock()

	updated, err := s.store.EditMessage(ctx, messageID, editorID, typ, content, s.now())
	if err != nil {
		return nil, storeError(err)
	}
	if env, err := models.NewEnvelope(models.EventMessageUpdated, updated); err == nil {
		s.fanout.BroadcastRoom(updated.ConversationID, env, "")
	}
	return updated, nil
}

// DeleteMessage soft-deletes a message authored by userID and broadcasts
// message_deleted.
func (s *Service) DeleteMessage(ctx context.Context, userID, messageID string) (*models.Message, error) {
	current, err := s.ownMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted {
		return current, nil
	}

	unlock := s.serial.lock(current.ConversationID)
	defer unlock()

	deleted, err := s.store.SoftDeleteMessage(ctx, messageID, userID, s.now())
	if err != nil {
		return nil, storeError(err)
	}
	payload := models.MessageDeletedPayload{
		ConversationID: deleted.ConversationID,
		MessageID:      deleted.ID,
		DeletedBy:      deleted.DeletedBy,
	}
	if deleted.DeletedAt != nil {
		payload.DeletedAt = *deleted.DeletedAt
	}
	if env, err := models.NewEnvelope(models.EventMessageDeleted, payload); err == nil {
		s.fanout.BroadcastRoom(deleted.ConversationID, env, "")
	}
	return deleted, nil
}

// ownMessage loads a message and checks userID wrote it and still
// participates in its conversation.
func (s *Service) ownMessage(ctx context.Context, userID, messageID string) (*models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeError(err)
	}
	if msg.SenderID != userID {
		return nil, ErrForbidden
	}
	if _, err := s.authorize(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

func storeError(err error) error {
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrDeleted) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

func isEmptyJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
