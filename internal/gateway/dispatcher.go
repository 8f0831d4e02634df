package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"carechat/internal/chat"
	"carechat/internal/models"
	"carechat/internal/websocket"
)

// Dispatcher routes inbound session events to the chat service and the
// membership manager. Errors go back to the originating session only.
type Dispatcher struct {
	chat    *chat.Service
	members *Membership
	timeout time.Duration
	logger  zerolog.Logger
}

func NewDispatcher(svc *chat.Service, members *Membership, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		chat:    svc,
		members: members,
		timeout: 15 * time.Second,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch handles one event. Work started here is not cancelled when the
// connection drops.
func (d *Dispatcher) Dispatch(s *websocket.Session, env models.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	switch env.Type {
	case models.EventSendMessage:
		var p models.SendMessagePayload
		if err := env.Decode(&p); err != nil {
			d.reject(s, env.Ref, "", chat.CodeBadRequest, "malformed payload")
			return
		}
		if _, err := d.chat.Submit(ctx, s, p); err != nil {
			d.fail(s, env.Ref, p.ClientRef, err)
		}

	case models.EventMarkRead:
		var p models.MarkReadPayload
		if err := env.Decode(&p); err != nil {
			d.reject(s, env.Ref, "", chat.CodeBadRequest, "malformed payload")
			return
		}
		if _, err := d.chat.MarkRead(ctx, s, p); err != nil {
			d.fail(s, env.Ref, "", err)
		}

	case models.EventTypingStart, models.EventTypingStop:
		var p models.ConversationPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if env.Type == models.EventTypingStart {
			d.chat.TypingStart(ctx, s, p.ConversationID)
		} else {
			d.chat.TypingStop(ctx, s, p.ConversationID)
		}

	case models.EventJoinConversation:
		var p models.ConversationPayload
		if err := env.Decode(&p); err != nil {
			d.reject(s, env.Ref, "", chat.CodeBadRequest, "malformed payload")
			return
		}
		if err := d.members.Join(ctx, s, p.ConversationID); err != nil {
			d.fail(s, env.Ref, "", err)
		}

	case models.EventLeaveConversation:
		var p models.ConversationPayload
		if err := env.Decode(&p); err != nil {
			d.reject(s, env.Ref, "", chat.CodeBadRequest, "malformed payload")
			return
		}
		if err := d.members.Leave(s, p.ConversationID); err != nil {
			d.fail(s, env.Ref, "", err)
		}

	default:
		d.reject(s, env.Ref, "", chat.CodeBadRequest, "unknown event type "+env.Type)
	}
}

func (d *Dispatcher) fail(s *websocket.Session, ref, clientRef string, err error) {
	if errors.Is(err, websocket.ErrSessionClosed) {
		return
	}
	code := chat.ErrorCode(err)
	msg := err.Error()
	if code == chat.CodePersistence {
		d.logger.Error().Err(err).Str("user_id", s.UserID()).Msg("event failed")
		msg = chat.ErrPersistence.Error()
	}
	d.reject(s, ref, clientRef, code, msg)
}

func (d *Dispatcher) reject(s *websocket.Session, ref, clientRef, code, msg string) {
	env, err := models.NewEnvelope(models.EventMessageError, models.MessageErrorPayload{
		Ref:       ref,
		ClientRef: clientRef,
		Code:      code,
		Error:     msg,
	})
	if err != nil {
		return
	}
	env.Ref = ref
	_ = s.Send(env)
}
