package models

import (
	"encoding/json"
	"time"
)

// Event types sent by clients.
const (
	EventSendMessage       = "send_message"
	EventMarkRead          = "mark_read"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
)

// Event types sent by the server.
const (
	EventConnected           = "connected"
	EventNewMessage          = "new_message"
	EventMessageError        = "message_error"
	EventMessagesRead        = "messages_read"
	EventUserTyping          = "user_typing"
	EventUserStopTyping      = "user_stop_typing"
	EventConversationUpdated = "conversation_updated"
	EventMessageUpdated      = "message_updated"
	EventMessageDeleted      = "message_deleted"
	EventJoined              = "joined"
	EventLeft                = "left"
)

// IsClientEvent reports whether eventType is one a client may send.
func IsClientEvent(eventType string) bool {
	switch eventType {
	case EventSendMessage, EventMarkRead, EventTypingStart, EventTypingStop,
		EventJoinConversation, EventLeaveConversation:
		return true
	}
	return false
}

// Envelope is the frame exchanged over a websocket connection.
type Envelope struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes payload into an envelope of the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	env := Envelope{Type: eventType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

type SendMessagePayload struct {
	ConversationID string      `json:"conversation_id"`
	Type           MessageType `json:"type"`
	Content        RawContent  `json:"content"`
	AIAnalysis     *AIAnalysis `json:"ai_analysis,omitempty"`
	ClientRef      string      `json:"client_ref,omitempty"`
}

type MarkReadPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

type ConnectedPayload struct {
	SessionID     string      `json:"session_id"`
	User          UserProfile `json:"user"`
	Conversations []string    `json:"conversations"`
}

// NewMessagePayload is a persisted message enriched with sender metadata.
type NewMessagePayload struct {
	Message
	SenderName   string `json:"sender_name"`
	SenderAvatar string `json:"sender_avatar"`
	ClientRef    string `json:"client_ref,omitempty"`
}

// UnmarshalJSON keeps the embedded message's content decoding intact.
func (p *NewMessagePayload) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &p.Message); err != nil {
		return err
	}
	var extra struct {
		SenderName   string `json:"sender_name"`
		SenderAvatar string `json:"sender_avatar"`
		ClientRef    string `json:"client_ref"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	p.SenderName, p.SenderAvatar, p.ClientRef = extra.SenderName, extra.SenderAvatar, extra.ClientRef
	return nil
}

type MessageErrorPayload struct {
	Ref       string `json:"ref,omitempty"`
	ClientRef string `json:"client_ref,omitempty"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

type MessagesReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	MessageIDs     []string  `json:"message_ids"`
	ReadAt         time.Time `json:"read_at"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name,omitempty"`
}

type MessageSummary struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"type"`
	Preview   string      `json:"preview"`
	CreatedAt time.Time   `json:"created_at"`
}

type ConversationUpdatedPayload struct {
	ConversationID string         `json:"conversation_id"`
	LastMessage    MessageSummary `json:"last_message"`
}

type MessageDeletedPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	DeletedBy      string    `json:"deleted_by"`
	DeletedAt      time.Time `json:"deleted_at"`
}

// Summarize builds the conversation-list preview for m.
func Summarize(m *Message) MessageSummary {
	s := MessageSummary{ID: m.ID, SenderID: m.SenderID, Type: m.Type, CreatedAt: m.CreatedAt}
	if m.Content != nil {
		s.Preview = m.Content.Summary()
	}
	return s
}
