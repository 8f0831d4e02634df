package models

import "time"

type Role string

const (
	RoleElderly   Role = "elderly"
	RoleFamily    Role = "family"
	RoleSupporter Role = "supporter"
	RoleDoctor    Role = "doctor"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleElderly, RoleFamily, RoleSupporter, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

type User struct {
	ID          string    `json:"id" db:"id"`
	Username    string    `json:"username" db:"username"`
	Password    string    `json:"-" db:"password"`
	DisplayName string    `json:"display_name" db:"display_name"`
	AvatarURL   string    `json:"avatar_url" db:"avatar_url"`
	Role        Role      `json:"role" db:"role"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Profile returns the display metadata other users are allowed to see.
func (u *User) Profile() UserProfile {
	return UserProfile{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL, Role: u.Role}
}

// UserProfile is the directory view of a user.
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Role        Role   `json:"role"`
}

type ConversationSettings struct {
	Emoji         bool `json:"emoji"`
	FileSharing   bool `json:"file_sharing"`
	Voice         bool `json:"voice"`
	AutoTranslate bool `json:"auto_translate"`
}

// DefaultConversationSettings enables everything except translation.
func DefaultConversationSettings() ConversationSettings {
	return ConversationSettings{Emoji: true, FileSharing: true, Voice: true}
}

type Participant struct {
	UserID   string    `json:"user_id" db:"user_id"`
	Role     Role      `json:"role" db:"role"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
}

type Conversation struct {
	ID           string               `json:"id"`
	Participants []Participant        `json:"participants"`
	Settings     ConversationSettings `json:"settings"`
	IsActive     bool                 `json:"is_active"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// HasParticipant reports whether userID is listed on the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses so they can only move forward.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// AIAnalysis is produced by an external analyser and stored as-is.
type AIAnalysis struct {
	Sentiment        string   `json:"sentiment,omitempty"`
	Emotions         []string `json:"emotions,omitempty"`
	MoodScore        float64  `json:"mood_score,omitempty"`
	ResponseCategory string   `json:"response_category,omitempty"`
}

type Receipt struct {
	UserID string    `json:"user_id" db:"user_id"`
	ReadAt time.Time `json:"read_at" db:"read_at"`
}

// EditSnapshot is the content a message had before an edit.
type EditSnapshot struct {
	Type     MessageType `json:"type"`
	Content  Content     `json:"content"`
	EditedAt time.Time   `json:"edited_at"`
	EditedBy string      `json:"edited_by"`
}

type Message struct {
	ID             string         `json:"id"`
	Seq            int64          `json:"seq"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Type           MessageType    `json:"type"`
	Content        Content        `json:"content"`
	AIAnalysis     *AIAnalysis    `json:"ai_analysis,omitempty"`
	Status         MessageStatus  `json:"status"`
	ReadBy         []Receipt      `json:"read_by"`
	IsDeleted      bool           `json:"is_deleted"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	DeletedBy      string         `json:"deleted_by,omitempty"`
	IsEdited       bool           `json:"is_edited"`
	EditHistory    []EditSnapshot `json:"edit_history,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ReadByUser reports whether userID holds a receipt for the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// Request/Response structures
type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Role        Role   `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type CreateConversationRequest struct {
	Participants []string              `json:"participants"`
	Settings     *ConversationSettings `json:"settings,omitempty"`
}

type EditMessageRequest struct {
	Content RawContent `json:"content"`
}

type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}
