package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"carechat/internal/models"
)

type conversationRow struct {
	ID        string    `db:"id"`
	Settings  string    `db:"settings"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// CreateConversation creates a conversation with the given participants.
// Duplicate user ids are collapsed, keeping the first occurrence.
func (db *DB) CreateConversation(ctx context.Context, participants []models.Participant, settings models.ConversationSettings) (*models.Conversation, error) {
	seen := make(map[string]bool, len(participants))
	unique := make([]models.Participant, 0, len(participants))
	for _, p := range participants {
		if p.UserID == "" || seen[p.UserID] {
			continue
		}
		seen[p.UserID] = true
		unique = append(unique, p)
	}
	if len(unique) == 0 {
		return nil, ErrNoParticipants
	}

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Settings:  settings,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, settings, is_active, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
	`, conv.ID, string(settingsJSON), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	for i, p := range unique {
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, role, position, joined_at)
			VALUES (?, ?, ?, ?, ?)
		`, conv.ID, p.UserID, p.Role, i, p.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to add participant %s: %w", p.UserID, err)
		}
		conv.Participants = append(conv.Participants, p)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return conv, nil
}

func (db *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var row conversationRow
	err := db.GetContext(ctx, &row, `
		SELECT id, settings, is_active, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv, err := row.toModel()
	if err != nil {
		return nil, err
	}

	if err := db.SelectContext(ctx, &conv.Participants, `
		SELECT user_id, role, joined_at
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY position
	`, id); err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	return conv, nil
}

// ListConversationsForUser returns the user's conversations, most recently
// active first.
func (db *DB) ListConversationsForUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	ids, err := db.conversationIDs(ctx, userID, false)
	if err != nil {
		return nil, err
	}

	conversations := make([]*models.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := db.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// ConversationIDsForUser returns the ids of active conversations userID
// participates in.
func (db *DB) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	return db.conversationIDs(ctx, userID, true)
}

func (db *DB) conversationIDs(ctx context.Context, userID string, activeOnly bool) ([]string, error) {
	query := `
		SELECT c.id
		FROM conversations c
		JOIN conversation_participants cp ON c.id = cp.conversation_id
		WHERE cp.user_id = ?`
	if activeOnly {
		query += ` AND c.is_active = 1`
	}
	query += ` ORDER BY c.updated_at DESC`

	ids := []string{}
	if err := db.SelectContext(ctx, &ids, query, userID); err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	return ids, nil
}

// ParticipantIDs returns the current participants of an active
// conversation in join order. An inactive conversation is reported as not
// found, the same way ConversationIDsForUser leaves it out.
func (db *DB) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	var active bool
	err := db.GetContext(ctx, &active, `SELECT is_active FROM conversations WHERE id = ?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	if !active {
		return nil, fmt.Errorf("conversation %s is inactive: %w", conversationID, ErrNotFound)
	}

	ids := []string{}
	if err := db.SelectContext(ctx, &ids, `
		SELECT user_id
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY position
	`, conversationID); err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	return ids, nil
}

// AddParticipant adds userID to a conversation. Adding an existing
// participant is a no-op.
func (db *DB) AddParticipant(ctx context.Context, conversationID string, p models.Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		var next int
		if err := tx.GetContext(ctx, &next, `
			SELECT COALESCE(MAX(position), -1) + 1 FROM conversation_participants WHERE conversation_id = ?
		`, conversationID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id, role, position, joined_at)
			VALUES (?, ?, ?, ?, ?)
		`, conversationID, p.UserID, p.Role, next, p.JoinedAt)
		return err
	})
}

// RemoveParticipant removes userID from a conversation. The last
// participant cannot be removed.
func (db *DB) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		var count int
		if err := tx.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ?
		`, conversationID); err != nil {
			return err
		}
		if count <= 1 {
			return ErrNoParticipants
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ?
		`, conversationID, userID)
		return err
	})
}

func (db *DB) SetConversationActive(ctx context.Context, conversationID string, active bool) error {
	res, err := db.ExecContext(ctx, `
		UPDATE conversations SET is_active = ?, updated_at = ? WHERE id = ?
	`, active, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

func (db *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r conversationRow) toModel() (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:        r.ID,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Settings), &conv.Settings); err != nil {
		return nil, fmt.Errorf("corrupt settings for conversation %s: %w", r.ID, err)
	}
	return conv, nil
}
