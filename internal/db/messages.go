package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"carechat/internal/models"
)

const messageColumns = `seq, id, conversation_id, sender_id, type, content, ai_analysis, status,
	is_deleted, deleted_at, deleted_by, is_edited, created_at, updated_at`

type messageRow struct {
	Seq            int64          `db:"seq"`
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	SenderID       string         `db:"sender_id"`
	Type           string         `db:"type"`
	Content        string         `db:"content"`
	AIAnalysis     sql.NullString `db:"ai_analysis"`
	Status         string         `db:"status"`
	IsDeleted      bool           `db:"is_deleted"`
	DeletedAt      sql.NullTime   `db:"deleted_at"`
	DeletedBy      sql.NullString `db:"deleted_by"`
	IsEdited       bool           `db:"is_edited"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

type readRow struct {
	MessageID string    `db:"message_id"`
	UserID    string    `db:"user_id"`
	ReadAt    time.Time `db:"read_at"`
}

type editRow struct {
	MessageID string    `db:"message_id"`
	Type      string    `db:"type"`
	Content   string    `db:"content"`
	EditedAt  time.Time `db:"edited_at"`
	EditedBy  string    `db:"edited_by"`
}

// CreateMessage appends a message to its conversation. ID, status and
// timestamps are assigned here; Seq reflects commit order.
func (db *DB) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	msg.CreatedAt, msg.UpdatedAt = now, now
	msg.Status = models.StatusSent
	msg.ReadBy = []models.Receipt{}

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encode content: %w", err)
	}
	var analysis sql.NullString
	if msg.AIAnalysis != nil {
		data, err := json.Marshal(msg.AIAnalysis)
		if err != nil {
			return fmt.Errorf("failed to encode analysis: %w", err)
		}
		analysis = sql.NullString{String: string(data), Valid: true}
	}

	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, type, content, ai_analysis, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, msg.SenderID, msg.Type, string(content), analysis, msg.Status, now, now)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		if msg.Seq, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get message seq: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET updated_at = ? WHERE id = ?
		`, now, msg.ConversationID); err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		return nil
	})
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var row messageRow
	err := db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	msgs, err := db.hydrate(ctx, []messageRow{row}, true)
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// ListMessages returns up to limit messages older than the before cursor
// (a seq; 0 means newest), newest first. Deleted messages are returned
// without content.
func (db *DB) ListMessages(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if before > 0 {
		query += ` AND seq < ?`
		args = append(args, before)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	var rows []messageRow
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return db.hydrate(ctx, rows, false)
}

// CountMessages counts every stored message of a conversation, deleted
// ones included.
func (db *DB) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID)
	return n, err
}

// LatestMessage returns the newest non-deleted message of a conversation.
func (db *DB) LatestMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	var row messageRow
	err := db.GetContext(ctx, &row, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND is_deleted = 0
		ORDER BY seq DESC LIMIT 1
	`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s has no messages: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	msgs, err := db.hydrate(ctx, []messageRow{row}, false)
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// MarkRead records a receipt from readerID on each listed message of the
// conversation. Messages authored by the reader, deleted messages, unknown
// ids and ids from other conversations are skipped. Receipts are
// idempotent; the ids that gained a receipt are returned.
func (db *DB) MarkRead(ctx context.Context, conversationID, readerID string, messageIDs []string, at time.Time) ([]string, error) {
	added := []string{}
	err := db.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range messageIDs {
			var target struct {
				ConversationID string `db:"conversation_id"`
				SenderID       string `db:"sender_id"`
				IsDeleted      bool   `db:"is_deleted"`
			}
			err := tx.GetContext(ctx, &target, `
				SELECT conversation_id, sender_id, is_deleted FROM messages WHERE id = ?
			`, id)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if target.ConversationID != conversationID || target.SenderID == readerID || target.IsDeleted {
				continue
			}

			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)
			`, id, readerID, at)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET status = ? WHERE id = ?
			`, models.StatusRead, id); err != nil {
				return err
			}
			added = append(added, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	return added, nil
}

// MarkDelivered raises messages still in the sent state to delivered.
func (db *DB) MarkDelivered(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE messages SET status = ? WHERE status = ? AND id IN (?)`,
		models.StatusDelivered, models.StatusSent, messageIDs)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

// EditMessage replaces a message's content, appending the previous content
// to its edit history.
func (db *DB) EditMessage(ctx context.Context, id, editorID string, typ models.MessageType, content models.Content, at time.Time) (*models.Message, error) {
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}

	err = db.inTx(ctx, func(tx *sqlx.Tx) error {
		var current struct {
			Type      string `db:"type"`
			Content   string `db:"content"`
			IsDeleted bool   `db:"is_deleted"`
		}
		err := tx.GetContext(ctx, &current, `SELECT type, content, is_deleted FROM messages WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if current.IsDeleted {
			return fmt.Errorf("message %s: %w", id, ErrDeleted)
		}

		var position int
		if err := tx.GetContext(ctx, &position, `SELECT COUNT(*) FROM message_edits WHERE message_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_edits (message_id, position, type, content, edited_at, edited_by)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, position, current.Type, current.Content, at, editorID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET type = ?, content = ?, is_edited = 1, updated_at = ? WHERE id = ?
		`, typ, string(encoded), at, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.GetMessage(ctx, id)
}

// SoftDeleteMessage flags a message as deleted. Deleting twice keeps the
// first deletion's metadata.
func (db *DB) SoftDeleteMessage(ctx context.Context, id, deletedBy string, at time.Time) (*models.Message, error) {
	if _, err := db.ExecContext(ctx, `
		UPDATE messages SET is_deleted = 1, deleted_at = ?, deleted_by = ?, updated_at = ?
		WHERE id = ? AND is_deleted = 0
	`, at, deletedBy, at, id); err != nil {
		return nil, fmt.Errorf("failed to delete message: %w", err)
	}
	return db.GetMessage(ctx, id)
}

// hydrate converts rows and attaches receipts (and, when withHistory is
// set, edit history).
func (db *DB) hydrate(ctx context.Context, rows []messageRow, withHistory bool) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(rows))
	if len(rows) == 0 {
		return msgs, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	query, args, err := sqlx.In(`
		SELECT message_id, user_id, read_at FROM message_reads
		WHERE message_id IN (?) ORDER BY read_at, user_id
	`, ids)
	if err != nil {
		return nil, err
	}
	var reads []readRow
	if err := db.SelectContext(ctx, &reads, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load receipts: %w", err)
	}
	receipts := make(map[string][]models.Receipt, len(rows))
	for _, r := range reads {
		receipts[r.MessageID] = append(receipts[r.MessageID], models.Receipt{UserID: r.UserID, ReadAt: r.ReadAt})
	}

	history := make(map[string][]models.EditSnapshot)
	if withHistory {
		query, args, err := sqlx.In(`
			SELECT message_id, type, content, edited_at, edited_by FROM message_edits
			WHERE message_id IN (?) ORDER BY position
		`, ids)
		if err != nil {
			return nil, err
		}
		var edits []editRow
		if err := db.SelectContext(ctx, &edits, db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("failed to load edit history: %w", err)
		}
		for _, e := range edits {
			c, err := models.DecodeContent(models.MessageType(e.Type), []byte(e.Content))
			if err != nil {
				return nil, fmt.Errorf("corrupt edit of message %s: %w", e.MessageID, err)
			}
			history[e.MessageID] = append(history[e.MessageID], models.EditSnapshot{
				Type: models.MessageType(e.Type), Content: c, EditedAt: e.EditedAt, EditedBy: e.EditedBy,
			})
		}
	}

	for _, r := range rows {
		msg, err := r.toModel()
		if err != nil {
			return nil, err
		}
		msg.ReadBy = receipts[r.ID]
		if msg.ReadBy == nil {
			msg.ReadBy = []models.Receipt{}
		}
		msg.EditHistory = history[r.ID]
		msgs = append(msgs, *msg)
	}
	return msgs, nil
}

func (r messageRow) toModel() (*models.Message, error) {
	msg := &models.Message{
		ID:             r.ID,
		Seq:            r.Seq,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Type:           models.MessageType(r.Type),
		Status:         models.MessageStatus(r.Status),
		IsDeleted:      r.IsDeleted,
		DeletedBy:      r.DeletedBy.String,
		IsEdited:       r.IsEdited,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		msg.DeletedAt = &t
	}
	if !r.IsDeleted {
		c, err := models.DecodeContent(msg.Type, []byte(r.Content))
		if err != nil {
			return nil, fmt.Errorf("corrupt content for message %s: %w", r.ID, err)
		}
		msg.Content = c
	}
	if r.AIAnalysis.Valid && r.AIAnalysis.String != "" {
		msg.AIAnalysis = &models.AIAnalysis{}
		if err := json.Unmarshal([]byte(r.AIAnalysis.String), msg.AIAnalysis); err != nil {
			return nil, fmt.Errorf("corrupt analysis for message %s: %w", r.ID, err)
		}
	}
	return msg, nil
}
