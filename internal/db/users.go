package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carechat/internal/models"
)

// CreateUser stores a new user. The password must already be hashed.
func (db *DB) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.DisplayName == "" {
		user.DisplayName = user.Username
	}
	user.CreatedAt = time.Now().UTC()

	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, username, password, display_name, avatar_url, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.Username, user.Password, user.DisplayName, user.AvatarURL, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", user.Username, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := db.GetContext(ctx, &user, `
		SELECT id, username, password, display_name, avatar_url, role, created_at
		FROM users WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &user, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := db.GetContext(ctx, &user, `
		SELECT id, username, password, display_name, avatar_url, role, created_at
		FROM users WHERE username = ?
	`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &user, nil
}

// ListUsers returns users ordered by name. A non-empty search does a
// case-insensitive partial match, exact and prefix matches first.
func (db *DB) ListUsers(ctx context.Context, search string) ([]*models.User, error) {
	var (
		users []*models.User
		err   error
	)
	if search == "" {
		err = db.SelectContext(ctx, &users, `
			SELECT id, username, display_name, avatar_url, role, created_at
			FROM users
			ORDER BY username
		`)
	} else {
		err = db.SelectContext(ctx, &users, `
			SELECT id, username, display_name, avatar_url, role, created_at
			FROM users
			WHERE username LIKE ? COLLATE NOCASE OR display_name LIKE ? COLLATE NOCASE
			ORDER BY
				CASE
					WHEN username LIKE ? COLLATE NOCASE THEN 1
					WHEN username LIKE ? COLLATE NOCASE THEN 2
					ELSE 3
				END,
				username COLLATE NOCASE
			LIMIT 10
		`, "%"+search+"%", "%"+search+"%", search, search+"%")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}
