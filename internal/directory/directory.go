// Package directory provides read-only lookups of users and conversation
// membership for the realtime core.
package directory

import (
	"context"
	"errors"
	"fmt"

	"carechat/internal/db"
	"carechat/internal/models"
)

var ErrNotFound = errors.New("directory: not found")

// Directory resolves users and conversation membership.
type Directory interface {
	ResolveUser(ctx context.Context, userID string) (*models.UserProfile, error)
	ConversationsForUser(ctx context.Context, userID string) ([]string, error)
	ParticipantsOf(ctx context.Context, conversationID string) ([]string, error)
}

// Backend is the subset of the message store the directory reads.
type Backend interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
}

// Store answers directory lookups from the message store tables.
type Store struct {
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) ResolveUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	user, err := s.backend.GetUserByID(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	profile := user.Profile()
	return &profile, nil
}

func (s *Store) ConversationsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.backend.ConversationIDsForUser(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return ids, nil
}

func (s *Store) ParticipantsOf(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := s.backend.ParticipantIDs(ctx, conversationID)
	if err != nil {
		return nil, translate(err)
	}
	return ids, nil
}

func translate(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// Contains reports whether userID is in ids.
func Contains(ids []string, userID string) bool {
	for _, id := range ids {
		if id == userID {
			return true
		}
	}
	return false
}
