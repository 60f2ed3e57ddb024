package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"gigconnect-chat/internal/models"
)

// UserRepository stores the profile projection owned by the auth/profile service.
type UserRepository interface {
	UpsertUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, userID int) (models.User, error)
	GetUsers(ctx context.Context, userIDs []int) ([]models.User, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// UpsertUser inserts or refreshes a profile.
func (r *UserRepo) UpsertUser(ctx context.Context, user models.User) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (id, display_name, avatar_url) VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url, updated_at = NOW()`,
		user.ID, user.DisplayName, user.AvatarURL)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", user.ID, err)
	}
	return nil
}

// GetUser fetches a single profile.
func (r *UserRepo) GetUser(ctx context.Context, userID int) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT id, display_name, avatar_url FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user %d: %w", userID, err)
	}
	return user, nil
}

// GetUsers fetches multiple profiles in one call. Unknown ids are skipped.
func (r *UserRepo) GetUsers(ctx context.Context, userIDs []int) ([]models.User, error) {
	if len(userIDs) == 0 {
		return []models.User{}, nil
	}
	ids := make([]int64, 0, len(userIDs))
	for _, id := range userIDs {
		ids = append(ids, int64(id))
	}
	var users []models.User
	if err := r.db.SelectContext(ctx, &users, `SELECT id, display_name, avatar_url FROM users WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	return users, nil
}
