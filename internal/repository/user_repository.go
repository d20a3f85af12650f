package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/queue-dispatch/internal/model"
)

const userColumns = "id, username, email, password_hash, role, is_active, created_at, updated_at"

type UserRepo struct{ db *sqlx.DB }

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

// Create inserts a user with an already hashed password and returns it.
// ErrDuplicate means the username or email is taken.
func (r *UserRepo) Create(ctx context.Context, username, email, passwordHash, role string) (*model.User, error) {
	now := time.Now().UTC()
	u := &model.User{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(username),
		Email:        normalizeEmail(email),
		PasswordHash: passwordHash,
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	const q = "INSERT INTO users (" + userColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(q),
		u.ID, u.Username, u.Email, u.PasswordHash, u.Role, u.IsActive, u.CreatedAt, u.UpdatedAt); err != nil {
		return nil, classify("create user", err)
	}
	return u, nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	q := "SELECT " + userColumns + " FROM users WHERE email = ?"
	if err := r.db.GetContext(ctx, &u, r.db.Rebind(q), normalizeEmail(email)); err != nil {
		return nil, classify("get user", err)
	}
	return &u, nil
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	q := "SELECT " + userColumns + " FROM users WHERE id = ?"
	if err := r.db.GetContext(ctx, &u, r.db.Rebind(q), id); err != nil {
		return nil, classify("get user", err)
	}
	return &u, nil
}

// SetPasswordAndRole updates an existing account; used by seeding.
func (r *UserRepo) SetPasswordAndRole(ctx context.Context, id, passwordHash, role string) error {
	const q = "UPDATE users SET password_hash = ?, role = ?, is_active = ?, updated_at = ? WHERE id = ?"
	_, err := r.db.ExecContext(ctx, r.db.Rebind(q), passwordHash, role, true, time.Now().UTC(), id)
	return classify("update user", err)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
