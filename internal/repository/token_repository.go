package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/queue-dispatch/internal/model"
)

// TokenRepo persists and validates refresh tokens by their hash.
type TokenRepo struct{ db *sqlx.DB }

func NewTokenRepo(db *sqlx.DB) *TokenRepo { return &TokenRepo{db: db} }

// StoreRefresh inserts a refresh token hash row.
func (r *TokenRepo) StoreRefresh(ctx context.Context, userID, tokenHash string, exp time.Time) error {
	const q = "INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked_at, created_at) VALUES (?, ?, ?, ?, NULL, ?)"
	_, err := r.db.ExecContext(ctx, r.db.Rebind(q), uuid.NewString(), userID, tokenHash, exp.UTC(), time.Now().UTC())
	return classify("store refresh token", err)
}

// ValidateRefresh returns the owning user id if a non-revoked, non-expired
// token exists; ErrNotFound otherwise.
func (r *TokenRepo) ValidateRefresh(ctx context.Context, tokenHash string) (string, error) {
	var t model.RefreshToken
	const q = "SELECT id, user_id, token_hash, expires_at, revoked_at, created_at FROM refresh_tokens WHERE token_hash = ?"
	if err := r.db.GetContext(ctx, &t, r.db.Rebind(q), tokenHash); err != nil {
		return "", classify("validate refresh token", err)
	}
	if t.RevokedAt != nil || time.Now().UTC().After(t.ExpiresAt) {
		return "", ErrNotFound
	}
	return t.UserID, nil
}

// RevokeByHash marks a token as revoked.
func (r *TokenRepo) RevokeByHash(ctx context.Context, tokenHash string) error {
	const q = "UPDATE refresh_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL"
	_, err := r.db.ExecContext(ctx, r.db.Rebind(q), time.Now().UTC(), tokenHash)
	return classify("revoke refresh token", err)
}

// RevokeAllForUser revokes all of the user's active tokens.
func (r *TokenRepo) RevokeAllForUser(ctx context.Context, userID string) error {
	const q = "UPDATE refresh_tokens SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL"
	_, err := r.db.ExecContext(ctx, r.db.Rebind(q), time.Now().UTC(), userID)
	return classify("revoke refresh tokens", err)
}
