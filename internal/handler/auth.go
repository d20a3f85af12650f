package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/queue-dispatch/internal/config"
	"github.com/iliyamo/queue-dispatch/internal/middleware"
	"github.com/iliyamo/queue-dispatch/internal/model"
	"github.com/iliyamo/queue-dispatch/internal/repository"
	"github.com/iliyamo/queue-dispatch/internal/utils"
)

// UserStore is the account persistence AuthHandler needs.
type UserStore interface {
	Create(ctx context.Context, username, email, passwordHash, role string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// TokenStore keeps refresh token hashes.
type TokenStore interface {
	StoreRefresh(ctx context.Context, userID, tokenHash string, exp time.Time) error
	ValidateRefresh(ctx context.Context, tokenHash string) (string, error)
	RevokeByHash(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Cfg    config.Config
	Users  UserStore
	Tokens TokenStore
}

func NewAuthHandler(cfg config.Config, u UserStore, t TokenStore) *AuthHandler {
	return &AuthHandler{Cfg: cfg, Users: u, Tokens: t}
}

type registerReq struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

// tokenResp is the login shape clients store: the access token, the refresh
// token and the role that decides which screens to show.
type tokenResp struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	Role         string    `json:"role"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type userResp struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

func userView(u *model.User) userResp {
	return userResp{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role}
}

// Register creates a customer account. Operator accounts are provisioned
// out of band.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_body", "invalid body")
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	switch {
	case req.Username == "":
		return fail(c, http.StatusBadRequest, "validation_error", "username: is required")
	case len(req.Username) > 64:
		return fail(c, http.StatusBadRequest, "validation_error", "username: must be at most 64 characters")
	case !validEmail(req.Email):
		return fail(c, http.StatusBadRequest, "validation_error", "email: is not a valid address")
	case len(req.Password) < utils.MinPasswordLength:
		return fail(c, http.StatusBadRequest, "validation_error", "password: is too short")
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = model.RoleUser
	}
	if role != model.RoleUser {
		return fail(c, http.StatusForbidden, "forbidden", "only customer accounts can self-register")
	}

	hash, err := utils.HashPassword(req.Password, h.Cfg.BcryptCost)
	if err != nil {
		slog.Error("hash password", "err", err)
		return fail(c, http.StatusInternalServerError, "internal_error", "create user failed")
	}

	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	u, err := h.Users.Create(ctx, req.Username, req.Email, hash, role)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return fail(c, http.StatusConflict, "email_taken", "username or email already exists")
		}
		slog.Error("create user", "err", err)
		return fail(c, http.StatusInternalServerError, "internal_error", "create user failed")
	}
	return respond(c, http.StatusCreated, userView(u))
}

// Login verifies credentials and returns a new token pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_body", "invalid body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return fail(c, http.StatusBadRequest, "validation_error", "email and password are required")
	}

	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		slog.Error("load user", "err", err)
		return fail(c, http.StatusInternalServerError, "internal_error", "query failed")
	}
	hash := ""
	if u != nil {
		hash = u.PasswordHash
	}
	if !utils.VerifyPassword(hash, req.Password) || u == nil || !u.IsActive {
		return fail(c, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	}
	return h.issue(ctx, c, u)
}

// Refresh validates a refresh token by hash, revokes it and issues a new pair.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return fail(c, http.StatusBadRequest, "validation_error", "refresh_token: is required")
	}
	hash := utils.HashRefreshRaw(strings.TrimSpace(req.RefreshToken))

	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	userID, err := h.Tokens.ValidateRefresh(ctx, hash)
	if err != nil {
		return fail(c, http.StatusUnauthorized, "invalid_refresh", "invalid refresh token")
	}
	if err := h.Tokens.RevokeByHash(ctx, hash); err != nil {
		slog.Warn("revoke rotated refresh token", "user_id", userID, "err", err)
	}
	u, err := h.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fail(c, http.StatusUnauthorized, "invalid_refresh", "invalid refresh token")
		}
		slog.Error("load user", "err", err)
		return fail(c, http.StatusInternalServerError, "internal_error", "load user failed")
	}
	if !u.IsActive {
		return fail(c, http.StatusUnauthorized, "invalid_refresh", "invalid refresh token")
	}
	return h.issue(ctx, c, u)
}

// Logout revokes the refresh token in the body, or every refresh token of the
// caller when the body has none.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshReq
	_ = c.Bind(&req)
	raw := strings.TrimSpace(req.RefreshToken)

	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	if raw != "" {
		hash := utils.HashRefreshRaw(raw)
		owner, err := h.Tokens.ValidateRefresh(ctx, hash)
		if err != nil || owner != middleware.UserID(c) {
			return fail(c, http.StatusUnauthorized, "invalid_refresh", "invalid refresh token")
		}
		if err := h.Tokens.RevokeByHash(ctx, hash); err != nil {
			slog.Error("logout", "err", err)
			return fail(c, http.StatusInternalServerError, "internal_error", "logout failed")
		}
		return c.NoContent(http.StatusNoContent)
	}
	if err := h.Tokens.RevokeAllForUser(ctx, middleware.UserID(c)); err != nil {
		slog.Error("logout", "err", err)
		return fail(c, http.StatusInternalServerError, "internal_error", "logout failed")
	}
	return c.NoContent(http.StatusNoContent)
}

// Me returns the authenticated account.
func (h *AuthHandler) Me(c echo.Context) error {
	ctx, cancel := withTimeout(c, requestTimeout)
	defer cancel()

	u, err := h.Users.GetByID(ctx, middleware.UserID(c))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fail(c, http.StatusNotFound, "not_found", "user not found")
		}
		slog.Error("load user", "err", err)
		return fail(c, http.StatusInternalServerError, "internal_error", "load user failed")
	}
	return respond(c, http.StatusOK, userView(u))
}

func (h *AuthHandler) issue(ctx context.Context, c echo.Context, u *model.User) error {
	access, err := utils.NewAccessToken(h.Cfg.JWTSecret, u.ID, u.Role, h.Cfg.AccessTTLMin)
	if err != nil {
		slog.Error("issue access token", "err", err)
		return fail(c, http.StatusInternalServerError, "internal_error", "issue access failed")
	}
	refresh, err := utils.NewRefreshToken(h.Cfg.RefreshTTLDays)
	if err != nil {
		slog.Error("issue refresh token", "err", err)
		return fail(c, http.StatusInternalServerError, "internal_error", "issue refresh failed")
	}
	if err := h.Tokens.StoreRefresh(ctx, u.ID, utils.HashRefreshRaw(refresh.Raw), refresh.Exp); err != nil {
		slog.Error("store refresh token", "err", err)
		return fail(c, http.StatusInternalServerError, "internal_error", "save refresh failed")
	}
	return c.JSON(http.StatusOK, tokenResp{
		Token:        access.Token,
		RefreshToken: refresh.Raw,
		Role:         u.Role,
		ExpiresAt:    access.Exp,
	})
}

func validEmail(s string) bool {
	if s == "" || len(s) > 254 {
		return false
	}
	a, err := mail.ParseAddress(s)
	return err == nil && a.Address == s
}
