// Package seed loads the service catalog and operator accounts from a YAML
// file. Services are matched by code and accounts by email, so a file can be
// applied repeatedly.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iliyamo/queue-dispatch/internal/dispatch"
	"github.com/iliyamo/queue-dispatch/internal/model"
	"github.com/iliyamo/queue-dispatch/internal/repository"
	"github.com/iliyamo/queue-dispatch/internal/utils"
)

// File is the seed document.
//
//	services:
//	  - {name: Teller, code: A, description: Deposits and withdrawals}
//	admins:
//	  - {username: ops, email: ops@example.com, password_env: SEED_OPS_PASSWORD}
type File struct {
	Services []Service `yaml:"services"`
	Admins   []Admin   `yaml:"admins"`
}

type Service struct {
	Name        string `yaml:"name"`
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
}

// Admin is an operator account. The password is taken from PasswordEnv when
// set so seed files can be committed.
type Admin struct {
	Username    string `yaml:"username"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
}

func (a Admin) password() string {
	if a.PasswordEnv != "" {
		return os.Getenv(a.PasswordEnv)
	}
	return a.Password
}

// Load reads and parses a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a seed document, rejecting unknown fields.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("seed: parse: %w", err)
	}
	return &f, nil
}

// Registry is the slice of the engine seeding writes services through.
type Registry interface {
	ListServices(ctx context.Context, all bool) ([]model.Service, error)
	CreateService(ctx context.Context, in dispatch.ServiceInput) (*model.Service, error)
	UpdateService(ctx context.Context, id string, in dispatch.ServiceInput) (*model.Service, error)
}

// Users stores operator accounts.
type Users interface {
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	Create(ctx context.Context, username, email, passwordHash, role string) (*model.User, error)
	SetPasswordAndRole(ctx context.Context, id, passwordHash, role string) error
}

// Apply upserts services by code and admin accounts by email.
func Apply(ctx context.Context, f *File, reg Registry, users Users, bcryptCost int, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	existing, err := reg.ListServices(ctx, false)
	if err != nil {
		return fmt.Errorf("seed: list services: %w", err)
	}
	byCode := make(map[string]model.Service, len(existing))
	for _, s := range existing {
		byCode[s.Code] = s
	}

	for _, s := range f.Services {
		in := dispatch.ServiceInput{Name: s.Name, Code: s.Code, Description: s.Description}
		code := strings.ToUpper(strings.TrimSpace(s.Code))
		if cur, ok := byCode[code]; ok {
			if cur.Name == strings.TrimSpace(s.Name) && cur.Description == strings.TrimSpace(s.Description) {
				continue
			}
			if _, err := reg.UpdateService(ctx, cur.ID, in); err != nil {
				return fmt.Errorf("seed: update service %s: %w", code, err)
			}
			log.Info("seed: service updated", "code", code)
			continue
		}
		created, err := reg.CreateService(ctx, in)
		if err != nil {
			return fmt.Errorf("seed: create service %s: %w", code, err)
		}
		byCode[created.Code] = *created
		log.Info("seed: service created", "code", created.Code, "id", created.ID)
	}

	for _, a := range f.Admins {
		pw := a.password()
		if len(pw) < utils.MinPasswordLength {
			return fmt.Errorf("seed: admin %s: password must be at least %d characters", a.Email, utils.MinPasswordLength)
		}
		hash, err := utils.HashPassword(pw, bcryptCost)
		if err != nil {
			return fmt.Errorf("seed: hash password: %w", err)
		}
		u, err := users.GetByEmail(ctx, a.Email)
		switch {
		case err == nil:
			if err := users.SetPasswordAndRole(ctx, u.ID, hash, model.RoleAdmin); err != nil {
				return fmt.Errorf("seed: update admin %s: %w", a.Email, err)
			}
			log.Info("seed: admin updated", "email", u.Email)
		case errors.Is(err, repository.ErrNotFound):
			u, err := users.Create(ctx, a.Username, a.Email, hash, model.RoleAdmin)
			if err != nil {
				return fmt.Errorf("seed: create admin %s: %w", a.Email, err)
			}
			log.Info("seed: admin created", "email", u.Email)
		default:
			return fmt.Errorf("seed: load admin %s: %w", a.Email, err)
		}
	}
	return nil
}
