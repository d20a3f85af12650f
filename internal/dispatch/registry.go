package dispatch

import (
	"context"
	"errors"
	"strings"

	"github.com/iliyamo/queue-dispatch/internal/model"
	"github.com/iliyamo/queue-dispatch/internal/repository"
)

// ServiceInput carries the editable fields of a service.
type ServiceInput struct {
	Name        string
	Code        string
	Description string
}

func (in *ServiceInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" {
		return invalid("name", "is required")
	}
	if len(in.Name) > 100 {
		return invalid("name", "must be at most 100 characters")
	}
	if !model.ValidServiceCode(in.Code) {
		return invalid("code", "must be one or two letters A-Z")
	}
	return nil
}

// CreateService registers a new active service.
func (e *Engine) CreateService(ctx context.Context, in ServiceInput) (*model.Service, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	s := &model.Service{Name: in.Name, Code: in.Code, Description: in.Description}
	if err := e.services.Create(ctx, s); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrCodeTaken
		}
		return nil, storageErr(err)
	}
	e.log.Info("service created", "service_id", s.ID, "code", s.Code)
	return s, nil
}

// UpdateService edits an active service. Changing the code is refused once
// any ticket was issued for it.
func (e *Engine) UpdateService(ctx context.Context, id string, in ServiceInput) (*model.Service, error) {
	if err := validateID("id", id); err != nil {
		return nil, err
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}
	s := &model.Service{ID: id, Name: in.Name, Code: in.Code, Description: in.Description}
	err := e.services.Update(ctx, s)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrServiceNotFound
	case errors.Is(err, repository.ErrDuplicate):
		return nil, ErrCodeTaken
	case errors.Is(err, repository.ErrCodeLocked):
		return nil, ErrCodeLocked
	}
	return nil, storageErr(err)
}

// DeleteService deactivates a service. It fails with ErrServiceBusy while
// tickets are waiting or being served.
func (e *Engine) DeleteService(ctx context.Context, id string) error {
	if err := validateID("id", id); err != nil {
		return err
	}
	err := e.services.SoftDelete(ctx, id)
	switch {
	case err == nil:
		e.log.Info("service deleted", "service_id", id)
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrServiceNotFound
	case errors.Is(err, repository.ErrHasOutstanding):
		return ErrServiceBusy
	}
	return storageErr(err)
}

// ListServices returns the active services, or every service when all is set.
func (e *Engine) ListServices(ctx context.Context, all bool) ([]model.Service, error) {
	out, err := e.services.List(ctx, all)
	if err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// GetService returns one service, active or not.
func (e *Engine) GetService(ctx context.Context, id string) (*model.Service, error) {
	if err := validateID("id", id); err != nil {
		return nil, err
	}
	s, err := e.services.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return s, nil
}
