package model

import (
	"regexp"
	"time"
)

// Service is a counter customers queue for, identified on tickets by its
// one or two letter code.
type Service struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Code        string    `db:"code" json:"code"`
	Description string    `db:"description" json:"description"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

var serviceCodeRe = regexp.MustCompile(`^[A-Z]{1,2}$`)

// ValidServiceCode reports whether code is one or two uppercase letters.
func ValidServiceCode(code string) bool {
	return serviceCodeRe.MatchString(code)
}

// ServiceState is the per-service "now serving" record. Version grows by one
// with every committed transition so subscribers can order events.
type ServiceState struct {
	ServiceID       string    `db:"service_id"`
	CurrentTicketID *string   `db:"current_ticket_id"`
	Version         int64     `db:"version"`
	UpdatedAt       time.Time `db:"updated_at"`
}
