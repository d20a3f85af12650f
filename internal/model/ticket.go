package model

import (
	"fmt"
	"time"
)

const (
	TicketStatusWaiting   = "waiting"
	TicketStatusCalled    = "called"
	TicketStatusCompleted = "completed"
)

// DayLayout formats the calendar day a ticket was issued on.
const DayLayout = "2006-01-02"

type Ticket struct {
	ID          string     `db:"id" json:"id"`
	ServiceID   string     `db:"service_id" json:"service_id"`
	QueueDate   string     `db:"queue_date" json:"queue_date"`
	Seq         int        `db:"seq" json:"seq"`
	DisplayNum  string     `db:"display_num" json:"display_num"`
	Status      string     `db:"status" json:"status"`
	AccountID   string     `db:"account_id" json:"account_id"`
	RequestID   *string    `db:"request_id" json:"request_id,omitempty"`
	CalledBy    *string    `db:"called_by" json:"called_by,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	CalledAt    *time.Time `db:"called_at" json:"called_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// FormatDisplayNumber renders the human-facing label, e.g. A-001.
func FormatDisplayNumber(code string, seq int) string {
	return fmt.Sprintf("%s-%03d", code, seq)
}

// Day returns the calendar day of t in loc, in DayLayout form.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}

// Stats counts one day's tickets by status. Processing is the number of
// tickets currently called.
type Stats struct {
	Total      int `json:"total"`
	Waiting    int `json:"waiting"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
}
