package model

import (
	"testing"
	"time"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{TicketStatusWaiting, TicketStatusCalled, true},
		{TicketStatusCalled, TicketStatusCompleted, true},
		{TicketStatusWaiting, TicketStatusCompleted, false},
		{TicketStatusCalled, TicketStatusWaiting, false},
		{TicketStatusCompleted, TicketStatusCalled, false},
		{TicketStatusCompleted, TicketStatusWaiting, false},
		{"cancelled", TicketStatusCalled, false},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestFormatDisplayNumber(t *testing.T) {
	cases := map[string]struct {
		code string
		seq  int
	}{
		"A-001":   {"A", 1},
		"AB-042":  {"AB", 42},
		"C-999":   {"C", 999},
		"C-1000":  {"C", 1000},
		"Z-12345": {"Z", 12345},
	}
	for want, in := range cases {
		if got := FormatDisplayNumber(in.code, in.seq); got != want {
			t.Errorf("FormatDisplayNumber(%q, %d) = %q, want %q", in.code, in.seq, got, want)
		}
	}
}

func TestDay(t *testing.T) {
	at := time.Date(2024, 12, 31, 23, 30, 0, 0, time.UTC)
	if got := Day(at, nil); got != "2024-12-31" {
		t.Fatalf("Day(UTC) = %s", got)
	}
	if got := Day(at, time.FixedZone("UTC+1", 3600)); got != "2025-01-01" {
		t.Fatalf("Day(UTC+1) = %s", got)
	}
}

func TestValidServiceCode(t *testing.T) {
	for _, code := range []string{"A", "ZZ"} {
		if !ValidServiceCode(code) {
			t.Errorf("%q rejected", code)
		}
	}
	for _, code := range []string{"", "a", "ABC", "A1", "-"} {
		if ValidServiceCode(code) {
			t.Errorf("%q accepted", code)
		}
	}
}
