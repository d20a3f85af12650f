package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/iliyamo/queue-dispatch/internal/model"
)

func ev(service, num, status string, version int64) model.TicketEvent {
	return model.TicketEvent{ServiceID: service, DisplayNum: num, Status: status, Version: version}
}

func drain(s *Subscription) []model.TicketEvent {
	var out []model.TicketEvent
	for {
		select {
		case e, ok := <-s.C():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestHubRoutesByService(t *testing.T) {
	h := NewHub(8, nil)
	a := h.Subscribe("svc-a")
	all := h.Subscribe("")
	defer a.Close()
	defer all.Close()

	ctx := context.Background()
	h.Publish(ctx, ev("svc-a", "A-001", model.TicketStatusCalled, 1))
	h.Publish(ctx, ev("svc-b", "B-001", model.TicketStatusCalled, 1))

	if got := drain(a); len(got) != 1 || got[0].DisplayNum != "A-001" {
		t.Fatalf("svc-a subscriber got %+v", got)
	}
	if got := drain(all); len(got) != 2 {
		t.Fatalf("wildcard subscriber got %d events, want 2", len(got))
	}

	h.Resubscribe(a, "svc-b")
	h.Publish(ctx, ev("svc-b", "B-002", model.TicketStatusCalled, 2))
	if got := drain(a); len(got) != 1 || got[0].DisplayNum != "B-002" {
		t.Fatalf("after resubscribe got %+v", got)
	}
}

func TestHubDropsOldestWhenFull(t *testing.T) {
	h := NewHub(2, nil)
	s := h.Subscribe("svc")
	defer s.Close()

	ctx := context.Background()
	for i, num := range []string{"A-001", "A-002", "A-003"} {
		h.Publish(ctx, ev("svc", num, model.TicketStatusCalled, int64(i+1)))
	}
	got := drain(s)
	if len(got) != 2 || got[0].DisplayNum != "A-002" || got[1].DisplayNum != "A-003" {
		t.Fatalf("buffered = %+v, want A-002 then A-003", got)
	}
	if s.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", s.Dropped())
	}
}

func TestHubDiscardsStaleTransitions(t *testing.T) {
	h := NewHub(8, nil)
	s := h.Subscribe("svc")
	defer s.Close()

	ctx := context.Background()
	h.Publish(ctx, ev("svc", "A-002", model.TicketStatusCalled, 5))
	// relayed late
	h.Publish(ctx, ev("svc", "A-001", model.TicketStatusCalled, 4))
	// bookings are never filtered
	h.Publish(ctx, ev("svc", "A-009", model.TicketStatusWaiting, 3))
	h.Publish(ctx, ev("svc", "A-002", model.TicketStatusCompleted, 6))
	h.Publish(ctx, ev("other", "B-001", model.TicketStatusCalled, 1))

	got := drain(s)
	want := []string{"A-002", "A-009", "A-002"}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i, num := range want {
		if got[i].DisplayNum != num {
			t.Fatalf("event %d = %s, want %s", i, got[i].DisplayNum, num)
		}
	}
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	h := NewHub(1, nil)
	s := h.Subscribe("svc")
	h.Close()

	select {
	case _, ok := <-s.C():
		if ok {
			t.Fatal("received event after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	s.Close() // second close is a no-op
	if n := h.Subscribers(); n != 0 {
		t.Fatalf("subscribers = %d after Close", n)
	}
	h.Publish(context.Background(), ev("svc", "A-001", model.TicketStatusCalled, 1))
}

func TestMultiPublishesToEach(t *testing.T) {
	h1, h2 := NewHub(4, nil), NewHub(4, nil)
	s1, s2 := h1.Subscribe(""), h2.Subscribe("")
	defer s1.Close()
	defer s2.Close()

	Multi{h1, nil, h2}.Publish(context.Background(), ev("svc", "A-001", model.TicketStatusWaiting, 0))
	if len(drain(s1)) != 1 || len(drain(s2)) != 1 {
		t.Fatal("event not delivered to every publisher")
	}
}
