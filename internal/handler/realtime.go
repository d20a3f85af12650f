package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"

	"github.com/iliyamo/queue-dispatch/internal/broadcast"
	"github.com/iliyamo/queue-dispatch/internal/model"
)

// RealtimePrefix is where the SockJS endpoint is mounted.
const RealtimePrefix = "/realtime"

// subscribeMessage is what clients send over the socket, e.g.
// {"action":"subscribe","service_id":"..."}. An empty service id subscribes
// to every service.
type subscribeMessage struct {
	Action    string `json:"action"`
	ServiceID string `json:"service_id"`
}

func parseSubscribe(data []byte) (subscribeMessage, bool) {
	var msg subscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return subscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return subscribeMessage{}, false
	}
	msg.ServiceID = strings.TrimSpace(msg.ServiceID)
	if msg.ServiceID != "" {
		if _, err := uuid.Parse(msg.ServiceID); err != nil {
			return subscribeMessage{}, false
		}
	}
	return msg, true
}

// eventEnvelope is pushed to clients for every ticket event. Clients react
// to "ticket.called"; other types are informational.
type eventEnvelope struct {
	Type    string            `json:"type"`
	Payload model.TicketEvent `json:"payload"`
}

// NewRealtimeHandler returns the SockJS handler that streams hub events to
// subscribed sessions. Authentication happens in front of it.
func NewRealtimeHandler(hub *broadcast.Hub, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return sockjs.NewHandler(RealtimePrefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		serveSession(hub, session, log)
	})
}

func serveSession(hub *broadcast.Hub, session sockjs.Session, log *slog.Logger) {
	var (
		sub  *broadcast.Subscription
		done = make(chan struct{})
	)
	defer func() {
		close(done)
		if sub != nil {
			sub.Close()
		}
	}()

	start := func(s *broadcast.Subscription) {
		go func() {
			for {
				select {
				case ev, ok := <-s.C():
					if !ok {
						return
					}
					b, err := json.Marshal(eventEnvelope{Type: "ticket." + ev.Status, Payload: ev})
					if err != nil {
						continue
					}
					if err := session.Send(string(b)); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()
	}

	for {
		raw, err := session.Recv()
		if err != nil {
			return
		}
		msg, ok := parseSubscribe([]byte(raw))
		if !ok {
			_ = session.Send(`{"type":"error","message":"expected subscribe or unsubscribe"}`)
			continue
		}
		switch {
		case msg.Action == "unsubscribe":
			if sub != nil {
				sub.Close()
				sub = nil
			}
		case sub == nil:
			sub = hub.Subscribe(msg.ServiceID)
			start(sub)
		default:
			hub.Resubscribe(sub, msg.ServiceID)
		}
		log.Debug("realtime subscription", "session", session.ID(), "action", msg.Action, "service_id", msg.ServiceID)
	}
}
