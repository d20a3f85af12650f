package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/queue-dispatch/internal/dispatch"
	"github.com/iliyamo/queue-dispatch/internal/middleware"
	"github.com/iliyamo/queue-dispatch/internal/model"
	"github.com/iliyamo/queue-dispatch/internal/utils"
)

const testSecret = "handler-test-secret"

type fakeDispatcher struct {
	bookFn       func(ctx context.Context, req dispatch.BookRequest) (*model.Ticket, error)
	callFn       func(ctx context.Context, serviceID, operatorID string) (*dispatch.CallResult, error)
	completeFn   func(ctx context.Context, serviceID, operatorID string) (*model.Ticket, error)
	statsFn      func(ctx context.Context, day, serviceID string) (model.Stats, error)
	getTicketFn  func(ctx context.Context, id string) (*model.Ticket, error)
	nowServingFn func(ctx context.Context, serviceID string) (*model.Ticket, error)
	eventsFn     func(ctx context.Context, serviceID string, afterID int64, limit int) ([]model.TicketEvent, error)
}

func (f fakeDispatcher) Today() string { return "2024-03-14" }

func (f fakeDispatcher) BookTicket(ctx context.Context, req dispatch.BookRequest) (*model.Ticket, error) {
	if f.bookFn == nil {
		return nil, errors.New("unexpected BookTicket")
	}
	return f.bookFn(ctx, req)
}

func (f fakeDispatcher) CallNext(ctx context.Context, serviceID, operatorID string) (*dispatch.CallResult, error) {
	if f.callFn == nil {
		return nil, errors.New("unexpected CallNext")
	}
	return f.callFn(ctx, serviceID, operatorID)
}

func (f fakeDispatcher) CompleteCurrent(ctx context.Context, serviceID, operatorID string) (*model.Ticket, error) {
	if f.completeFn == nil {
		return nil, errors.New("unexpected CompleteCurrent")
	}
	return f.completeFn(ctx, serviceID, operatorID)
}

func (f fakeDispatcher) DailyStats(ctx context.Context, day, serviceID string) (model.Stats, error) {
	if f.statsFn == nil {
		return model.Stats{}, nil
	}
	return f.statsFn(ctx, day, serviceID)
}

func (f fakeDispatcher) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	if f.getTicketFn == nil {
		return nil, dispatch.ErrTicketNotFound
	}
	return f.getTicketFn(ctx, id)
}

func (f fakeDispatcher) NowServing(ctx context.Context, serviceID string) (*model.Ticket, error) {
	if f.nowServingFn == nil {
		return nil, nil
	}
	return f.nowServingFn(ctx, serviceID)
}

func (f fakeDispatcher) Events(ctx context.Context, serviceID string, afterID int64, limit int) ([]model.TicketEvent, error) {
	if f.eventsFn == nil {
		return nil, nil
	}
	return f.eventsFn(ctx, serviceID, afterID, limit)
}

type fakeRegistry struct {
	createFn func(ctx context.Context, in dispatch.ServiceInput) (*model.Service, error)
	updateFn func(ctx context.Context, id string, in dispatch.ServiceInput) (*model.Service, error)
	deleteFn func(ctx context.Context, id string) error
	listFn   func(ctx context.Context, all bool) ([]model.Service, error)
	getFn    func(ctx context.Context, id string) (*model.Service, error)
}

func (f fakeRegistry) CreateService(ctx context.Context, in dispatch.ServiceInput) (*model.Service, error) {
	return f.createFn(ctx, in)
}

func (f fakeRegistry) UpdateService(ctx context.Context, id string, in dispatch.ServiceInput) (*model.Service, error) {
	return f.updateFn(ctx, id, in)
}

func (f fakeRegistry) DeleteService(ctx context.Context, id string) error {
	return f.deleteFn(ctx, id)
}

func (f fakeRegistry) ListServices(ctx context.Context, all bool) ([]model.Service, error) {
	if f.listFn == nil {
		return []model.Service{}, nil
	}
	return f.listFn(ctx, all)
}

func (f fakeRegistry) GetService(ctx context.Context, id string) (*model.Service, error) {
	if f.getFn == nil {
		return nil, dispatch.ErrServiceNotFound
	}
	return f.getFn(ctx, id)
}

type fakeInvalidator struct{ calls int }

func (f *fakeInvalidator) Invalidate(context.Context) error {
	f.calls++
	return nil
}

// serve runs one request through h. With a role it goes through JWTAuth
// carrying a token for userID/role; without one it is anonymous.
func serve(t *testing.T, method, path, route string, h echo.HandlerFunc, body, userID, role string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	if role != "" {
		e.Add(method, route, h, middleware.JWTAuth(testSecret))
	} else {
		e.Add(method, route, h)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if role != "" {
		tok, err := utils.NewAccessToken(testSecret, userID, role, 5)
		if err != nil {
			t.Fatalf("NewAccessToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.Token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&dispatch.ValidationError{Field: "service_id", Message: "is required"}, http.StatusBadRequest, "validation_error"},
		{dispatch.ErrNoQueueAvailable, http.StatusConflict, "queue_empty"},
		{dispatch.ErrServiceNotFound, http.StatusNotFound, "not_found"},
		{dispatch.ErrTicketNotFound, http.StatusNotFound, "not_found"},
		{dispatch.ErrServiceInactive, http.StatusConflict, "service_inactive"},
		{dispatch.ErrServiceBusy, http.StatusConflict, "service_busy"},
		{dispatch.ErrCodeTaken, http.StatusConflict, "code_conflict"},
		{dispatch.ErrCodeLocked, http.StatusConflict, "code_conflict"},
		{fmt.Errorf("%w: deadlock", dispatch.ErrConflict), http.StatusConflict, "conflict"},
		{fmt.Errorf("%w: %w", dispatch.ErrStorage, context.DeadlineExceeded), http.StatusServiceUnavailable, "timeout"},
		{fmt.Errorf("%w: disk full", dispatch.ErrStorage), http.StatusInternalServerError, "storage_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code+"/"+tc.err.Error(), func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
			if err := writeError(c, tc.err); err != nil {
				t.Fatalf("writeError: %v", err)
			}
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if env := decode(t, rec); env.Error != tc.code {
				t.Fatalf("code = %q, want %q", env.Error, tc.code)
			}
		})
	}
}

func TestBookUsesAuthenticatedAccount(t *testing.T) {
	var got dispatch.BookRequest
	h := NewQueueHandler(fakeDispatcher{
		bookFn: func(_ context.Context, req dispatch.BookRequest) (*model.Ticket, error) {
			got = req
			return &model.Ticket{ID: "t1", ServiceID: req.ServiceID, DisplayNum: "A-001", Status: model.TicketStatusWaiting}, nil
		},
	}, fakeRegistry{}, time.Second)

	rec := serve(t, http.MethodPost, "/queues", "/queues", h.Book,
		`{"service_id":" svc-1 ","request_id":"r1","account_id":"someone-else"}`, "cust-1", model.RoleUser)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got.AccountID != "cust-1" || got.ServiceID != "svc-1" || got.RequestID != "r1" {
		t.Fatalf("book request = %+v", got)
	}
	var tk ticketResp
	if err := json.Unmarshal(decode(t, rec).Data, &tk); err != nil || tk.DisplayNum != "A-001" {
		t.Fatalf("ticket = %+v, %v", tk, err)
	}
}

func TestCallReturnsDisplayNumber(t *testing.T) {
	h := NewQueueHandler(fakeDispatcher{
		callFn: func(_ context.Context, serviceID, operatorID string) (*dispatch.CallResult, error) {
			if operatorID != "op-1" {
				t.Errorf("operator = %q", operatorID)
			}
			return &dispatch.CallResult{
				Called:    &model.Ticket{ID: "t2", DisplayNum: "A-002", Status: model.TicketStatusCalled},
				Completed: &model.Ticket{ID: "t1", DisplayNum: "A-001", Status: model.TicketStatusCompleted},
			}, nil
		},
	}, fakeRegistry{}, time.Second)

	rec := serve(t, http.MethodPost, "/queues/call", "/queues/call", h.Call, `{"service_id":"svc"}`, "op-1", model.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		DisplayNum string      `json:"display_num"`
		Called     *ticketResp `json:"called"`
		Completed  *ticketResp `json:"completed"`
	}
	if err := json.Unmarshal(decode(t, rec).Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.DisplayNum != "A-002" || out.Completed == nil || out.Completed.DisplayNum != "A-001" {
		t.Fatalf("call result = %+v", out)
	}
}

func TestCallEmptyQueue(t *testing.T) {
	h := NewQueueHandler(fakeDispatcher{
		callFn: func(context.Context, string, string) (*dispatch.CallResult, error) {
			return &dispatch.CallResult{Completed: &model.Ticket{ID: "t1"}}, dispatch.ErrNoQueueAvailable
		},
	}, fakeRegistry{}, time.Second)

	rec := serve(t, http.MethodPost, "/queues/call", "/queues/call", h.Call, `{"service_id":"svc"}`, "op-1", model.RoleAdmin)
	if rec.Code != http.StatusConflict || decode(t, rec).Error != "queue_empty" {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestTicketReadsAreOwnerScoped(t *testing.T) {
	disp := fakeDispatcher{
		getTicketFn: func(_ context.Context, id string) (*model.Ticket, error) {
			return &model.Ticket{ID: id, ServiceID: "svc", AccountID: "owner", DisplayNum: "B-007",
				Status: model.TicketStatusWaiting, QueueDate: "2024-03-14"}, nil
		},
	}
	reg := fakeRegistry{getFn: func(_ context.Context, id string) (*model.Service, error) {
		return &model.Service{ID: id, Name: "Billing", Code: "B"}, nil
	}}
	h := NewQueueHandler(disp, reg, time.Second)

	cases := []struct {
		name, user, role string
		want             int
	}{
		{"owner", "owner", model.RoleUser, http.StatusOK},
		{"other customer", "intruder", model.RoleUser, http.StatusNotFound},
		{"operator", "op", model.RoleAdmin, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(t, http.MethodGet, "/queues/t9", "/queues/:id", h.Get, "", tc.user, tc.role)
			if rec.Code != tc.want {
				t.Fatalf("get status = %d, want %d", rec.Code, tc.want)
			}
			rec = serve(t, http.MethodGet, "/queues/download/t9", "/queues/download/:id", h.Download, "", tc.user, tc.role)
			if rec.Code != tc.want {
				t.Fatalf("download status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusOK {
				if !strings.Contains(rec.Body.String(), "B-007") || !strings.Contains(rec.Body.String(), "Billing") {
					t.Fatalf("slip = %q", rec.Body.String())
				}
				if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, "ticket-B-007.txt") {
					t.Fatalf("content disposition = %q", cd)
				}
			}
		})
	}
}

func TestNowServingEmptyIsNull(t *testing.T) {
	h := NewQueueHandler(fakeDispatcher{}, fakeRegistry{}, time.Second)
	rec := serve(t, http.MethodGet, "/queues/now-serving/svc", "/queues/now-serving/:service_id", h.NowServing, "", "u", model.RoleUser)
	if rec.Code != http.StatusOK || string(decode(t, rec).Data) != "null" {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestEventsQueryParams(t *testing.T) {
	var gotAfter int64
	var gotLimit int
	h := NewQueueHandler(fakeDispatcher{
		eventsFn: func(_ context.Context, _ string, after int64, limit int) ([]model.TicketEvent, error) {
			gotAfter, gotLimit = after, limit
			return []model.TicketEvent{{ID: after + 1}}, nil
		},
	}, fakeRegistry{}, time.Second)

	rec := serve(t, http.MethodGet, "/queues/events?after=41&limit=5", "/queues/events", h.Events, "", "u", model.RoleUser)
	if rec.Code != http.StatusOK || gotAfter != 41 || gotLimit != 5 {
		t.Fatalf("status = %d after = %d limit = %d", rec.Code, gotAfter, gotLimit)
	}
	rec = serve(t, http.MethodGet, "/queues/events?after=x", "/queues/events", h.Events, "", "u", model.RoleUser)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad after status = %d", rec.Code)
	}
}

func TestStatsToday(t *testing.T) {
	h := NewStatsHandler(fakeDispatcher{
		statsFn: func(_ context.Context, day, serviceID string) (model.Stats, error) {
			if day != "2024-03-14" {
				return model.Stats{}, &dispatch.ValidationError{Field: "day", Message: "unexpected"}
			}
			return model.Stats{Total: 6, Waiting: 3, Processing: 1, Completed: 2}, nil
		},
	})

	rec := serve(t, http.MethodGet, "/stats/today", "/stats/today", h.Today, "", "op", model.RoleAdmin)
	if rec.Code != http.StatusOK || rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("status = %d cache = %q", rec.Code, rec.Header().Get("Cache-Control"))
	}
	var out map[string]any
	if err := json.Unmarshal(decode(t, rec).Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["total"] != float64(6) || out["processing"] != float64(1) || out["day"] != "2024-03-14" {
		t.Fatalf("stats = %v", out)
	}

	rec = serve(t, http.MethodGet, "/stats/today?day=2024-01-01", "/stats/today", h.Today, "", "op", model.RoleAdmin)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("other day status = %d", rec.Code)
	}
}

func TestServiceWritesInvalidateCache(t *testing.T) {
	cache := &fakeInvalidator{}
	reg := fakeRegistry{
		createFn: func(_ context.Context, in dispatch.ServiceInput) (*model.Service, error) {
			return &model.Service{ID: "s1", Name: in.Name, Code: in.Code, Active: true}, nil
		},
		deleteFn: func(_ context.Context, id string) error {
			if id == "busy" {
				return dispatch.ErrServiceBusy
			}
			return nil
		},
	}
	h := NewServiceHandler(reg, cache)

	rec := serve(t, http.MethodPost, "/services", "/services", h.Create, `{"name":"Teller","code":"A"}`, "op", model.RoleAdmin)
	if rec.Code != http.StatusCreated || cache.calls != 1 {
		t.Fatalf("create status = %d invalidations = %d", rec.Code, cache.calls)
	}
	rec = serve(t, http.MethodDelete, "/services/busy", "/services/:id", h.Delete, "", "op", model.RoleAdmin)
	if rec.Code != http.StatusConflict || cache.calls != 1 {
		t.Fatalf("busy delete status = %d invalidations = %d", rec.Code, cache.calls)
	}
	rec = serve(t, http.MethodDelete, "/services/s1", "/services/:id", h.Delete, "", "op", model.RoleAdmin)
	if rec.Code != http.StatusNoContent || cache.calls != 2 {
		t.Fatalf("delete status = %d invalidations = %d", rec.Code, cache.calls)
	}
}

func TestServiceListAllIsAdminOnly(t *testing.T) {
	var sawAll []bool
	h := NewServiceHandler(fakeRegistry{listFn: func(_ context.Context, all bool) ([]model.Service, error) {
		sawAll = append(sawAll, all)
		return []model.Service{}, nil
	}}, nil)

	serve(t, http.MethodGet, "/services?all=true", "/services", h.List, "", "u", model.RoleUser)
	serve(t, http.MethodGet, "/services?all=true", "/services", h.List, "", "op", model.RoleAdmin)
	if len(sawAll) != 2 || sawAll[0] || !sawAll[1] {
		t.Fatalf("all flags = %v", sawAll)
	}
}

type errPinger struct{ err error }

func (p errPinger) PingContext(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	for _, tc := range []struct {
		pinger Pinger
		want   int
	}{
		{nil, http.StatusOK},
		{errPinger{}, http.StatusOK},
		{errPinger{errors.New("down")}, http.StatusServiceUnavailable},
	} {
		e := echo.New()
		e.GET("/health", Health(tc.pinger))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != tc.want {
			t.Fatalf("pinger %v: status = %d, want %d", tc.pinger, rec.Code, tc.want)
		}
	}
}

func TestParseSubscribe(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{`{"action":"subscribe","service_id":"5b7c3f3e-8f5d-4e55-9c1e-3a7d1f0c9b21"}`, true},
		{`{"action":"subscribe"}`, true},
		{`{"action":"unsubscribe"}`, true},
		{`{"action":"subscribe","service_id":"A"}`, false},
		{`{"action":"publish"}`, false},
		{`nope`, false},
	}
	for _, tc := range cases {
		if _, ok := parseSubscribe([]byte(tc.raw)); ok != tc.ok {
			t.Errorf("parseSubscribe(%s) ok = %v, want %v", tc.raw, ok, tc.ok)
		}
	}
}
