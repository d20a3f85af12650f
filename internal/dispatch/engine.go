// Package dispatch is the queue allocation and call-dispatch engine. It owns
// every ticket state transition: booking a numbered ticket, calling the next
// waiting ticket and completing the one being served. Each operation is one
// database transaction; committed transitions are published afterwards.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/queue-dispatch/internal/model"
	"github.com/iliyamo/queue-dispatch/internal/repository"
)

// Publisher receives committed ticket events. Publish must not block on
// slow subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev model.TicketEvent)
}

// Options tune an Engine. Zero values pick sensible defaults.
type Options struct {
	RetryLimit     int           // attempts per transaction on conflict, default 3
	RetryBackoff   time.Duration // base pause between attempts, grows linearly
	EmptyCompletes bool          // CallNext on an empty queue still completes the current ticket
	Location       *time.Location
	Clock          Clock
	Publisher      Publisher
	Logger         *slog.Logger
}

// Engine is safe for concurrent use. Several engines may share one database;
// the per-service state row keeps them consistent.
type Engine struct {
	db       *sqlx.DB
	services *repository.ServiceRepo
	tickets  *repository.TicketRepo
	counters *repository.CounterRepo
	states   *repository.StateRepo
	events   *repository.EventRepo

	locks          *keyedMutex
	retryLimit     int
	retryBackoff   time.Duration
	emptyCompletes bool
	loc            *time.Location
	clock          Clock
	pub            Publisher
	log            *slog.Logger
	tracer         trace.Tracer
}

func New(db *sqlx.DB, opts Options) *Engine {
	e := &Engine{
		db:             db,
		services:       repository.NewServiceRepo(db),
		tickets:        repository.NewTicketRepo(db),
		counters:       repository.NewCounterRepo(db),
		states:         repository.NewStateRepo(db),
		events:         repository.NewEventRepo(db),
		locks:          newKeyedMutex(),
		retryLimit:     opts.RetryLimit,
		retryBackoff:   opts.RetryBackoff,
		emptyCompletes: opts.EmptyCompletes,
		loc:            opts.Location,
		clock:          opts.Clock,
		pub:            opts.Publisher,
		log:            opts.Logger,
		tracer:         otel.Tracer("github.com/iliyamo/queue-dispatch/internal/dispatch"),
	}
	if e.retryLimit < 1 {
		e.retryLimit = 3
	}
	if e.retryBackoff <= 0 {
		e.retryBackoff = 20 * time.Millisecond
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.clock == nil {
		e.clock = systemClock{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// BookRequest asks for a new ticket. RequestID is an optional client key; a
// repeated request from the same account returns the first ticket.
type BookRequest struct {
	ServiceID string
	AccountID string
	RequestID string
}

func (r BookRequest) validate() error {
	if err := validateID("service_id", r.ServiceID); err != nil {
		return err
	}
	if r.AccountID == "" {
		return invalid("account_id", "is required")
	}
	if len(r.RequestID) > 64 {
		return invalid("request_id", "must be at most 64 characters")
	}
	return nil
}

// CallResult is the outcome of CallNext. Called is nil when the queue was
// empty; Completed is the ticket that was being served, if it was closed.
type CallResult struct {
	Called    *model.Ticket
	Completed *model.Ticket
}

// Today returns the current calendar day in the engine's time zone.
func (e *Engine) Today() string {
	return model.Day(e.clock.Now(), e.loc)
}

// BookTicket issues the next number of the service for today and stores the
// ticket as waiting. Numbers come from the (service, day) counter inside
// the same transaction, so concurrent bookings never share one and a failed
// booking does not consume one.
func (e *Engine) BookTicket(ctx context.Context, req BookRequest) (_ *model.Ticket, err error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.BookTicket",
		trace.WithAttributes(attribute.String("queue.service_id", req.ServiceID)))
	defer func() { endSpan(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.RequestID != "" {
		t, err := e.tickets.GetByRequest(ctx, req.AccountID, req.RequestID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, storageErr(err)
		}
	}
	svc, err := e.activeService(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}

	var (
		ticket *model.Ticket
		ev     model.TicketEvent
	)
	err = e.withRetry(ctx, "book", func() error {
		now := e.clock.Now().UTC()
		day := model.Day(now, e.loc)
		if err := e.counters.Ensure(ctx, svc.ID, day); err != nil {
			return err
		}
		return e.inTx(ctx, func(tx *sqlx.Tx) error {
			s, err := e.services.GetByIDTx(ctx, tx, svc.ID)
			if err != nil {
				return err
			}
			if !s.Active {
				return ErrServiceInactive
			}
			seq, err := e.counters.NextTx(ctx, tx, s.ID, day)
			if err != nil {
				return err
			}
			t := &model.Ticket{
				ID:         uuid.NewString(),
				ServiceID:  s.ID,
				QueueDate:  day,
				Seq:        seq,
				DisplayNum: model.FormatDisplayNumber(s.Code, seq),
				Status:     model.TicketStatusWaiting,
				AccountID:  req.AccountID,
				CreatedAt:  now,
			}
			if req.RequestID != "" {
				rid := req.RequestID
				t.RequestID = &rid
			}
			if err := e.tickets.InsertTx(ctx, tx, t); err != nil {
				return err
			}
			st, err := e.states.GetTx(ctx, tx, s.ID)
			if err != nil {
				return err
			}
			ev = eventFor(t, st.Version, req.AccountID, now)
			if err := e.events.AppendTx(ctx, tx, &ev); err != nil {
				return err
			}
			ticket = t
			return nil
		})
	})
	if err != nil && req.RequestID != "" && errors.Is(err, repository.ErrDuplicate) {
		// a concurrent retry of the same request committed first
		if t, gerr := e.tickets.GetByRequest(ctx, req.AccountID, req.RequestID); gerr == nil {
			return t, nil
		}
	}
	if err != nil {
		return nil, storageErr(err)
	}

	span.SetAttributes(attribute.String("queue.display_num", ticket.DisplayNum))
	e.publish(ctx, ev)
	return ticket, nil
}

// CallNext completes the ticket being served and calls the oldest waiting
// ticket, as one transaction. With nobody waiting it returns
// ErrNoQueueAvailable and, unless EmptyCompletes is set, changes nothing.
// Calls for one service are serialized; different services run in parallel.
func (e *Engine) CallNext(ctx context.Context, serviceID, operatorID string) (_ *CallResult, err error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.CallNext",
		trace.WithAttributes(attribute.String("queue.service_id", serviceID)))
	defer func() {
		if errors.Is(err, ErrNoQueueAvailable) {
			span.SetAttributes(attribute.Bool("queue.empty", true))
			span.End()
			return
		}
		endSpan(span, err)
	}()

	if err := validateID("service_id", serviceID); err != nil {
		return nil, err
	}
	if operatorID == "" {
		return nil, invalid("operator_id", "is required")
	}
	unlock, err := e.locks.Lock(ctx, serviceID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer unlock()

	var (
		res   CallResult
		evs   []model.TicketEvent
		empty bool
	)
	err = e.withRetry(ctx, "call", func() error {
		res, evs, empty = CallResult{}, nil, false
		return e.inTx(ctx, func(tx *sqlx.Tx) error {
			now := e.clock.Now().UTC()
			st, err := e.states.LockTx(ctx, tx, serviceID, now)
			if errors.Is(err, repository.ErrNotFound) {
				return ErrServiceNotFound
			}
			if err != nil {
				return err
			}
			current, err := e.currentTx(ctx, tx, st)
			if err != nil {
				return err
			}

			next, err := e.tickets.OldestWaitingTx(ctx, tx, serviceID)
			if errors.Is(err, repository.ErrNotFound) {
				if current == nil || !e.emptyCompletes {
					return ErrNoQueueAvailable
				}
				ev, err := e.transitionTx(ctx, tx, current, model.TicketStatusCompleted, operatorID, st.Version, now)
				if err != nil {
					return err
				}
				if err := e.states.SetCurrentTx(ctx, tx, serviceID, nil); err != nil {
					return err
				}
				res.Completed, evs, empty = current, append(evs, ev), true
				return nil
			}
			if err != nil {
				return err
			}

			if current != nil {
				ev, err := e.transitionTx(ctx, tx, current, model.TicketStatusCompleted, operatorID, st.Version, now)
				if err != nil {
					return err
				}
				res.Completed, evs = current, append(evs, ev)
			}
			ev, err := e.transitionTx(ctx, tx, next, model.TicketStatusCalled, operatorID, st.Version, now)
			if err != nil {
				return err
			}
			if err := e.states.SetCurrentTx(ctx, tx, serviceID, &next.ID); err != nil {
				return err
			}
			res.Called, evs = next, append(evs, ev)
			return nil
		})
	})
	if err != nil {
		return nil, storageErr(err)
	}

	// still under the service lock: subscribers see commit order
	for _, ev := range evs {
		e.publish(ctx, ev)
	}
	if empty {
		return &res, ErrNoQueueAvailable
	}
	span.SetAttributes(attribute.String("queue.display_num", res.Called.DisplayNum))
	return &res, nil
}

// CompleteCurrent closes the ticket being served without calling another.
// ErrNoQueueAvailable means nobody was being served.
func (e *Engine) CompleteCurrent(ctx context.Context, serviceID, operatorID string) (_ *model.Ticket, err error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.CompleteCurrent",
		trace.WithAttributes(attribute.String("queue.service_id", serviceID)))
	defer func() { endSpan(span, err) }()

	if err := validateID("service_id", serviceID); err != nil {
		return nil, err
	}
	unlock, err := e.locks.Lock(ctx, serviceID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer unlock()

	var (
		done *model.Ticket
		ev   model.TicketEvent
	)
	err = e.withRetry(ctx, "complete", func() error {
		return e.inTx(ctx, func(tx *sqlx.Tx) error {
			now := e.clock.Now().UTC()
			st, err := e.states.LockTx(ctx, tx, serviceID, now)
			if errors.Is(err, repository.ErrNotFound) {
				return ErrServiceNotFound
			}
			if err != nil {
				return err
			}
			current, err := e.currentTx(ctx, tx, st)
			if err != nil {
				return err
			}
			if current == nil {
				return ErrNoQueueAvailable
			}
			ev, err = e.transitionTx(ctx, tx, current, model.TicketStatusCompleted, operatorID, st.Version, now)
			if err != nil {
				return err
			}
			if err := e.states.SetCurrentTx(ctx, tx, serviceID, nil); err != nil {
				return err
			}
			done = current
			return nil
		})
	})
	if err != nil {
		return nil, storageErr(err)
	}
	e.publish(ctx, ev)
	return done, nil
}

// DailyStats counts the tickets issued on day (YYYY-MM-DD) by status,
// optionally for one service. It always reads the store.
func (e *Engine) DailyStats(ctx context.Context, day, serviceID string) (model.Stats, error) {
	if _, err := time.Parse(model.DayLayout, day); err != nil {
		return model.Stats{}, invalid("day", "must be YYYY-MM-DD")
	}
	if serviceID != "" {
		if err := validateID("service_id", serviceID); err != nil {
			return model.Stats{}, err
		}
		if _, err := e.services.GetByID(ctx, serviceID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return model.Stats{}, ErrServiceNotFound
			}
			return model.Stats{}, storageErr(err)
		}
	}
	st, err := e.tickets.CountByStatus(ctx, day, serviceID)
	if err != nil {
		return model.Stats{}, storageErr(err)
	}
	return st, nil
}

// GetTicket returns a ticket by id.
func (e *Engine) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	if err := validateID("id", id); err != nil {
		return nil, err
	}
	t, err := e.tickets.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return t, nil
}

// NowServing returns the ticket currently called for a service, or nil.
func (e *Engine) NowServing(ctx context.Context, serviceID string) (*model.Ticket, error) {
	if err := validateID("service_id", serviceID); err != nil {
		return nil, err
	}
	st, err := e.states.Get(ctx, serviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	if st.CurrentTicketID == nil {
		return nil, nil
	}
	t, err := e.tickets.GetByID(ctx, *st.CurrentTicketID)
	if err != nil {
		return nil, storageErr(err)
	}
	if t.Status != model.TicketStatusCalled {
		return nil, nil
	}
	return t, nil
}

// Events replays committed ticket events after the given event id, oldest
// first, so a reconnecting client can catch up.
func (e *Engine) Events(ctx context.Context, serviceID string, afterID int64, limit int) ([]model.TicketEvent, error) {
	if serviceID != "" {
		if err := validateID("service_id", serviceID); err != nil {
			return nil, err
		}
	}
	if afterID < 0 {
		return nil, invalid("after", "must not be negative")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	evs, err := e.events.ListAfter(ctx, serviceID, afterID, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return evs, nil
}

func (e *Engine) activeService(ctx context.Context, id string) (*model.Service, error) {
	svc, err := e.services.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	if !svc.Active {
		return nil, ErrServiceInactive
	}
	return svc, nil
}

// currentTx loads the ticket the state row points at, ignoring a pointer to
// a ticket that is no longer called.
func (e *Engine) currentTx(ctx context.Context, tx *sqlx.Tx, st *model.ServiceState) (*model.Ticket, error) {
	if st.CurrentTicketID == nil {
		return nil, nil
	}
	t, err := e.tickets.GetByIDTx(ctx, tx, *st.CurrentTicketID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Status != model.TicketStatusCalled {
		return nil, nil
	}
	return t, nil
}

// transitionTx moves t to status `to`, updates t in place and appends the
// matching event.
func (e *Engine) transitionTx(ctx context.Context, tx *sqlx.Tx, t *model.Ticket, to, actor string, version int64, at time.Time) (model.TicketEvent, error) {
	if !model.ValidTransition(t.Status, to) {
		return model.TicketEvent{}, fmt.Errorf("%w: %s -> %s", errInvalidTransition, t.Status, to)
	}
	switch to {
	case model.TicketStatusCalled:
		if err := e.tickets.MarkCalledTx(ctx, tx, t.ID, actor, at); err != nil {
			return model.TicketEvent{}, err
		}
		t.CalledAt, t.CalledBy = &at, &actor
	case model.TicketStatusCompleted:
		if err := e.tickets.MarkCompletedTx(ctx, tx, t.ID, at); err != nil {
			return model.TicketEvent{}, err
		}
		t.CompletedAt = &at
	}
	t.Status = to
	ev := eventFor(t, version, actor, at)
	if err := e.events.AppendTx(ctx, tx, &ev); err != nil {
		return model.TicketEvent{}, err
	}
	return ev, nil
}

func (e *Engine) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// withRetry replays fn while it fails with a conflict, up to the retry limit.
// Each attempt is a fresh transaction, so nothing partial survives.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !isConflict(err) {
			return err
		}
		if attempt >= e.retryLimit {
			break
		}
		e.log.Warn("transaction conflict, retrying", "op", op, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retryBackoff * time.Duration(attempt)):
		}
	}
	e.log.Error("transaction conflict, giving up", "op", op, "attempts", e.retryLimit, "err", err)
	return fmt.Errorf("%w: %v", ErrConflict, err)
}

func (e *Engine) publish(ctx context.Context, ev model.TicketEvent) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(context.WithoutCancel(ctx), ev)
}

func eventFor(t *model.Ticket, version int64, actor string, at time.Time) model.TicketEvent {
	return model.TicketEvent{
		ServiceID:  t.ServiceID,
		TicketID:   t.ID,
		DisplayNum: t.DisplayNum,
		Status:     t.Status,
		Version:    version,
		ActorID:    actor,
		OccurredAt: at,
	}
}

func validateID(field, id string) error {
	if id == "" {
		return invalid(field, "is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return invalid(field, "must be a UUID")
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
