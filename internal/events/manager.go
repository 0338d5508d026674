// Package events owns the calendar's event list for one view: it reads events
// and their exceptions from the backend, runs mutations on behalf of an acting
// role, and keeps the local list in step with the server.
package events

import (
	"context"
	"sync"
	"time"

	"coursecal/internal/api"
	"coursecal/internal/auth"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
	"coursecal/internal/recurrence"
)

// API is the subset of the backend client the manager needs.
type API interface {
	ListEvents(ctx context.Context, w model.Window) ([]model.Event, error)
	GetEvent(ctx context.Context, id string) (model.Event, error)
	CreateEvent(ctx context.Context, p api.EventPayload) (model.Event, error)
	UpdateEvent(ctx context.Context, id string, p api.EventPayload) (model.Event, error)
	DeleteEvent(ctx context.Context, id string) error
	ListExceptions(ctx context.Context, id string) ([]model.RecurrenceException, error)
	CreateException(ctx context.Context, id string, at time.Time) error
	DeleteException(ctx context.Context, id string, at time.Time) error
}

const (
	defaultBackfill = 0
	defaultHorizon  = 30 * 24 * time.Hour
)

// Manager is safe for concurrent use. Network calls are made without holding
// the lock; the list is only touched when a result arrives.
type Manager struct {
	api API
	now func() time.Time

	backfill time.Duration
	horizon  time.Duration

	mu        sync.Mutex
	state     State
	window    model.Window
	hasWindow bool
	closed    bool
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWindow sets the window Refresh uses before any ListEvents call:
// [now-backfill, now+horizon).
func WithWindow(backfill, horizon time.Duration) Option {
	return func(m *Manager) {
		m.backfill = backfill
		m.horizon = horizon
	}
}

func NewManager(a API, opts ...Option) *Manager {
	m := &Manager{
		api:      a,
		now:      time.Now,
		backfill: defaultBackfill,
		horizon:  defaultHorizon,
		state:    State{Exceptions: map[string]recurrence.ExceptionSet{}},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// dispatch applies t unless the manager was closed while the request that
// produced t was in flight.
func (m *Manager) dispatch(t Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		appLog.Debug("events: discarding result after close", "transition", transitionName(t))
		return
	}
	m.state = Apply(m.state, t)
}

// Close ends the view. Results of requests still in flight are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Events returns a copy of the local list.
func (m *Manager) Events() []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Event(nil), m.state.Events...)
}

// Window returns the last listed window.
func (m *Manager) Window() (model.Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window, m.hasWindow
}

// Occurrences expands the local list from ref on.
func (m *Manager) Occurrences(maxOccurrences int, ref time.Time) []model.Occurrence {
	s := m.snapshot()
	return recurrence.ExpandAll(s.Events, s.Exceptions, maxOccurrences, ref)
}

func (m *Manager) snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// ListEvents loads the events intersecting w and the exceptions of the
// recurring ones. On failure it returns an empty list together with the error
// and leaves the local list as it was.
func (m *Manager) ListEvents(ctx context.Context, w model.Window) ([]model.Event, error) {
	evs, _, err := m.load(ctx, w)
	if err != nil {
		return []model.Event{}, err
	}
	return append([]model.Event(nil), evs...), nil
}

// ListOccurrences lists w and expands it from that same fetch. Concurrent
// calls for other windows replace the shared list but never leak into this
// result.
func (m *Manager) ListOccurrences(ctx context.Context, w model.Window, maxOccurrences int) ([]model.Occurrence, error) {
	evs, excs, err := m.load(ctx, w)
	if err != nil {
		return []model.Occurrence{}, err
	}
	return recurrence.BetweenAll(evs, excs, w, maxOccurrences), nil
}

// load fetches w, updates the local list, and returns what it fetched.
func (m *Manager) load(ctx context.Context, w model.Window) ([]model.Event, map[string]recurrence.ExceptionSet, error) {
	m.mu.Lock()
	m.window, m.hasWindow = w, true
	m.mu.Unlock()

	evs, err := m.api.ListEvents(ctx, w)
	if err != nil {
		appLog.Error("events: list failed", err, "start", w.Start, "end", w.End)
		return nil, nil, fromAPI(err, "failed to load events")
	}

	m.dispatch(EventsLoaded{Events: evs})
	excs := make(map[string]recurrence.ExceptionSet)
	for _, ev := range evs {
		if !ev.IsRecurring {
			continue
		}
		list, ok := m.loadExceptions(ctx, ev.ID)
		if !ok {
			// keep whatever was known before
			excs[ev.ID] = m.exceptionsOf(ev.ID)
			continue
		}
		excs[ev.ID] = recurrence.NewExceptionSet(list)
	}

	appLog.Info("events: loaded", "count", len(evs))
	return evs, excs, nil
}

func (m *Manager) loadExceptions(ctx context.Context, id string) ([]model.RecurrenceException, bool) {
	excs, err := m.api.ListExceptions(ctx, id)
	if err != nil {
		appLog.Error("events: exceptions failed", err, "event_id", id)
		return nil, false
	}
	m.dispatch(ExceptionsLoaded{EventID: id, Exceptions: excs})
	return excs, true
}

func (m *Manager) exceptionsOf(id string) recurrence.ExceptionSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Exceptions[id].Clone()
}

// Refresh re-fetches the last listed window, or the default window if nothing
// was listed yet.
func (m *Manager) Refresh(ctx context.Context) error {
	w, ok := m.Window()
	if !ok {
		now := m.now()
		w = model.Window{Start: now.Add(-m.backfill), End: now.Add(m.horizon)}
	}
	_, err := m.ListEvents(ctx, w)
	return err
}

// resync re-reads the window after a mutation. Its failure does not fail the
// mutation.
func (m *Manager) resync(ctx context.Context) {
	w, ok := m.Window()
	if !ok {
		return
	}
	if _, err := m.ListEvents(ctx, w); err != nil {
		appLog.Warn("events: re-sync after mutation failed", "err", err.Error())
	}
}

func (m *Manager) authorize(role auth.Role, op string) error {
	if err := auth.Require(role, auth.ManageEvents); err != nil {
		appLog.Warn("events: permission denied", "op", op, "role", role.String())
		return permissionError(err)
	}
	return nil
}

// CreateEvent validates f, creates the event, and appends it to the list.
func (m *Manager) CreateEvent(ctx context.Context, f Form, courseID string, role auth.Role) (model.Event, error) {
	if err := m.authorize(role, "create"); err != nil {
		return model.Event{}, err
	}
	p, err := BuildPayload(f, courseID)
	if err != nil {
		return model.Event{}, err
	}

	ev, err := m.api.CreateEvent(ctx, p)
	if err != nil {
		appLog.Error("events: create failed", err, "title", p.Title)
		return model.Event{}, fromAPI(err, "failed to create event")
	}
	if ev.CourseID == "" {
		ev.CourseID = p.CourseID
	}

	m.dispatch(EventCreated{Event: ev})
	appLog.Info("events: created", "event_id", ev.ID, "recurring", ev.IsRecurring)
	m.resync(ctx)
	return ev, nil
}

// UpdateEvent validates f and replaces event id with the server's copy.
func (m *Manager) UpdateEvent(ctx context.Context, id string, f Form, courseID string, role auth.Role) (model.Event, error) {
	if err := m.authorize(role, "update"); err != nil {
		return model.Event{}, err
	}
	p, err := BuildPayload(f, courseID)
	if err != nil {
		return model.Event{}, err
	}

	ev, err := m.api.UpdateEvent(ctx, id, p)
	if err != nil {
		appLog.Error("events: update failed", err, "event_id", id)
		return model.Event{}, m.mutationError(id, err, "failed to update event")
	}
	if !ev.Saved() {
		ev.ID = id
	}

	m.dispatch(EventUpdated{Event: ev})
	appLog.Info("events: updated", "event_id", id)
	m.resync(ctx)
	return ev, nil
}

// DeleteEvent removes the event and every occurrence of it.
func (m *Manager) DeleteEvent(ctx context.Context, id string, role auth.Role) error {
	if err := m.authorize(role, "delete"); err != nil {
		return err
	}
	if err := m.api.DeleteEvent(ctx, id); err != nil {
		appLog.Error("events: delete failed", err, "event_id", id)
		return m.mutationError(id, err, "failed to delete event")
	}

	m.dispatch(EventDeleted{ID: id})
	appLog.Info("events: deleted", "event_id", id)
	m.resync(ctx)
	return nil
}

// DeleteAllOccurrences deletes a whole series.
func (m *Manager) DeleteAllOccurrences(ctx context.Context, id string, role auth.Role) error {
	return m.DeleteEvent(ctx, id, role)
}

// DeleteOccurrence records an exception for the occurrence that originally
// started at at. The event itself stays.
func (m *Manager) DeleteOccurrence(ctx context.Context, id string, at time.Time, role auth.Role) error {
	if err := m.authorize(role, "delete_occurrence"); err != nil {
		return err
	}
	if err := m.api.CreateException(ctx, id, at); err != nil {
		appLog.Error("events: delete occurrence failed", err, "event_id", id, "at", at)
		return m.mutationError(id, err, "failed to delete occurrence")
	}

	m.dispatch(OccurrenceExcepted{EventID: id, At: at})
	appLog.Info("events: occurrence deleted", "event_id", id, "at", at)
	m.resync(ctx)
	return nil
}

// RestoreOccurrence undoes DeleteOccurrence for the same timestamp.
func (m *Manager) RestoreOccurrence(ctx context.Context, id string, at time.Time, role auth.Role) error {
	if err := m.authorize(role, "restore_occurrence"); err != nil {
		return err
	}
	if err := m.api.DeleteException(ctx, id, at); err != nil {
		appLog.Error("events: restore occurrence failed", err, "event_id", id, "at", at)
		return m.mutationError(id, err, "failed to restore occurrence")
	}

	m.dispatch(OccurrenceRestored{EventID: id, At: at})
	appLog.Info("events: occurrence restored", "event_id", id, "at", at)
	m.resync(ctx)
	return nil
}

// FetchEventDetails reads one event for the edit dialog.
func (m *Manager) FetchEventDetails(ctx context.Context, id string) (model.Event, error) {
	ev, err := m.api.GetEvent(ctx, id)
	if err != nil {
		appLog.Error("events: details failed", err, "event_id", id)
		return model.Event{}, m.mutationError(id, err, "failed to load event")
	}
	return ev, nil
}

// FetchDeletedOccurrences lists the exceptions of a series. On failure it
// returns an empty list together with the error.
func (m *Manager) FetchDeletedOccurrences(ctx context.Context, id string) ([]model.RecurrenceException, error) {
	excs, err := m.api.ListExceptions(ctx, id)
	if err != nil {
		appLog.Error("events: deleted occurrences failed", err, "event_id", id)
		return []model.RecurrenceException{}, fromAPI(err, "failed to load deleted occurrences")
	}
	m.dispatch(ExceptionsLoaded{EventID: id, Exceptions: excs})

	out := make([]model.RecurrenceException, 0, len(excs))
	for _, ex := range excs {
		if !ex.Restored {
			out = append(out, ex)
		}
	}
	return out, nil
}

// mutationError converts err and drops the local entry when the backend says
// the event is gone.
func (m *Manager) mutationError(id string, err error, fallback string) error {
	e := fromAPI(err, fallback)
	if e.Kind == KindNotFound {
		m.dispatch(EventDeleted{ID: id})
	}
	return e
}

func transitionName(t Transition) string {
	switch t.(type) {
	case EventsLoaded:
		return "EventsLoaded"
	case EventCreated:
		return "EventCreated"
	case EventUpdated:
		return "EventUpdated"
	case EventDeleted:
		return "EventDeleted"
	case ExceptionsLoaded:
		return "ExceptionsLoaded"
	case OccurrenceExcepted:
		return "OccurrenceExcepted"
	case OccurrenceRestored:
		return "OccurrenceRestored"
	default:
		return "unknown"
	}
}
