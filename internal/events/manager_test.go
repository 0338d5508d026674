package events

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursecal/internal/api"
	"coursecal/internal/auth"
	"coursecal/internal/model"
)

// fakeAPI is an in-memory backend.
type fakeAPI struct {
	mu         sync.Mutex
	events     map[string]model.Event
	exceptions map[string][]model.RecurrenceException
	calls      []string

	// fail maps a method name to the error it returns next.
	fail map[string]error

	// beforeReturn runs inside a call, after the backend changed state.
	beforeReturn func(method string)

	// beforeListExceptions runs at the start of ListExceptions, outside the lock.
	beforeListExceptions func()
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		events:     map[string]model.Event{},
		exceptions: map[string][]model.RecurrenceException{},
		fail:       map[string]error{},
	}
}

func (f *fakeAPI) enter(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if err, ok := f.fail[method]; ok {
		delete(f.fail, method)
		return err
	}
	return nil
}

func (f *fakeAPI) leave(method string) {
	if f.beforeReturn != nil {
		f.beforeReturn(method)
	}
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAPI) ListEvents(_ context.Context, w model.Window) ([]model.Event, error) {
	if err := f.enter("ListEvents"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	out := make([]model.Event, 0, len(f.events))
	for _, ev := range f.events {
		if inWindow(ev, w) {
			out = append(out, ev)
		}
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAPI) GetEvent(_ context.Context, id string) (model.Event, error) {
	if err := f.enter("GetEvent"); err != nil {
		return model.Event{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return model.Event{}, &api.HTTPError{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	return ev, nil
}

func (f *fakeAPI) CreateEvent(_ context.Context, p api.EventPayload) (model.Event, error) {
	if err := f.enter("CreateEvent"); err != nil {
		return model.Event{}, err
	}
	ev := eventFromPayload(uuid.NewString(), p)
	f.mu.Lock()
	f.events[ev.ID] = ev
	f.mu.Unlock()
	f.leave("CreateEvent")
	return ev, nil
}

func (f *fakeAPI) UpdateEvent(_ context.Context, id string, p api.EventPayload) (model.Event, error) {
	if err := f.enter("UpdateEvent"); err != nil {
		return model.Event{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[id]; !ok {
		return model.Event{}, &api.HTTPError{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	ev := eventFromPayload(id, p)
	f.events[id] = ev
	return ev, nil
}

func (f *fakeAPI) DeleteEvent(_ context.Context, id string) error {
	if err := f.enter("DeleteEvent"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[id]; !ok {
		return &api.HTTPError{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	delete(f.events, id)
	delete(f.exceptions, id)
	return nil
}

func (f *fakeAPI) ListExceptions(_ context.Context, id string) ([]model.RecurrenceException, error) {
	if f.beforeListExceptions != nil {
		f.beforeListExceptions()
	}
	if err := f.enter("ListExceptions"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.RecurrenceException(nil), f.exceptions[id]...), nil
}

func (f *fakeAPI) CreateException(_ context.Context, id string, at time.Time) error {
	if err := f.enter("CreateException"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exceptions[id] = append(f.exceptions[id], model.RecurrenceException{
		ID: uuid.NewString(), EventID: id, OccurrenceDate: at,
	})
	return nil
}

func (f *fakeAPI) DeleteException(_ context.Context, id string, at time.Time) error {
	if err := f.enter("DeleteException"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.exceptions[id][:0]
	for _, ex := range f.exceptions[id] {
		if !ex.OccurrenceDate.Equal(at) {
			kept = append(kept, ex)
		}
	}
	f.exceptions[id] = kept
	return nil
}

// inWindow is the backend's filter: single events overlapping w, and series
// that started before w ends and were not over before it began.
func inWindow(ev model.Event, w model.Window) bool {
	if !ev.IsRecurring {
		return w.Overlaps(ev.StartTime, ev.EndTime)
	}
	if !ev.StartTime.Before(w.End) {
		return false
	}
	r := ev.RecurrenceRule
	return r == nil || r.EndDate == nil || !r.EndDate.Before(w.Start)
}

func eventFromPayload(id string, p api.EventPayload) model.Event {
	start, _ := time.Parse(time.RFC3339, p.StartTime)
	end, _ := time.Parse(time.RFC3339, p.EndTime)
	ev := model.Event{
		ID:          id,
		Title:       p.Title,
		StartTime:   start.UTC(),
		EndTime:     end.UTC(),
		TimeZone:    p.TimeZone,
		IsRecurring: p.IsRecurring,
		CourseID:    p.CourseID,
	}
	if r := p.RecurrenceRule; r != nil {
		rule := &model.RecurrenceRule{Frequency: model.ParseFrequency(r.Frequency), Interval: r.Interval, Count: r.Count}
		if r.EndDate != "" {
			until, _ := time.Parse(time.RFC3339, r.EndDate)
			until = until.UTC()
			rule.EndDate = &until
		}
		ev.RecurrenceRule = rule
	}
	return ev
}

var (
	testNow    = time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	testWindow = model.Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
)

func newTestManager(t *testing.T) (*Manager, *fakeAPI) {
	t.Helper()
	fake := newFakeAPI()
	m := NewManager(fake, WithClock(func() time.Time { return testNow }))
	_, err := m.ListEvents(context.Background(), testWindow)
	require.NoError(t, err)
	return m, fake
}

func standupForm() Form {
	return Form{
		Title:       "Standup",
		Start:       "2024-01-01T09:00:00Z",
		End:         "2024-01-01T09:15:00Z",
		IsRecurring: true,
		Frequency:   "DAILY",
		Interval:    1,
		Count:       3,
	}
}

func TestCreateEvent_RoundTripThroughExpansion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateEvent(ctx, standupForm(), "course-1", auth.RoleInstructor)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "course-1", created.CourseID)

	evs := m.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, created.ID, evs[0].ID)

	occ := m.Occurrences(30, testNow)
	require.Len(t, occ, 3)
	for i, o := range occ {
		assert.Equal(t, time.Date(2024, 1, 1+i, 9, 0, 0, 0, time.UTC), o.StartTime)
		assert.Equal(t, 15*time.Minute, o.EndTime.Sub(o.StartTime))
		assert.Equal(t, created.ID, o.Original.ID)
	}
}

func TestMutations_RejectedForNonManagers(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	before := fake.callCount()
	at := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

	// an invalid form still reports permission first
	_, err := m.CreateEvent(ctx, Form{}, "", auth.RoleUser)
	assert.Equal(t, KindPermission, KindOf(err))

	_, err = m.UpdateEvent(ctx, "x", standupForm(), "", auth.RoleUser)
	assert.Equal(t, KindPermission, KindOf(err))
	assert.Equal(t, KindPermission, KindOf(m.DeleteEvent(ctx, "x", auth.RoleUser)))
	assert.Equal(t, KindPermission, KindOf(m.DeleteAllOccurrences(ctx, "x", auth.RoleUser)))
	assert.Equal(t, KindPermission, KindOf(m.DeleteOccurrence(ctx, "x", at, auth.RoleUser)))
	assert.Equal(t, KindPermission, KindOf(m.RestoreOccurrence(ctx, "x", at, auth.RoleUser)))

	assert.Equal(t, before, fake.callCount(), "no network call")
	assert.Empty(t, m.Events())
	assert.Equal(t, auth.ErrPermissionDenied.Error(), err.Error())
}

func TestCreateEvent_InvalidFormMakesNoCall(t *testing.T) {
	m, fake := newTestManager(t)
	before := fake.callCount()

	f := standupForm()
	f.End = f.Start
	_, err := m.CreateEvent(context.Background(), f, "", auth.RoleAdmin)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindValidation, e.Kind)
	assert.NotEmpty(t, e.Fields)
	assert.Equal(t, before, fake.callCount())
}

func TestFailedMutationsLeaveListUnchanged(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateEvent(ctx, standupForm(), "", auth.RoleAdmin)
	require.NoError(t, err)
	before := m.Events()

	fake.fail["CreateEvent"] = &api.HTTPError{StatusCode: http.StatusBadRequest, Message: "Title already used"}
	_, err = m.CreateEvent(ctx, standupForm(), "", auth.RoleAdmin)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindValidation, e.Kind)
	assert.Equal(t, "Title already used", e.Message)
	assert.Equal(t, before, m.Events())

	fake.fail["UpdateEvent"] = &api.HTTPError{StatusCode: http.StatusInternalServerError, Message: "boom"}
	f := standupForm()
	f.Title = "Renamed"
	_, err = m.UpdateEvent(ctx, created.ID, f, "", auth.RoleAdmin)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindTransport, e.Kind)
	assert.Equal(t, "failed to update event", e.Message)
	assert.Equal(t, before, m.Events())

	fake.fail["DeleteEvent"] = errors.New("connection reset")
	err = m.DeleteEvent(ctx, created.ID, auth.RoleAdmin)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindTransport, e.Kind)
	assert.Equal(t, unreachableMessage, e.Message)
	assert.Equal(t, before, m.Events())
}

func TestUpdateEvent_ReplacesLocalEntry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateEvent(ctx, standupForm(), "", auth.RoleAdmin)
	require.NoError(t, err)

	f := standupForm()
	f.Title = "Daily sync"
	updated, err := m.UpdateEvent(ctx, created.ID, f, "", auth.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "Daily sync", updated.Title)

	evs := m.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, "Daily sync", evs[0].Title)
}

func TestDeleteEvent(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateEvent(ctx, standupForm(), "", auth.RoleAdmin)
	require.NoError(t, err)

	require.NoError(t, m.DeleteAllOccurrences(ctx, created.ID, auth.RoleAdmin))
	assert.Empty(t, m.Events())
	assert.Empty(t, m.Occurrences(30, testNow))
	assert.Empty(t, fake.events)
}

func TestNotFoundDropsStaleEntry(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateEvent(ctx, standupForm(), "", auth.RoleAdmin)
	require.NoError(t, err)

	// removed behind our back
	fake.mu.Lock()
	delete(fake.events, created.ID)
	fake.mu.Unlock()

	err = m.DeleteEvent(ctx, created.ID, auth.RoleAdmin)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Empty(t, m.Events())
}

func TestDeleteAndRestoreOccurrence(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateEvent(ctx, standupForm(), "", auth.RoleInstructor)
	require.NoError(t, err)
	second := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, m.DeleteOccurrence(ctx, created.ID, second, auth.RoleInstructor))
	occ := m.Occurrences(30, testNow)
	require.Len(t, occ, 2)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), occ[0].StartTime)
	assert.Equal(t, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC), occ[1].StartTime)
	assert.Len(t, m.Events(), 1, "base event stays")

	deleted, err := m.FetchDeletedOccurrences(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.True(t, deleted[0].OccurrenceDate.Equal(second))

	require.NoError(t, m.RestoreOccurrence(ctx, created.ID, second, auth.RoleInstructor))
	assert.Len(t, m.Occurrences(30, testNow), 3)
}

func TestReadFailuresDegradeToEmpty(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	fake.fail["ListEvents"] = errors.New("dial tcp: timeout")
	evs, err := m.ListEvents(ctx, testWindow)
	assert.NotNil(t, evs)
	assert.Empty(t, evs)
	assert.Equal(t, KindTransport, KindOf(err))

	fake.fail["ListExceptions"] = &api.HTTPError{StatusCode: http.StatusBadGateway, Message: "bad gateway"}
	excs, err := m.FetchDeletedOccurrences(ctx, "any")
	assert.NotNil(t, excs)
	assert.Empty(t, excs)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestFetchEventDetails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateEvent(ctx, standupForm(), "", auth.RoleAdmin)
	require.NoError(t, err)

	got, err := m.FetchEventDetails(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Standup", got.Title)

	_, err = m.FetchEventDetails(ctx, "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestResultsAfterCloseAreIgnored(t *testing.T) {
	m, fake := newTestManager(t)
	fake.beforeReturn = func(method string) {
		if method == "CreateEvent" {
			m.Close()
		}
	}

	created, err := m.CreateEvent(context.Background(), standupForm(), "", auth.RoleAdmin)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Empty(t, m.Events())
}

func TestRefreshUsesDefaultWindow(t *testing.T) {
	fake := newFakeAPI()
	m := NewManager(fake, WithClock(func() time.Time { return testNow }), WithWindow(24*time.Hour, 7*24*time.Hour))

	_, ok := m.Window()
	assert.False(t, ok)

	require.NoError(t, m.Refresh(context.Background()))
	w, ok := m.Window()
	require.True(t, ok)
	assert.Equal(t, testNow.Add(-24*time.Hour), w.Start)
	assert.Equal(t, testNow.Add(7*24*time.Hour), w.End)
}

func TestListEvents_OnlyWindow(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	exam := Form{Title: "Final exam", Start: "2024-03-04T09:00:00Z", End: "2024-03-04T11:00:00Z"}
	_, err := m.CreateEvent(ctx, exam, "", auth.RoleAdmin)
	require.NoError(t, err)
	_, err = m.CreateEvent(ctx, standupForm(), "", auth.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, fake.events, 2)

	evs, err := m.ListEvents(ctx, testWindow)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "Standup", evs[0].Title)
	assert.Len(t, m.Events(), 1, "local list holds the listed window only")

	march := model.Window{Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)}
	occ, err := m.ListOccurrences(ctx, march, 30)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, "Final exam", occ[0].Original.Title)
	assert.False(t, occ[0].IsOccurrence)
}

func TestListOccurrences_IgnoresConcurrentWindow(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateEvent(ctx, standupForm(), "", auth.RoleAdmin)
	require.NoError(t, err)
	exam := Form{Title: "Final exam", Start: "2024-01-20T09:00:00Z", End: "2024-01-20T11:00:00Z"}
	_, err = m.CreateEvent(ctx, exam, "", auth.RoleAdmin)
	require.NoError(t, err)

	short := model.Window{Start: testWindow.Start, End: testWindow.Start.AddDate(0, 0, 2)}

	// a list of another window lands while this one is still loading exceptions
	fired := false
	fake.beforeListExceptions = func() {
		if fired {
			return
		}
		fired = true
		_, err := m.ListEvents(ctx, short)
		require.NoError(t, err)
	}

	occ, err := m.ListOccurrences(ctx, testWindow, 30)
	require.NoError(t, err)
	titles := make([]string, 0, len(occ))
	for _, o := range occ {
		titles = append(titles, o.Original.Title)
	}
	assert.Equal(t, []string{"Standup", "Standup", "Standup", "Final exam"}, titles)
	assert.Len(t, m.Events(), 1, "shared list follows the last listed window")
}

func TestListOccurrences_KeepsKnownExceptionsOnFailure(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateEvent(ctx, standupForm(), "", auth.RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, m.DeleteOccurrence(ctx, created.ID, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), auth.RoleAdmin))

	fake.fail["ListExceptions"] = errors.New("connection reset")
	occ, err := m.ListOccurrences(ctx, testWindow, 30)
	require.NoError(t, err)
	assert.Len(t, occ, 2)
}
