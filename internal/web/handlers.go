package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coursecal/internal/auth"
	"coursecal/internal/dateutil"
	"coursecal/internal/events"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
	"coursecal/internal/store"
)

const maxRequestBytes = 1 << 20

// eventRequest is the body of POST and PATCH /api/events.
type eventRequest struct {
	events.Form
	CourseID string `json:"courseId"`
}

type occurrenceRequest struct {
	OccurrenceDate string `json:"occurrenceDate"`
}

type ruleDTO struct {
	Frequency string     `json:"frequency"`
	Interval  int        `json:"interval"`
	EndDate   *time.Time `json:"endDate,omitempty"`
	Count     int        `json:"count,omitempty"`
}

type eventDTO struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	TimeZone       string    `json:"timeZone,omitempty"`
	Location       string    `json:"location,omitempty"`
	MeetingLink    string    `json:"meetingLink,omitempty"`
	IsRecurring    bool      `json:"isRecurring"`
	RecurrenceRule *ruleDTO  `json:"recurrenceRule,omitempty"`
	CourseID       string    `json:"courseId,omitempty"`
}

func toEventDTO(ev model.Event) eventDTO {
	out := eventDTO{
		ID:          ev.ID,
		Title:       ev.Title,
		Description: ev.Description,
		Start:       ev.StartTime,
		End:         ev.EndTime,
		TimeZone:    ev.TimeZone,
		Location:    ev.Location,
		MeetingLink: ev.MeetingLink,
		IsRecurring: ev.IsRecurring,
		CourseID:    ev.CourseID,
	}
	if r := ev.RecurrenceRule; r != nil {
		out.RecurrenceRule = &ruleDTO{Frequency: string(r.Frequency), Interval: r.Interval, EndDate: r.EndDate, Count: r.Count}
	}
	return out
}

type exceptionDTO struct {
	ID             string    `json:"id"`
	OccurrenceDate time.Time `json:"occurrenceDate"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// parseOccurrenceDate accepts RFC3339 or a local value in the display zone.
func (s *Server) parseOccurrenceDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v)); err == nil {
		return dateutil.UTC(t), nil
	}
	return dateutil.ParseLocal(v, s.cfg.Timezone)
}

// handleGetEvent returns an event with a prefilled edit form. canManage tells
// the UI whether to offer edit and delete for the acting role.
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.cal.FetchEventDetails(r.Context(), r.PathValue("id"))
	if err != nil {
		s.invalidateOnNotFound(err)
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event":     toEventDTO(ev),
		"form":      events.FormFromEvent(ev),
		"canManage": auth.CanManageEvents(s.actingRole(r)),
	})
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ev, err := s.cal.CreateEvent(r.Context(), req.Form, req.CourseID, s.actingRole(r))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusCreated, toEventDTO(ev))
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ev, err := s.cal.UpdateEvent(r.Context(), r.PathValue("id"), req.Form, req.CourseID, s.actingRole(r))
	if err != nil {
		s.invalidateOnNotFound(err)
		writeManagerError(w, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cal.DeleteEvent(r.Context(), id, s.actingRole(r)); err != nil {
		s.invalidateOnNotFound(err)
		writeManagerError(w, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// handleDeleteOccurrences deletes one occurrence when occurrenceDate is given,
// or the whole series with ?all=true. A request with neither is rejected.
func (s *Server) handleDeleteOccurrences(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req occurrenceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	hasDate := strings.TrimSpace(req.OccurrenceDate) != ""
	switch {
	case all && hasDate:
		writeError(w, http.StatusBadRequest, "use either occurrenceDate or all=true, not both")
		return
	case !all && !hasDate:
		writeError(w, http.StatusBadRequest, "occurrenceDate is required; pass all=true to delete the series")
		return
	}

	if all {
		if err := s.cal.DeleteAllOccurrences(r.Context(), id, s.actingRole(r)); err != nil {
			s.invalidateOnNotFound(err)
			writeManagerError(w, err)
			return
		}
		s.invalidate()
		writeJSON(w, http.StatusOK, map[string]string{"status": "series_deleted", "id": id})
		return
	}

	at, err := s.parseOccurrenceDate(req.OccurrenceDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "occurrenceDate is not a valid date and time")
		return
	}
	if err := s.cal.DeleteOccurrence(r.Context(), id, at, s.actingRole(r)); err != nil {
		s.invalidateOnNotFound(err)
		writeManagerError(w, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "occurrence_deleted", "id": id, "occurrenceDate": dateutil.ISO(at)})
}

func (s *Server) handleRestoreOccurrence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req occurrenceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	at, err := s.parseOccurrenceDate(req.OccurrenceDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "occurrenceDate is required")
		return
	}

	if err := s.cal.RestoreOccurrence(r.Context(), id, at, s.actingRole(r)); err != nil {
		s.invalidateOnNotFound(err)
		writeManagerError(w, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "occurrence_restored", "id": id, "occurrenceDate": dateutil.ISO(at)})
}

func (s *Server) handleExceptions(w http.ResponseWriter, r *http.Request) {
	excs, err := s.cal.FetchDeletedOccurrences(r.Context(), r.PathValue("id"))
	out := make([]exceptionDTO, 0, len(excs))
	for _, ex := range excs {
		out = append(out, exceptionDTO{ID: ex.ID, OccurrenceDate: ex.OccurrenceDate})
	}

	resp := map[string]any{"exceptions": out}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

var calendarViews = map[string]bool{"month": true, "week": true, "day": true, "agenda": true}

const defaultView = "month"

func (s *Server) handleGetView(w http.ResponseWriter, _ *http.Request) {
	view, err := s.store.Get(store.KeySelectedView)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			appLog.Error("view read failed", err)
		}
		view = defaultView
	}
	writeJSON(w, http.StatusOK, map[string]string{"view": view})
}

func (s *Server) handlePutView(w http.ResponseWriter, r *http.Request) {
	var req struct {
		View string `json:"view"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	view := strings.ToLower(strings.TrimSpace(req.View))
	if !calendarViews[view] {
		writeError(w, http.StatusBadRequest, "view must be one of month, week, day, agenda")
		return
	}
	if err := s.store.Set(store.KeySelectedView, view); err != nil {
		appLog.Error("view save failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save view")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"view": view})
}
