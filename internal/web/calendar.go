package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"coursecal/internal/dateutil"
	"coursecal/internal/events"
	"coursecal/internal/ics"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
)

type occurrenceDTO struct {
	EventID      string    `json:"event_id"`
	InstanceKey  string    `json:"instance_key"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	MeetingLink  string    `json:"meeting_link,omitempty"`
	CourseID     string    `json:"course_id,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Display      string    `json:"display"`
	IsOccurrence bool      `json:"is_occurrence"`
	IsRecurring  bool      `json:"is_recurring"`
}

type occurrencesResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
	WeekStart       string          `json:"week_start"`

	// Error is set when the backend could not be read; Occurrences is then
	// empty rather than the request failing.
	Error string `json:"error,omitempty"`
}

type occurrencesCache struct {
	key       string
	resp      occurrencesResponse
	occ       []model.Occurrence
	updatedAt time.Time
}

func (s *Server) invalidate() {
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheMu.Unlock()
}

func (s *Server) invalidateOnNotFound(err error) {
	if events.KindOf(err) == events.KindNotFound {
		s.invalidate()
	}
}

// window reads days and backfill from the query, falling back to config.
func (s *Server) window(r *http.Request) (model.Window, string) {
	q := r.URL.Query()
	return s.windowFor(parseIntDefault(q.Get("days"), s.cfg.HorizonDays), parseIntDefault(q.Get("backfill"), s.cfg.BackfillDays))
}

// windowFor is [now-backfill days, now+days days) in the display zone.
func (s *Server) windowFor(days, backfill int) (model.Window, string) {
	if days <= 0 {
		days = s.cfg.HorizonDays
	}
	if backfill < 0 {
		backfill = 0
	}

	now := s.now().In(dateutil.LoadLocation(s.cfg.Timezone))
	w := model.Window{
		Start: dateutil.UTC(now.AddDate(0, 0, -backfill)),
		End:   dateutil.UTC(now.AddDate(0, 0, days)),
	}
	return w, fmt.Sprintf("%d/%d", days, backfill)
}

// occurrences serves the window from a short-lived cache so page reloads do
// not hit the backend every time.
func (s *Server) occurrences(ctx context.Context, w model.Window, key string) (occurrencesResponse, []model.Occurrence) {
	now := s.now()

	s.cacheMu.RLock()
	c := s.cache
	s.cacheMu.RUnlock()
	if c != nil && c.key == key && now.Sub(c.updatedAt) < occurrencesCacheTTL {
		return c.resp, c.occ
	}

	resp, occ, err := s.load(ctx, w)
	if err != nil {
		// degraded result is not cached
		return resp, nil
	}
	s.remember(key, resp, occ, now)
	return resp, occ
}

// load lists and expands w in one manager call.
func (s *Server) load(ctx context.Context, w model.Window) (occurrencesResponse, []model.Occurrence, error) {
	resp := occurrencesResponse{
		Occurrences:     []occurrenceDTO{},
		RangeStart:      w.Start,
		RangeEnd:        w.End,
		DisplayTimeZone: dateutil.LoadLocation(s.cfg.Timezone).String(),
		WeekStart:       s.cfg.WeekStart,
	}

	occ, err := s.cal.ListOccurrences(ctx, w, s.cfg.MaxOccurrences)
	if err != nil {
		resp.Error = err.Error()
		return resp, nil, err
	}
	for _, o := range occ {
		resp.Occurrences = append(resp.Occurrences, toOccurrenceDTO(o))
	}

	appLog.Info("occurrences expanded", "count", len(occ), "range_start", w.Start.Format(time.RFC3339), "range_end", w.End.Format(time.RFC3339))
	return resp, occ, nil
}

func (s *Server) remember(key string, resp occurrencesResponse, occ []model.Occurrence, at time.Time) {
	s.cacheMu.Lock()
	s.cache = &occurrencesCache{key: key, resp: resp, occ: occ, updatedAt: at}
	s.cacheMu.Unlock()
}

// Refresh re-reads the default window and replaces the cache with it, so the
// next page load shows the backend's current state. The scheduler calls it.
func (s *Server) Refresh(ctx context.Context) error {
	w, key := s.windowFor(s.cfg.HorizonDays, s.cfg.BackfillDays)
	resp, occ, err := s.load(ctx, w)
	if err != nil {
		return err
	}
	s.remember(key, resp, occ, s.now())
	return nil
}

func toOccurrenceDTO(o model.Occurrence) occurrenceDTO {
	dto := occurrenceDTO{
		InstanceKey:  o.InstanceKey(),
		Start:        o.StartTime,
		End:          o.EndTime,
		Display:      o.Display,
		IsOccurrence: o.IsOccurrence,
	}
	if ev := o.Original; ev != nil {
		dto.EventID = ev.ID
		dto.Title = ev.Title
		dto.Description = ev.Description
		dto.Location = ev.Location
		dto.MeetingLink = ev.MeetingLink
		dto.CourseID = ev.CourseID
		dto.IsRecurring = ev.IsRecurring
	}
	return dto
}

// handleOccurrences serves GET /api/occurrences?days=30&backfill=1.
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	win, key := s.window(r)
	resp, _ := s.occurrences(r.Context(), win, key)
	writeJSON(w, http.StatusOK, resp)
}

// handleCalendarFeed serves the window as an ICS document.
func (s *Server) handleCalendarFeed(w http.ResponseWriter, r *http.Request) {
	win, key := s.window(r)
	resp, occ := s.occurrences(r.Context(), win, key)
	if resp.Error != "" {
		writeError(w, http.StatusBadGateway, resp.Error)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="calendar.ics"`)
	_, _ = w.Write([]byte(ics.Export(occ, "Course calendar", s.now())))
}

type dayGroup struct {
	Label string
	Items []occurrenceDTO
}

type calendarPage struct {
	Title     string
	TimeZone  string
	Generated string
	Days      []dayGroup
	Error     string
}

// groupByDay buckets occurrences by their local start date.
func groupByDay(occ []occurrenceDTO, loc *time.Location) []dayGroup {
	out := make([]dayGroup, 0)
	for _, o := range occ {
		label := o.Start.In(loc).Format("Monday, January 2")
		if len(out) == 0 || out[len(out)-1].Label != label {
			out = append(out, dayGroup{Label: label})
		}
		last := &out[len(out)-1]
		last.Items = append(last.Items, o)
	}
	return out
}

var calendarTmpl = template.Must(template.New("calendar").Funcs(template.FuncMap{
	"clock": func(t time.Time, loc *time.Location) string { return t.In(loc).Format("3:04 PM") },
}).Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Page.Title}}</title>
<style>
body { font-family: sans-serif; margin: 24px; }
h2 { border-bottom: 1px solid #999; margin-top: 20px; }
.item { margin: 4px 0; }
.time { display: inline-block; width: 160px; font-variant-numeric: tabular-nums; }
.error { color: #b00; }
</style>
</head>
<body data-ready="true">
<h1>{{.Page.Title}}</h1>
<p>{{.Page.TimeZone}} · generated {{.Page.Generated}}</p>
{{if .Page.Error}}<p class="error">{{.Page.Error}}</p>{{end}}
{{range .Page.Days}}
<h2>{{.Label}}</h2>
{{range .Items}}<div class="item"><span class="time">{{clock .Start $.Loc}} – {{clock .End $.Loc}}</span> {{.Title}}{{if .Location}} · {{.Location}}{{end}}</div>
{{end}}
{{else}}<p>No upcoming events.</p>
{{end}}
</body>
</html>
`))

// handleCalendarPage renders a printable agenda. The body carries
// data-ready="true" so headless capture knows the page is complete.
func (s *Server) handleCalendarPage(w http.ResponseWriter, r *http.Request) {
	win, key := s.window(r)
	resp, _ := s.occurrences(r.Context(), win, key)
	loc := dateutil.LoadLocation(s.cfg.Timezone)

	page := calendarPage{
		Title:     "Course calendar",
		TimeZone:  loc.String(),
		Generated: dateutil.FormatDisplay(s.now(), loc.String()),
		Days:      groupByDay(resp.Occurrences, loc),
		Error:     resp.Error,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := calendarTmpl.Execute(w, struct {
		Page calendarPage
		Loc  *time.Location
	}{page, loc})
	if err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("calendar page render failed", err)
	}
}
