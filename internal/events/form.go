package events

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"

	"coursecal/internal/api"
	"coursecal/internal/dateutil"
	"coursecal/internal/model"
)

// Form is the event editor input. Start, End and RecurrenceEnd are local
// wall-clock values in TimeZone (datetime-local style) or RFC3339.
type Form struct {
	Title       string `json:"title" validate:"notblank,max=255"`
	Description string `json:"description" validate:"max=5000"`
	Start       string `json:"start" validate:"required"`
	End         string `json:"end" validate:"required"`
	TimeZone    string `json:"timeZone" validate:"omitempty,timezone"`
	Location    string `json:"location" validate:"max=255"`
	MeetingLink string `json:"meetingLink" validate:"omitempty,url"`

	IsRecurring   bool   `json:"isRecurring"`
	Frequency     string `json:"frequency"`
	Interval      int    `json:"interval" validate:"min=0"`
	RecurrenceEnd string `json:"recurrenceEnd"`
	Count         int    `json:"count" validate:"min=0"`
}

const (
	notBlankTag        = "notblank"
	dateTimeTag        = "datetime_local"
	afterStartTag      = "after_start"
	recurrenceFreqTag  = "recurrence_frequency"
	recurrenceIntvlTag = "recurrence_interval"
)

var (
	validate   *validator.Validate
	translator ut.Translator

	customMessages = map[string]string{
		notBlankTag:        "{0} cannot be blank",
		dateTimeTag:        "{0} is not a valid date and time",
		afterStartTag:      "{0} must be after the start time",
		recurrenceFreqTag:  "choose how often the event repeats",
		recurrenceIntvlTag: "repeat interval must be at least 1",
	}
)

func init() {
	validate = validator.New()

	english := en.New()
	uni := ut.New(english, english)
	translator, _ = uni.GetTranslator("en")
	_ = enTranslations.RegisterDefaultTranslations(validate, translator)

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	validate.RegisterStructValidation(formStructValidation, Form{})

	for tag, text := range customMessages {
		text := text
		_ = validate.RegisterTranslation(tag, translator,
			func(ut.Translator) error { return nil },
			func(_ ut.Translator, fe validator.FieldError) string {
				return strings.ReplaceAll(text, "{0}", fe.Field())
			})
	}
}

// formStructValidation checks what single-field tags cannot: parseable
// times, ordering, and the recurrence fields.
func formStructValidation(sl validator.StructLevel) {
	f, ok := sl.Current().Interface().(Form)
	if !ok {
		return
	}

	start, startErr := dateutil.ParseLocal(f.Start, f.TimeZone)
	end, endErr := dateutil.ParseLocal(f.End, f.TimeZone)
	if strings.TrimSpace(f.Start) != "" && startErr != nil {
		sl.ReportError(f.Start, "start", "Start", dateTimeTag, "")
	}
	if strings.TrimSpace(f.End) != "" && endErr != nil {
		sl.ReportError(f.End, "end", "End", dateTimeTag, "")
	}
	if startErr == nil && endErr == nil && !end.After(start) {
		sl.ReportError(f.End, "end", "End", afterStartTag, "")
	}

	if !f.IsRecurring {
		return
	}
	if !model.ParseFrequency(f.Frequency).Valid() {
		sl.ReportError(f.Frequency, "frequency", "Frequency", recurrenceFreqTag, "")
	}
	if f.Interval < 1 {
		sl.ReportError(f.Interval, "interval", "Interval", recurrenceIntvlTag, "")
	}
	if strings.TrimSpace(f.RecurrenceEnd) != "" {
		until, err := recurrenceEnd(f.RecurrenceEnd, f.TimeZone)
		switch {
		case err != nil:
			sl.ReportError(f.RecurrenceEnd, "recurrenceEnd", "RecurrenceEnd", dateTimeTag, "")
		case startErr == nil && until.Before(start):
			sl.ReportError(f.RecurrenceEnd, "recurrenceEnd", "RecurrenceEnd", afterStartTag, "")
		}
	}
}

// Validate returns nil or a KindValidation *Error listing every bad field.
func (f Form) Validate() error {
	err := validate.Struct(f)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return &Error{Kind: KindValidation, Message: "the event form is invalid", Err: err}
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Error: fe.Translate(translator)})
	}
	return &Error{Kind: KindValidation, Message: fields[0].Error, Fields: fields, Err: err}
}

// BuildPayload validates f and converts it to the wire payload. A recurring
// form without an end date gets one a year after the start; a count, if
// given, still applies alongside it.
func BuildPayload(f Form, courseID string) (api.EventPayload, error) {
	if err := f.Validate(); err != nil {
		return api.EventPayload{}, err
	}

	// both parse, Validate checked
	start, _ := dateutil.ParseLocal(f.Start, f.TimeZone)
	end, _ := dateutil.ParseLocal(f.End, f.TimeZone)

	p := api.EventPayload{
		Title:       strings.TrimSpace(f.Title),
		Description: f.Description,
		StartTime:   dateutil.ISO(start),
		EndTime:     dateutil.ISO(end),
		TimeZone:    strings.TrimSpace(f.TimeZone),
		Location:    strings.TrimSpace(f.Location),
		MeetingLink: strings.TrimSpace(f.MeetingLink),
		IsRecurring: f.IsRecurring,
		CourseID:    strings.TrimSpace(courseID),
	}
	if !f.IsRecurring {
		return p, nil
	}

	rule := &api.RulePayload{
		Frequency: string(model.ParseFrequency(f.Frequency)),
		Interval:  f.Interval,
		Count:     f.Count,
	}
	if strings.TrimSpace(f.RecurrenceEnd) != "" {
		until, _ := recurrenceEnd(f.RecurrenceEnd, f.TimeZone)
		rule.EndDate = dateutil.ISO(until)
	} else {
		rule.EndDate = dateutil.ISO(dateutil.DefaultRecurrenceEnd(start))
	}
	p.RecurrenceRule = rule
	return p, nil
}

// recurrenceEnd parses the series end. A bare date means the end of that day.
func recurrenceEnd(value, zone string) (time.Time, error) {
	t, err := dateutil.ParseLocal(value, zone)
	if err != nil {
		return time.Time{}, err
	}
	if _, derr := time.Parse("2006-01-02", strings.TrimSpace(value)); derr == nil {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

// FormFromEvent fills a form for editing ev, with times shown in ev's zone.
func FormFromEvent(ev model.Event) Form {
	loc := dateutil.LoadLocation(ev.TimeZone)
	const layout = "2006-01-02T15:04"

	f := Form{
		Title:       ev.Title,
		Description: ev.Description,
		Start:       ev.StartTime.In(loc).Format(layout),
		End:         ev.EndTime.In(loc).Format(layout),
		TimeZone:    ev.TimeZone,
		Location:    ev.Location,
		MeetingLink: ev.MeetingLink,
		IsRecurring: ev.IsRecurring,
	}
	if r := ev.RecurrenceRule; r != nil {
		f.Frequency = string(r.Frequency)
		f.Interval = r.Interval
		f.Count = r.Count
		if r.EndDate != nil {
			f.RecurrenceEnd = r.EndDate.In(loc).Format(layout)
		}
	}
	return f
}
