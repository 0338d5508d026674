package events

import (
	"time"

	"coursecal/internal/model"
	"coursecal/internal/recurrence"
)

// State is the local view of one calendar window. It is a disposable cache
// of what the backend holds.
type State struct {
	Events     []model.Event
	Exceptions map[string]recurrence.ExceptionSet
}

// Transition is a named change to State. Apply is the only way state moves.
type Transition interface {
	apply(State) State
}

type EventsLoaded struct {
	Events []model.Event
}

type EventCreated struct {
	Event model.Event
}

type EventUpdated struct {
	Event model.Event
}

type EventDeleted struct {
	ID string
}

type ExceptionsLoaded struct {
	EventID    string
	Exceptions []model.RecurrenceException
}

type OccurrenceExcepted struct {
	EventID string
	At      time.Time
}

type OccurrenceRestored struct {
	EventID string
	At      time.Time
}

// Apply returns the state after t. s is not modified.
func Apply(s State, t Transition) State {
	return t.apply(s.clone())
}

func (s State) clone() State {
	out := State{
		Events:     append([]model.Event(nil), s.Events...),
		Exceptions: make(map[string]recurrence.ExceptionSet, len(s.Exceptions)),
	}
	for id, set := range s.Exceptions {
		out.Exceptions[id] = set.Clone()
	}
	return out
}

func (s State) indexOf(id string) int {
	for i := range s.Events {
		if s.Events[i].ID == id {
			return i
		}
	}
	return -1
}

// Event looks up an event by id.
func (s State) Event(id string) (model.Event, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.Events[i], true
	}
	return model.Event{}, false
}

func (t EventsLoaded) apply(s State) State {
	s.Events = append([]model.Event(nil), t.Events...)
	keep := make(map[string]recurrence.ExceptionSet, len(s.Exceptions))
	for _, ev := range s.Events {
		if set, ok := s.Exceptions[ev.ID]; ok {
			keep[ev.ID] = set
		}
	}
	s.Exceptions = keep
	return s
}

func (t EventCreated) apply(s State) State {
	if i := s.indexOf(t.Event.ID); i >= 0 {
		s.Events[i] = t.Event
		return s
	}
	s.Events = append(s.Events, t.Event)
	return s
}

func (t EventUpdated) apply(s State) State {
	if i := s.indexOf(t.Event.ID); i >= 0 {
		s.Events[i] = t.Event
	}
	return s
}

func (t EventDeleted) apply(s State) State {
	if i := s.indexOf(t.ID); i >= 0 {
		s.Events = append(s.Events[:i], s.Events[i+1:]...)
	}
	delete(s.Exceptions, t.ID)
	return s
}

func (t ExceptionsLoaded) apply(s State) State {
	s.Exceptions[t.EventID] = recurrence.NewExceptionSet(t.Exceptions)
	return s
}

func (t OccurrenceExcepted) apply(s State) State {
	set, ok := s.Exceptions[t.EventID]
	if !ok {
		set = recurrence.ExceptionSet{}
		s.Exceptions[t.EventID] = set
	}
	set.Add(t.At)
	return s
}

func (t OccurrenceRestored) apply(s State) State {
	if set, ok := s.Exceptions[t.EventID]; ok {
		set.Remove(t.At)
	}
	return s
}
