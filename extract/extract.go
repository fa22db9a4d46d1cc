// Package extract pulls journey times and rtEvents out of gate SubscrDetails responses.
//
// The gate payload is loosely structured and has changed shape over time, so every
// lookup is a strategy tried in priority order. Nothing in this package returns an error
// for a malformed payload: missing structure degrades to "unknown".
package extract

import (
	"strings"
	"time"
)

// RawEvent is one rtEvent object exactly as the gate returned it.
type RawEvent map[string]any

// Result is everything a poll needs from one details response.
type Result struct {
	Departure *time.Time
	Arrival   *time.Time
	Events    []RawEvent
}

// Extractor interprets gate timestamps in a fixed local timezone.
type Extractor struct {
	loc        *time.Location
	postWindow time.Duration
}

// New creates an extractor. loc is the timezone the gate reports wall-clock times in.
func New(loc *time.Location, postWindow time.Duration) *Extractor {
	if loc == nil {
		loc = time.UTC
	}
	return &Extractor{loc: loc, postWindow: postWindow}
}

// Location returns the configured gate timezone.
func (e *Extractor) Location() *time.Location { return e.loc }

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"20060102150405",
	"20060102 150405",
}

var offsetLayouts = []string{
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999-07:00",
}

// ParseLocal converts a gate timestamp to UTC.
//
// The gate reports local wall-clock time. A trailing "Z" or "UTC" does not mean UTC
// and is dropped before the wall clock is placed in the configured location. An
// explicit numeric offset is honoured.
func (e *Extractor) ParseLocal(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	switch {
	case strings.HasSuffix(s, "Z"), strings.HasSuffix(s, "z"):
		s = s[:len(s)-1]
	case strings.HasSuffix(s, " UTC"):
		s = strings.TrimSuffix(s, " UTC")
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, e.loc); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Extract resolves departure, arrival and events from a decoded details response.
func (e *Extractor) Extract(resp map[string]any) Result {
	var r Result
	if t, ok := first(resp, e.departureStrategies()); ok {
		r.Departure = &t
	}
	if t, ok := first(resp, e.arrivalStrategies()); ok {
		r.Arrival = &t
	}
	if evs, ok := first(resp, eventStrategies); ok {
		r.Events = evs
	}
	return r
}

// PlannedEnd is the instant after which the journey is considered over:
// arrival (else departure) plus the post window. Nil when neither time is known.
func (e *Extractor) PlannedEnd(dep, arr *time.Time) *time.Time {
	base := arr
	if base == nil {
		base = dep
	}
	if base == nil {
		return nil
	}
	end := base.Add(e.postWindow)
	return &end
}

// Window is the monitored activity period of a journey.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// ActivityWindow returns [dep - pre, max(arr, dep) + post]. It needs a departure.
func ActivityWindow(dep, arr *time.Time, pre, post time.Duration) (Window, bool) {
	if dep == nil {
		return Window{}, false
	}
	end := *dep
	if arr != nil && arr.After(end) {
		end = *arr
	}
	return Window{Start: dep.Add(-pre), End: end.Add(post)}, true
}
