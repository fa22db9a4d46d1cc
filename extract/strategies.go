package extract

import (
	"strconv"
	"time"
)

// strategy reads one known response shape. It reports false when the shape is absent
// or yields nothing usable.
type strategy[T any] func(resp map[string]any) (T, bool)

func first[T any](resp map[string]any, strategies []strategy[T]) (T, bool) {
	for _, s := range strategies {
		if v, ok := s(resp); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// dig walks a decoded JSON value. String steps index objects, int steps index arrays;
// a negative int counts from the end.
func dig(v any, path ...any) (any, bool) {
	cur := v
	for _, step := range path {
		switch s := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			if cur, ok = m[s]; !ok {
				return nil, false
			}
		case int:
			arr, ok := cur.([]any)
			if !ok {
				return nil, false
			}
			if s < 0 {
				s += len(arr)
			}
			if s < 0 || s >= len(arr) {
				return nil, false
			}
			cur = arr[s]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// text renders a scalar JSON value as a string. Objects and arrays yield "".
func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case interface{ String() string }:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func (e *Extractor) timeAt(resp map[string]any, field string, path ...any) (time.Time, bool) {
	obj, ok := dig(resp, path...)
	if !ok {
		return time.Time{}, false
	}
	v, ok := dig(obj, field)
	if !ok {
		return time.Time{}, false
	}
	return e.ParseLocal(text(v))
}

// latestHistoryEvent returns the most recent history event that carries field.
func latestHistoryEvent(resp map[string]any, field string) (map[string]any, bool) {
	v, ok := dig(resp, "svcResL", 0, "res", "eventHistory", "rtEventL")
	if !ok {
		return nil, false
	}
	events, ok := v.([]any)
	if !ok {
		return nil, false
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev, ok := events[i].(map[string]any)
		if !ok {
			continue
		}
		if _, has := ev[field]; has {
			return ev, true
		}
	}
	return nil, false
}

func (e *Extractor) timeStrategies(field string) []strategy[time.Time] {
	return []strategy[time.Time]{
		func(resp map[string]any) (time.Time, bool) {
			return e.timeAt(resp, field, "svcResL", 0, "res", "connectionInfo", 0)
		},
		func(resp map[string]any) (time.Time, bool) {
			return e.timeAt(resp, field, "svcResL", 0, "res", "details", "connectionInfo", 0)
		},
		func(resp map[string]any) (time.Time, bool) {
			ev, ok := latestHistoryEvent(resp, field)
			if !ok {
				return time.Time{}, false
			}
			return e.ParseLocal(text(ev[field]))
		},
	}
}

func (e *Extractor) departureStrategies() []strategy[time.Time] {
	return e.timeStrategies("departureTime")
}

func (e *Extractor) arrivalStrategies() []strategy[time.Time] {
	return e.timeStrategies("arrivalTime")
}

func eventsAt(path ...any) strategy[[]RawEvent] {
	return func(resp map[string]any) ([]RawEvent, bool) {
		v, ok := dig(resp, path...)
		if !ok {
			return nil, false
		}
		list, ok := v.([]any)
		if !ok {
			return nil, false
		}
		var out []RawEvent
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, RawEvent(m))
			}
		}
		return out, len(out) > 0
	}
}

var eventStrategies = []strategy[[]RawEvent]{
	eventsAt("svcResL", 0, "res", "rtInfo", "rtEventL"),
	eventsAt("svcResL", 0, "res", "details", "rtInfo", "rtEventL"),
	eventsAt("svcResL", 0, "res", "eventHistory", "rtEventL"),
}
