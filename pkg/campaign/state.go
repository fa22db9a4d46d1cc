package campaign

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// State is the persisted poll progress of one subscription.
// Fields this version does not know about are kept in Extra and written back verbatim.
type State struct {
	SeenKeys        map[string]struct{}
	PollCount       int
	LastPollUTC     *time.Time
	LastActivityUTC *time.Time
	PlannedEndUTC   *time.Time
	Done            bool

	Extra map[string]json.RawMessage
}

// NewState returns the empty state used on the first poll of a subscription.
func NewState() *State {
	return &State{SeenKeys: make(map[string]struct{})}
}

// Seen reports whether key was already emitted.
func (s *State) Seen(key string) bool {
	_, ok := s.SeenKeys[key]
	return ok
}

// MarkSeen records key as emitted. Keys are never removed.
func (s *State) MarkSeen(key string) {
	if s.SeenKeys == nil {
		s.SeenKeys = make(map[string]struct{})
	}
	s.SeenKeys[key] = struct{}{}
}

// SortedKeys returns the seen keys in a stable order.
func (s *State) SortedKeys() []string {
	keys := make([]string, 0, len(s.SeenKeys))
	for k := range s.SeenKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var knownStateFields = []string{"seenKeys", "pollCount", "lastPollUtc", "lastActivityUtc", "plannedEndUtc", "done"}

type stateJSON struct {
	SeenKeys        []string `json:"seenKeys"`
	PollCount       *int     `json:"pollCount"`
	LastPollUTC     *string  `json:"lastPollUtc"`
	LastActivityUTC *string  `json:"lastActivityUtc"`
	PlannedEndUTC   *string  `json:"plannedEndUtc"`
	Done            bool     `json:"done"`
}

// UnmarshalJSON decodes known fields and stashes the rest.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	var known stateJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("decode state fields: %w", err)
	}

	*s = State{SeenKeys: make(map[string]struct{}, len(known.SeenKeys))}
	for _, k := range known.SeenKeys {
		s.SeenKeys[k] = struct{}{}
	}
	if known.PollCount != nil {
		s.PollCount = *known.PollCount
	}
	s.Done = known.Done
	var err error
	if s.LastPollUTC, err = parseOptional(known.LastPollUTC); err != nil {
		return fmt.Errorf("decode lastPollUtc: %w", err)
	}
	if s.LastActivityUTC, err = parseOptional(known.LastActivityUTC); err != nil {
		return fmt.Errorf("decode lastActivityUtc: %w", err)
	}
	if s.PlannedEndUTC, err = parseOptional(known.PlannedEndUTC); err != nil {
		return fmt.Errorf("decode plannedEndUtc: %w", err)
	}

	for _, f := range knownStateFields {
		delete(raw, f)
	}
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

// MarshalJSON writes known fields over the preserved unknown ones.
func (s *State) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+len(knownStateFields))
	for k, v := range s.Extra {
		out[k] = v
	}
	out["seenKeys"] = s.SortedKeys()
	out["pollCount"] = s.PollCount
	out["lastPollUtc"] = formatOptional(s.LastPollUTC)
	out["lastActivityUtc"] = formatOptional(s.LastActivityUTC)
	out["plannedEndUtc"] = formatOptional(s.PlannedEndUTC)
	out["done"] = s.Done
	return json.Marshal(out)
}

func parseOptional(v *string) (*time.Time, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	t, ok := ParseTimestamp(*v)
	if !ok {
		return nil, fmt.Errorf("invalid timestamp %q", *v)
	}
	return &t, nil
}

func formatOptional(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTimestamp(*t)
}
