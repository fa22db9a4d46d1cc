// Package campaign contains the core domain types for the real-time push campaign.
package campaign

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SubscriptionID is the opaque identifier the gate assigns at creation time.
// Numeric ids round-trip as JSON numbers because the gate expects them that way.
type SubscriptionID string

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *SubscriptionID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode subscription id: %w", err)
		}
		*id = SubscriptionID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode subscription id: %w", err)
	}
	*id = SubscriptionID(n.String())
	return nil
}

// MarshalJSON writes numeric ids as numbers and everything else as strings.
func (id SubscriptionID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Manifest is written once by the subscribe step and read on every poll.
type Manifest struct {
	ScenarioID          string         `json:"scenarioId"`
	CtxRecon            string         `json:"ctxRecon,omitempty"`
	BeginDate           string         `json:"beginDate,omitempty"`
	EndDate             string         `json:"endDate,omitempty"`
	NPass               int            `json:"nPass,omitempty"`
	HysteresisRequested map[string]any `json:"hysteresisRequested,omitempty"`
	HysteresisStored    map[string]any `json:"hysteresisStored,omitempty"`
	SubscrID            SubscriptionID `json:"subscrId"`
}

// Validate reports whether the manifest can drive polling.
func (m *Manifest) Validate() error {
	if m.SubscrID == "" {
		return fmt.Errorf("manifest has no subscrId")
	}
	return nil
}

// NormalizedEvent is the canonical projection of one raw rtEvent plus poll context.
type NormalizedEvent struct {
	TsPollUTC   string         `json:"tsPollUtc"`
	CorrID      string         `json:"corrId"`
	SubscrID    SubscriptionID `json:"subscrId"`
	ScenarioID  string         `json:"scenarioId"`
	Key         string         `json:"key"`
	ChangeID    string         `json:"changeId,omitempty"`
	ChangeType  string         `json:"changeType,omitempty"`
	Title       string         `json:"title,omitempty"`
	Msg         string         `json:"msg,omitempty"`
	Received    string         `json:"received,omitempty"`    // UTC when parseable
	ReceivedRaw string         `json:"receivedRaw,omitempty"` // as reported by the gate
	Date        string         `json:"date,omitempty"`
	PlanrtTS    string         `json:"planrtTS,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// DeviceNotification is one push notification observed on the test device.
type DeviceNotification struct {
	TsDevice string         `json:"tsDevice"`
	TsUTC    string         `json:"tsUtc,omitempty"`
	Package  string         `json:"package,omitempty"`
	Title    string         `json:"title"`
	Text     string         `json:"text"`
	Channel  string         `json:"channel,omitempty"`
	ID       string         `json:"id,omitempty"`
	Kind     string         `json:"kind,omitempty"`
	Raw      map[string]any `json:"raw,omitempty"`
}

// MatchResult pairs one event with the notification it was delivered as.
type MatchResult struct {
	Event        NormalizedEvent
	Notification DeviceNotification
	Score        float64
	LatencySec   float64 // device timestamp minus event anchor, signed
}

// ParseTimestamp parses the ISO-8601 variants used in event and device streams.
// Strings without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders t the way every stream in the run stores instants.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
