package extract

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"rtpush-campaign/pkg/campaign"
)

// PollContext is the per-poll information stamped on every emitted event.
type PollContext struct {
	PolledAt   time.Time
	CorrID     string
	SubscrID   campaign.SubscriptionID
	ScenarioID string
}

// EventKey returns the dedup key of a raw event: its changeId when it has a usable one,
// otherwise the SHA-1 of its canonical JSON. Field order never affects the result.
func EventKey(ev RawEvent) string {
	if id, ok := changeID(ev); ok {
		return id
	}
	sum := sha1.Sum(canonicalJSON(map[string]any(ev)))
	return hex.EncodeToString(sum[:])
}

func changeID(ev RawEvent) (string, bool) {
	v, ok := ev["changeId"]
	if !ok || v == nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, x != ""
	case bool:
		return "True", x
	case float64:
		return text(x), x != 0
	case json.Number:
		if f, err := x.Float64(); err == nil && f == 0 {
			return "", false
		}
		return x.String(), true
	}
	b := canonicalJSON(v)
	if len(b) == 0 || string(b) == "{}" || string(b) == "[]" {
		return "", false
	}
	return string(b), true
}

// canonicalJSON renders v with sorted object keys and ", " / ": " separators, the form
// Python's json.dumps(sort_keys=True, ensure_ascii=False) produces, so keys match
// event logs written by Python pollers.
func canonicalJSON(v any) []byte {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil
	}
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteString(": ")
			if err := writeCanonical(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case RawEvent:
		return writeCanonical(buf, map[string]any(x))
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(x.String())
	default:
		return writeScalar(buf, v)
	}
	return nil
}

func writeScalar(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}

// Normalize projects a raw event onto the canonical record.
func (e *Extractor) Normalize(ev RawEvent, pc PollContext, includeRaw bool) campaign.NormalizedEvent {
	n := campaign.NormalizedEvent{
		TsPollUTC:   campaign.FormatTimestamp(pc.PolledAt),
		CorrID:      pc.CorrID,
		SubscrID:    pc.SubscrID,
		ScenarioID:  pc.ScenarioID,
		Key:         EventKey(ev),
		ChangeType:  text(ev["changeType"]),
		Title:       text(ev["title"]),
		Msg:         text(ev["msg"]),
		ReceivedRaw: text(ev["received"]),
		Date:        text(ev["date"]),
		PlanrtTS:    text(ev["planrtTS"]),
	}
	if id, ok := changeID(ev); ok {
		n.ChangeID = id
	}
	if t, ok := e.ParseLocal(n.ReceivedRaw); ok {
		n.Received = campaign.FormatTimestamp(t)
	} else {
		n.Received = n.ReceivedRaw
	}
	if includeRaw {
		n.Raw = map[string]any(ev)
	}
	return n
}

// Dedup normalizes the events whose key is not yet in st and records each emitted key
// immediately, so duplicates inside one response are emitted once as well.
func (e *Extractor) Dedup(st *campaign.State, events []RawEvent, pc PollContext, includeRaw bool) []campaign.NormalizedEvent {
	var out []campaign.NormalizedEvent
	for _, ev := range events {
		key := EventKey(ev)
		if st.Seen(key) {
			continue
		}
		st.MarkSeen(key)
		out = append(out, e.Normalize(ev, pc, includeRaw))
	}
	return out
}
