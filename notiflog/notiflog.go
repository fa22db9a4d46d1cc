// Package notiflog converts an Android "Notification Log" export into device
// notification records.
package notiflog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rtpush-campaign/pkg/campaign"
)

// Notification kinds.
const (
	KindPosted  = "posted"
	KindRemoved = "removed"
)

// Options selects which notifications are converted.
type Options struct {
	IncludeRemoved bool
	Packages       []string // empty keeps every package
}

// ParsePackages splits a comma-separated package filter. Blank entries are dropped.
func ParsePackages(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type export struct {
	Device  map[string]any `json:"device"`
	Posted  []any          `json:"posted"`
	Removed []any          `json:"removed"`
}

// Convert parses an export and returns posted notifications, followed by removed ones
// when requested. Group summaries and entries without a usable timestamp are skipped.
func Convert(data []byte, opts Options) ([]campaign.DeviceNotification, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var exp export
	if err := dec.Decode(&exp); err != nil {
		return nil, fmt.Errorf("decode notification log export: %w", err)
	}

	var defaultOffset any
	if exp.Device != nil {
		defaultOffset = exp.Device["offset"]
	}
	var filter map[string]bool
	if len(opts.Packages) > 0 {
		filter = make(map[string]bool, len(opts.Packages))
		for _, p := range opts.Packages {
			filter[p] = true
		}
	}

	out := convertItems(exp.Posted, KindPosted, defaultOffset, filter)
	if opts.IncludeRemoved {
		out = append(out, convertItems(exp.Removed, KindRemoved, defaultOffset, filter)...)
	}
	return out, nil
}

func convertItems(items []any, kind string, defaultOffset any, filter map[string]bool) []campaign.DeviceNotification {
	var out []campaign.DeviceNotification
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if summary, _ := item["isGroupSummary"].(bool); summary {
			continue
		}
		pkg := text(pick(item, "packageName", "package"))
		if filter != nil && !filter[pkg] {
			continue
		}
		ms, ok := number(pick(item, "postTime", "when", "systemTime"))
		if !ok {
			continue
		}
		offset := pick(item, "offset")
		if offset == nil {
			offset = defaultOffset
		}

		instant := time.UnixMilli(int64(ms)).UTC()
		out = append(out, campaign.DeviceNotification{
			TsDevice: deviceTime(instant, offset),
			TsUTC:    campaign.FormatTimestamp(instant),
			Package:  pkg,
			Title:    text(pick(item, "titleBig", "title")),
			Text:     text(pick(item, "textBig", "text")),
			Channel:  text(pick(item, "category")),
			ID:       text(pick(item, "nid", "key")),
			Kind:     kind,
			Raw:      item,
		})
	}
	return out
}

// deviceTime renders the instant in the device's fixed UTC offset (milliseconds).
func deviceTime(t time.Time, offset any) string {
	ms, ok := number(offset)
	if !ok {
		return campaign.FormatTimestamp(t)
	}
	return t.In(time.FixedZone("", int(ms/1000))).Format(time.RFC3339Nano)
}

// pick returns the first value present and not empty.
func pick(item map[string]any, keys ...string) any {
	for _, k := range keys {
		v, ok := item[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return v
	}
	return nil
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
