// Package report turns match results into delivery and latency metrics and renders them
// as CSV, JSON and Markdown artefacts.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strconv"

	"rtpush-campaign/match"
	"rtpush-campaign/pkg/campaign"
)

// Artefact names inside the report directory.
const (
	MatchesFile                = "matches.csv"
	UnmatchedEventsFile        = "unmatched_events.csv"
	UnmatchedNotificationsFile = "unmatched_notifications.csv"
	SummaryFile                = "report_summary.json"
	MarkdownFile               = "report.md"
	ByChangeTypeFile           = "metrics_by_changeType.csv"
	BySubscriptionFile         = "metrics_by_subscr.csv"
	ByScenarioFile             = "metrics_by_scenario.csv"
)

// UnknownGroup names events that lack the grouping field.
const UnknownGroup = "unknown"

// Latency holds latency statistics in seconds.
type Latency struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
}

// Group is the delivery rate of one slice of events.
type Group struct {
	TotalEvents   int     `json:"total_events"`
	MatchedEvents int     `json:"matched_events"`
	DeliveryRate  float64 `json:"delivery_rate"`
}

// Summary is the metrics object written to report_summary.json.
type Summary struct {
	TotalEvents   int              `json:"total_events"`
	MatchedEvents int              `json:"matched_events"`
	DeliveryRate  float64          `json:"delivery_rate"`
	Latency       Latency          `json:"latency"`
	ByChangeType  map[string]Group `json:"by_changeType"`
	BySubscr      map[string]Group `json:"by_subscr"`
	ByScenario    map[string]Group `json:"by_scenario"`
}

// Report is a computed summary together with the match outcome it was derived from.
type Report struct {
	Summary Summary
	Result  match.Result
}

// Build matches events against notifications and computes the summary.
func Build(events []campaign.NormalizedEvent, notifications []campaign.DeviceNotification, opts match.Options) *Report {
	res := match.Match(events, notifications, opts)
	return &Report{Summary: Compute(events, res.Matches), Result: res}
}

// Compute derives delivery and latency metrics. The delivery rate is zero when there are
// no events.
func Compute(events []campaign.NormalizedEvent, matches []campaign.MatchResult) Summary {
	s := Summary{
		TotalEvents:   len(events),
		MatchedEvents: len(matches),
		ByChangeType:  groupBy(events, matches, func(e campaign.NormalizedEvent) string { return e.ChangeType }),
		BySubscr:      groupBy(events, matches, func(e campaign.NormalizedEvent) string { return string(e.SubscrID) }),
		ByScenario:    groupBy(events, matches, func(e campaign.NormalizedEvent) string { return e.ScenarioID }),
	}
	if len(events) > 0 {
		s.DeliveryRate = float64(len(matches)) / float64(len(events))
	}
	latencies := make([]float64, len(matches))
	for i, m := range matches {
		latencies[i] = m.LatencySec
	}
	s.Latency = latencyStats(latencies)
	return s
}

func latencyStats(values []float64) Latency {
	if len(values) == 0 {
		return Latency{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return Latency{
		Mean:   sum / float64(n),
		Median: median,
		P90:    Percentile(sorted, 0.9),
		P95:    Percentile(sorted, 0.95),
	}
}

// Percentile picks the element at round((n-1)*p) of an ascending slice, without
// interpolation. Halves round to even.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(math.RoundToEven(float64(len(sorted)-1)*p))]
}

func groupBy(events []campaign.NormalizedEvent, matches []campaign.MatchResult, field func(campaign.NormalizedEvent) string) map[string]Group {
	name := func(e campaign.NormalizedEvent) string {
		if v := field(e); v != "" {
			return v
		}
		return UnknownGroup
	}
	groups := make(map[string]Group)
	for _, e := range events {
		g := groups[name(e)]
		g.TotalEvents++
		groups[name(e)] = g
	}
	for _, m := range matches {
		g, ok := groups[name(m.Event)]
		if !ok {
			continue
		}
		g.MatchedEvents++
		groups[name(m.Event)] = g
	}
	for k, g := range groups {
		g.DeliveryRate = float64(g.MatchedEvents) / float64(g.TotalEvents)
		groups[k] = g
	}
	return groups
}

// Saver stores one named report artefact.
type Saver interface {
	SaveReport(ctx context.Context, name string, data []byte) error
}

// Writer renders a report into its artefacts.
type Writer struct {
	saver    Saver
	logger   *slog.Logger
	markdown bool
}

// NewWriter creates a writer. Markdown output is skipped when markdown is false.
func NewWriter(saver Saver, markdown bool, logger *slog.Logger) *Writer {
	return &Writer{saver: saver, markdown: markdown, logger: logger}
}

// Write renders and saves every artefact of r.
func (w *Writer) Write(ctx context.Context, r *Report) error {
	files, err := Render(r, w.markdown)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := w.saver.SaveReport(ctx, name, files[name]); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
	}
	w.logger.Info("Report written",
		"files", len(names),
		"total_events", r.Summary.TotalEvents,
		"matched_events", r.Summary.MatchedEvents,
		"delivery_rate", r.Summary.DeliveryRate)
	return nil
}

// Render produces the artefacts of r keyed by file name.
func Render(r *Report, markdown bool) (map[string][]byte, error) {
	files := make(map[string][]byte)

	var err error
	if files[MatchesFile], err = matchesCSV(r.Result.Matches); err != nil {
		return nil, err
	}
	if files[UnmatchedEventsFile], err = unmatchedCSV(r.Result.UnmatchedEvents); err != nil {
		return nil, err
	}
	if files[UnmatchedNotificationsFile], err = unmatchedCSV(r.Result.UnmatchedNotifications); err != nil {
		return nil, err
	}

	summary, err := json.MarshalIndent(r.Summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	files[SummaryFile] = append(summary, '\n')

	for name, g := range map[string]map[string]Group{
		ByChangeTypeFile:   r.Summary.ByChangeType,
		BySubscriptionFile: r.Summary.BySubscr,
		ByScenarioFile:     r.Summary.ByScenario,
	} {
		if files[name], err = groupCSV(g); err != nil {
			return nil, err
		}
	}

	if markdown {
		files[MarkdownFile] = []byte(Markdown(r.Summary))
	}
	return files, nil
}

// Markdown renders the headline numbers of a summary.
func Markdown(s Summary) string {
	var b bytes.Buffer
	b.WriteString("# Campaign Report\n\n")
	fmt.Fprintf(&b, "- Total events: %d\n", s.TotalEvents)
	fmt.Fprintf(&b, "- Matched events: %d\n", s.MatchedEvents)
	fmt.Fprintf(&b, "- Delivery rate: %.2f%%\n", s.DeliveryRate*100)
	b.WriteString("\n## Latency\n")
	fmt.Fprintf(&b, "- Mean: %.1fs\n", s.Latency.Mean)
	fmt.Fprintf(&b, "- Median: %.1fs\n", s.Latency.Median)
	fmt.Fprintf(&b, "- P90: %.1fs\n", s.Latency.P90)
	fmt.Fprintf(&b, "- P95: %.1fs\n", s.Latency.P95)
	return b.String()
}

var matchColumns = []string{
	"subscrId", "scenarioId", "changeType", "eventReceivedUtc", "notifTsDevice",
	"latencySec", "score", "eventTitle", "notifTitle", "eventMsg", "notifText",
}

func matchesCSV(matches []campaign.MatchResult) ([]byte, error) {
	rows := make([][]string, 0, len(matches))
	for _, m := range matches {
		anchor := m.Event.Received
		if anchor == "" {
			anchor = m.Event.TsPollUTC
		}
		rows = append(rows, []string{
			string(m.Event.SubscrID),
			m.Event.ScenarioID,
			m.Event.ChangeType,
			anchor,
			m.Notification.TsDevice,
			formatFloat(m.LatencySec),
			formatFloat(m.Score),
			m.Event.Title,
			m.Notification.Title,
			m.Event.Msg,
			m.Notification.Text,
		})
	}
	return encodeCSV(matchColumns, rows)
}

// unmatchedCSV writes one column per field present in any row, sorted by name. Nested
// values are written as JSON. No rows yields an empty file.
func unmatchedCSV[T any](items []T) ([]byte, error) {
	if len(items) == 0 {
		return []byte{}, nil
	}
	records := make([]map[string]any, 0, len(items))
	seen := make(map[string]bool)
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("marshal row: %w", err)
		}
		var rec map[string]any
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal row: %w", err)
		}
		for k := range rec {
			seen[k] = true
		}
		records = append(records, rec)
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(columns))
		for i, c := range columns {
			row[i] = cell(rec[c])
		}
		rows = append(rows, row)
	}
	return encodeCSV(columns, rows)
}

func groupCSV(groups map[string]Group) ([]byte, error) {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		g := groups[name]
		rows = append(rows, []string{name, strconv.Itoa(g.TotalEvents), strconv.Itoa(g.MatchedEvents), formatFloat(g.DeliveryRate)})
	}
	return encodeCSV([]string{"group", "total_events", "matched_events", "delivery_rate"}, rows)
}

func encodeCSV(header []string, rows [][]string) ([]byte, error) {
	var b bytes.Buffer
	w := csv.NewWriter(&b)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv rows: %w", err)
	}
	return b.Bytes(), nil
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return formatFloat(x)
	case bool:
		return strconv.FormatBool(x)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
