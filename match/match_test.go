package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtpush-campaign/pkg/campaign"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "Delay 5 min", "Delay 5 min", 100},
		{"token subset", "fuzzy was a bear", "fuzzy fuzzy was a bear", 100},
		{"order ignored", "min 5 Delay", "Delay 5 min", 100},
		{"partial overlap", "a b", "a c", 200.0 / 3},
		{"blank left", "  ", "Delay", 0},
		{"blank right", "Delay", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 1e-9)
		})
	}

	assert.Less(t, Similarity("Delay 5 min", "Platform change"), 80.0)
	assert.Equal(t, Similarity("Zug fällt aus", "Zug fällt heute aus"), 100.0)
}

func TestScoreKeywordBonus(t *testing.T) {
	ev := campaign.NormalizedEvent{Title: "Delay", Msg: "Train is late"}
	plain := Score(ev, campaign.DeviceNotification{Title: "Info", Text: "Train is late"})
	bonus := Score(ev, campaign.DeviceNotification{Title: "Info", Text: "Train is late, delay expected"})
	assert.Greater(t, bonus, 0.0)
	assert.Less(t, plain, 100.0)

	full := Score(campaign.NormalizedEvent{Title: "Delay", Msg: "Delay on platform 3"}, campaign.DeviceNotification{Title: "Delay", Text: "Delay on platform 3"})
	assert.Equal(t, 100.0, full, "score is capped")
}

func event(received, title, msg string) campaign.NormalizedEvent {
	return campaign.NormalizedEvent{Key: title + received, Received: received, TsPollUTC: received, Title: title, Msg: msg}
}

func notif(id, ts, title, text string) campaign.DeviceNotification {
	return campaign.DeviceNotification{ID: id, TsDevice: ts, Title: title, Text: text}
}

func TestMatchLatency(t *testing.T) {
	events := []campaign.NormalizedEvent{event("2025-01-01T10:00:00Z", "Delay", "RE 5 delayed by 10 min")}
	notifs := []campaign.DeviceNotification{notif("n1", "2025-01-01T10:00:42Z", "Delay", "RE 5 delayed by 10 min")}

	res := Match(events, notifs, DefaultOptions())
	require.Len(t, res.Matches, 1)
	assert.Equal(t, 42.0, res.Matches[0].LatencySec)
	assert.Equal(t, 100.0, res.Matches[0].Score)
	assert.Empty(t, res.UnmatchedEvents)
	assert.Empty(t, res.UnmatchedNotifications)
}

func TestMatchWindowBounds(t *testing.T) {
	ev := event("2025-01-01T10:00:00Z", "Delay", "RE 5 delayed")
	tests := []struct {
		name  string
		ts    string
		match bool
	}{
		{"too early", "2025-01-01T09:54:59Z", false},
		{"earliest allowed", "2025-01-01T09:55:00Z", true},
		{"latest allowed", "2025-01-01T10:30:00Z", true},
		{"too late", "2025-01-01T10:30:01Z", false},
		{"naive device time is UTC", "2025-01-01T10:01:00", true},
		{"unparseable device time", "later", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Match([]campaign.NormalizedEvent{ev}, []campaign.DeviceNotification{notif("n", tt.ts, "Delay", "RE 5 delayed")}, DefaultOptions())
			assert.Equal(t, tt.match, len(res.Matches) == 1)
			if !tt.match {
				assert.Len(t, res.UnmatchedEvents, 1)
				assert.Len(t, res.UnmatchedNotifications, 1)
			}
		})
	}
}

func TestMatchPrefersHigherScore(t *testing.T) {
	events := []campaign.NormalizedEvent{event("2025-01-01T10:00:00Z", "Delay", "RE 5 delayed by 10 min")}
	notifs := []campaign.DeviceNotification{
		notif("weak", "2025-01-01T10:00:10Z", "Delay", "Replacement bus service"),
		notif("strong", "2025-01-01T10:00:20Z", "Delay", "RE 5 delayed by 10 min"),
	}
	res := Match(events, notifs, DefaultOptions())
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "strong", res.Matches[0].Notification.ID)
	require.Len(t, res.UnmatchedNotifications, 1)
	assert.Equal(t, "weak", res.UnmatchedNotifications[0].ID)
}

func TestMatchTieGoesToFirstCandidate(t *testing.T) {
	events := []campaign.NormalizedEvent{event("2025-01-01T10:00:00Z", "Delay", "RE 5 delayed")}
	notifs := []campaign.DeviceNotification{
		notif("first", "2025-01-01T10:05:00Z", "Delay", "RE 5 delayed"),
		notif("second", "2025-01-01T10:01:00Z", "Delay", "RE 5 delayed"),
	}
	res := Match(events, notifs, DefaultOptions())
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "first", res.Matches[0].Notification.ID)
}

func TestMatchConsumesNotifications(t *testing.T) {
	events := []campaign.NormalizedEvent{
		event("2025-01-01T10:00:00Z", "Delay", "RE 5 delayed"),
		event("2025-01-01T10:00:05Z", "Delay", "RE 5 delayed"),
	}
	notifs := []campaign.DeviceNotification{notif("only", "2025-01-01T10:01:00Z", "Delay", "RE 5 delayed")}

	res := Match(events, notifs, DefaultOptions())
	require.Len(t, res.Matches, 1)
	assert.Equal(t, events[0].Key, res.Matches[0].Event.Key, "earlier event in input order wins")
	require.Len(t, res.UnmatchedEvents, 1)
	assert.Equal(t, events[1].Key, res.UnmatchedEvents[0].Key)
	assert.Empty(t, res.UnmatchedNotifications)
}

func TestMatchThresholdAndAnchors(t *testing.T) {
	low := event("2025-01-01T10:00:00Z", "Info", "Lift out of order")
	res := Match([]campaign.NormalizedEvent{low}, []campaign.DeviceNotification{notif("n", "2025-01-01T10:01:00Z", "Cancelled", "Train cancelled")}, DefaultOptions())
	assert.Empty(t, res.Matches)
	assert.Len(t, res.UnmatchedNotifications, 1)

	fallback := campaign.NormalizedEvent{TsPollUTC: "2025-01-01T10:00:00Z", Received: "n/a", Title: "Delay", Msg: "RE 5 delayed"}
	res = Match([]campaign.NormalizedEvent{fallback}, []campaign.DeviceNotification{notif("n", "2025-01-01T10:02:00Z", "Delay", "RE 5 delayed")}, DefaultOptions())
	require.Len(t, res.Matches, 1)
	assert.Equal(t, 120.0, res.Matches[0].LatencySec)

	noAnchor := campaign.NormalizedEvent{Title: "Delay", Msg: "RE 5 delayed"}
	res = Match([]campaign.NormalizedEvent{noAnchor}, nil, DefaultOptions())
	assert.Len(t, res.UnmatchedEvents, 1)
}
