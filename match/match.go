// Package match pairs gate events with the push notifications seen on the device.
//
// Matching is greedy and single pass: events are taken in the order given, and each
// one claims the best unclaimed notification in its time window. The result depends on
// event order.
package match

import (
	"strings"
	"time"

	"rtpush-campaign/pkg/campaign"
)

// Default matching parameters.
const (
	DefaultThreshold = 70.0
	DefaultBefore    = 5 * time.Minute
	DefaultAfter     = 30 * time.Minute
)

var keywords = []string{"delay", "cancel", "platform", "track", "suppressed"}

// Options tunes matching.
type Options struct {
	Threshold float64       // minimum score, inclusive
	Before    time.Duration // how early a notification may precede the event
	After     time.Duration // how late a notification may follow the event
}

// DefaultOptions returns the standard threshold and window.
func DefaultOptions() Options {
	return Options{Threshold: DefaultThreshold, Before: DefaultBefore, After: DefaultAfter}
}

// Result is the outcome of one matching pass.
type Result struct {
	Matches                []campaign.MatchResult
	UnmatchedEvents        []campaign.NormalizedEvent
	UnmatchedNotifications []campaign.DeviceNotification
}

// Score rates how well a notification renders an event: 60% message similarity, 40%
// title similarity, plus 5 per domain keyword present in both, capped at 100.
func Score(ev campaign.NormalizedEvent, n campaign.DeviceNotification) float64 {
	base := 0.6*Similarity(strings.TrimSpace(ev.Msg), strings.TrimSpace(n.Text)) +
		0.4*Similarity(strings.TrimSpace(ev.Title), strings.TrimSpace(n.Title))

	evText := strings.ToLower(ev.Title + " " + ev.Msg)
	nText := strings.ToLower(n.Title + " " + n.Text)
	for _, kw := range keywords {
		if strings.Contains(evText, kw) && strings.Contains(nText, kw) {
			base += 5
		}
	}
	return min(100, base)
}

// Anchor is the instant an event is matched around: its received time, else its poll time.
func Anchor(ev campaign.NormalizedEvent) (time.Time, bool) {
	if t, ok := campaign.ParseTimestamp(ev.Received); ok {
		return t, true
	}
	return campaign.ParseTimestamp(ev.TsPollUTC)
}

// Match assigns notifications to events. Each notification is used at most once and
// each event gets at most one notification. Among candidates with equal scores the
// first one in notification order wins.
func Match(events []campaign.NormalizedEvent, notifications []campaign.DeviceNotification, opts Options) Result {
	type pooled struct {
		n  campaign.DeviceNotification
		ts time.Time
		ok bool
	}
	pool := make([]pooled, len(notifications))
	for i, n := range notifications {
		ts, ok := campaign.ParseTimestamp(n.TsDevice)
		pool[i] = pooled{n: n, ts: ts, ok: ok}
	}

	var res Result
	for _, ev := range events {
		anchor, ok := Anchor(ev)
		if !ok {
			res.UnmatchedEvents = append(res.UnmatchedEvents, ev)
			continue
		}
		start := anchor.Add(-opts.Before)
		end := anchor.Add(opts.After)

		best := -1
		bestScore := -1.0
		for i, p := range pool {
			if !p.ok || p.ts.Before(start) || p.ts.After(end) {
				continue
			}
			if s := Score(ev, p.n); s > bestScore {
				best, bestScore = i, s
			}
		}

		if best < 0 || bestScore < opts.Threshold {
			res.UnmatchedEvents = append(res.UnmatchedEvents, ev)
			continue
		}
		res.Matches = append(res.Matches, campaign.MatchResult{
			Event:        ev,
			Notification: pool[best].n,
			Score:        bestScore,
			LatencySec:   pool[best].ts.Sub(anchor).Seconds(),
		})
		pool = append(pool[:best], pool[best+1:]...)
	}

	for _, p := range pool {
		res.UnmatchedNotifications = append(res.UnmatchedNotifications, p.n)
	}
	return res
}
