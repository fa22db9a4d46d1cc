// Package poll schedules SubscrDetails polls for every subscription of a run.
package poll

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"rtpush-campaign/extract"
	"rtpush-campaign/gate"
	"rtpush-campaign/pkg/campaign"
)

// Gate fetches subscription details.
type Gate interface {
	SubscrDetails(ctx context.Context, id campaign.SubscriptionID) (*gate.Response, error)
}

// Store persists per-subscription documents and streams.
type Store interface {
	ListSubscriptions(ctx context.Context) ([]string, error)
	LoadManifest(ctx context.Context, sub string) (*campaign.Manifest, error)
	LoadState(ctx context.Context, sub string) (*campaign.State, error)
	SaveState(ctx context.Context, sub string, st *campaign.State) error
	AppendEvents(ctx context.Context, sub string, events []campaign.NormalizedEvent) error
	AppendAudit(ctx context.Context, sub string, record any) error
	SaveRaw(ctx context.Context, sub, name string, v any) error
	SaveRawText(ctx context.Context, sub, name, text string) error
}

// Recorder receives poll outcomes, typically the metrics collector.
type Recorder interface {
	ObservePoll(outcome string, newEvents int)
	SetQueued(n int)
}

// Clock abstracts time so the scheduler can be driven by tests.
type Clock interface {
	Now() time.Time
	// Wait blocks for d. It returns false if ctx ended first.
	Wait(ctx context.Context, d time.Duration) bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) Wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Config holds the scheduling parameters of a run.
type Config struct {
	PollInterval time.Duration
	PreWindow    time.Duration
	PostWindow   time.Duration
	IdleGrace    time.Duration
	MaxRuntime   time.Duration // zero runs until every subscription is done
	IncludeRaw   bool          // embed the raw rtEvent in each normalized event
	SaveRaw      bool          // keep request and response bodies of every poll
	Location     *time.Location
}

// Phase is the lifecycle position of a subscription.
type Phase string

// Subscription phases.
const (
	PhasePending Phase = "pending"
	PhaseActive  Phase = "active"
	PhaseDone    Phase = "done"
)

// Attempt outcomes as written to the audit log.
const (
	OutcomeOK            = "ok"
	OutcomeDone          = "done"
	OutcomeManifestError = "manifest_error"
	OutcomeStateError    = "state_error"
	OutcomeGateError     = "gate_error"
)

// maxInterval caps both the slow interval and the failure backoff.
const maxInterval = 15 * time.Minute

// SlowInterval is the interval used outside the activity window: twice the poll interval,
// at most 15 minutes. Failed attempts back off by the same amount.
func SlowInterval(poll time.Duration) time.Duration {
	return min(2*poll, maxInterval)
}

// NextInterval picks the fast interval in window or when the schedule is unknown.
func NextInterval(poll time.Duration, windowKnown, inWindow bool) time.Duration {
	if !windowKnown || inWindow {
		return poll
	}
	return SlowInterval(poll)
}

// Terminated reports whether a journey is over: its planned end has passed and no
// activity happened within the idle grace.
func Terminated(now time.Time, plannedEnd, lastActivity *time.Time, grace time.Duration) bool {
	if plannedEnd == nil || !now.After(*plannedEnd) {
		return false
	}
	if lastActivity == nil {
		return false
	}
	return now.After(lastActivity.Add(grace))
}

// Progress is the externally visible state of one subscription.
type Progress struct {
	Sub         string                  `json:"sub"`
	SubscrID    campaign.SubscriptionID `json:"subscrId,omitempty"`
	ScenarioID  string                  `json:"scenarioId,omitempty"`
	Phase       Phase                   `json:"phase"`
	Attempts    int                     `json:"attempts"`
	Events      int                     `json:"events"`
	LastOutcome string                  `json:"lastOutcome,omitempty"`
	LastError   string                  `json:"lastError,omitempty"`
	NextDue     time.Time               `json:"nextDue,omitzero"`
}

// Summary describes how a run ended.
type Summary struct {
	Subscriptions int
	Attempts      int
	Events        int
	Done          int
	Stopped       bool // deadline or cancellation ended the run early
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithRecorder installs a poll outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// Monitor runs the polling loop for one run.
type Monitor struct {
	gate      Gate
	store     Store
	cfg       Config
	extractor *extract.Extractor
	clock     Clock
	recorder  Recorder
	logger    *slog.Logger

	mu       sync.Mutex
	progress map[string]*Progress
}

// New creates a new poll monitor.
func New(g Gate, store Store, cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = campaign.DefaultPollSec * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	m := &Monitor{
		gate:      g,
		store:     store,
		cfg:       cfg,
		extractor: extract.New(cfg.Location, cfg.PostWindow),
		clock:     realClock{},
		logger:    logger,
		progress:  make(map[string]*Progress),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns the progress of every subscription, sorted by directory name.
func (m *Monitor) Snapshot() []Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Progress, 0, len(m.progress))
	for _, p := range m.progress {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sub < out[j].Sub })
	return out
}

func (m *Monitor) update(sub string, fn func(p *Progress)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[sub]
	if !ok {
		p = &Progress{Sub: sub, Phase: PhasePending}
		m.progress[sub] = p
	}
	fn(p)
}

// Run polls until every subscription is done, the configured runtime elapses, or ctx
// is cancelled. A failing subscription never ends the run.
func (m *Monitor) Run(ctx context.Context) (Summary, error) {
	subs, err := m.store.ListSubscriptions(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list subscriptions: %w", err)
	}
	sum := Summary{Subscriptions: len(subs)}
	if len(subs) == 0 {
		m.logger.Info("No subscriptions to poll")
		return sum, nil
	}

	start := m.clock.Now()
	var deadline time.Time
	if m.cfg.MaxRuntime > 0 {
		deadline = start.Add(m.cfg.MaxRuntime)
	}

	slot := m.cfg.PollInterval / time.Duration(len(subs))
	q := make(queue, 0, len(subs))
	for i, sub := range subs {
		due := start.Add(time.Duration(i) * slot)
		q = append(q, &entry{due: due, index: i, sub: sub})
		m.update(sub, func(p *Progress) { p.NextDue = due })
	}
	heap.Init(&q)

	m.logger.Info("Polling started",
		"subscriptions", len(subs),
		"poll_interval", m.cfg.PollInterval.String(),
		"max_runtime", m.cfg.MaxRuntime.String(),
		"local_tz", m.extractor.Location().String())

	for q.Len() > 0 {
		m.setQueued(q.Len())
		if m.expired(ctx, deadline) {
			sum.Stopped = true
			break
		}
		e := heap.Pop(&q).(*entry)
		if !m.waitUntil(ctx, e.due, deadline) {
			heap.Push(&q, e)
			sum.Stopped = true
			break
		}

		res := m.attempt(ctx, e)
		sum.Events += res.events
		if res.polled {
			sum.Attempts++
		}
		if res.done {
			sum.Done++
			continue
		}
		e.due = res.next
		heap.Push(&q, e)
	}
	m.setQueued(q.Len())

	m.logger.Info("Polling finished",
		"subscriptions", sum.Subscriptions,
		"done", sum.Done,
		"attempts", sum.Attempts,
		"events", sum.Events,
		"stopped", sum.Stopped,
		"elapsed", m.clock.Now().Sub(start).String())
	return sum, nil
}

func (m *Monitor) setQueued(n int) {
	if m.recorder != nil {
		m.recorder.SetQueued(n)
	}
}

func (m *Monitor) expired(ctx context.Context, deadline time.Time) bool {
	if ctx.Err() != nil {
		m.logger.Info("Context cancelled, stopping poll loop", "error", ctx.Err())
		return true
	}
	if !deadline.IsZero() && !m.clock.Now().Before(deadline) {
		m.logger.Info("Maximum runtime reached, stopping poll loop", "deadline", deadline.Format(time.RFC3339))
		return true
	}
	return false
}

// waitUntil suspends until due. It returns false when the deadline or ctx ends first.
func (m *Monitor) waitUntil(ctx context.Context, due, deadline time.Time) bool {
	for {
		if m.expired(ctx, deadline) {
			return false
		}
		now := m.clock.Now()
		wait := due.Sub(now)
		if wait <= 0 {
			return true
		}
		if !deadline.IsZero() {
			wait = min(wait, deadline.Sub(now))
		}
		if !m.clock.Wait(ctx, wait) {
			return false
		}
	}
}
