package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"rtpush-campaign/gate"
	"rtpush-campaign/pkg/campaign"
	"rtpush-campaign/storage"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Wait(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	c.now = c.now.Add(d)
	return true
}

type call struct {
	id campaign.SubscriptionID
	at time.Time
}

type fakeGate struct {
	clock   *fakeClock
	respond func(id campaign.SubscriptionID, n int) (string, error)
	calls   []call
	counts  map[campaign.SubscriptionID]int
}

func (g *fakeGate) SubscrDetails(_ context.Context, id campaign.SubscriptionID) (*gate.Response, error) {
	if g.counts == nil {
		g.counts = make(map[campaign.SubscriptionID]int)
	}
	g.calls = append(g.calls, call{id: id, at: g.clock.now})
	n := g.counts[id]
	g.counts[id]++
	body, err := g.respond(id, n)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return &gate.Response{Body: m, CorrID: fmt.Sprintf("corr-%s-%d", id, n), Request: map[string]any{"id": string(id)}}, nil
}

type memStore struct {
	mu         sync.Mutex
	manifests  map[string]*campaign.Manifest
	states     map[string][]byte
	events     map[string][]campaign.NormalizedEvent
	audits     map[string][]AuditRecord
	raw        map[string]int
	stateSaves map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		manifests:  map[string]*campaign.Manifest{},
		states:     map[string][]byte{},
		events:     map[string][]campaign.NormalizedEvent{},
		audits:     map[string][]AuditRecord{},
		raw:        map[string]int{},
		stateSaves: map[string]int{},
	}
}

func (s *memStore) addSub(sub string, id campaign.SubscriptionID) {
	s.manifests[sub] = &campaign.Manifest{ScenarioID: "S-" + string(id), SubscrID: id}
}

func (s *memStore) ListSubscriptions(context.Context) ([]string, error) {
	seen := map[string]bool{}
	for k := range s.manifests {
		seen[k] = true
	}
	for k := range s.states {
		seen[k] = true
	}
	var out []string
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) LoadManifest(_ context.Context, sub string) (*campaign.Manifest, error) {
	m, ok := s.manifests[sub]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m, nil
}

func (s *memStore) LoadState(_ context.Context, sub string) (*campaign.State, error) {
	data, ok := s.states[sub]
	if !ok {
		return campaign.NewState(), nil
	}
	st := campaign.NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *memStore) SaveState(_ context.Context, sub string, st *campaign.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.states[sub] = data
	s.stateSaves[sub]++
	return nil
}

func (s *memStore) AppendEvents(_ context.Context, sub string, events []campaign.NormalizedEvent) error {
	s.events[sub] = append(s.events[sub], events...)
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, sub string, record any) error {
	s.audits[sub] = append(s.audits[sub], *record.(*AuditRecord))
	return nil
}

func (s *memStore) SaveRaw(_ context.Context, sub, name string, _ any) error {
	s.raw[sub+"/"+name]++
	return nil
}

func (s *memStore) SaveRawText(_ context.Context, sub, name, _ string) error {
	s.raw[sub+"/"+name]++
	return nil
}

func (s *memStore) state(t *testing.T, sub string) *campaign.State {
	t.Helper()
	st, err := s.LoadState(context.Background(), sub)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return st
}

func (s *memStore) outcomes(sub string) []string {
	var out []string
	for _, a := range s.audits[sub] {
		out = append(out, a.Outcome)
	}
	return out
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func wall(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05") }

func journey(dep, arr time.Time, events string) string {
	return fmt.Sprintf(`{"svcResL":[{"err":"OK","res":{"connectionInfo":[{"departureTime":%q,"arrivalTime":%q}],"rtInfo":{"rtEventL":[%s]}}}]}`,
		wall(dep), wall(arr), events)
}

func unknownJourney(events string) string {
	return fmt.Sprintf(`{"svcResL":[{"err":"OK","res":{"rtInfo":{"rtEventL":[%s]}}}]}`, events)
}

func testConfig() Config {
	return Config{
		PollInterval: 120 * time.Second,
		PreWindow:    10 * time.Minute,
		PostWindow:   30 * time.Minute,
		IdleGrace:    15 * time.Minute,
		Location:     time.UTC,
	}
}

func newMonitor(g *fakeGate, s *memStore, cfg Config, clock *fakeClock) *Monitor {
	return New(g, s, cfg, discard(), WithClock(clock))
}

func TestTerminated(t *testing.T) {
	now := t0
	past := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }
	future := func(d time.Duration) *time.Time { v := now.Add(d); return &v }
	grace := 15 * time.Minute

	tests := []struct {
		name         string
		plannedEnd   *time.Time
		lastActivity *time.Time
		want         bool
	}{
		{"ended and idle", past(time.Hour), past(20 * time.Minute), true},
		{"ended but recent activity", past(time.Hour), past(5 * time.Minute), false},
		{"not ended yet", future(time.Minute), past(time.Hour), false},
		{"planned end unknown", nil, past(time.Hour), false},
		{"exactly at planned end", &now, past(time.Hour), false},
		{"exactly at grace boundary", past(time.Hour), past(grace), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Terminated(now, tt.plannedEnd, tt.lastActivity, grace); got != tt.want {
				t.Errorf("Terminated() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextInterval(t *testing.T) {
	tests := []struct {
		name        string
		poll        time.Duration
		windowKnown bool
		inWindow    bool
		want        time.Duration
	}{
		{"in window", 120 * time.Second, true, true, 120 * time.Second},
		{"schedule unknown", 120 * time.Second, false, false, 120 * time.Second},
		{"outside window", 120 * time.Second, true, false, 240 * time.Second},
		{"outside window capped", 600 * time.Second, true, false, 900 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextInterval(tt.poll, tt.windowKnown, tt.inWindow); got != tt.want {
				t.Errorf("NextInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStaggeredStartAndDeadline(t *testing.T) {
	clock := &fakeClock{now: t0}
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return unknownJourney(""), nil
	}}
	s := newMemStore()
	for i := 1; i <= 4; i++ {
		s.addSub(fmt.Sprintf("subscr_%d", i), campaign.SubscriptionID(fmt.Sprint(i)))
	}
	cfg := testConfig()
	cfg.MaxRuntime = 100 * time.Second

	sum, err := newMonitor(g, s, cfg, clock).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !sum.Stopped {
		t.Error("run should report it was stopped by the deadline")
	}
	if len(g.calls) != 4 {
		t.Fatalf("gate calls = %d, want 4", len(g.calls))
	}
	for i, c := range g.calls {
		want := t0.Add(time.Duration(i) * 30 * time.Second)
		if !c.at.Equal(want) {
			t.Errorf("call %d at %v, want %v", i, c.at.Sub(t0), want.Sub(t0))
		}
		if c.id != campaign.SubscriptionID(fmt.Sprint(i+1)) {
			t.Errorf("call %d for %s, want %d", i, c.id, i+1)
		}
	}
	if !clock.now.Equal(t0.Add(100 * time.Second)) {
		t.Errorf("clock stopped at %v, want deadline", clock.now.Sub(t0))
	}
}

func TestSecondPollIsIdempotent(t *testing.T) {
	clock := &fakeClock{now: t0}
	events := `{"changeId":"c1","title":"Delay","msg":"5 min late"},{"title":"Platform change","msg":"platform 3"}`
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return unknownJourney(events), nil
	}}
	s := newMemStore()
	s.addSub("subscr_1", "1")
	cfg := testConfig()
	cfg.MaxRuntime = 150 * time.Second

	sum, err := newMonitor(g, s, cfg, clock).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(g.calls) != 2 {
		t.Fatalf("gate calls = %d, want 2", len(g.calls))
	}
	if got := len(s.events["subscr_1"]); got != 2 {
		t.Errorf("events written = %d, want 2", got)
	}
	if sum.Events != 2 {
		t.Errorf("summary events = %d, want 2", sum.Events)
	}
	if got := s.stateSaves["subscr_1"]; got != 2 {
		t.Errorf("state saves = %d, want one per attempt", got)
	}
	audits := s.audits["subscr_1"]
	if len(audits) != 2 || audits[0].NewEvents != 2 || audits[1].NewEvents != 0 {
		t.Errorf("audit new events = %+v", audits)
	}
	if st := s.state(t, "subscr_1"); st.PollCount != 2 || len(st.SeenKeys) != 2 {
		t.Errorf("state pollCount=%d seen=%d", st.PollCount, len(st.SeenKeys))
	}
}

func TestGateFailureBacksOffWithoutDropping(t *testing.T) {
	clock := &fakeClock{now: t0}
	g := &fakeGate{clock: clock, respond: func(_ campaign.SubscriptionID, n int) (string, error) {
		if n == 0 {
			return "", errors.New("connection reset")
		}
		return unknownJourney(`{"changeId":"c1"}`), nil
	}}
	s := newMemStore()
	s.addSub("subscr_1", "1")
	cfg := testConfig()
	cfg.MaxRuntime = 300 * time.Second

	if _, err := newMonitor(g, s, cfg, clock).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(g.calls) != 2 {
		t.Fatalf("gate calls = %d, want 2", len(g.calls))
	}
	if want := t0.Add(240 * time.Second); !g.calls[1].at.Equal(want) {
		t.Errorf("retry at %v, want %v", g.calls[1].at.Sub(t0), want.Sub(t0))
	}
	if got := s.outcomes("subscr_1"); len(got) != 2 || got[0] != OutcomeGateError || got[1] != OutcomeOK {
		t.Errorf("outcomes = %v", got)
	}
	if got := s.stateSaves["subscr_1"]; got != 2 {
		t.Errorf("state saves = %d, want 2 (failed attempts reached the state read)", got)
	}
	if a := s.audits["subscr_1"][0]; a.Phase != PhasePending || a.Error == "" {
		t.Errorf("first audit = %+v, want pending with error", a)
	}
	if a := s.audits["subscr_1"][1]; a.Phase != PhaseActive {
		t.Errorf("second audit phase = %s, want active", a.Phase)
	}
}

func TestManifestErrorBacksOffWithoutStateWrite(t *testing.T) {
	clock := &fakeClock{now: t0}
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return unknownJourney(""), nil
	}}
	s := newMemStore()
	s.states["subscr_broken"] = []byte(`{"seenKeys":[],"pollCount":0}`)
	cfg := testConfig()
	cfg.MaxRuntime = 500 * time.Second

	if _, err := newMonitor(g, s, cfg, clock).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(g.calls) != 0 {
		t.Errorf("gate calls = %d, want 0", len(g.calls))
	}
	if got := s.outcomes("subscr_broken"); len(got) != 3 {
		t.Errorf("outcomes = %v, want three manifest errors at 0, 240 and 480s", got)
	}
	for _, o := range s.outcomes("subscr_broken") {
		if o != OutcomeManifestError {
			t.Errorf("outcome = %s, want %s", o, OutcomeManifestError)
		}
	}
	if got := s.stateSaves["subscr_broken"]; got != 0 {
		t.Errorf("state saves = %d, want 0", got)
	}
}

func TestCorruptStateBacksOff(t *testing.T) {
	clock := &fakeClock{now: t0}
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return unknownJourney(""), nil
	}}
	s := newMemStore()
	s.addSub("subscr_1", "1")
	s.states["subscr_1"] = []byte(`{"lastPollUtc":"yesterday"}`)
	cfg := testConfig()
	cfg.MaxRuntime = 100 * time.Second

	if _, err := newMonitor(g, s, cfg, clock).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := s.outcomes("subscr_1"); len(got) != 1 || got[0] != OutcomeStateError {
		t.Errorf("outcomes = %v, want [state_error]", got)
	}
	if len(g.calls) != 0 || s.stateSaves["subscr_1"] != 0 {
		t.Errorf("gate calls = %d, state saves = %d, want 0 and 0", len(g.calls), s.stateSaves["subscr_1"])
	}
}

func TestEndedJourneyWithoutActivityTerminates(t *testing.T) {
	clock := &fakeClock{now: t0}
	dep := t0.Add(-3 * time.Hour)
	arr := t0.Add(-2 * time.Hour)
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return journey(dep, arr, ""), nil
	}}
	s := newMemStore()
	s.addSub("subscr_1", "1")

	sum, err := newMonitor(g, s, testConfig(), clock).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Done != 1 || sum.Stopped {
		t.Errorf("summary = %+v, want one done and not stopped", sum)
	}
	if len(g.calls) != 1 {
		t.Errorf("gate calls = %d, want 1", len(g.calls))
	}
	st := s.state(t, "subscr_1")
	if !st.Done {
		t.Error("state should be done")
	}
	wantEnd := arr.Add(30 * time.Minute)
	if st.PlannedEndUTC == nil || !st.PlannedEndUTC.Equal(wantEnd) {
		t.Errorf("plannedEnd = %v, want %v", st.PlannedEndUTC, wantEnd)
	}
	if st.LastActivityUTC == nil || !st.LastActivityUTC.Equal(wantEnd) {
		t.Errorf("lastActivity = %v, want planned end %v", st.LastActivityUTC, wantEnd)
	}
	if got := s.outcomes("subscr_1"); len(got) != 1 || got[0] != OutcomeDone {
		t.Errorf("outcomes = %v, want [done]", got)
	}
}

func TestFreshEventsKeepJourneyAlive(t *testing.T) {
	clock := &fakeClock{now: t0}
	dep := t0.Add(-2 * time.Hour)
	arr := t0.Add(-50 * time.Minute) // planned end t0-20m, window already closed
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return journey(dep, arr, `{"changeId":"late","title":"Delay"}`), nil
	}}
	s := newMemStore()
	s.addSub("subscr_1", "1")

	sum, err := newMonitor(g, s, testConfig(), clock).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Activity at t0 keeps it alive until t0+15m; slow polls at 0, 240, 480, 720, 960s.
	if len(g.calls) != 5 {
		t.Fatalf("gate calls = %d, want 5", len(g.calls))
	}
	for i, c := range g.calls {
		if want := t0.Add(time.Duration(i) * 240 * time.Second); !c.at.Equal(want) {
			t.Errorf("call %d at %v, want %v", i, c.at.Sub(t0), want.Sub(t0))
		}
	}
	if sum.Done != 1 {
		t.Errorf("done = %d, want 1", sum.Done)
	}
	if st := s.state(t, "subscr_1"); st.LastActivityUTC == nil || !st.LastActivityUTC.Equal(t0) {
		t.Errorf("lastActivity = %v, want %v", st.LastActivityUTC, t0)
	}
	audits := s.audits["subscr_1"]
	if audits[0].IntervalSec != 240 || audits[0].InWindow {
		t.Errorf("first audit interval=%v inWindow=%v, want slow and outside", audits[0].IntervalSec, audits[0].InWindow)
	}
}

func TestInWindowUsesFastInterval(t *testing.T) {
	clock := &fakeClock{now: t0}
	dep := t0.Add(5 * time.Minute)
	arr := t0.Add(time.Hour)
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return journey(dep, arr, ""), nil
	}}
	s := newMemStore()
	s.addSub("subscr_1", "1")
	cfg := testConfig()
	cfg.MaxRuntime = 130 * time.Second

	if _, err := newMonitor(g, s, cfg, clock).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(g.calls) != 2 || !g.calls[1].at.Equal(t0.Add(120*time.Second)) {
		t.Fatalf("calls = %+v, want second call at +120s", g.calls)
	}
	a := s.audits["subscr_1"][0]
	if !a.InWindow || a.WindowStartUTC != "2025-03-01T07:55:00Z" || a.WindowEndUTC != "2025-03-01T09:30:00Z" {
		t.Errorf("audit window = %+v", a)
	}
}

func TestSlowGateClampsNextDueToNow(t *testing.T) {
	clock := &fakeClock{now: t0}
	g := &fakeGate{clock: clock}
	g.respond = func(campaign.SubscriptionID, int) (string, error) {
		clock.now = clock.now.Add(200 * time.Second)
		return unknownJourney(""), nil
	}
	s := newMemStore()
	s.addSub("subscr_1", "1")
	cfg := testConfig()
	cfg.MaxRuntime = 300 * time.Second

	if _, err := newMonitor(g, s, cfg, clock).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(g.calls) != 2 {
		t.Fatalf("gate calls = %d, want 2", len(g.calls))
	}
	if want := t0.Add(200 * time.Second); !g.calls[1].at.Equal(want) {
		t.Errorf("second call at %v, want immediately after the slow answer", g.calls[1].at.Sub(t0))
	}
}

func TestResumeSkipsDoneSubscriptions(t *testing.T) {
	clock := &fakeClock{now: t0}
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return unknownJourney(""), nil
	}}
	s := newMemStore()
	s.addSub("subscr_1", "1")
	s.states["subscr_1"] = []byte(`{"seenKeys":["a"],"pollCount":7,"done":true,"note":"kept"}`)

	sum, err := newMonitor(g, s, testConfig(), clock).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(g.calls) != 0 {
		t.Errorf("gate calls = %d, want 0", len(g.calls))
	}
	if sum.Done != 1 || sum.Attempts != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if s.stateSaves["subscr_1"] != 0 {
		t.Error("a done subscription must not be rewritten")
	}
}

func TestCancelStopsRun(t *testing.T) {
	clock := &fakeClock{now: t0}
	ctx, cancel := context.WithCancel(context.Background())
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		cancel()
		return unknownJourney(""), nil
	}}
	s := newMemStore()
	s.addSub("subscr_1", "1")
	s.addSub("subscr_2", "2")

	sum, err := newMonitor(g, s, testConfig(), clock).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !sum.Stopped || len(g.calls) != 1 {
		t.Errorf("stopped = %v, calls = %d, want stopped after the in-flight call", sum.Stopped, len(g.calls))
	}
}

func TestSaveRawNamesBySequence(t *testing.T) {
	clock := &fakeClock{now: t0}
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return unknownJourney(""), nil
	}}
	s := newMemStore()
	s.addSub("subscr_1", "1")
	cfg := testConfig()
	cfg.SaveRaw = true
	cfg.MaxRuntime = 150 * time.Second

	if _, err := newMonitor(g, s, cfg, clock).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, name := range []string{"00_subscrdetails_req.json", "00_subscrdetails_resp.json", "00_subscrdetails_corrid.txt", "01_subscrdetails_resp.json"} {
		if s.raw["subscr_1/"+name] != 1 {
			t.Errorf("raw %s written %d times, want 1", name, s.raw["subscr_1/"+name])
		}
	}
}

func TestSnapshot(t *testing.T) {
	clock := &fakeClock{now: t0}
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return unknownJourney(`{"changeId":"x"}`), nil
	}}
	s := newMemStore()
	s.addSub("subscr_b", "2")
	s.addSub("subscr_a", "1")
	cfg := testConfig()
	cfg.MaxRuntime = 90 * time.Second

	m := newMonitor(g, s, cfg, clock)
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].Sub != "subscr_a" || snap[1].Sub != "subscr_b" {
		t.Fatalf("snapshot = %+v", snap)
	}
	for _, p := range snap {
		if p.Phase != PhaseActive || p.Attempts != 1 || p.Events != 1 || p.LastOutcome != OutcomeOK {
			t.Errorf("progress = %+v", p)
		}
	}
}

// flakyStore fails audit appends always and event appends a set number of times.
type flakyStore struct {
	*memStore
	failAudit  bool
	failEvents int
}

func (s *flakyStore) AppendAudit(ctx context.Context, sub string, record any) error {
	if s.failAudit {
		return errors.New("disk full")
	}
	return s.memStore.AppendAudit(ctx, sub, record)
}

func (s *flakyStore) AppendEvents(ctx context.Context, sub string, events []campaign.NormalizedEvent) error {
	if s.failEvents > 0 {
		s.failEvents--
		return errors.New("stream unavailable")
	}
	return s.memStore.AppendEvents(ctx, sub, events)
}

func TestAuditFailureDoesNotStopPolling(t *testing.T) {
	clock := &fakeClock{now: t0}
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return unknownJourney(`{"changeId":"c1","title":"Delay"}`), nil
	}}
	s := &flakyStore{memStore: newMemStore(), failAudit: true}
	s.addSub("subscr_1", "1")
	cfg := testConfig()
	cfg.MaxRuntime = 250 * time.Second

	sum, err := New(g, s, cfg, discard(), WithClock(clock)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Attempts != 3 || sum.Events != 1 {
		t.Errorf("summary = %+v, want 3 attempts and 1 event", sum)
	}
	if st := s.state(t, "subscr_1"); st.PollCount != 3 {
		t.Errorf("pollCount = %d, want 3", st.PollCount)
	}
	if len(s.audits["subscr_1"]) != 0 {
		t.Errorf("audits = %d, want none stored", len(s.audits["subscr_1"]))
	}
}

func TestFailedEventAppendIsRetriedNextPoll(t *testing.T) {
	clock := &fakeClock{now: t0}
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return unknownJourney(`{"changeId":"c1","title":"Delay"}`), nil
	}}
	s := &flakyStore{memStore: newMemStore(), failEvents: 1}
	s.addSub("subscr_1", "1")
	cfg := testConfig()
	cfg.MaxRuntime = 150 * time.Second

	sum, err := New(g, s, cfg, discard(), WithClock(clock)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	events := s.events["subscr_1"]
	if len(events) != 1 || events[0].Key != "c1" {
		t.Fatalf("events = %+v, want c1 once", events)
	}
	if want := campaign.FormatTimestamp(t0.Add(120 * time.Second)); events[0].TsPollUTC != want {
		t.Errorf("event polled at %s, want %s", events[0].TsPollUTC, want)
	}
	if sum.Events != 1 {
		t.Errorf("summary events = %d, want 1", sum.Events)
	}
	audits := s.audits["subscr_1"]
	if len(audits) != 2 || audits[0].NewEvents != 0 || !strings.Contains(audits[0].Error, "append events") || audits[1].NewEvents != 1 {
		t.Errorf("audits = %+v", audits)
	}
	if st := s.state(t, "subscr_1"); !st.Seen("c1") {
		t.Error("c1 should be seen once it was written")
	}
}

func TestPlannedEndSurvivesMissingTimes(t *testing.T) {
	clock := &fakeClock{now: t0}
	dep := t0.Add(5 * time.Minute)
	arr := t0.Add(time.Hour)
	g := &fakeGate{clock: clock, respond: func(_ campaign.SubscriptionID, n int) (string, error) {
		if n == 0 {
			return journey(dep, arr, ""), nil
		}
		return unknownJourney(""), nil
	}}
	s := newMemStore()
	s.addSub("subscr_1", "1")
	cfg := testConfig()
	cfg.MaxRuntime = 150 * time.Second

	if _, err := newMonitor(g, s, cfg, clock).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(g.calls) != 2 {
		t.Fatalf("gate calls = %d, want 2", len(g.calls))
	}
	wantEnd := arr.Add(30 * time.Minute)
	st := s.state(t, "subscr_1")
	if st.PlannedEndUTC == nil || !st.PlannedEndUTC.Equal(wantEnd) {
		t.Errorf("plannedEnd = %v, want %v", st.PlannedEndUTC, wantEnd)
	}
	audits := s.audits["subscr_1"]
	if len(audits) != 2 || audits[1].DepartureUTC != "" || audits[1].PlannedEndUTC != campaign.FormatTimestamp(wantEnd) {
		t.Errorf("second audit = %+v", audits[len(audits)-1])
	}
}

type queueRecorder struct {
	queued []int
}

func (r *queueRecorder) ObservePoll(string, int) {}

func (r *queueRecorder) SetQueued(n int) { r.queued = append(r.queued, n) }

func TestQueueGaugeCountsEntryWaitingAtDeadline(t *testing.T) {
	clock := &fakeClock{now: t0}
	g := &fakeGate{clock: clock, respond: func(campaign.SubscriptionID, int) (string, error) {
		return unknownJourney(""), nil
	}}
	s := newMemStore()
	for i := 1; i <= 4; i++ {
		s.addSub(fmt.Sprintf("subscr_%d", i), campaign.SubscriptionID(fmt.Sprint(i)))
	}
	cfg := testConfig()
	cfg.MaxRuntime = 100 * time.Second
	rec := &queueRecorder{}

	if _, err := New(g, s, cfg, discard(), WithClock(clock), WithRecorder(rec)).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.queued) == 0 || rec.queued[len(rec.queued)-1] != 4 {
		t.Errorf("queued gauge = %v, want to end at 4", rec.queued)
	}
}
