package poll

import (
	"context"
	"fmt"
	"time"

	"rtpush-campaign/extract"
	"rtpush-campaign/pkg/campaign"
)

// AuditRecord is one line of a subscription's poll log.
type AuditRecord struct {
	TsUTC           string                  `json:"tsUtc"`
	Sub             string                  `json:"sub"`
	SubscrID        campaign.SubscriptionID `json:"subscrId,omitempty"`
	ScenarioID      string                  `json:"scenarioId,omitempty"`
	Attempt         int                     `json:"attempt"`
	PollCount       int                     `json:"pollCount"`
	Phase           Phase                   `json:"phase"`
	Outcome         string                  `json:"outcome"`
	Error           string                  `json:"error,omitempty"`
	CorrID          string                  `json:"corrId,omitempty"`
	DepartureUTC    string                  `json:"departureUtc,omitempty"`
	ArrivalUTC      string                  `json:"arrivalUtc,omitempty"`
	WindowStartUTC  string                  `json:"windowStartUtc,omitempty"`
	WindowEndUTC    string                  `json:"windowEndUtc,omitempty"`
	InWindow        bool                    `json:"inWindow"`
	PlannedEndUTC   string                  `json:"plannedEndUtc,omitempty"`
	LastActivityUTC string                  `json:"lastActivityUtc,omitempty"`
	NewEvents       int                     `json:"newEvents"`
	IntervalSec     float64                 `json:"intervalSec"`
	NextDueUTC      string                  `json:"nextDueUtc,omitempty"`
}

type result struct {
	next   time.Time
	done   bool
	polled bool
	events int
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return campaign.FormatTimestamp(*t)
}

// attempt performs one poll of e and decides when, if ever, to poll it again.
func (m *Monitor) attempt(ctx context.Context, e *entry) result {
	now := m.clock.Now()
	backoff := SlowInterval(m.cfg.PollInterval)

	var attemptNo int
	var phase Phase
	m.update(e.sub, func(p *Progress) {
		p.Attempts++
		attemptNo = p.Attempts
		phase = p.Phase
	})
	rec := AuditRecord{
		TsUTC:   campaign.FormatTimestamp(now),
		Sub:     e.sub,
		Attempt: attemptNo,
		Phase:   phase,
	}

	fail := func(outcome string, err error) result {
		next := m.clock.Now().Add(backoff)
		rec.Outcome = outcome
		rec.Error = err.Error()
		rec.IntervalSec = backoff.Seconds()
		rec.NextDueUTC = campaign.FormatTimestamp(next)
		m.logger.Warn("Poll attempt failed, backing off",
			"sub", e.sub,
			"subscr_id", rec.SubscrID,
			"outcome", outcome,
			"backoff", backoff.String(),
			"error", err)
		m.finish(ctx, e.sub, &rec, next)
		return result{next: next, polled: true}
	}

	manifest, err := m.store.LoadManifest(ctx, e.sub)
	if err != nil {
		return fail(OutcomeManifestError, fmt.Errorf("load manifest: %w", err))
	}
	rec.SubscrID = manifest.SubscrID
	rec.ScenarioID = manifest.ScenarioID
	m.update(e.sub, func(p *Progress) {
		p.SubscrID = manifest.SubscrID
		p.ScenarioID = manifest.ScenarioID
	})

	st, err := m.store.LoadState(ctx, e.sub)
	if err != nil {
		return fail(OutcomeStateError, fmt.Errorf("load state: %w", err))
	}
	if st.Done {
		m.logger.Info("Subscription already done, dropping", "sub", e.sub, "subscr_id", manifest.SubscrID)
		m.update(e.sub, func(p *Progress) {
			p.Phase = PhaseDone
			p.Attempts--
			p.NextDue = time.Time{}
		})
		return result{done: true}
	}

	rawSeq := st.PollCount
	resp, err := m.gate.SubscrDetails(ctx, manifest.SubscrID)
	st.PollCount++
	st.LastPollUTC = &now
	rec.PollCount = st.PollCount
	if err != nil {
		if saveErr := m.store.SaveState(ctx, e.sub, st); saveErr != nil {
			m.logger.Error("Failed to save state", "sub", e.sub, "error", saveErr)
		}
		return fail(OutcomeGateError, fmt.Errorf("subscr details: %w", err))
	}
	rec.CorrID = resp.CorrID
	rec.Phase = PhaseActive

	if m.cfg.SaveRaw {
		m.saveRaw(ctx, e.sub, rawSeq, resp.Request, resp.Body, resp.CorrID)
	}

	x := m.extractor.Extract(resp.Body)
	window, windowKnown := extract.ActivityWindow(x.Departure, x.Arrival, m.cfg.PreWindow, m.cfg.PostWindow)
	inWindow := windowKnown && window.Contains(now)
	rec.DepartureUTC = formatOptional(x.Departure)
	rec.ArrivalUTC = formatOptional(x.Arrival)
	rec.InWindow = inWindow
	if windowKnown {
		rec.WindowStartUTC = campaign.FormatTimestamp(window.Start)
		rec.WindowEndUTC = campaign.FormatTimestamp(window.End)
	}

	pc := extract.PollContext{
		PolledAt:   now,
		CorrID:     resp.CorrID,
		SubscrID:   manifest.SubscrID,
		ScenarioID: manifest.ScenarioID,
	}
	fresh := m.extractor.Dedup(st, x.Events, pc, m.cfg.IncludeRaw)
	if len(fresh) > 0 {
		if err := m.store.AppendEvents(ctx, e.sub, fresh); err != nil {
			// The keys were never persisted; forget them so the next poll emits again.
			for _, ev := range fresh {
				delete(st.SeenKeys, ev.Key)
			}
			rec.Error = fmt.Sprintf("append events: %v", err)
			m.logger.Error("Failed to append events", "sub", e.sub, "count", len(fresh), "error", err)
			fresh = nil
		}
	}
	rec.NewEvents = len(fresh)

	if plannedEnd := m.extractor.PlannedEnd(x.Departure, x.Arrival); plannedEnd != nil {
		st.PlannedEndUTC = plannedEnd
	}
	switch {
	case len(fresh) > 0:
		st.LastActivityUTC = &now
	case st.LastActivityUTC == nil && st.PlannedEndUTC != nil:
		end := *st.PlannedEndUTC
		st.LastActivityUTC = &end
	}
	rec.PlannedEndUTC = formatOptional(st.PlannedEndUTC)
	rec.LastActivityUTC = formatOptional(st.LastActivityUTC)

	st.Done = Terminated(now, st.PlannedEndUTC, st.LastActivityUTC, m.cfg.IdleGrace)
	if err := m.store.SaveState(ctx, e.sub, st); err != nil {
		rec.Error = fmt.Sprintf("save state: %v", err)
		m.logger.Error("Failed to save state", "sub", e.sub, "error", err)
	}

	m.update(e.sub, func(p *Progress) { p.Events += len(fresh) })
	if len(fresh) > 0 {
		m.logger.Info("New events detected", "sub", e.sub, "subscr_id", manifest.SubscrID, "count", len(fresh), "corr_id", resp.CorrID)
	}

	if st.Done {
		rec.Phase = PhaseDone
		rec.Outcome = OutcomeDone
		m.logger.Info("Subscription done",
			"sub", e.sub,
			"subscr_id", manifest.SubscrID,
			"planned_end", rec.PlannedEndUTC,
			"last_activity", rec.LastActivityUTC,
			"polls", st.PollCount)
		m.finish(ctx, e.sub, &rec, time.Time{})
		return result{done: true, polled: true, events: len(fresh)}
	}

	interval := NextInterval(m.cfg.PollInterval, windowKnown, inWindow)
	next := e.due.Add(interval)
	if after := m.clock.Now(); next.Before(after) {
		next = after
	}
	rec.Outcome = OutcomeOK
	rec.IntervalSec = interval.Seconds()
	rec.NextDueUTC = campaign.FormatTimestamp(next)
	m.logger.Debug("Poll completed",
		"sub", e.sub,
		"subscr_id", manifest.SubscrID,
		"in_window", inWindow,
		"window_known", windowKnown,
		"new_events", len(fresh),
		"interval_sec", interval.Seconds(),
		"next_due", rec.NextDueUTC)
	m.finish(ctx, e.sub, &rec, next)
	return result{next: next, polled: true, events: len(fresh)}
}

// finish appends the audit record and publishes progress. Audit failures are logged only.
func (m *Monitor) finish(ctx context.Context, sub string, rec *AuditRecord, next time.Time) {
	if err := m.store.AppendAudit(ctx, sub, rec); err != nil {
		m.logger.Warn("Failed to append audit record", "sub", sub, "error", err)
	}
	if m.recorder != nil {
		m.recorder.ObservePoll(rec.Outcome, rec.NewEvents)
	}
	m.update(sub, func(p *Progress) {
		p.Phase = rec.Phase
		p.LastOutcome = rec.Outcome
		p.LastError = rec.Error
		p.NextDue = next
	})
}

func (m *Monitor) saveRaw(ctx context.Context, sub string, seq int, req, resp map[string]any, corrID string) {
	prefix := fmt.Sprintf("%02d_subscrdetails", seq)
	if err := m.store.SaveRaw(ctx, sub, prefix+"_req.json", req); err != nil {
		m.logger.Warn("Failed to save raw request", "sub", sub, "error", err)
	}
	if err := m.store.SaveRaw(ctx, sub, prefix+"_resp.json", resp); err != nil {
		m.logger.Warn("Failed to save raw response", "sub", sub, "error", err)
	}
	if err := m.store.SaveRawText(ctx, sub, prefix+"_corrid.txt", corrID); err != nil {
		m.logger.Warn("Failed to save correlation id", "sub", sub, "error", err)
	}
}
