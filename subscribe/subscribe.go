// Package subscribe creates the gate subscriptions of a scenario and lays out the run
// directory the poller works from.
package subscribe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rtpush-campaign/gate"
	"rtpush-campaign/pkg/campaign"
	"rtpush-campaign/storage"
)

// Gate creates subscriptions.
type Gate interface {
	SubscrCreate(ctx context.Context, item campaign.ScenarioItem) (*gate.Response, error)
}

// Store is the part of the run store the subscriber writes to.
type Store interface {
	SaveScenario(ctx context.Context, sc *campaign.Scenario) error
	SaveManifest(ctx context.Context, sub string, m *campaign.Manifest) error
	SaveRaw(ctx context.Context, sub, name string, v any) error
	SaveRawText(ctx context.Context, sub, name, text string) error
}

// RunName returns the directory name of a run started at now.
func RunName(campaignName string, now time.Time) string {
	return fmt.Sprintf("RUN_%s__%s", now.Format("20060102_150405"), strings.ReplaceAll(campaignName, " ", "_"))
}

// Created describes one subscription written to the run.
type Created struct {
	Dir      string
	Manifest campaign.Manifest
	CorrID   string
}

// Subscriber turns scenario items into subscriptions.
type Subscriber struct {
	gate    Gate
	store   Store
	logger  *slog.Logger
	saveRaw bool
}

// New creates a subscriber. With saveRaw the create request and response are kept
// under each subscription's raw directory.
func New(g Gate, store Store, saveRaw bool, logger *slog.Logger) *Subscriber {
	return &Subscriber{gate: g, store: store, saveRaw: saveRaw, logger: logger}
}

// Run stores the scenario and creates one subscription per item, in order. It stops at
// the first failed creation and returns what was created before it.
func (s *Subscriber) Run(ctx context.Context, sc *campaign.Scenario) ([]Created, error) {
	sc.SetDefaults()
	if err := s.store.SaveScenario(ctx, sc); err != nil {
		return nil, fmt.Errorf("save scenario: %w", err)
	}

	var created []Created
	for i, item := range sc.Items {
		c, err := s.create(ctx, i+1, item)
		if err != nil {
			return created, fmt.Errorf("subscribe %s: %w", item.ScenarioID, err)
		}
		created = append(created, c)
	}
	s.logger.Info("Subscriptions created", "campaign", sc.CampaignName, "count", len(created))
	return created, nil
}

func (s *Subscriber) create(ctx context.Context, index int, item campaign.ScenarioItem) (Created, error) {
	resp, err := s.gate.SubscrCreate(ctx, item)
	if err != nil {
		return Created{}, err
	}

	res := result(resp.Body)
	id := SubscriptionID(res)
	dir := storage.SubscriptionDir(id, index)
	if id == "" {
		s.logger.Warn("Gate returned no subscription id", "scenario_id", item.ScenarioID, "corr_id", resp.CorrID, "dir", dir)
	}

	stored, _ := res["hysteresis"].(map[string]any)
	if stored == nil {
		stored = map[string]any{}
	}
	m := campaign.Manifest{
		ScenarioID:          item.ScenarioID,
		CtxRecon:            item.CtxRecon,
		BeginDate:           item.BeginDate,
		EndDate:             item.EndDate,
		NPass:               item.NPass,
		HysteresisRequested: item.Hysteresis,
		HysteresisStored:    stored,
		SubscrID:            id,
	}
	if err := s.store.SaveManifest(ctx, dir, &m); err != nil {
		return Created{}, fmt.Errorf("save manifest: %w", err)
	}

	if s.saveRaw {
		if err := s.store.SaveRaw(ctx, dir, "01_subscrcreate_req.json", resp.Request); err != nil {
			return Created{}, err
		}
		if err := s.store.SaveRaw(ctx, dir, "01_subscrcreate_resp.json", resp.Body); err != nil {
			return Created{}, err
		}
		if err := s.store.SaveRawText(ctx, dir, "01_subscrcreate_corrid.txt", resp.CorrID); err != nil {
			return Created{}, err
		}
	}

	s.logger.Info("Subscription created", "scenario_id", item.ScenarioID, "subscr_id", string(id), "corr_id", resp.CorrID)
	return Created{Dir: dir, Manifest: m, CorrID: resp.CorrID}, nil
}

func result(body map[string]any) map[string]any {
	list, _ := body["svcResL"].([]any)
	if len(list) == 0 {
		return nil
	}
	first, _ := list[0].(map[string]any)
	res, _ := first["res"].(map[string]any)
	return res
}

// SubscriptionID reads the subscription id from a create result. Missing or
// non-scalar ids yield "".
func SubscriptionID(res map[string]any) campaign.SubscriptionID {
	switch v := res["subscrId"].(type) {
	case json.Number:
		return campaign.SubscriptionID(v.String())
	case string:
		return campaign.SubscriptionID(v)
	case float64:
		return campaign.SubscriptionID(fmt.Sprintf("%.0f", v))
	}
	return ""
}
