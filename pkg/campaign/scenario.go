package campaign

import "time"

// ScenarioItem describes one journey to subscribe to.
type ScenarioItem struct {
	ScenarioID string         `json:"scenarioId" yaml:"scenarioId"`
	BeginDate  string         `json:"beginDate" yaml:"beginDate"`
	EndDate    string         `json:"endDate" yaml:"endDate"`
	NPass      int            `json:"nPass" yaml:"nPass"`
	CtxRecon   string         `json:"ctxRecon" yaml:"ctxRecon"`
	Hysteresis map[string]any `json:"hysteresis" yaml:"hysteresis"`
}

// Scenario is a campaign definition plus its polling parameters.
type Scenario struct {
	CampaignName  string         `json:"campaignName" yaml:"campaignName"`
	PollSec       int            `json:"pollSec" yaml:"pollSec"`
	PreWindowMin  int            `json:"preWindowMin" yaml:"preWindowMin"`
	PostWindowMin int            `json:"postWindowMin" yaml:"postWindowMin"`
	IdleGraceMin  *int           `json:"idleGraceMin,omitempty" yaml:"idleGraceMin,omitempty"`
	MaxRuntimeMin int            `json:"maxRuntimeMin" yaml:"maxRuntimeMin"`
	Items         []ScenarioItem `json:"items" yaml:"items"`
}

// Scenario defaults.
const (
	DefaultPollSec       = 120
	DefaultPreWindowMin  = 10
	DefaultPostWindowMin = 30
	DefaultIdleGraceMin  = 15
)

// SetDefaults fills zero values with the campaign defaults.
// IdleGraceMin is a pointer because zero is a meaningful grace.
func (s *Scenario) SetDefaults() {
	if s.PollSec <= 0 {
		s.PollSec = DefaultPollSec
	}
	if s.PreWindowMin <= 0 {
		s.PreWindowMin = DefaultPreWindowMin
	}
	if s.PostWindowMin <= 0 {
		s.PostWindowMin = DefaultPostWindowMin
	}
	if s.IdleGraceMin == nil {
		grace := DefaultIdleGraceMin
		s.IdleGraceMin = &grace
	}
	if s.MaxRuntimeMin < 0 {
		s.MaxRuntimeMin = 0
	}
	for i := range s.Items {
		if s.Items[i].NPass <= 0 {
			s.Items[i].NPass = 1
		}
		if s.Items[i].EndDate == "" {
			s.Items[i].EndDate = s.Items[i].BeginDate
		}
	}
}

// PollInterval returns the configured fast poll interval.
func (s *Scenario) PollInterval() time.Duration { return time.Duration(s.PollSec) * time.Second }

// IdleGrace returns the grace after planned end, defaulting when unset.
func (s *Scenario) IdleGrace() time.Duration {
	if s.IdleGraceMin == nil {
		return DefaultIdleGraceMin * time.Minute
	}
	return time.Duration(*s.IdleGraceMin) * time.Minute
}
