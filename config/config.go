// Package config loads environment settings and scenario files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"rtpush-campaign/gate"
	"rtpush-campaign/pkg/campaign"
)

// Env is the process configuration read from the environment.
type Env struct {
	Hafas struct {
		BaseURL       string        `envconfig:"HAFAS_BASE_URL"`
		AID           string        `envconfig:"HAFAS_AID"`
		UserID        string        `envconfig:"HAFAS_USER_ID"`
		ClientID      string        `envconfig:"HAFAS_CLIENT_ID" default:"HAFAS"`
		ChannelID     string        `envconfig:"HAFAS_CHANNEL_ID"`
		Lang          string        `envconfig:"HAFAS_LANG" default:"eng"`
		Ver           string        `envconfig:"HAFAS_VER" default:"1.72"`
		ClientType    string        `envconfig:"HAFAS_CLIENT_TYPE" default:"AND"`
		ClientVersion int           `envconfig:"HAFAS_CLIENT_VERSION" default:"1000680"`
		HCIVersion    string        `envconfig:"HAFAS_HCI_VERSION" default:"1.72"`
		Timeout       time.Duration `envconfig:"HAFAS_TIMEOUT" default:"30s"`
		RPS           float64       `envconfig:"HAFAS_RPS" default:"2"`
	} `envconfig:""`

	LocalTZ string `envconfig:"CAMPAIGN_LOCAL_TZ" default:"Europe/Luxembourg"`

	Storage struct {
		Bucket          string `envconfig:"STORAGE_BUCKET"`
		CredentialsJSON string `envconfig:"GOOGLE_CREDENTIALS_JSON"`
	} `envconfig:""`

	Mail struct {
		Provider    string `envconfig:"MAIL_PROVIDER" default:"mock"`
		From        string `envconfig:"MAIL_FROM"`
		FromName    string `envconfig:"MAIL_FROM_NAME" default:"RT Push Campaign"`
		BrevoAPIKey string `envconfig:"BREVO_API_KEY"`
	} `envconfig:""`

	StatusAddr string `envconfig:"STATUS_ADDR"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadEnv reads an optional .env file and then the environment. Variables already set
// in the environment win over the file.
func LoadEnv(dotenv string) (*Env, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	return &env, nil
}

// Location resolves the configured local timezone of gate timestamps.
func (e *Env) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(e.LocalTZ)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", e.LocalTZ, err)
	}
	return loc, nil
}

// Gate builds the gate client configuration.
func (e *Env) Gate() gate.Config {
	return gate.Config{
		BaseURL:        e.Hafas.BaseURL,
		AID:            e.Hafas.AID,
		UserID:         e.Hafas.UserID,
		ClientID:       e.Hafas.ClientID,
		ChannelID:      e.Hafas.ChannelID,
		Lang:           e.Hafas.Lang,
		Ver:            e.Hafas.Ver,
		ClientType:     e.Hafas.ClientType,
		ClientVersion:  e.Hafas.ClientVersion,
		HCIVersion:     e.Hafas.HCIVersion,
		Timeout:        e.Hafas.Timeout,
		RequestsPerSec: e.Hafas.RPS,
	}
}

// ValidateGate reports the gate settings a command needs but lacks.
func (e *Env) ValidateGate() error {
	var missing []string
	for name, v := range map[string]string{
		"HAFAS_BASE_URL":   e.Hafas.BaseURL,
		"HAFAS_AID":        e.Hafas.AID,
		"HAFAS_USER_ID":    e.Hafas.UserID,
		"HAFAS_CHANNEL_ID": e.Hafas.ChannelID,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("missing gate settings: %s", strings.Join(missing, ", "))
}

// LoadScenario reads a scenario file. Files ending in .yaml or .yml are YAML; anything
// else is JSON. Defaults are applied.
func LoadScenario(path string) (*campaign.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var sc campaign.Scenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &sc)
	default:
		err = json.Unmarshal(data, &sc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if len(sc.Items) == 0 {
		return nil, fmt.Errorf("scenario %s has no items", path)
	}
	sc.SetDefaults()
	return &sc, nil
}
