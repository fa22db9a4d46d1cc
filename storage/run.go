package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"rtpush-campaign/pkg/campaign"
)

// Run layout keys.
const (
	ScenarioKey      = "scenario.json"
	SubsDir          = "subs"
	DeviceStreamKey  = "device/notifications.ndjson"
	LockKey          = "poll.lock"
	ReportDir        = "report"
	manifestName     = "manifest.json"
	stateName        = "poll/state.json"
	eventsName       = "poll/rt_events.ndjson"
	auditName        = "poll/poll_log.ndjson"
	rawDir           = "raw"
	subscriptionStem = "subscr_"
)

// ErrLocked is returned by Lock when another poller holds the run.
var ErrLocked = errors.New("run is locked by another poller")

// SubscriptionDir returns the run-relative directory name for a subscription.
func SubscriptionDir(id campaign.SubscriptionID, index int) string {
	if id == "" {
		return fmt.Sprintf("%sunknown_%d", subscriptionStem, index)
	}
	return subscriptionStem + string(id)
}

func subKey(sub, name string) string {
	return path.Join(SubsDir, sub, name)
}

// ListSubscriptions returns the subscription directories of the run in sorted order.
// Manifests are not read here; a broken manifest surfaces on poll.
func (s *Store) ListSubscriptions(ctx context.Context) ([]string, error) {
	dirs, err := s.listDirs(ctx, SubsDir)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return dirs, nil
}

// LoadManifest reads and validates the manifest of a subscription.
func (s *Store) LoadManifest(ctx context.Context, sub string) (*campaign.Manifest, error) {
	data, err := s.Read(ctx, subKey(sub, manifestName))
	if err != nil {
		return nil, err
	}
	var m campaign.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveManifest writes the manifest of a subscription.
func (s *Store) SaveManifest(ctx context.Context, sub string, m *campaign.Manifest) error {
	return s.writeJSON(ctx, subKey(sub, manifestName), m)
}

// LoadState reads the poll state of a subscription. A missing state is the empty
// initial state; an unreadable one is an error.
func (s *Store) LoadState(ctx context.Context, sub string) (*campaign.State, error) {
	data, err := s.Read(ctx, subKey(sub, stateName))
	if err != nil {
		if IsNotFound(err) {
			return campaign.NewState(), nil
		}
		return nil, err
	}
	st := campaign.NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return st, nil
}

// SaveState rewrites the poll state of a subscription, keeping unknown fields.
func (s *Store) SaveState(ctx context.Context, sub string, st *campaign.State) error {
	return s.writeJSON(ctx, subKey(sub, stateName), st)
}

// AppendEvents adds normalized events to the subscription's event stream.
func (s *Store) AppendEvents(ctx context.Context, sub string, events []campaign.NormalizedEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]any, len(events))
	for i := range events {
		rows[i] = events[i]
	}
	return s.appendNDJSON(ctx, subKey(sub, eventsName), rows...)
}

// AppendAudit adds one record to the subscription's poll log.
func (s *Store) AppendAudit(ctx context.Context, sub string, record any) error {
	return s.appendNDJSON(ctx, subKey(sub, auditName), record)
}

// SaveRaw stores a request or response body with credentials redacted.
func (s *Store) SaveRaw(ctx context.Context, sub, name string, v any) error {
	return s.writeJSON(ctx, path.Join(SubsDir, sub, rawDir, name), Redact(v, s.secrets))
}

// SaveRawText stores a small text artefact such as a correlation id.
func (s *Store) SaveRawText(ctx context.Context, sub, name, text string) error {
	return s.Write(ctx, path.Join(SubsDir, sub, rawDir, name), []byte(text))
}

// LoadEvents reads the event streams of every subscription in the run.
func (s *Store) LoadEvents(ctx context.Context) ([]campaign.NormalizedEvent, error) {
	subs, err := s.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	var all []campaign.NormalizedEvent
	for _, sub := range subs {
		data, err := s.Read(ctx, subKey(sub, eventsName))
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		events, err := DecodeNDJSON[campaign.NormalizedEvent](data)
		if err != nil {
			return nil, fmt.Errorf("decode events of %s: %w", sub, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

// LoadNotifications reads the device notification stream stored in the run.
func (s *Store) LoadNotifications(ctx context.Context) ([]campaign.DeviceNotification, error) {
	data, err := s.Read(ctx, DeviceStreamKey)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return DecodeNDJSON[campaign.DeviceNotification](data)
}

// WriteNotifications stores device notifications in the run, replacing the stream
// unless appendMode is set.
func (s *Store) WriteNotifications(ctx context.Context, rows []campaign.DeviceNotification, appendMode bool) error {
	data, err := EncodeNDJSON(rows)
	if err != nil {
		return fmt.Errorf("encode notifications: %w", err)
	}
	if appendMode {
		if len(data) == 0 {
			return nil
		}
		return s.Append(ctx, DeviceStreamKey, data)
	}
	return s.Write(ctx, DeviceStreamKey, data)
}

// SaveReport stores a report artefact under report/.
func (s *Store) SaveReport(ctx context.Context, name string, data []byte) error {
	return s.Write(ctx, path.Join(ReportDir, name), data)
}

// SaveScenario stores the scenario the run was created from.
func (s *Store) SaveScenario(ctx context.Context, sc *campaign.Scenario) error {
	return s.writeJSON(ctx, ScenarioKey, sc)
}

// LoadScenario reads the scenario stored in the run.
func (s *Store) LoadScenario(ctx context.Context) (*campaign.Scenario, error) {
	data, err := s.Read(ctx, ScenarioKey)
	if err != nil {
		return nil, err
	}
	var sc campaign.Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("unmarshal scenario: %w", err)
	}
	sc.SetDefaults()
	return &sc, nil
}

// Lock claims the run for a single poller. The lock object records who holds it;
// a lock left behind by a crashed poller must be removed by hand.
func (s *Store) Lock(ctx context.Context) error {
	host, _ := os.Hostname()
	body, err := json.Marshal(map[string]any{
		"pid":      os.Getpid(),
		"host":     host,
		"lockedAt": campaign.FormatTimestamp(time.Now()),
	})
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}

	if s.localPath != "" {
		p := s.filePath(LockKey)
		if err := os.MkdirAll(s.localPath, 0o750); err != nil {
			return fmt.Errorf("create run directory: %w", err)
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			if os.IsExist(err) {
				return fmt.Errorf("%w (remove %s if no poller is running)", ErrLocked, p)
			}
			return fmt.Errorf("create lock file: %w", err)
		}
		if _, err := f.Write(body); err != nil {
			_ = f.Close()
			return fmt.Errorf("write lock file: %w", err)
		}
		return f.Close()
	}

	obj := s.client.Bucket(s.bucket).Object(s.objectName(LockKey)).If(storage.Conditions{DoesNotExist: true})
	if err := s.writeObject(ctx, obj, body); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("%w (delete %s if no poller is running)", ErrLocked, s.objectName(LockKey))
		}
		return fmt.Errorf("create lock object: %w", err)
	}
	return nil
}

// Unlock releases the run.
func (s *Store) Unlock(ctx context.Context) error {
	return s.Delete(ctx, LockKey)
}

func (s *Store) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Write(ctx, key, data)
}

func (s *Store) appendNDJSON(ctx context.Context, key string, rows ...any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("marshal %s row: %w", key, err)
		}
	}
	return s.Append(ctx, key, buf.Bytes())
}

// EncodeNDJSON renders rows as newline-delimited JSON.
func EncodeNDJSON[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range rows {
		if err := enc.Encode(rows[i]); err != nil {
			return nil, fmt.Errorf("marshal row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeNDJSON parses newline-delimited JSON, skipping blank lines.
func DecodeNDJSON[T any](data []byte) ([]T, error) {
	var rows []T
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var row T
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ndjson: %w", err)
	}
	return rows, nil
}
