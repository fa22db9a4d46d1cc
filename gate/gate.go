// Package gate talks to the HAFAS real-time subscription gate.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"rtpush-campaign/pkg/campaign"
)

// Gate methods.
const (
	MethodCreate  = "SubscrCreate"
	MethodDetails = "SubscrDetails"
	MethodSearch  = "SubscrSearch"
	MethodDelete  = "SubscrDelete"
)

// Config holds the gate credentials and client identity.
type Config struct {
	BaseURL         string
	AID             string
	UserID          string
	ClientID        string
	ChannelID       string
	Lang            string
	Ver             string
	ClientType      string
	ClientVersion   int
	HCIVersion      string
	Timeout         time.Duration
	RequestsPerSec  float64
	Attempts        uint
	RetryDelay      time.Duration
	ClientName      string
	ClientOS        string
	ClientUserAgent string
}

func (c *Config) setDefaults() {
	if c.ClientID == "" {
		c.ClientID = "HAFAS"
	}
	if c.Lang == "" {
		c.Lang = "eng"
	}
	if c.Ver == "" {
		c.Ver = "1.72"
	}
	if c.ClientType == "" {
		c.ClientType = "AND"
	}
	if c.ClientVersion == 0 {
		c.ClientVersion = 1000680
	}
	if c.HCIVersion == "" {
		c.HCIVersion = "1.72"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.ClientName == "" {
		c.ClientName = "CFL mobile"
	}
	if c.ClientOS == "" {
		c.ClientOS = "Android 12"
	}
	if c.ClientUserAgent == "" {
		c.ClientUserAgent = "Dalvik/2.1.0 (Linux; U; Android 12; Pixel 3 Build/SP1A.210812.016.C2)"
	}
}

// Secrets maps credential values to the placeholders used in raw logs.
func (c Config) Secrets() map[string]string {
	out := make(map[string]string, 3)
	if c.AID != "" {
		out[c.AID] = "<AID>"
	}
	if c.UserID != "" {
		out[c.UserID] = "<USER_ID>"
	}
	if c.ChannelID != "" {
		out[c.ChannelID] = "<CHANNEL_ID>"
	}
	return out
}

// LooksLikeChannelID reports whether a client id is really a push channel id.
// Push channels on Android start with "ANDROID-"; the client id is usually "HAFAS".
func LooksLikeChannelID(clientID string) bool {
	return strings.HasPrefix(strings.ToUpper(clientID), "ANDROID-")
}

// Response is one decoded gate answer with the request that produced it.
type Response struct {
	Body    map[string]any
	CorrID  string
	Request map[string]any
}

// Observer is notified after each HTTP exchange. It is optional.
type Observer interface {
	ObserveRequest(method string, status int, d time.Duration)
}

// Client sends gate requests.
type Client struct {
	cfg      Config
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	observer Observer
}

// New creates a gate client. A nil http.Client gets one with the configured timeout.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Client {
	cfg.setDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	return &Client{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// SetObserver installs a request observer, typically the metrics collector.
func (c *Client) SetObserver(o Observer) {
	c.observer = o
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Hysteresis is the notification tuning of a connection subscription.
type Hysteresis struct {
	MinDeviationInterval int `json:"minDeviationInterval"`
	NotificationStart    int `json:"notificationStart"`
}

// HysteresisFrom reads the requested hysteresis of a scenario item with the gate defaults
// (5 minutes deviation, 60 minutes lead).
func HysteresisFrom(in map[string]any) Hysteresis {
	h := Hysteresis{MinDeviationInterval: 5, NotificationStart: 60}
	if v, ok := intValue(in["minDeviationInterval"]); ok {
		h.MinDeviationInterval = v
	}
	if v, ok := intValue(in["notificationStart"]); ok {
		h.NotificationStart = v
	}
	return h
}

func intValue(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	case json.Number:
		n, err := x.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

// SubscrCreate subscribes to the connection of one scenario item.
func (c *Client) SubscrCreate(ctx context.Context, item campaign.ScenarioItem) (*Response, error) {
	end := item.EndDate
	if end == "" {
		end = item.BeginDate
	}
	nPass := item.NPass
	if nPass <= 0 {
		nPass = 1
	}
	req := map[string]any{
		"userId":   c.cfg.UserID,
		"channels": []any{map[string]any{"channelId": c.cfg.ChannelID}},
		"conSubscr": map[string]any{
			"serviceDays": map[string]any{"beginDate": item.BeginDate, "endDate": end},
			"ctxRecon":    item.CtxRecon,
			"hysteresis":  HysteresisFrom(item.Hysteresis),
		},
		"nPass": nPass,
	}
	return c.call(ctx, MethodCreate, req)
}

// SubscrDetails fetches the current state and rtEvents of a subscription.
func (c *Client) SubscrDetails(ctx context.Context, id campaign.SubscriptionID) (*Response, error) {
	req := map[string]any{
		"subscrId":  id,
		"userId":    c.cfg.UserID,
		"channelId": c.cfg.ChannelID,
	}
	return c.call(ctx, MethodDetails, req)
}

// SubscrSearch lists the subscriptions of the configured user.
func (c *Client) SubscrSearch(ctx context.Context) (*Response, error) {
	return c.call(ctx, MethodSearch, map[string]any{"userId": c.cfg.UserID})
}

// SubscrDelete removes a subscription.
func (c *Client) SubscrDelete(ctx context.Context, id campaign.SubscriptionID) (*Response, error) {
	return c.call(ctx, MethodDelete, map[string]any{"userId": c.cfg.UserID, "subscrId": id})
}

func (c *Client) envelope(method string, req map[string]any) map[string]any {
	return map[string]any{
		"auth": map[string]any{"type": "AID", "aid": c.cfg.AID},
		"client": map[string]any{
			"type": c.cfg.ClientType,
			"id":   c.cfg.ClientID,
			"name": c.cfg.ClientName,
			"os":   c.cfg.ClientOS,
			"ua":   c.cfg.ClientUserAgent,
			"v":    c.cfg.ClientVersion,
		},
		"lang": c.cfg.Lang,
		"ver":  c.cfg.Ver,
		"svcReqL": []any{
			map[string]any{
				"meth": method,
				"req":  req,
				"cfg":  map[string]any{},
				"id":   "0",
			},
		},
	}
}

func (c *Client) endpoint(method string) (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("aid", c.cfg.AID)
	q.Set("hciClientType", c.cfg.ClientType)
	q.Set("hciClientVersion", strconv.Itoa(c.cfg.ClientVersion))
	q.Set("hciVersion", c.cfg.HCIVersion)
	q.Set("hciMethod", method)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) call(ctx context.Context, method string, req map[string]any) (*Response, error) {
	payload := c.envelope(method, req)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	// Round-trip the request so the raw log sees exactly what was sent.
	var sent map[string]any
	if err := json.Unmarshal(body, &sent); err != nil {
		return nil, fmt.Errorf("decode %s request: %w", method, err)
	}
	endpoint, err := c.endpoint(method)
	if err != nil {
		return nil, err
	}
	corrID := uuid.NewString()

	var decoded map[string]any
	var last error
	err = retry.Do(
		func() error {
			decoded, last = c.post(ctx, method, endpoint, corrID, body)
			return last
		},
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(c.cfg.RetryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			c.logger.Info("Retrying gate request after error", "method", method, "attempt", n, "corr_id", corrID, "error", retryErr)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		if last == nil {
			last = err
		}
		return nil, fmt.Errorf("%s after retries: %w", method, last)
	}

	if err := serviceError(method, decoded); err != nil {
		return nil, err
	}
	return &Response{Body: decoded, CorrID: corrID, Request: sent}, nil
}

func (c *Client) post(ctx context.Context, method, endpoint, corrID string, body []byte) (map[string]any, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-ID", corrID)

	c.logger.Debug("Gate request starting", "method", method, "corr_id", corrID)
	start := time.Now()
	resp, err := c.client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		c.observe(method, 0, duration)
		c.logger.Warn("Gate request failed", "method", method, "corr_id", corrID, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()
	c.observe(method, resp.StatusCode, duration)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	c.logger.Debug("Gate request completed",
		"method", method,
		"corr_id", corrID,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", len(raw))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:  method,
			Code:    resp.StatusCode,
			Summary: summarize(resp.Header.Get("Content-Type"), raw),
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded map[string]any
	if err := dec.Decode(&decoded); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("decode %s response: %w", method, err))
	}
	return decoded, nil
}

func (c *Client) observe(method string, status int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRequest(method, status, d)
	}
}
