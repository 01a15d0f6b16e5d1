// HTTP client for the external analysis service, which enriches a rule firing with data (eg a
// spam score) before the rule condition is evaluated.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"

	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/behavior/cachestore"
	"github.com/wardenbot/warden/behavior/helpers"
	"github.com/wardenbot/warden/util"
)

const cacheName = "analysis"

type Request struct {
	Type      string         `json:"type"`
	Params    map[string]any `json:"params,omitempty"`
	ServerID  string         `json:"serverId"`
	UserID    string         `json:"userId,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	EventName string         `json:"eventName,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Tracked   map[string]any `json:"tracked,omitempty"`
}

type response struct {
	Result map[string]any `json:"result"`
}

type Client struct {
	Host  string
	Token string
	// optional result cache
	Cache cachestore.CacheStore

	client    *http.Client
	logger    *slog.Logger
	userAgent string
}

type Config struct {
	Host   string
	Token  string
	Cache  cachestore.CacheStore
	Logger *slog.Logger
	// defaults to util.RobustHTTPClient
	HTTPClient *http.Client
}

func NewClient(config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := config.HTTPClient
	if client == nil {
		client = util.RobustHTTPClient()
	}
	return &Client{
		Host:      config.Host,
		Token:     config.Token,
		Cache:     config.Cache,
		client:    client,
		logger:    logger.With("component", "analysis"),
		userAgent: "warden/" + versioninfo.Short(),
	}
}

func NewRequest(spec bdl.AnalysisSpec, ec bdl.ExecutionContext) Request {
	return Request{
		Type:      spec.Type,
		Params:    spec.Params,
		ServerID:  ec.ServerID,
		UserID:    ec.UserID,
		ChannelID: ec.ChannelID,
		MessageID: ec.MessageID,
		EventName: ec.EventName,
		Payload:   ec.Payload,
		Tracked:   ec.Tracked,
	}
}

// Results depend on the analysis type and parameters, who it is about, and any tracked counters.
// The payload is only part of the key when there is no message id to identify the content.
func (r *Request) CacheKey() (string, error) {
	parts := []any{r.Type, r.Params, r.ServerID, r.UserID, r.MessageID, r.Tracked}
	if r.MessageID == "" {
		parts = append(parts, r.Payload)
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	return helpers.HashOfString(string(b)), nil
}

// Fetches the analysis result for a firing, from cache when possible. Concurrent firings which need
// the same result share one request.
func (c *Client) Analyze(ctx context.Context, spec bdl.AnalysisSpec, ec bdl.ExecutionContext) (map[string]any, error) {
	req := NewRequest(spec, ec)
	if c.Cache == nil {
		return c.fetch(ctx, &req)
	}

	key, err := req.CacheKey()
	if err != nil {
		return nil, fmt.Errorf("analysis cache key: %w", err)
	}
	result, _, err := cachestore.FetchJSON(ctx, c.Cache, cacheName, key, func(ctx context.Context) (map[string]any, error) {
		return c.fetch(ctx, &req)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) fetch(ctx context.Context, ar *Request) (map[string]any, error) {
	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("encoding analysis request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	start := time.Now()
	defer func() {
		analysisDuration.WithLabelValues(ar.Type).Observe(time.Since(start).Seconds())
	}()

	res, err := c.client.Do(req)
	if err != nil {
		analysisRequests.WithLabelValues(ar.Type, "error").Inc()
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	defer res.Body.Close()

	analysisRequests.WithLabelValues(ar.Type, fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, fmt.Errorf("analysis request failed statusCode=%d: %s", res.StatusCode, bytes.TrimSpace(msg))
	}

	var out response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse analysis response JSON: %w", err)
	}
	if out.Result == nil {
		out.Result = map[string]any{}
	}
	c.logger.Debug("analysis result", "type", ar.Type, "server", ar.ServerID, "user", ar.UserID)
	return out.Result, nil
}
