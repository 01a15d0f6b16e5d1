package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"

	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/util"
)

// Error returned for non-2xx responses from the platform API.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

var ErrNoReplyWaiter = errors.New("platform client has no reply waiter configured")

// REST client for the chat platform's bot API.
//
// Idempotent calls (role changes) go through a retrying HTTP client. Everything else, and in
// particular timeouts, kicks and bans, is sent exactly once.
type Client struct {
	Host   string
	Token  string
	Waiter *ReplyWaiter

	logger    *slog.Logger
	retrying  *http.Client
	once      *http.Client
	limiter   *rate.Limiter
	userAgent string
}

type ClientConfig struct {
	Host   string
	Token  string
	Waiter *ReplyWaiter
	Logger *slog.Logger
	// requests per second to the platform API; zero means unlimited
	RateLimit float64
}

func NewClient(config ClientConfig) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), int(config.RateLimit)+1)
	}
	return &Client{
		Host:      config.Host,
		Token:     config.Token,
		Waiter:    config.Waiter,
		logger:    logger.With("component", "platform-client"),
		retrying:  util.RobustHTTPClient(),
		once:      util.RetryingHTTPClient(0),
		limiter:   limiter,
		userAgent: "warden/" + versioninfo.Short(),
	}
}

func (c *Client) SendDM(ctx context.Context, serverID, userID, message string) error {
	body := map[string]any{"serverId": serverID, "content": message}
	return c.do(ctx, "send_dm", c.once, http.MethodPost, fmt.Sprintf("/users/%s/dm", url.PathEscape(userID)), body)
}

func (c *Client) AddRole(ctx context.Context, serverID, userID, roleID string) error {
	path := fmt.Sprintf("/servers/%s/members/%s/roles/%s", url.PathEscape(serverID), url.PathEscape(userID), url.PathEscape(roleID))
	return c.do(ctx, "add_role", c.retrying, http.MethodPut, path, nil)
}

func (c *Client) RemoveRole(ctx context.Context, serverID, userID, roleID string) error {
	path := fmt.Sprintf("/servers/%s/members/%s/roles/%s", url.PathEscape(serverID), url.PathEscape(userID), url.PathEscape(roleID))
	return c.do(ctx, "remove_role", c.retrying, http.MethodDelete, path, nil)
}

func (c *Client) Timeout(ctx context.Context, serverID, userID string, d time.Duration, reason string) error {
	path := fmt.Sprintf("/servers/%s/members/%s/timeout", url.PathEscape(serverID), url.PathEscape(userID))
	body := map[string]any{"durationMs": d.Milliseconds(), "reason": reason}
	return c.do(ctx, "timeout", c.once, http.MethodPost, path, body)
}

func (c *Client) Kick(ctx context.Context, serverID, userID, reason string) error {
	path := fmt.Sprintf("/servers/%s/members/%s/kick", url.PathEscape(serverID), url.PathEscape(userID))
	return c.do(ctx, "kick", c.once, http.MethodPost, path, map[string]any{"reason": reason})
}

func (c *Client) Ban(ctx context.Context, serverID, userID, reason string, deleteMessageDays int) error {
	path := fmt.Sprintf("/servers/%s/bans/%s", url.PathEscape(serverID), url.PathEscape(userID))
	body := map[string]any{"reason": reason, "deleteMessageDays": deleteMessageDays}
	return c.do(ctx, "ban", c.once, http.MethodPut, path, body)
}

func (c *Client) SendChannelMessage(ctx context.Context, serverID, channelID, message string, embed *bdl.Embed) error {
	path := fmt.Sprintf("/servers/%s/channels/%s/messages", url.PathEscape(serverID), url.PathEscape(channelID))
	body := map[string]any{"content": message}
	if embed != nil {
		body["embed"] = embed
	}
	return c.do(ctx, "send_channel_message", c.once, http.MethodPost, path, body)
}

func (c *Client) ExpectReply(serverID, userID string) (func(ctx context.Context, timeout time.Duration) (string, bool, error), func()) {
	if c.Waiter == nil {
		return func(ctx context.Context, timeout time.Duration) (string, bool, error) {
			return "", false, ErrNoReplyWaiter
		}, func() {}
	}
	return c.Waiter.Expect(serverID, userID)
}

func (c *Client) do(ctx context.Context, op string, client *http.Client, method, path string, body any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("platform %s: rate limit wait: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("platform %s: encoding body: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Host+path, reader)
	if err != nil {
		return fmt.Errorf("platform %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bot "+c.Token)
	}

	start := time.Now()
	resp, err := client.Do(req)
	platformRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		platformRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("platform %s: %w", op, err)
	}
	defer resp.Body.Close()
	platformRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	c.logger.Debug("platform request", "op", op, "path", path, "status", resp.StatusCode)
	return nil
}
