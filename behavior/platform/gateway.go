package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"

	"github.com/wardenbot/warden/util"
)

// Frame on the gateway websocket.
type GatewayFrame struct {
	// "event", "ping", or "pong"
	Type  string `json:"type"`
	Event *Event `json:"event,omitempty"`
	// monotonically increasing event sequence, used to resume after reconnect
	Seq int64 `json:"seq,omitempty"`
}

// Consumes the platform gateway websocket and publishes decoded events to a Bus. Reconnects with
// exponential backoff until the context is cancelled.
type Gateway struct {
	Host  string
	Token string
	Bus   *Bus

	logger     *slog.Logger
	dialer     *websocket.Dialer
	lastSeq    int64
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewGateway(host, token string, bus *Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		Host:       host,
		Token:      token,
		Bus:        bus,
		logger:     logger.With("component", "gateway"),
		dialer:     websocket.DefaultDialer,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
}

// Runs until ctx is done. Only returns a non-nil error for configuration problems.
func (g *Gateway) Run(ctx context.Context) error {
	if g.Host == "" {
		return fmt.Errorf("gateway host not configured")
	}
	backoff := g.minBackoff
	for {
		start := time.Now()
		err := g.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// a connection which stayed up for a while resets the backoff
		if time.Since(start) > g.maxBackoff {
			backoff = g.minBackoff
		}
		g.logger.Warn("gateway connection lost, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		gatewayReconnects.Inc()
		backoff *= 2
		if backoff > g.maxBackoff {
			backoff = g.maxBackoff
		}
	}
}

func (g *Gateway) runOnce(ctx context.Context) error {
	u := util.WebsocketURLForHost(g.Host)
	if g.lastSeq > 0 {
		u = fmt.Sprintf("%s?resume=%d", u, g.lastSeq)
	}
	header := http.Header{
		"User-Agent": []string{fmt.Sprintf("warden/%s", versioninfo.Short())},
	}
	if g.Token != "" {
		header.Set("Authorization", "Bot "+g.Token)
	}
	g.logger.Info("connecting to platform gateway", "url", u)
	con, _, err := g.dialer.DialContext(ctx, u, header)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer con.Close()

	// unblock ReadMessage when the context is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			con.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := con.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading gateway frame: %w", err)
		}
		var frame GatewayFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			gatewayDecodeErrors.Inc()
			g.logger.Warn("undecodable gateway frame", "err", err)
			continue
		}
		switch frame.Type {
		case "ping":
			if err := con.WriteJSON(GatewayFrame{Type: "pong", Seq: frame.Seq}); err != nil {
				return fmt.Errorf("writing pong: %w", err)
			}
		case "event":
			if frame.Event == nil || frame.Event.Name == "" {
				gatewayDecodeErrors.Inc()
				continue
			}
			if frame.Seq > 0 {
				g.lastSeq = frame.Seq
			}
			if frame.Event.At.IsZero() {
				frame.Event.At = time.Now()
			}
			g.Bus.Publish(ctx, frame.Event)
		default:
			g.logger.Debug("ignoring gateway frame", "type", frame.Type)
		}
	}
}
