// Posts moderator ticket notifications to a Slack channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wardenbot/warden/behavior/action"
)

type SlackNotifier struct {
	SlackWebhookURL string
	// optional link to a moderation dashboard; "%s" is replaced with the ticket id
	TicketURLFormat string
	Client          *http.Client
	Logger          *slog.Logger
}

var _ action.Notifier = (*SlackNotifier)(nil)

func (n *SlackNotifier) NotifyTicket(ctx context.Context, t *action.Ticket) error {
	if n.SlackWebhookURL == "" {
		return nil
	}
	if n.Logger != nil {
		n.Logger.Debug("sending slack notification", "ticket", t.ID)
	}
	return n.sendSlackMsg(ctx, slackBody(t, n.TicketURLFormat))
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}

func slackBody(t *action.Ticket, urlFormat string) string {
	msg := fmt.Sprintf("🎫 Moderator Ticket (%s priority) 🎫\n", t.Priority)
	msg += fmt.Sprintf("*%s*\n", t.Title)
	if t.Description != "" {
		msg += t.Description + "\n"
	}
	msg += fmt.Sprintf("server `%s` / rule `%s`", t.ServerID, t.RuleID)
	if t.UserID != "" {
		msg += fmt.Sprintf(" / user `%s`", t.UserID)
	}
	msg += "\n"
	if urlFormat != "" {
		msg += fmt.Sprintf("<%s|ticket %s>\n", fmt.Sprintf(urlFormat, t.ID), t.ID)
	}
	return msg
}
