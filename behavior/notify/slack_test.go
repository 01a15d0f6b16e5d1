package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenbot/warden/behavior/action"
)

func TestSlackNotifier(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	var got []string
	reply := "ok"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body SlackWebhookBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got = append(got, body.Text)
		w.Write([]byte(reply))
	}))
	defer srv.Close()

	n := SlackNotifier{SlackWebhookURL: srv.URL, TicketURLFormat: "https://mod.example.com/tickets/%s"}
	ticket := &action.Ticket{
		ID:          "t1",
		ServerID:    "s1",
		RuleID:      "r1",
		UserID:      "u1",
		Title:       "review alice",
		Description: "posted 5 links",
		Priority:    "high",
	}
	require.NoError(n.NotifyTicket(ctx, ticket))
	require.Len(got, 1)
	assert.Contains(got[0], "high priority")
	assert.Contains(got[0], "*review alice*")
	assert.Contains(got[0], "user `u1`")
	assert.Contains(got[0], "<https://mod.example.com/tickets/t1|ticket t1>")

	reply = "invalid_payload"
	assert.Error(n.NotifyTicket(ctx, ticket))

	// unconfigured is a no-op
	empty := SlackNotifier{}
	assert.NoError(empty.NotifyTicket(ctx, ticket))
	assert.Len(got, 2)
}
