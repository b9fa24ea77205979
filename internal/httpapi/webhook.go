package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"evalwatch/internal/notifier"
	logx "evalwatch/pkg/logx"
)

// WebhookSecretHeader carries the shared secret when one is configured.
const WebhookSecretHeader = "X-Webhook-Secret"

// proxyEvent is the budget alert payload posted by the LLM proxy.
type proxyEvent struct {
	Event        string   `json:"event"`
	EventGroup   string   `json:"event_group"`
	EventMessage string   `json:"event_message"`
	Spend        float64  `json:"spend"`
	MaxBudget    *float64 `json:"max_budget"`
	SoftBudget   *float64 `json:"soft_budget"`
	Token        string   `json:"token"`
	CustomerID   string   `json:"customer_id"`
	UserID       string   `json:"user_id"`
	UserEmail    string   `json:"user_email"`
	TeamID       string   `json:"team_id"`
	TeamAlias    string   `json:"team_alias"`
	KeyAlias     string   `json:"key_alias"`
}

// alerting relays budget_crossed and threshold_crossed to the usage channel.
// Every other event is acknowledged with {"message":"skip"}.
func (h *handlers) alerting(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret != "" {
		got := r.Header.Get(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
			unauthorized(w)
			return
		}
	}

	var ev proxyEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	text, ok := formatProxyEvent(ev)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"message": "skip"})
		return
	}
	h.log.Info("webhook.relay", logx.String("event", ev.Event), logx.String("group", ev.EventGroup))
	if h.deps.Alerts != nil {
		h.deps.Alerts.Send(r.Context(), notifier.ChannelUsage, text)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func formatProxyEvent(ev proxyEvent) (string, bool) {
	group := ev.EventGroup
	if group == "" {
		group = "entity"
	}
	var lines []string
	switch ev.Event {
	case "budget_crossed":
		lines = append(lines, fmt.Sprintf("🔴 %s spend has crossed the budget limit.", group))
	case "threshold_crossed":
		lines = append(lines, fmt.Sprintf("🔴 %s spend has crossed the alert threshold.", group))
	default:
		return "", false
	}

	if ev.MaxBudget != nil && *ev.MaxBudget != 0 {
		lines = append(lines, "Max budget: "+strconv.FormatFloat(*ev.MaxBudget, 'f', -1, 64))
	}
	add := func(label, v string) {
		if v != "" {
			lines = append(lines, label+": "+v)
		}
	}
	add("Key ID", ev.Token)
	add("Key alias", ev.KeyAlias)
	add("Customer ID", ev.CustomerID)
	add("User ID", ev.UserID)
	add("User email", ev.UserEmail)
	add("Team ID", ev.TeamID)
	add("Team alias", ev.TeamAlias)
	add("Message", strings.ReplaceAll(ev.EventMessage, "\n", ""))
	return strings.Join(lines, "\n"), true
}
