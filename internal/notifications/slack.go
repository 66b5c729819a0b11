package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/pkg/events"
	"github.com/crosslogic/usage-meter/pkg/models"
)

// SlackAdapter posts operator alerts to a Slack incoming webhook
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload represents a Slack webhook message
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"` // fallback
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type     string            `json:"type"`
	Text     *SlackTextObject  `json:"text,omitempty"`
	Fields   []SlackTextObject `json:"fields,omitempty"`
	Elements []SlackTextObject `json:"elements,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a new Slack notification adapter
func NewSlackAdapter(webhookURL, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send sends a notification to Slack
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Usage Meter",
		Blocks:   s.formatEvent(event),
		Text:     fmt.Sprintf("Event: %s", event.Type),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// formatEvent converts an event into Slack blocks
func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	switch event.Type {
	case events.EventCostCeilingWarning:
		return s.formatCeiling(event, "Account approaching cost ceiling")
	case events.EventCostCeilingExceeded:
		return s.formatCeiling(event, "Account hit cost ceiling")
	case events.EventQuotaExhausted:
		return s.formatQuotaExhausted(event)
	case events.EventLedgerWriteFailed:
		return s.formatLedgerWriteFailed(event)
	case events.EventRetentionComplete:
		return s.formatRetention(event)
	default:
		return s.formatGeneric(event)
	}
}

func header(text string) SlackBlock {
	return SlackBlock{Type: "header", Text: &SlackTextObject{Type: "plain_text", Text: text, Emoji: true}}
}

func timestamp(event events.Event) SlackBlock {
	return SlackBlock{
		Type: "context",
		Elements: []SlackTextObject{
			{Type: "mrkdwn", Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))},
		},
	}
}

func (s *SlackAdapter) formatCeiling(event events.Event, title string) []SlackBlock {
	return []SlackBlock{
		header(title),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Account:*\n`%s`", event.AccountID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Spent this month:*\n%s", formatMicros(event.Payload["cost_this_month_micros"]))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Ceiling:*\n%s", formatMicros(event.Payload["max_monthly_cost_micros"]))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Resets:*\n%s", getStringField(event.Payload, "resets_at"))},
			},
		},
		timestamp(event),
	}
}

func (s *SlackAdapter) formatQuotaExhausted(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("Free quota exhausted"),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Account:*\n`%s`", event.AccountID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Quota:*\n%s", getStringField(event.Payload, "quota_class"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Limit:*\n%v", event.Payload["limit"])},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Resets:*\n%s", getStringField(event.Payload, "resets_at"))},
			},
		},
		timestamp(event),
	}
}

func (s *SlackAdapter) formatLedgerWriteFailed(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("Cost ledger write failed"),
		{
			Type: "section",
			Text: &SlackTextObject{
				Type: "mrkdwn",
				Text: fmt.Sprintf("Entry `%s` for `%s` was not recorded: %s",
					getStringField(event.Payload, "entry_id"),
					event.AccountID,
					getStringField(event.Payload, "error"),
				),
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Operation:*\n%s", getStringField(event.Payload, "operation"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Model:*\n%s", getStringField(event.Payload, "model"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Cost:*\n%s", formatMicros(event.Payload["cost_micros"]))},
			},
		},
		timestamp(event),
	}
}

func (s *SlackAdapter) formatRetention(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("Ledger retention finished"),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Deleted:*\n%v", event.Payload["deleted"])},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Cutoff:*\n%s", getStringField(event.Payload, "cutoff"))},
			},
		},
	}
}

func (s *SlackAdapter) formatGeneric(event events.Event) []SlackBlock {
	return []SlackBlock{
		header(fmt.Sprintf("Event: %s", event.Type)),
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Event ID:*\n`%s`", event.ID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Account:*\n`%s`", event.AccountID)},
			},
		},
	}
}

func getStringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return "n/a"
}

// formatMicros renders an int64 or JSON-decoded float microdollar amount.
func formatMicros(v interface{}) string {
	switch n := v.(type) {
	case int64:
		return models.Microdollars(n).String()
	case float64:
		return models.Microdollars(int64(n)).String()
	case int:
		return models.Microdollars(int64(n)).String()
	}
	return "n/a"
}
