package alert

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

var _ Notifier = (*Slack)(nil)

// Slack sends notifications via Slack incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": fmt.Sprintf("%s %s", statusEmoji(n), n.Title),
			},
		},
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Source:* %s | *Records:* %d\n%s", sourceName(n), n.Count, n.Body),
			},
		},
	}

	if n.Failed() {
		blocks = append(blocks, map[string]any{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("`%s`", n.Error)},
			},
		})
	}

	return postJSON(ctx, s.client, s.webhookURL, map[string]any{"blocks": blocks}, nil, func(code int) bool {
		return code == http.StatusOK
	})
}
