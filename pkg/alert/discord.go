package alert

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

var _ Notifier = (*Discord)(nil)

const (
	colorOK     = 0x2ECC71
	colorFailed = 0xE74C3C
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	description := fmt.Sprintf("**Source:** %s | **Records:** %d\n\n%s", sourceName(n), n.Count, n.Body)
	color := colorOK
	if n.Failed() {
		description += fmt.Sprintf("\n\n```%s```", n.Error)
		color = colorFailed
	}

	embed := map[string]any{
		"title":       fmt.Sprintf("%s %s", statusEmoji(n), n.Title),
		"description": description,
		"color":       color,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	payload := map[string]any{
		"embeds": []map[string]any{embed},
	}
	return postJSON(ctx, d.client, d.webhookURL, payload, nil, is2xx)
}
