package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var _ Notifier = (*Webhook)(nil)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// Webhook sends notifications to a generic HTTP endpoint.
type Webhook struct {
	client *http.Client
	url    string
	secret string
}

// NewWebhook creates a new generic webhook notifier. An empty secret
// disables signing.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
		secret: secret,
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	return postJSON(ctx, w.client, w.url, n, func(req *http.Request, body []byte) {
		req.Header.Set("User-Agent", "flowtrends/1.0")
		if w.secret != "" {
			req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
		}
	}, is2xx)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func is2xx(code int) bool { return code >= 200 && code < 300 }

func postJSON(
	ctx context.Context,
	client *http.Client,
	url string,
	payload any,
	decorate func(req *http.Request, body []byte),
	ok func(code int) bool,
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(req, body)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if !ok(resp.StatusCode) {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func statusEmoji(n *Notification) string {
	if n.Failed() {
		return "❌"
	}
	return "✅"
}

func sourceName(n *Notification) string {
	if n.Source == "" {
		return "all"
	}
	return string(n.Source)
}
