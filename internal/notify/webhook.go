package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oktsec/toolgate/internal/config"
)

// DefaultWebhookTemplate is used when a webhook sets template: default.
const DefaultWebhookTemplate = "*{{TYPE}}* ({{SEVERITY}})\n• Tool: {{TOOL}}\n• User: {{USER}}\n• Module: {{MODULE}}\n• {{MESSAGE}}"

// WebhookNotifier posts alerts to configured HTTP endpoints.
type WebhookNotifier struct {
	webhooks []config.Webhook
	client   *http.Client
	logger   *slog.Logger
}

// NewWebhookNotifier creates a notifier from config. Webhooks with unsafe
// URLs are logged and skipped.
func NewWebhookNotifier(webhooks []config.Webhook, logger *slog.Logger) *WebhookNotifier {
	var valid []config.Webhook
	for _, wh := range webhooks {
		if err := validateWebhookURL(wh.URL); err != nil {
			logger.Warn("skipping invalid webhook URL", "url", wh.URL, "error", err)
			continue
		}
		valid = append(valid, wh)
	}
	return &WebhookNotifier{
		webhooks: valid,
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{DialContext: safeDialContext},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 2 {
					return errors.New("too many redirects")
				}
				if err := validateWebhookURL(req.URL.String()); err != nil {
					return fmt.Errorf("redirect to blocked URL: %w", err)
				}
				return nil
			},
		},
		logger: logger,
	}
}

// WithClient replaces the HTTP client. Tests use it to reach loopback servers.
func (n *WebhookNotifier) WithClient(c *http.Client) *WebhookNotifier {
	n.client = c
	return n
}

// Len reports how many webhooks passed validation.
func (n *WebhookNotifier) Len() int { return len(n.webhooks) }

// Notify posts the alert to every webhook subscribed to its type.
func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, wh := range n.webhooks {
		if !matchesEvent(wh.Events, a.Type) {
			continue
		}
		var body []byte
		switch wh.Template {
		case "":
			raw, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("encoding alert: %w", err)
			}
			body = raw
		case "default":
			body = []byte(RenderTemplate(DefaultWebhookTemplate, a))
		default:
			body = []byte(RenderTemplate(wh.Template, a))
		}
		if err := n.post(ctx, wh.URL, body); err != nil {
			n.logger.Warn("webhook delivery failed", "url", wh.URL, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RenderTemplate fills {{TYPE}}, {{SEVERITY}}, {{MESSAGE}}, {{TOOL}},
// {{USER}}, {{MODULE}} and {{TIMESTAMP}}, then wraps the text in
// Slack-compatible JSON: {"text":"..."}.
func RenderTemplate(tmpl string, a Alert) string {
	r := strings.NewReplacer(
		"{{TYPE}}", a.Type,
		"{{SEVERITY}}", string(a.Severity),
		"{{MESSAGE}}", a.Message,
		"{{TOOL}}", a.RelatedTool,
		"{{USER}}", a.UserID,
		"{{MODULE}}", a.Module,
		"{{TIMESTAMP}}", a.Timestamp.UTC().Format(time.RFC3339),
	)
	payload, _ := json.Marshal(map[string]string{"text": r.Replace(tmpl)})
	return string(payload)
}

func (n *WebhookNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s returned %d", url, resp.StatusCode)
	}
	return nil
}

func matchesEvent(configured []string, event string) bool {
	if len(configured) == 0 {
		return true
	}
	for _, e := range configured {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}
