package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookAdapter posts events as JSON to a chat webhook (Slack-compatible
// payload shape: a single "text" field plus the raw event).
type WebhookAdapter struct {
	name       string
	url        string
	httpClient *http.Client
}

// NewWebhookAdapter builds a webhook adapter. name becomes the channel label
// in metrics and the notification log.
func NewWebhookAdapter(name, url string, client *http.Client) *WebhookAdapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookAdapter{name: name, url: url, httpClient: client}
}

func (a *WebhookAdapter) Name() string { return a.name }

func (a *WebhookAdapter) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(map[string]interface{}{
		"text":  fmt.Sprintf("*%s*\n%s", ev.Title, ev.Body),
		"event": ev,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailAdapter delivers events through an HTTP email relay. Recipients are
// fixed at construction (the tenant's billing contacts).
type EmailAdapter struct {
	url        string
	from       string
	recipients []string
	httpClient *http.Client
}

// NewEmailAdapter builds an email relay adapter.
func NewEmailAdapter(relayURL, from string, recipients []string, client *http.Client) *EmailAdapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &EmailAdapter{url: relayURL, from: from, recipients: recipients, httpClient: client}
}

func (a *EmailAdapter) Name() string { return "email" }

func (a *EmailAdapter) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(map[string]interface{}{
		"from":    a.from,
		"to":      a.recipients,
		"subject": ev.Title,
		"text":    ev.Body,
	})
	if err != nil {
		return fmt.Errorf("encode email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post email relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email relay returned status %d", resp.StatusCode)
	}
	return nil
}
