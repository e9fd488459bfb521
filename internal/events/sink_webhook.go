package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrWebhookURLRequired = errors.New("webhook_url_required")

// WebhookSink posts each message as JSON to a single endpoint.
type WebhookSink struct {
	client *resty.Client
	url    string
}

func NewWebhookSink(url, token string) (*WebhookSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrWebhookURLRequired
	}

	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token = strings.TrimSpace(token); token != "" {
		client.SetAuthToken(token)
	}

	return &WebhookSink{client: client, url: url}, nil
}

func (s *WebhookSink) Name() string { return SinkWebhook }

func (s *WebhookSink) Publish(ctx context.Context, msg Message) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-Event-ID", msg.ID).
		SetHeader("X-Event-Type", msg.Type).
		SetBody(msg).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook delivery: unexpected status %d", resp.StatusCode())
	}
	return nil
}
