// Package notify dispatches one-time codes to external delivery channels.
// Dispatch is fire-and-forget: the caller only waits for acceptance.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Sender delivers one-time codes out of band.
type Sender interface {
	SendSMS(ctx context.Context, phone, message string) error
	SendEmail(ctx context.Context, email, subject, message string) error
}

// WebhookSender posts delivery requests to a notification gateway. When no
// URL is configured it degrades to logging only, which keeps development
// environments working without a gateway.
type WebhookSender struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Sender = (*WebhookSender)(nil)

// NewWebhookSender constructs a Sender posting to the given gateway URL.
func NewWebhookSender(url string, client *http.Client, logger *zap.Logger) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &WebhookSender{url: url, httpClient: client, logger: logger}
}

func (s *WebhookSender) SendSMS(ctx context.Context, phone, message string) error {
	return s.dispatch(ctx, map[string]string{"channel": "sms", "to": phone, "message": message})
}

func (s *WebhookSender) SendEmail(ctx context.Context, email, subject, message string) error {
	return s.dispatch(ctx, map[string]string{"channel": "email", "to": email, "subject": subject, "message": message})
}

func (s *WebhookSender) dispatch(ctx context.Context, payload map[string]string) error {
	if s.url == "" {
		s.logger.Info("notification dispatch skipped, no gateway configured",
			zap.String("channel", payload["channel"]))
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification gateway rejected: status=%d", resp.StatusCode)
	}
	return nil
}
