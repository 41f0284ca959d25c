package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NotificationConfig describes the webhook target.
type NotificationConfig struct {
	URL       string
	Headers   map[string]string
	UserAgent string
}

// NotificationHandler posts status updates to a webhook endpoint.
type NotificationHandler struct {
	client *http.Client
}

// NewNotificationHandler constructs a notification handler with the provided client.
func NewNotificationHandler(client *http.Client) *NotificationHandler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &NotificationHandler{client: client}
}

// Handle sends a POST request containing payload as JSON.
func (h *NotificationHandler) Handle(ctx context.Context, cfg NotificationConfig, payload any) error {
	target := strings.TrimSpace(cfg.URL)
	if target == "" {
		return errors.New("notification requires a url")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if ua := strings.TrimSpace(cfg.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	for k, v := range cfg.Headers {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return nil
}

// StatusError is returned when the webhook answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %d: %s", e.Code, e.Body)
}
