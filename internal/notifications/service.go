package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lectern/internal/config"
)

const userAgent = "Lectern/0.1.0"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyDocumentCompleted(ctx context.Context, filename string, chunks int) error
	NotifyDocumentFailed(ctx context.Context, filename, reason string) error
	NotifyUploadExpired(ctx context.Context, filename string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:      topic,
		client:        &http.Client{Timeout: timeout},
		sendCompleted: cfg.Notifications.Completed,
		sendErrors:    cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint      string
	client        *http.Client
	sendCompleted bool
	sendErrors    bool
}

func (n *ntfyService) NotifyDocumentCompleted(ctx context.Context, filename string, chunks int) error {
	if !n.sendCompleted {
		return nil
	}
	data := payload{
		title:   "Lectern - Document Ready",
		message: fmt.Sprintf("Processed %s (%d chunks indexed)", strings.TrimSpace(filename), chunks),
		tags:    []string{"lectern", "document", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDocumentFailed(ctx context.Context, filename, reason string) error {
	if !n.sendErrors {
		return nil
	}
	data := payload{
		title:    "Lectern - Processing Failed",
		message:  fmt.Sprintf("Failed: %s\n%s", strings.TrimSpace(filename), strings.TrimSpace(reason)),
		tags:     []string{"lectern", "document", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyUploadExpired(ctx context.Context, filename string) error {
	if !n.sendErrors {
		return nil
	}
	data := payload{
		title:   "Lectern - Upload Expired",
		message: fmt.Sprintf("Upload session expired: %s", strings.TrimSpace(filename)),
		tags:    []string{"lectern", "upload", "expired"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Lectern - Test",
		message:  "Notification system test",
		tags:     []string{"lectern", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyDocumentCompleted(context.Context, string, int) error { return nil }
func (noopService) NotifyDocumentFailed(context.Context, string, string) error { return nil }
func (noopService) NotifyUploadExpired(context.Context, string) error          { return nil }
func (noopService) TestNotification(context.Context) error                     { return nil }
