package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"callsync/internal/config"
)

const userAgent = "callsync/0.1.0"

// Service defines the notification surface exposed to workflow components.
type Service interface {
	NotifyDeadLetter(ctx context.Context, callID string, attempts int, reason string) error
	NotifyCycleCompleted(ctx context.Context, completed, failed, deadLettered int, duration time.Duration) error
	NotifyError(ctx context.Context, err error, context string) error
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
		deadLetter:    cfg.Notifications.DeadLetter,
		cycleFailures: cfg.Notifications.CycleFailures,
		errors:        cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client

	deadLetter    bool
	cycleFailures bool
	errors        bool
}

func (n *ntfyService) NotifyDeadLetter(ctx context.Context, callID string, attempts int, reason string) error {
	if !n.deadLetter {
		return nil
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	data := payload{
		title:    "callsync - Dead Letter",
		message:  fmt.Sprintf("☠️ Call %s parked after %d attempts\nLast error: %s", strings.TrimSpace(callID), attempts, reason),
		tags:     []string{"callsync", "dead_letter", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

// NotifyCycleCompleted only publishes cycles that had failures.
func (n *ntfyService) NotifyCycleCompleted(ctx context.Context, completed, failed, deadLettered int, duration time.Duration) error {
	if !n.cycleFailures || (failed == 0 && deadLettered == 0) {
		return nil
	}
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	data := payload{
		title: "callsync - Sync Cycle (with errors)",
		message: fmt.Sprintf("Sync cycle finished in %s: %d completed, %d failed, %d dead-lettered",
			duration, completed, failed, deadLettered),
		tags: []string{"callsync", "cycle", "failed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("❌ Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" during ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "callsync - Error",
		message:  builder.String(),
		tags:     []string{"callsync", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "callsync - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"callsync", "test"},
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

func (noopService) NotifyDeadLetter(context.Context, string, int, string) error                { return nil }
func (noopService) NotifyCycleCompleted(context.Context, int, int, int, time.Duration) error { return nil }
func (noopService) NotifyError(context.Context, error, string) error                          { return nil }
func (noopService) TestNotification(context.Context) error                                    { return nil }
