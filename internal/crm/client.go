package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"callsync/internal/logging"
	"callsync/internal/services"
)

const defaultTimeout = 30 * time.Second

// Client posts call-data payloads to the CRM.
type Client struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// New constructs a client for endpoint.
func New(endpoint string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: timeout},
		logger:   logging.NewComponentLogger(logger, "crm"),
	}
}

type submitResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// Submit sends payload. Any failure is transient: the CRM treats a repeated
// callId as a no-op, so the whole submission can simply be retried.
func (c *Client) Submit(ctx context.Context, payload *CallPayload) error {
	if c == nil || c.endpoint == "" {
		return services.Wrap(services.ErrConfiguration, "crm", "submit", "call data upload url not configured", nil)
	}
	if payload == nil {
		return services.Wrap(services.ErrValidation, "crm", "submit", "payload is nil", nil)
	}
	if len(payload.Lead) == 0 {
		payload.Lead = EmptyLead
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return services.Wrap(services.ErrValidation, "crm", "encode payload", payload.CallDetails.CallID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "crm", "build request", "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "crm", "submit", "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return services.Wrap(services.ErrTransient, "crm", "submit", "unexpected status", services.NewHTTPError(resp))
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var decoded submitResponse
	if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &decoded) == nil {
		if decoded.Success != nil && !*decoded.Success {
			return services.Wrap(services.ErrTransient, "crm", "submit",
				fmt.Sprintf("rejected: %s", strings.TrimSpace(decoded.Message)), nil)
		}
	}

	c.logger.Debug("call data accepted",
		logging.String(logging.FieldCallID, payload.CallDetails.CallID),
		logging.Int("status", resp.StatusCode),
	)
	return nil
}
