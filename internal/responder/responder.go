// Package responder delivers DM and comment replies to the outside
// platform.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-social/magpie/internal/domain"
)

// New creates a responder from configuration. DryRun (or a missing
// endpoint) yields the no-op responder.
func New(cfg domain.ResponderConfig) domain.Responder {
	if cfg.DryRun || cfg.Endpoint == "" {
		return &Noop{}
	}
	return NewHTTP(cfg)
}

// Noop reports success without delivering anything. Used for dry runs
// and tests.
type Noop struct{}

// Send fabricates a successful delivery.
func (n *Noop) Send(ctx context.Context, kind domain.ResponseKind, recipientID string, message string, mode domain.ResponseMode) (*domain.SendResult, error) {
	slog.Debug("dry-run send",
		"kind", kind,
		"recipient_id", recipientID,
		"mode", mode,
	)
	return &domain.SendResult{
		Success:    true,
		ResponseID: "dryrun-" + uuid.New().String(),
	}, nil
}

// HTTPResponder delivers replies through the platform's HTTP API.
type HTTPResponder struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTP creates an HTTP responder.
func NewHTTP(cfg domain.ResponderConfig) *HTTPResponder {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPResponder{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		client:   &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
	Mode        string `json:"mode"`
}

type sendResponse struct {
	Success      bool   `json:"success"`
	ResponseID   string `json:"responseId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Send posts one reply. API-level rejections come back as an
// unsuccessful SendResult; transport failures are returned as errors.
func (r *HTTPResponder) Send(ctx context.Context, kind domain.ResponseKind, recipientID string, message string, mode domain.ResponseMode) (*domain.SendResult, error) {
	if recipientID == "" {
		return nil, fmt.Errorf("recipientID is required")
	}
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}

	body, err := json.Marshal(sendRequest{
		RecipientID: recipientID,
		Message:     message,
		Mode:        string(mode),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/%s", r.endpoint, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}
	defer resp.Body.Close()

	latency := time.Since(start).Milliseconds()

	var sr sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode send response: %w", err)
	}

	result := &domain.SendResult{
		Success:      sr.Success && resp.StatusCode < 300,
		ResponseID:   sr.ResponseID,
		LatencyMs:    latency,
		ErrorCode:    sr.ErrorCode,
		ErrorMessage: sr.ErrorMessage,
	}

	if !result.Success && result.ErrorCode == "" {
		result.ErrorCode = fmt.Sprintf("http_%d", resp.StatusCode)
	}

	return result, nil
}
