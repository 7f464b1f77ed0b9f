// Package sink delivers admitted jobs to the external platform. Sinks are
// opaque to the queue: Send either returns the platform's id for the effect
// or an error for the retry classifier.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/outflow-ai/outflow/pkg/config"
	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/retry"
	"github.com/outflow-ai/outflow/pkg/signing"
)

// Sink sends one operation's payload to the external platform.
type Sink interface {
	Send(ctx context.Context, op models.OperationKind, payload []byte) (externalID string, err error)
}

// HTTPSink delivers payloads over HTTP, signing every call so the receiving
// service can verify the envelope before trusting the payload. Targets for
// an operation are tried in order; a retryable failure falls through to the
// next target.
type HTTPSink struct {
	cfg    config.SinkConfig
	secret string
	client *http.Client
}

// NewHTTP creates an HTTPSink from configuration.
func NewHTTP(cfg config.SinkConfig, secret string) *HTTPSink {
	return &HTTPSink{
		cfg:    cfg,
		secret: secret,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Resolve returns the ordered target URLs for an operation kind. A route
// for the exact kind wins; the "*" route is the fallback.
func (s *HTTPSink) Resolve(op models.OperationKind) ([]string, error) {
	var fallback []string
	for _, route := range s.cfg.Routes {
		if route.Operation == op {
			return route.Targets, nil
		}
		if route.Operation == "*" {
			fallback = route.Targets
		}
	}
	if len(fallback) == 0 {
		return nil, fmt.Errorf("no sink route for operation %q", op)
	}
	return fallback, nil
}

// Send posts the payload to the operation's targets in order. The payload
// travels with a signed envelope header.
func (s *HTTPSink) Send(ctx context.Context, op models.OperationKind, payload []byte) (string, error) {
	targets, err := s.Resolve(op)
	if err != nil {
		return "", err
	}

	var lastErr error
	for _, target := range targets {
		id, err := s.sendOne(ctx, target, op, payload)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if retry.Classify(err) != retry.ClassTransient {
			break
		}
	}
	return "", lastErr
}

func (s *HTTPSink) sendOne(ctx context.Context, target string, op models.OperationKind, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Outflow-Operation", string(op))
	req.Header.Set(signing.Header, signing.Sign(payload, s.secret))

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read sink response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		// Sinks without an id field still count as delivered.
		return "", nil
	}
	return out.ID, nil
}
