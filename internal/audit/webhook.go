package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// WebhookConfig configures WebhookSink.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	// MaxAttempts per event. Default: 3.
	MaxAttempts int
	// Backoff before the first retry, doubled each retry. Default: 200ms.
	Backoff time.Duration
	// RatePerSecond and Burst bound outgoing requests. Default: 10/s, burst 20.
	RatePerSecond float64
	Burst         int
	Client        *http.Client
	Logger        *slog.Logger
}

// WebhookSink POSTs each event as JSON. Network errors and 5xx responses
// are retried with exponential backoff; 4xx responses are not.
type WebhookSink struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewWebhookSink validates cfg and applies defaults.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("audit: webhook url is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger.With("component", "audit.webhook"),
	}, nil
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("audit: webhook returned %d: %s", e.Code, e.Body)
}

func (s *WebhookSink) Write(ctx context.Context, ev *Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := s.cfg.Backoff << (attempt - 2)
			s.logger.Debug("retrying webhook", "attempt", attempt, "backoff", backoff, "call_id", ev.CallID)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("audit: webhook rate limit: %w", err)
		}

		retry, err := s.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		s.logger.Warn("webhook delivery failed, will retry", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("audit: webhook gave up after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

func (s *WebhookSink) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("audit: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("audit: webhook request: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, &StatusError{Code: resp.StatusCode, Body: string(msg)}
	default:
		return false, &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
}

func (s *WebhookSink) Close() error { return nil }
