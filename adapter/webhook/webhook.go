// Package webhook delivers detection completion events to an HTTP endpoint.
//
// Each delivery is a JSON POST of the event. When a secret is configured the
// body is signed with HMAC-SHA256 so receivers can verify its origin.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pithecene-io/spotter/adapter"
	"github.com/pithecene-io/spotter/iox"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of redeliveries.
const DefaultRetries = 3

// Delivery headers.
const (
	HeaderEvent          = "X-Spotter-Event"
	HeaderOutcome        = "X-Spotter-Outcome"
	HeaderAttempt        = "X-Spotter-Attempt"
	HeaderTimestamp      = "X-Spotter-Timestamp"
	HeaderSignature      = "X-Spotter-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Config configures the webhook adapter.
type Config struct {
	// URL receives the POST (required).
	URL string
	// Secret signs each delivery. Empty disables signing.
	Secret string
	// Headers are added to every delivery.
	Headers map[string]string
	// Timeout bounds one attempt (default 10s).
	Timeout time.Duration
	// Retries is the number of redeliveries after a retriable failure.
	Retries int
	// BackoffBase is the delay before the first redelivery (default 500ms).
	BackoffBase time.Duration
	// Now overrides the signing clock (for testing).
	Now func() time.Time
}

// Adapter delivers completion events over HTTP.
type Adapter struct {
	config Config
	client *http.Client
}

// New creates a webhook adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook adapter requires a URL")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Adapter{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>" under secret.
// Receivers recompute it from the timestamp and signature headers.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Publish delivers the event. The request ID is the idempotency key, so a
// receiver can drop redeliveries of the same completion.
func (a *Adapter) Publish(ctx context.Context, event *adapter.DetectionCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	err = adapter.Deliver(ctx, a.config.Retries, a.config.BackoffBase, func(ctx context.Context, attempt int) error {
		return a.post(ctx, event, body, attempt)
	})
	if err != nil {
		return fmt.Errorf("webhook %s: %w", event.RequestID, err)
	}
	return nil
}

// StatusError is a non-2xx delivery response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Retriable reports whether redelivery may succeed: timeouts, rate limits
// and server errors.
func (e *StatusError) Retriable() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.Code >= 500
}

func (a *Adapter) post(ctx context.Context, event *adapter.DetectionCompletedEvent, body []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		return adapter.Permanent(fmt.Errorf("build request: %w", err))
	}

	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.EventType)
	req.Header.Set(HeaderOutcome, event.Outcome)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if event.RequestID != "" {
		req.Header.Set(HeaderIdempotencyKey, event.RequestID)
	}
	if a.config.Secret != "" {
		ts := a.config.Now().Unix()
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, Sign(a.config.Secret, ts, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(resp.Body)
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := &StatusError{Code: resp.StatusCode}
	if !statusErr.Retriable() {
		return adapter.Permanent(statusErr)
	}
	return statusErr
}

// Close drops idle connections.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
