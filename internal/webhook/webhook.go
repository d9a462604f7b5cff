// Package webhook delivers session lifecycle notifications to third-party apps.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts    = 2
	DefaultBaseDelay      = time.Second
	DefaultRequestTimeout = 5 * time.Second
)

// Payload types.
const (
	TypeSessionRequest = "session_request"
	TypeStopRequest    = "stop_request"
)

// SessionRequest asks an app to open a TPA connection for a session.
type SessionRequest struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// StopRequest tells an app its session for a user has ended.
type StopRequest struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusError is returned when the app answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d", e.URL, e.StatusCode)
}

// Options tunes delivery.
type Options struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	RequestTimeout time.Duration
}

// Client posts JSON payloads with exponential retry.
type Client struct {
	http   *http.Client
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New returns a client. Zero option fields take the package defaults.
func New(httpClient *http.Client, opts Options, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Client{http: httpClient, opts: opts, logger: logger, now: time.Now}
}

// SendSessionRequest notifies the app at url that tpaSessionID is waiting for it.
func (c *Client) SendSessionRequest(ctx context.Context, url, tpaSessionID, userID string) error {
	return c.post(ctx, url, SessionRequest{
		Type:      TypeSessionRequest,
		SessionID: tpaSessionID,
		UserID:    userID,
		Timestamp: c.now().UTC(),
	})
}

// SendStopRequest notifies the app at url that tpaSessionID was stopped.
func (c *Client) SendStopRequest(ctx context.Context, url, tpaSessionID, userID, reason string) error {
	return c.post(ctx, url, StopRequest{
		Type:      TypeStopRequest,
		SessionID: tpaSessionID,
		UserID:    userID,
		Reason:    reason,
		Timestamp: c.now().UTC(),
	})
}

func (c *Client) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return c.once(ctx, url, body)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("webhook attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("webhook %s failed after %d attempts: %w", url, attempt, err)
	}
	return nil
}

func (c *Client) once(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
