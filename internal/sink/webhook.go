package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jpalmerr/stockpulse/retail"
)

const (
	defaultWebhookAttempts = 3
	defaultWebhookDelay    = 500 * time.Millisecond
	defaultWebhookTimeout  = 10 * time.Second
)

// WebhookPayload is the JSON body POSTed by a [Webhook].
type WebhookPayload struct {
	Signals []retail.Signal `json:"signals"`
	SentAt  time.Time       `json:"sent_at"`
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookClient sets the HTTP client used for delivery.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithWebhookRetry sets the number of attempts and the delay before the
// first retry. The delay doubles on every further retry.
func WithWebhookRetry(attempts int, delay time.Duration) WebhookOption {
	return func(w *Webhook) {
		if attempts > 0 {
			w.attempts = attempts
		}
		if delay >= 0 {
			w.delay = delay
		}
	}
}

// WithWebhookHeader adds a header to every delivery.
func WithWebhookHeader(key, value string) WebhookOption {
	return func(w *Webhook) { w.headers.Set(key, value) }
}

// Webhook is a [Sink] POSTing each batch as a [WebhookPayload].
//
// Network failures, 429 and 5xx answers are retried with exponential
// delay; any other non-2xx answer fails immediately.
type Webhook struct {
	url      string
	client   *http.Client
	attempts int
	delay    time.Duration
	headers  http.Header
	now      func() time.Time
}

// NewWebhook creates a webhook sink for url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:      url,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		attempts: defaultWebhookAttempts,
		delay:    defaultWebhookDelay,
		headers:  make(http.Header),
		now:      time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Name implements [Sink].
func (w *Webhook) Name() string { return "webhook " + w.url }

// Send implements [Sink].
func (w *Webhook) Send(ctx context.Context, signals []retail.Signal) error {
	body, err := json.Marshal(WebhookPayload{Signals: signals, SentAt: w.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	delay := w.delay
	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		retry, err := w.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == w.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempt(s): %w", w.attempts, lastErr)
}

// post performs one delivery and reports whether a failure is retryable.
func (w *Webhook) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range w.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return true, fmt.Errorf("http %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("http %d", resp.StatusCode)
	}
}
