package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultWebhookAttempts = 5
	webhookEventHeader     = "X-Flow-Event"
)

// Webhook POSTs events as JSON to a fixed URL, retrying with exponential
// backoff on transport errors, 429 and 5xx answers.
type Webhook struct {
	url      string
	client   *http.Client
	attempts uint
	delay    time.Duration
}

type WebhookOption func(w *Webhook)

func WithWebhookClient(client *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = client }
}

func WithAttempts(attempts uint) WebhookOption {
	return func(w *Webhook) {
		if attempts > 0 {
			w.attempts = attempts
		}
	}
}

// WithDelay sets the delay before the first retry; later retries back off.
func WithDelay(delay time.Duration) WebhookOption {
	return func(w *Webhook) { w.delay = delay }
}

func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: DefaultWebhookAttempts,
		delay:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) Publish(ctx context.Context, e models.FlowEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error { return w.post(ctx, e, body) },
		retry.Attempts(w.attempts),
		retry.Delay(w.delay),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Str("flow_id", e.FlowID).Msg("retrying flow webhook")
		}),
	)
}

func (w *Webhook) post(ctx context.Context, e models.FlowEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhookEventHeader, string(e.Status))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook answered %d", resp.StatusCode)
	default:
		return retry.Unrecoverable(fmt.Errorf("webhook rejected event with %d", resp.StatusCode))
	}
}
