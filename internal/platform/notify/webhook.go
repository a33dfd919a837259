package notify

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
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Header names set on every webhook delivery.
const (
	SignatureHeader = "X-IVD-Signature"
	DeliveryHeader  = "X-IVD-Delivery"
	EventHeader     = "X-IVD-Event"
	TimestampHeader = "X-IVD-Timestamp"
)

// ErrQueueFull is returned by Webhook.Notify when deliveries are backed up.
var ErrQueueFull = errors.New("webhook delivery queue is full")

// ErrClosed is returned by Webhook.Notify after Close.
var ErrClosed = errors.New("webhook notifier is closed")

// WebhookConfig configures HTTP delivery of events.
type WebhookConfig struct {
	URL    string
	Secret string
	// MaxAttempts counts the first delivery. Values below 1 mean 1.
	MaxAttempts int
	QueueSize   int
	Timeout     time.Duration
	// RetryDelays is indexed by attempt; the last entry repeats.
	RetryDelays []time.Duration
	Client      *http.Client
}

// Webhook POSTs events as JSON to a single endpoint. Delivery runs on a
// background worker so callers never wait on the receiver.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	logger zerolog.Logger

	queue chan Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value, with or without its
// "sha256=" prefix.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", raw)
	}
	return nil
}

func NewWebhook(cfg WebhookConfig, logger zerolog.Logger) (*Webhook, error) {
	if err := validateWebhookURL(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "notify").Str("webhook", cfg.URL).Logger(),
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go w.run()
	return w, nil
}

// Notify enqueues e for delivery. It fails only when the queue is full or the
// notifier has been closed.
func (w *Webhook) Notify(_ context.Context, e Event) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits up to the delivery timeout for the
// queue to drain. Pending retries are abandoned after that.
func (w *Webhook) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-time.After(w.cfg.Timeout):
		w.logger.Warn().Int("pending", len(w.queue)).Msg("webhook queue not drained before shutdown")
		w.cancel()
		<-w.done
	}
	w.cancel()
}

func (w *Webhook) run() {
	defer close(w.done)
	for e := range w.queue {
		if err := w.deliver(w.ctx, e); err != nil {
			w.logger.Error().Err(err).Str("tenant_id", e.TenantID).Str("event", string(e.Type)).
				Msg("webhook delivery failed")
		}
	}
}

// deliver posts e until it is accepted or the attempts run out. Client
// errors other than 408 and 429 are not retried.
func (w *Webhook) deliver(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	id := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		status, err := w.post(ctx, id, e.Type, payload)
		if err == nil {
			w.logger.Debug().Str("delivery_id", id).Int("attempt", attempt).Int("status", status).Msg("webhook delivered")
			return nil
		}
		lastErr = err
		if !retryable(status) || attempt == w.cfg.MaxAttempts {
			break
		}

		delay := w.cfg.RetryDelays[min(attempt-1, len(w.cfg.RetryDelays)-1)]
		w.logger.Warn().Err(err).Str("delivery_id", id).Int("attempt", attempt).Dur("retry_in", delay).Msg("webhook delivery retrying")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("delivery %s abandoned: %w", id, ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("delivery %s: %w", id, lastErr)
}

func (w *Webhook) post(ctx context.Context, id string, typ EventType, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, id)
	req.Header.Set(EventHeader, string(typ))
	req.Header.Set(TimestampHeader, time.Now().UTC().Format(time.RFC3339))
	if w.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, w.cfg.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// retryable treats transport errors (status 0), 5xx, 408 and 429 as transient.
func retryable(status int) bool {
	return status == 0 || status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}
