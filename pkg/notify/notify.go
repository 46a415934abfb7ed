// Package notify posts maintenance events to an operator-configured webhook.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types sent by the daemon.
const (
	EventUpdateAvailable  = "update.available"
	EventUpdateFinished   = "update.finished"
	EventRollbackFinished = "rollback.finished"
)

// Event is the JSON body posted to the webhook endpoint.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Webhook delivers events to one URL with bounded retries. A nil Webhook is
// a no-op sender, so callers never branch on whether notifications are
// configured.
type Webhook struct {
	url     string
	secret  string
	client  *http.Client
	log     zerolog.Logger
	retries int
	backoff time.Duration
}

func NewWebhook(url, secret string, log zerolog.Logger) *Webhook {
	if url == "" {
		return nil
	}
	return &Webhook{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log.With().Str("component", "notify").Logger(),
		retries: 3,
		backoff: 5 * time.Second,
	}
}

// Send delivers one event, retrying failed attempts until the retry budget
// or ctx runs out.
func (w *Webhook) Send(ctx context.Context, ev Event) error {
	if w == nil {
		return nil
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var last error
	for attempt := 1; attempt <= w.retries; attempt++ {
		if last = w.post(ctx, ev.Type, payload); last == nil {
			w.log.Debug().Str("type", ev.Type).Int("attempt", attempt).Msg("webhook delivered")
			return nil
		}
		w.log.Warn().Err(last).Str("type", ev.Type).Int("attempt", attempt).Msg("webhook delivery failed")
		if attempt == w.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.backoff):
		}
	}
	return fmt.Errorf("webhook: giving up after %d attempts: %w", w.retries, last)
}

func (w *Webhook) post(ctx context.Context, typ string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MikroPanel-Webhook/1.0")
	req.Header.Set("X-MPanel-Event", typ)
	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(payload)
		req.Header.Set("X-MPanel-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
