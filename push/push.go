// Package push delivers Web Push messages to browser subscriptions.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"bloodbank-notifier/pkg/relay"
)

// ErrSubscriptionGone means the push service no longer knows the subscription (404/410).
var ErrSubscriptionGone = errors.New("push subscription gone")

// StatusError is a non-2xx answer from a push service.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("push service returned HTTP %d for %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

// Unwrap lets errors.Is match ErrSubscriptionGone on 404 and 410.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone {
		return ErrSubscriptionGone
	}
	return nil
}

// Config holds VAPID credentials and message options.
type Config struct {
	PublicKey  string
	PrivateKey string
	Subject    string // mailto: or https: contact for the push service
	TTL        time.Duration
}

// WebPush sends encrypted messages using VAPID authentication.
type WebPush struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewWebPush creates a Web Push provider.
func NewWebPush(cfg Config, client *http.Client, logger *slog.Logger) *WebPush {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebPush{cfg: cfg, client: client, logger: logger}
}

// Push makes exactly one delivery attempt. Retrying is the caller's decision.
func (w *WebPush) Push(ctx context.Context, sub relay.Subscription, payload []byte) error {
	start := time.Now()
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.cfg.Subject,
		VAPIDPublicKey:  w.cfg.PublicKey,
		VAPIDPrivateKey: w.cfg.PrivateKey,
		TTL:             int(w.cfg.TTL / time.Second),
		Urgency:         webpush.UrgencyHigh,
	})
	duration := time.Since(start)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			w.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	w.logger.Debug("Push service request completed",
		"endpoint", sub.Endpoint,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Endpoint: sub.Endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// GenerateKeys creates a fresh VAPID key pair (base64url, unpadded).
func GenerateKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}
