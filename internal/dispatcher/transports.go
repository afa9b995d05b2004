package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

// Channel names.
const (
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelInApp   = "inapp"
)

// Delivery is one notification bound to its recipient's contact details.
type Delivery struct {
	Notification *storage.Notification
	Watcher      storage.Watcher
}

// Transport delivers a notification over one channel.
type Transport interface {
	Channel() string
	Send(ctx context.Context, delivery *Delivery) error
}

// RetryableError marks a transport failure worth another attempt.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable delivery error: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether a delivery error is transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// WebhookTransport POSTs the notification payload to the watcher's webhook.
type WebhookTransport struct {
	client    *http.Client
	userAgent string
	logger    zerolog.Logger
}

// NewWebhookTransport 构造 webhook 告警通道。
func NewWebhookTransport(timeout time.Duration, userAgent string, logger zerolog.Logger) *WebhookTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTransport{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger.With().Str("component", "webhook_transport").Logger(),
	}
}

func (t *WebhookTransport) Channel() string { return ChannelWebhook }

// Send 调用订阅者配置的回调地址推送通知。
func (t *WebhookTransport) Send(ctx context.Context, delivery *Delivery) error {
	target := strings.TrimSpace(delivery.Watcher.WebhookURL)
	if target == "" {
		return errors.New("watcher has no webhook url")
	}

	n := delivery.Notification
	payload := map[string]any{
		"subject":   n.Subject,
		"text":      n.Body,
		"entity_id": n.EntityID,
		"alert_ids": n.AlertIDs,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &RetryableError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// delivered
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &RetryableError{Err: fmt.Errorf("webhook 响应码异常: %d", resp.StatusCode)}
	default:
		return fmt.Errorf("webhook 响应码异常: %d", resp.StatusCode)
	}

	t.logger.Info().
		Int64("user_id", delivery.Watcher.UserID).
		Str("notification_id", n.ID).
		Msg("告警已发送 (webhook)")
	return nil
}

// EmailOptions configure the SMTP transport.
type EmailOptions struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
}

// EmailTransport sends notifications over SMTP.
type EmailTransport struct {
	opts   EmailOptions
	logger zerolog.Logger
	send   func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailTransport constructs the SMTP transport.
func NewEmailTransport(opts EmailOptions, logger zerolog.Logger) *EmailTransport {
	return &EmailTransport{
		opts:   opts,
		logger: logger.With().Str("component", "email_transport").Logger(),
		send:   smtp.SendMail,
	}
}

func (t *EmailTransport) Channel() string { return ChannelEmail }

// Send delivers the notification by email. SMTP failures are network-ish and
// treated as retryable.
func (t *EmailTransport) Send(ctx context.Context, delivery *Delivery) error {
	to := strings.TrimSpace(delivery.Watcher.Email)
	if to == "" {
		return errors.New("watcher has no email address")
	}

	n := delivery.Notification
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		t.opts.From, to, n.Subject, n.Body)
	addr := fmt.Sprintf("%s:%s", t.opts.Host, t.opts.Port)

	var auth smtp.Auth
	if t.opts.Username != "" {
		auth = smtp.PlainAuth("", t.opts.Username, t.opts.Password, t.opts.Host)
	}

	if err := t.send(addr, auth, t.opts.From, []string{to}, []byte(msg)); err != nil {
		return &RetryableError{Err: err}
	}

	t.logger.Info().
		Int64("user_id", delivery.Watcher.UserID).
		Str("notification_id", n.ID).
		Msg("告警已发送 (email)")
	return nil
}

// InAppTransport records the notification only; the stored row is the
// in-app feed entry, so delivery is a no-op.
type InAppTransport struct{}

// NewInAppTransport constructs the in-app transport.
func NewInAppTransport() *InAppTransport { return &InAppTransport{} }

func (t *InAppTransport) Channel() string { return ChannelInApp }

func (t *InAppTransport) Send(ctx context.Context, delivery *Delivery) error { return nil }

var (
	_ Transport = (*WebhookTransport)(nil)
	_ Transport = (*EmailTransport)(nil)
	_ Transport = (*InAppTransport)(nil)
)
