// Package notify posts hunt outcomes to an operator webhook. Notification
// failures never affect the run result; they are logged and dropped.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/capahunt/capahunt/pkg/telemetry"
)

// Severity labels a notification.
type Severity string

const (
	SeveritySuccess  Severity = "success"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// DefaultTimeout bounds one webhook delivery.
const DefaultTimeout = 10 * time.Second

// Message is the webhook payload.
type Message struct {
	Severity  Severity               `json:"severity"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Region    string                 `json:"region,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier delivers messages to a webhook endpoint.
type Notifier struct {
	url     string
	client  *http.Client
	logger  *telemetry.Logger
	headers map[string]string
	now     func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithTimeout overrides the delivery timeout.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		n.client.Timeout = d
	}
}

// WithHeader adds a request header to every delivery, e.g. an auth token.
func WithHeader(key, value string) Option {
	return func(n *Notifier) {
		n.headers[key] = value
	}
}

// New creates a Notifier. An empty URL yields a disabled notifier whose Send
// is a no-op.
func New(url string, logger *telemetry.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = telemetry.Nop()
	}
	n := &Notifier{
		url:     url,
		client:  &http.Client{Timeout: DefaultTimeout},
		logger:  logger.NewComponentLogger("notify"),
		headers: make(map[string]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// Send posts the message. Delivery problems are logged and swallowed so a
// flaky webhook cannot fail a hunt.
func (n *Notifier) Send(ctx context.Context, msg Message) {
	if !n.Enabled() {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = n.now()
	}
	if err := n.deliver(ctx, msg); err != nil {
		n.logger.WithError(err).
			WithField("severity", string(msg.Severity)).
			Warn("webhook delivery failed")
	}
}

func (n *Notifier) deliver(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
