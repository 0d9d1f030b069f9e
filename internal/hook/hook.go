// Package hook delivers the transcript of a finished invocation to the
// caller-supplied callback.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"promptrelay/internal/models"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "promptrelay/0.1"
)

// Notifier is invoked once per dispatched invocation, after the output stream
// has been closed.
type Notifier interface {
	Notify(ctx context.Context, callback models.Callback, transcript models.Transcript) error
}

// Webhook posts the transcript to callback URLs whose host is allowed and
// logs it for any other callback value.
type Webhook struct {
	client       *http.Client
	timeout      time.Duration
	allowedHosts []string
}

var _ Notifier = (*Webhook)(nil)

// NewWebhook constructs a notifier. A zero timeout uses the default.
// allowedHosts holds host names, or "*.domain" patterns, that callbacks may
// be posted to. With none, no callback is ever posted.
func NewWebhook(client *http.Client, timeout time.Duration, allowedHosts []string) (*Webhook, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		hosts = append(hosts, h)
	}
	return &Webhook{client: client, timeout: timeout, allowedHosts: hosts}, nil
}

func (w *Webhook) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range w.allowedHosts {
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

// Notify delivers the transcript.
func (w *Webhook) Notify(ctx context.Context, callback models.Callback, transcript models.Transcript) error {
	target, ok := callback.URL()
	if ok && !w.hostAllowed(target.Hostname()) {
		slog.Warn("callback host not allowed, logging only", "host", target.Hostname())
		ok = false
	}
	if !ok {
		slog.Info("invocation complete",
			"service", transcript.Service,
			"deployment", transcript.Deployment,
			"messages", len(transcript.History),
			"response_bytes", len(transcript.AssistantResponse),
			"error", transcript.Error,
		)
		return nil
	}

	body, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("construct callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request to %s failed: %w", target.Host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback %s returned status %d", target.Host, resp.StatusCode)
	}
	return nil
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, callback models.Callback, transcript models.Transcript) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, callback models.Callback, transcript models.Transcript) error {
	return f(ctx, callback, transcript)
}
