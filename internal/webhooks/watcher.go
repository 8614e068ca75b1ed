package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/escrowbridge/internal/escrowid"
)

const (
	// DefaultWatchInterval between status polls.
	DefaultWatchInterval = 5 * time.Second

	// DefaultWatchChecks bounds a watch at 10 minutes of polling.
	DefaultWatchChecks = 120
)

// StatusFunc reports the current status of an escrow and whether that
// status is terminal.
type StatusFunc func(ctx context.Context, id escrowid.ID) (status string, terminal bool)

// StatusWatcher runs one-shot watches: poll an escrow's status until it
// goes terminal or the check budget runs out, then POST the result to the
// caller's URL exactly once.
type StatusWatcher struct {
	status   StatusFunc
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	checks   int
}

// WatcherOption configures a StatusWatcher.
type WatcherOption func(*StatusWatcher)

// WithWatchInterval overrides the poll interval.
func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *StatusWatcher) { w.interval = d }
}

// WithWatchChecks overrides the poll budget.
func WithWatchChecks(n int) WatcherOption {
	return func(w *StatusWatcher) { w.checks = n }
}

// NewStatusWatcher creates a watcher over the given status source.
func NewStatusWatcher(status StatusFunc, logger *slog.Logger, opts ...WatcherOption) *StatusWatcher {
	w := &StatusWatcher{
		status:   status,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		interval: DefaultWatchInterval,
		checks:   DefaultWatchChecks,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// statusNotification is the payload POSTed when a watch concludes.
type statusNotification struct {
	IDHash string `json:"id_hash"`
	Status string `json:"status"`
}

// Watch polls until the escrow's status turns terminal, then notifies url.
// If the budget runs out first, the last observed status is sent instead.
// Intended to run on its own goroutine.
func (w *StatusWatcher) Watch(ctx context.Context, id escrowid.ID, url, secret string) {
	logger := w.logger.With("escrow_id", id.Short(), "url", url)
	logger.Info("status watch started", "interval", w.interval, "max_checks", w.checks)

	status := "unknown"
	for i := 0; i < w.checks; i++ {
		var terminal bool
		status, terminal = w.status(ctx, id)
		if terminal {
			break
		}
		select {
		case <-ctx.Done():
			logger.Info("status watch cancelled")
			return
		case <-time.After(w.interval):
		}
	}

	w.notify(ctx, id, url, secret, status, logger)
}

func (w *StatusWatcher) notify(ctx context.Context, id escrowid.ID, url, secret, status string, logger *slog.Logger) {
	payload, err := json.Marshal(statusNotification{IDHash: id.String(), Status: status})
	if err != nil {
		logger.Error("status notification marshal failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		logger.Error("status notification request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Escrowbridge-Signature", Sign(payload, secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		logger.Warn("status notification delivery failed", "status", status, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	logger.Info("status notification delivered", "status", status, "http_status", resp.StatusCode)
}
