// Package webhooks notifies external services about escrow lifecycle events.
//
// Integrators register a URL, optionally scoped to one escrow identifier,
// and receive signed POSTs when settlements confirm, fail, time out, or
// expire. A one-shot status watcher covers callers that registered before
// the outcome was known.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/escrowbridge/internal/metrics"
)

// EventType classifies a webhook event.
type EventType string

const (
	EventEscrowInitialized EventType = "escrow.initialized"
	EventSettleConfirmed   EventType = "settlement.confirmed"
	EventSettleFailed      EventType = "settlement.failed"
	EventSettleTimedOut    EventType = "settlement.timed_out"
	EventEscrowExpired     EventType = "escrow.expired"
)

// Event is the webhook payload.
type Event struct {
	ID        string                 `json:"id"` // escrow identifier, 0x-prefixed
	Type      EventType              `json:"type"`
	Network   string                 `json:"network"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscription is one registered webhook endpoint. An empty EscrowID
// subscribes to all escrows.
type Subscription struct {
	ID                  string      `json:"id"`
	EscrowID            string      `json:"escrowId,omitempty"` // bare hex
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// maxConsecutiveFailures before a subscription is deactivated.
const maxConsecutiveFailures = 10

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByEscrow(ctx context.Context, escrowID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher delivers events to subscribers.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over the given store.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Dispatch sends an event to every matching active subscription. Delivery
// is asynchronous; Dispatch never blocks on subscriber endpoints.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to load subscribers: %w", err)
	}

	bareID := event.ID
	if len(bareID) > 2 && bareID[:2] == "0x" {
		bareID = bareID[2:]
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		if sub.EscrowID != "" && sub.EscrowID != bareID {
			continue
		}
		go d.send(ctx, sub, event)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordFailure(ctx, sub, "failed to create request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowbridge-Event", string(event.Type))
	req.Header.Set("X-Escrowbridge-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Escrowbridge-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, sub)
	} else {
		d.recordFailure(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Subscribers
// verify it against the X-Escrowbridge-Signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook update failed", "subscription", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, msg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures",
			"subscription", sub.ID, "url", sub.URL, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook update failed", "subscription", sub.ID, "error", err)
	}
}
