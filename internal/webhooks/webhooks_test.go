package webhooks

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbridge/internal/escrowid"
	"github.com/mbd888/escrowbridge/internal/metrics"
)

type received struct {
	body      []byte
	signature string
	eventType string
}

func captureServer(t *testing.T) (*httptest.Server, *[]received) {
	t.Helper()
	var mu sync.Mutex
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{
			body:      body,
			signature: r.Header.Get("X-Escrowbridge-Signature"),
			eventType: r.Header.Get("X-Escrowbridge-Event"),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func waitForDeliveries(t *testing.T, got *[]received, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(*got) >= want },
		2*time.Second, 10*time.Millisecond)
}

func testSub(url string, events ...EventType) *Subscription {
	return &Subscription{
		ID:        "sub-1",
		URL:       url,
		Secret:    "topsecret",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

func TestDispatchDeliversSignedEvent(t *testing.T) {
	srv, got := captureServer(t)
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), testSub(srv.URL, EventSettleConfirmed)))

	d := NewDispatcher(store, slog.Default())
	event := &Event{
		ID:        "0xabcdef",
		Type:      EventSettleConfirmed,
		Network:   "blockdag-testnet",
		Timestamp: time.Now(),
	}
	require.NoError(t, d.Dispatch(context.Background(), event))
	waitForDeliveries(t, got, 1)

	first := (*got)[0]
	assert.Equal(t, string(EventSettleConfirmed), first.eventType)
	assert.True(t, hmac.Equal(
		[]byte(Sign(first.body, "topsecret")),
		[]byte(first.signature),
	))

	var decoded Event
	require.NoError(t, json.Unmarshal(first.body, &decoded))
	assert.Equal(t, "0xabcdef", decoded.ID)
}

func TestDispatchSkipsOtherEscrows(t *testing.T) {
	srv, got := captureServer(t)
	store := NewMemoryStore()
	sub := testSub(srv.URL, EventSettleConfirmed)
	sub.EscrowID = "aaaa"
	require.NoError(t, store.Create(context.Background(), sub))

	d := NewDispatcher(store, slog.Default())
	require.NoError(t, d.Dispatch(context.Background(), &Event{
		ID: "0xbbbb", Type: EventSettleConfirmed, Timestamp: time.Now(),
	}))
	require.NoError(t, d.Dispatch(context.Background(), &Event{
		ID: "0xaaaa", Type: EventSettleConfirmed, Timestamp: time.Now(),
	}))

	waitForDeliveries(t, got, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, *got, 1, "only the subscribed escrow is delivered")
}

func TestDispatchDeactivatesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryStore()
	sub := testSub(srv.URL, EventSettleFailed)
	require.NoError(t, store.Create(context.Background(), sub))

	d := NewDispatcher(store, slog.Default())
	for i := 0; i < maxConsecutiveFailures; i++ {
		d.send(context.Background(), sub, &Event{
			ID: "0xcc", Type: EventSettleFailed, Timestamp: time.Now(),
		})
	}

	stored, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, maxConsecutiveFailures, stored.ConsecutiveFailures)
}

func TestWatchNotifiesOnTerminalStatus(t *testing.T) {
	srv, got := captureServer(t)

	id := escrowid.Derive([32]byte{1}, "settlement")
	polls := 0
	status := func(ctx context.Context, got escrowid.ID) (string, bool) {
		assert.Equal(t, id, got)
		polls++
		if polls >= 3 {
			return "settled", true
		}
		return "pending", false
	}

	w := NewStatusWatcher(status, slog.Default(),
		WithWatchInterval(time.Millisecond), WithWatchChecks(10))
	w.Watch(context.Background(), id, srv.URL, "topsecret")

	waitForDeliveries(t, got, 1)
	var note statusNotification
	require.NoError(t, json.Unmarshal((*got)[0].body, &note))
	assert.Equal(t, id.String(), note.IDHash)
	assert.Equal(t, "settled", note.Status)
	assert.Equal(t, 3, polls)
}

func TestWatchSendsLastStatusWhenBudgetExhausted(t *testing.T) {
	srv, got := captureServer(t)

	id := escrowid.Derive([32]byte{2}, "settlement")
	polls := 0
	status := func(ctx context.Context, _ escrowid.ID) (string, bool) {
		polls++
		return "pending", false
	}

	w := NewStatusWatcher(status, slog.Default(),
		WithWatchInterval(time.Millisecond), WithWatchChecks(5))
	w.Watch(context.Background(), id, srv.URL, "")

	waitForDeliveries(t, got, 1)
	var note statusNotification
	require.NoError(t, json.Unmarshal((*got)[0].body, &note))
	assert.Equal(t, "pending", note.Status)
	assert.Equal(t, 5, polls, "exactly the configured number of checks")
	assert.Empty(t, (*got)[0].signature, "no signature without a secret")
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestDeliveriesAreCounted(t *testing.T) {
	success := metrics.WebhookDeliveriesTotal.WithLabelValues("success")
	failure := metrics.WebhookDeliveriesTotal.WithLabelValues("failure")
	successBefore := counterValue(t, success)
	failureBefore := counterValue(t, failure)

	srv, got := captureServer(t)
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), testSub(srv.URL, EventSettleConfirmed)))

	d := NewDispatcher(store, slog.Default())
	require.NoError(t, d.Dispatch(context.Background(), &Event{
		ID: "0xaa", Type: EventSettleConfirmed, Timestamp: time.Now(),
	}))
	waitForDeliveries(t, got, 1)
	require.Eventually(t, func() bool { return counterValue(t, success) >= successBefore+1 },
		2*time.Second, 10*time.Millisecond)

	bad := testSub("http://127.0.0.1:1/unreachable", EventSettleConfirmed)
	d.send(context.Background(), bad, &Event{
		ID: "0xaa", Type: EventSettleConfirmed, Timestamp: time.Now(),
	})
	assert.GreaterOrEqual(t, counterValue(t, failure), failureBefore+1)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sub := testSub("http://example.invalid/hook", EventSettleConfirmed)
	require.NoError(t, store.Create(ctx, sub))

	// Mutating the caller's subscription after Create must not leak in.
	sub.Active = false

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)

	// Mutating a fetched subscription must not leak back.
	got.ConsecutiveFailures = 99
	got.Events[0] = EventEscrowExpired

	byEvent, err := store.GetByEvent(ctx, EventSettleConfirmed)
	require.NoError(t, err)
	require.Len(t, byEvent, 1)
	assert.Zero(t, byEvent[0].ConsecutiveFailures)
	assert.Equal(t, EventSettleConfirmed, byEvent[0].Events[0])
}

func TestMemoryStoreGetByEvent(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID: "a", Events: []EventType{EventSettleConfirmed, EventEscrowExpired}, Active: true,
	}))
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID: "b", Events: []EventType{EventSettleFailed}, Active: true,
	}))

	subs, err := store.GetByEvent(context.Background(), EventEscrowExpired)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "a", subs[0].ID)
}
