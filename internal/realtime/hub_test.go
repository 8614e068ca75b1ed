package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventSettled, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventSettled, EventExpired},
	}}

	settled := &Event{Type: EventSettled}
	expired := &Event{Type: EventExpired}
	initialized := &Event{Type: EventInitialized}

	if !h.shouldSend(client, settled) {
		t.Error("Should receive escrow_settled events")
	}
	if !h.shouldSend(client, expired) {
		t.Error("Should receive escrow_expired events")
	}
	if h.shouldSend(client, initialized) {
		t.Error("Should NOT receive escrow_initialized events")
	}
}

func TestShouldSend_EscrowIDFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EscrowIDs: []string{"0xaa"},
	}}

	matching := &Event{
		Type: EventSettled,
		Data: map[string]interface{}{"escrowId": "0xaa", "network": "blockdag-testnet"},
	}
	notMatching := &Event{
		Type: EventSettled,
		Data: map[string]interface{}{"escrowId": "0xbb", "network": "blockdag-testnet"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on escrow id")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other escrows")
	}
}

func TestShouldSend_NetworkFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Networks: []string{"base-sepolia"},
	}}

	matching := &Event{
		Type: EventInitialized,
		Data: map[string]interface{}{"escrowId": "0xaa", "network": "base-sepolia"},
	}
	notMatching := &Event{
		Type: EventInitialized,
		Data: map[string]interface{}{"escrowId": "0xaa", "network": "blockdag-testnet"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on network")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other networks")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventSettlementState}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription with no filters should receive events")
	}
}

// ---------------------------------------------------------------------------
// Broadcast tests
// ---------------------------------------------------------------------------

func TestBroadcastNeverBlocks(t *testing.T) {
	h := testHub()

	// No Run loop draining the channel; fill past capacity.
	for i := 0; i < 300; i++ {
		h.BroadcastSettled("0xaa", "blockdag-testnet", 5.0, 5.0)
	}
}

func TestRunDeliversToSubscribedClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 16),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- client

	h.BroadcastExpired("0xaa", "blockdag-testnet", "0xtx")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("expected serialized event")
		}
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}
