package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/escrowbridge/internal/escrowid"
	"github.com/mbd888/escrowbridge/internal/locator"
	"github.com/mbd888/escrowbridge/internal/settle"
	"github.com/mbd888/escrowbridge/internal/token"
	"github.com/mbd888/escrowbridge/internal/traces"
	"github.com/mbd888/escrowbridge/internal/webhooks"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus reports the tri-state settlement status of an escrow:
// pending, completed, or not_found. If a finalizer is currently driving
// the escrow, its state is included.
func (s *Server) handleStatus(c *gin.Context) {
	id, err := escrowid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid escrow id"})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "status", traces.EscrowID(id.String()))
	defer span.End()

	resp := gin.H{"id_hash": id.String()}
	if state, ok := s.coordinator.FinalizerState(id); ok {
		resp["finalizer_state"] = state.String()
	}

	network, err := s.locator.Find(ctx, id)
	if errors.Is(err, locator.ErrNotFound) {
		resp["status"] = "not_found"
		c.JSON(http.StatusOK, resp)
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "network probe failed"})
		return
	}
	resp["network"] = network

	settled, err := s.bridges[network].IsSettled(ctx, id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "settlement check failed"})
		return
	}
	if settled {
		resp["status"] = "completed"
	} else {
		resp["status"] = "pending"
	}
	c.JSON(http.StatusOK, resp)
}

// handleEscrowInfo returns the on-chain payment record, amounts formatted
// at the settlement token's precision.
func (s *Server) handleEscrowInfo(c *gin.Context) {
	id, err := escrowid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid escrow id"})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "escrow_info", traces.EscrowID(id.String()))
	defer span.End()

	network, err := s.locator.Find(ctx, id)
	if errors.Is(err, locator.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "network probe failed"})
		return
	}

	bridge := s.bridges[network]
	payment, err := bridge.Payment(ctx, id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment lookup failed"})
		return
	}

	decimals := bridge.TokenDecimals(ctx)
	c.JSON(http.StatusOK, gin.H{
		"id_hash":              id.String(),
		"network":              network,
		"payer":                payment.Payer.Hex(),
		"recipient":            payment.Recipient.Hex(),
		"requested_amount":     token.Format(payment.RequestedAmount, decimals),
		"requested_amount_usd": token.Format(payment.RequestedAmountUsd, token.StableDecimals),
		"posted_amount":        token.Format(payment.PostedAmount, decimals),
		"posted_amount_usd":    token.Format(payment.PostedAmountUsd, token.StableDecimals),
		"check_count":          payment.CheckCount,
		"created_at":           payment.CreatedAt,
		"is_settled":           payment.IsSettled,
	})
}

func (s *Server) handleExchangeRates(c *gin.Context) {
	rates, updated := s.rates.Rates()
	c.JSON(http.StatusOK, gin.H{
		"rates":      rates,
		"updated_at": updated,
	})
}

func (s *Server) handlePendingIDs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.rates.Pending()})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	records, err := s.records.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": records, "count": len(records)})
}

func (s *Server) handleMaxEscrowTime(c *gin.Context) {
	out := make(gin.H, len(s.bridges))
	for name, bridge := range s.bridges {
		maxTime, err := bridge.MaxEscrowTime(c.Request.Context())
		if err != nil {
			continue
		}
		out[name] = maxTime
	}
	c.JSON(http.StatusOK, gin.H{"max_escrow_time": out})
}

func (s *Server) handleFee(c *gin.Context) {
	out := make(gin.H, len(s.bridges))
	for name, bridge := range s.bridges {
		fee, denominator, err := bridge.FeeBasisPoints(c.Request.Context())
		if err != nil || denominator == 0 {
			continue
		}
		out[name] = gin.H{
			"fee":         fee,
			"denominator": denominator,
			"percent":     float64(fee) / float64(denominator) * 100,
		}
	}
	c.JSON(http.StatusOK, gin.H{"fees": out})
}

func (s *Server) handleSupportedNetworks(c *gin.Context) {
	networks := make([]string, 0, len(s.bridges))
	for name := range s.bridges {
		networks = append(networks, name)
	}
	c.JSON(http.StatusOK, gin.H{"networks": networks})
}

// handleWSStats reports hub counters: connected clients, total events,
// total and peak connections.
func (s *Server) handleWSStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

type requestPaymentBody struct {
	SettlementID   string `json:"settlement_id" binding:"required"`
	RecipientEmail string `json:"recipient_email" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	Network        string `json:"network"`
	Receiver       string `json:"receiver" binding:"required"`
}

// handleRequestPayment opens a new escrow: registers the settlement with
// the attestation oracle, derives the identifier, and submits initPayment.
func (s *Server) handleRequestPayment(c *gin.Context) {
	if s.attestor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attestation oracle not configured"})
		return
	}

	var body requestPaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	network := body.Network
	if network == "" && len(s.bridges) == 1 {
		for name := range s.bridges {
			network = name
		}
	}
	bridge, ok := s.bridges[network]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported network"})
		return
	}
	if !common.IsHexAddress(body.Receiver) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receiver address"})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "request_payment", traces.Network(network))
	defer span.End()

	decimals := bridge.TokenDecimals(ctx)
	amount, ok := token.Parse(body.Amount, decimals)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	salt, err := escrowid.NewSalt()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "salt generation failed"})
		return
	}

	userURL, err := s.attestor.RegisterSettlement(ctx, salt, body.SettlementID, body.RecipientEmail)
	if err != nil {
		s.logger.Error("settlement registration failed",
			"settlement_id", body.SettlementID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "settlement registration failed"})
		return
	}

	id := escrowid.Derive(salt, body.SettlementID)
	emailHash := escrowid.DeriveEmailHash(salt, body.RecipientEmail)

	result, err := bridge.InitPayment(ctx, id, emailHash, amount, common.HexToAddress(body.Receiver))
	if err != nil {
		s.logger.Error("init payment failed",
			"escrow_id", id.Short(), "network", network, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "escrow initialization failed"})
		return
	}

	s.coordinator.Register(id, network)

	c.JSON(http.StatusOK, gin.H{
		"id_hash":  id.String(),
		"user_url": userURL,
		"network":  network,
		"tx":       result.TxHash,
	})
}

type registerWebhookBody struct {
	URL    string   `json:"url" binding:"required"`
	IDHash string   `json:"id_hash"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

// handleRegisterWebhook registers a webhook. With an id_hash it also
// launches a one-shot status watch that POSTs the escrow's outcome.
func (s *Server) handleRegisterWebhook(c *gin.Context) {
	var body registerWebhookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := &webhooks.Subscription{
		ID:        uuid.NewString(),
		URL:       body.URL,
		Secret:    body.Secret,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	for _, e := range body.Events {
		sub.Events = append(sub.Events, webhooks.EventType(e))
	}
	if len(sub.Events) == 0 {
		sub.Events = []webhooks.EventType{
			webhooks.EventSettleConfirmed,
			webhooks.EventSettleFailed,
			webhooks.EventSettleTimedOut,
			webhooks.EventEscrowExpired,
		}
	}

	if body.IDHash != "" {
		id, err := escrowid.Parse(body.IDHash)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id_hash"})
			return
		}
		sub.EscrowID = id.Hex()
		// The watch outlives the request, so it runs on its own context.
		if s.watcher != nil {
			go s.watcher.Watch(context.Background(), id, body.URL, body.Secret)
		}
	}

	if err := s.webhookSub.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": sub.ID})
}

// StatusFor adapts the coordinator and bridges into the tri-state status
// source consumed by the webhook status watcher.
func (s *Server) StatusFor() webhooks.StatusFunc {
	return func(ctx context.Context, id escrowid.ID) (string, bool) {
		network, err := s.locator.Find(ctx, id)
		if errors.Is(err, locator.ErrNotFound) {
			return "not_found", false
		}
		if err != nil {
			return "not_found", false
		}
		settled, err := s.bridges[network].IsSettled(ctx, id)
		if err != nil {
			return "pending", false
		}
		if settled {
			return "completed", true
		}
		if state, ok := s.coordinator.FinalizerState(id); ok && state.Terminal() && state != settle.StateConfirmed {
			return state.String(), true
		}
		return "pending", false
	}
}
