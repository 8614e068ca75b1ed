// Package attest is the client for the off-chain attestation oracle.
//
// The oracle verifies that a settlement actually happened on the payment
// rail and posts the finalization on-chain. This side only registers new
// settlements with it; finalization itself is observed through the bridge
// contract's isFinalized view.
package attest

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Error reports a non-2xx oracle response.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("attest: oracle returned %d: %s", e.Status, e.Body)
}

// Client calls the attestation oracle's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the oracle at baseURL.
func New(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type registerRequest struct {
	Salt           string `json:"salt"` // bare hex
	SettlementID   string `json:"settlement_id"`
	RecipientEmail string `json:"recipient_email"`
}

type registerResponse struct {
	SettlementInfo struct {
		UserURL string `json:"user_url"`
	} `json:"settlement_info"`
}

// RegisterSettlement announces a new settlement to the oracle and returns
// the URL the paying user completes the settlement at.
func (c *Client) RegisterSettlement(ctx context.Context, salt [32]byte, settlementID, recipientEmail string) (string, error) {
	payload, err := json.Marshal(registerRequest{
		Salt:           hex.EncodeToString(salt[:]),
		SettlementID:   settlementID,
		RecipientEmail: recipientEmail,
	})
	if err != nil {
		return "", fmt.Errorf("attest: marshal request: %w", err)
	}

	url := c.baseURL + "/settlement/register_settlement"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("attest: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("attest: register settlement: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("attest: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{Status: resp.StatusCode, Body: string(body)}
	}

	var decoded registerResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("attest: decode response: %w", err)
	}
	if decoded.SettlementInfo.UserURL == "" {
		return "", fmt.Errorf("attest: oracle response missing user_url")
	}

	c.logger.Info("settlement registered with oracle", "settlement_id", settlementID)
	return decoded.SettlementInfo.UserURL, nil
}
