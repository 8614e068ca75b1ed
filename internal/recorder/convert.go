package recorder

import (
	"time"

	"github.com/mbd888/escrowbridge/internal/chain"
	"github.com/mbd888/escrowbridge/internal/token"
)

// NewRecord normalizes an on-chain settlement event into an analytics row.
// The token amount is scaled by the network's token decimals; the USD amount
// is always posted with stablecoin decimals.
func NewRecord(ev chain.SettledEvent, network string, tokenDecimals int, settledAt time.Time) *Record {
	return &Record{
		Identifier:          ev.EscrowID.Hex(),
		Network:             network,
		Payer:               ev.Payer.Hex(),
		SettledAt:           settledAt,
		AmountSettledTokens: token.ToFloat(ev.TokenAmount, tokenDecimals),
		AmountSettledUsd:    token.ToFloat(ev.UsdAmount, token.StableDecimals),
	}
}
