package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrTxReverted        = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
)

// TxError wraps submission failures with context.
type TxError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// DefaultGasLimit is used when gas estimation fails. Estimation failures
	// must not abort a settlement, so we fall back to a conservative fixed
	// limit and let the chain refund the surplus.
	DefaultGasLimit = uint64(200000)

	// PriorityFeeGwei is the fixed tip added on top of the base fee.
	PriorityFeeGwei = 2

	// FallbackBaseFeeGwei is assumed when the latest header carries no
	// baseFeePerGas (pre-EIP-1559 chains).
	FallbackBaseFeeGwei = 15

	// DefaultReceiptTimeout bounds how long Submit waits for a receipt.
	DefaultReceiptTimeout = 2 * time.Minute

	// receiptPollInterval between receipt checks.
	receiptPollInterval = 2 * time.Second
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e9))
}

// SubmitResult contains details of a mined transaction.
type SubmitResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
	Status      uint64
}

// Submitter signs and broadcasts transactions from a single hot account.
//
// Nonce acquisition and broadcast run inside one mutex per account: the
// node's pending-nonce count is not race-free under concurrent submission,
// and concurrent finalizer tasks all submit from the same key.
type Submitter struct {
	client     Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	logger     *slog.Logger

	mu sync.Mutex // serializes nonce fetch + send per account
}

// NewSubmitter creates a submitter for the given hex private key.
func NewSubmitter(client Client, privateKeyHex string, chainID *big.Int, logger *slog.Logger) (*Submitter, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	return &Submitter{
		client:     client,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    chainID,
		logger:     logger,
	}, nil
}

// Address returns the submitting account's address.
func (s *Submitter) Address() common.Address {
	return s.address
}

// Submit builds, signs, and broadcasts a transaction to the given contract,
// then waits for its receipt. The gas estimate is scaled by gasFactor before
// submission; estimation failure falls back to DefaultGasLimit.
//
// A receipt with status 0 returns ErrTxReverted along with the result so
// callers can log the hash. Reverts are never retried here: resubmitting a
// settlement blind risks double-paying.
func (s *Submitter) Submit(ctx context.Context, to common.Address, calldata []byte, gasFactor float64) (*SubmitResult, error) {
	s.mu.Lock()

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		s.mu.Unlock()
		return nil, &TxError{Op: "nonce", Err: err}
	}

	call := ethereum.CallMsg{
		From: s.address,
		To:   &to,
		Data: calldata,
	}

	gasLimit, err := s.client.EstimateGas(ctx, call)
	if err != nil {
		gasLimit = DefaultGasLimit
		s.logger.Warn("gas estimation failed, using default", "gas", gasLimit, "error", err)
	}
	if gasFactor > 1.0 {
		gasLimit = uint64(float64(gasLimit) * gasFactor)
	}

	tipCap := gwei(PriorityFeeGwei)
	feeCap := new(big.Int).Add(s.baseFee(ctx), tipCap)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      calldata,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		s.mu.Unlock()
		return nil, &TxError{Op: "sign", Err: err}
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		s.mu.Unlock()
		return nil, &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	s.mu.Unlock()

	return s.waitForReceipt(ctx, signedTx.Hash(), nonce)
}

// baseFee reads baseFeePerGas from the latest header, with a fixed fallback
// for chains that do not report one.
func (s *Submitter) baseFee(ctx context.Context) *big.Int {
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil || header.BaseFee == nil {
		return gwei(FallbackBaseFeeGwei)
	}
	return header.BaseFee
}

func (s *Submitter) waitForReceipt(ctx context.Context, hash common.Hash, nonce uint64) (*SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, hash.Hex())
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := s.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting.
				continue
			}

			result := &SubmitResult{
				TxHash:      hash.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Nonce:       nonce,
				Status:      receipt.Status,
			}

			if receipt.Status == types.ReceiptStatusFailed {
				return result, &TxError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTxReverted}
			}
			return result, nil
		}
	}
}
