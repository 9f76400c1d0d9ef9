// Package clients provides read-only blockchain access for the payment flow.
package clients

import (
	"context"
	"math/big"
)

// Receipt is the normalized view of a mined transaction.
type Receipt struct {
	TxHash            string
	Success           bool
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// ChainClient is read-only chain access. Every call is idempotent and safe
// to retry; transport failures surface as CHAIN_UNAVAILABLE errors.
type ChainClient interface {
	// GetBalance returns the token balance of account in smallest units.
	GetBalance(ctx context.Context, token, account string) (*big.Int, error)

	// GetTransactionReceipt returns the receipt for txHash, or (nil, nil)
	// when the transaction is not yet mined. Absence is not an error.
	GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// GetBlockHeight returns the current block height. Monotonically
	// non-decreasing within a session.
	GetBlockHeight(ctx context.Context) (uint64, error)

	Close()
}
