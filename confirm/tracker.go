// Package confirm polls the chain until a submitted transaction reaches a
// target confirmation depth.
package confirm

import (
	"context"
	"time"

	"github.com/vitwit/x402pay/clients"
	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/metrics"
	"github.com/vitwit/x402pay/types"
)

// Tracker drives the confirmation poll loop. Polling is a cooperative
// repeating timer, cancellable through the context on every exit path.
type Tracker struct {
	chain   clients.ChainClient
	log     logger.Logger
	metrics metrics.Recorder
}

func New(chain clients.ChainClient, log logger.Logger, rec metrics.Recorder) *Tracker {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Tracker{chain: chain, log: log, metrics: rec}
}

// Await polls for the receipt of txHash until it reaches the required
// confirmation depth, fails on-chain, or the attempt budget runs out.
//
// A transaction that fails on-chain is terminal and never retried. An
// exhausted attempt budget is not an error: the last observed status comes
// back so callers can treat the payment as submitted but under-confirmed.
// Transport errors keep the loop polling; they count against the same
// attempt budget.
func (t *Tracker) Await(ctx context.Context, txHash string, policy types.ConfirmPolicy) (*types.TransactionStatus, error) {
	policy = policy.WithDefaults()

	status := &types.TransactionStatus{State: types.TxPending}

	timer := time.NewTimer(0)
	defer timer.Stop()
	// Consume the immediate first fire so the loop below owns all waits.
	<-timer.C

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		next, terminal := t.poll(ctx, txHash, policy, status)
		status = next
		if terminal {
			return status, nil
		}
		if err := ctx.Err(); err != nil {
			return status, err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		timer.Reset(policy.PollInterval)
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-timer.C:
		}
	}

	t.log.Warn("confirmation budget exhausted", map[string]any{
		"txHash":        txHash,
		"confirmations": status.Confirmations,
		"required":      policy.RequiredConfirmations,
	})
	t.metrics.IncCounter("confirmation_timeout", map[string]string{"operation": "await_confirmation"})
	return status, nil
}

// poll performs one receipt/height observation. terminal is true when
// polling should stop.
func (t *Tracker) poll(ctx context.Context, txHash string, policy types.ConfirmPolicy, last *types.TransactionStatus) (*types.TransactionStatus, bool) {
	receipt, err := t.chain.GetTransactionReceipt(ctx, txHash)
	if err != nil {
		// Transport trouble: keep the last status and keep polling.
		t.log.Debug("receipt lookup failed, will retry", map[string]any{
			"txHash": txHash,
			"error":  err.Error(),
		})
		return last, false
	}

	if receipt == nil {
		// Not yet mined.
		if last.State == types.TxPending {
			return last, false
		}
		return &types.TransactionStatus{State: types.TxPending, Confirmations: last.Confirmations}, false
	}

	if !receipt.Success {
		t.metrics.IncCounter("transaction_failed", map[string]string{"operation": "await_confirmation"})
		return &types.TransactionStatus{
			State:             types.TxFailed,
			BlockNumber:       receipt.BlockNumber,
			GasUsed:           receipt.GasUsed,
			EffectiveGasPrice: receipt.EffectiveGasPrice,
		}, true
	}

	height, err := t.chain.GetBlockHeight(ctx)
	if err != nil {
		return last, false
	}

	confirmations := 0
	if height >= receipt.BlockNumber {
		confirmations = int(height-receipt.BlockNumber) + 1
	}

	status := &types.TransactionStatus{
		State:             types.TxPending,
		Confirmations:     confirmations,
		BlockNumber:       receipt.BlockNumber,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}

	if confirmations >= policy.RequiredConfirmations {
		status.State = types.TxConfirmed
		return status, true
	}
	return status, false
}
