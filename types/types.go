package types

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// PaymentIntent is a semantic payment request. It is immutable once
// constructed: callers build one, the validator and the challenge protocol
// consume it.
type PaymentIntent struct {
	// Amount in the smallest token unit (e.g. 6-decimal USDC), as a
	// decimal integer string. Represented as a string because Go does not
	// support uint256.
	Amount string `json:"amount" validate:"required"`

	// Recipient account the payment must be sent to (0x-prefixed hex).
	Recipient string `json:"recipient" validate:"required"`

	// Description of what is being paid for.
	Description string `json:"description" validate:"required"`

	// Metadata is free-form key/value context attached to the request.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PaymentChallenge is the server-issued requirement carried on a 402
// response. A challenge is consumed exactly once per attempt; reuse across
// requests would allow replay.
type PaymentChallenge struct {
	Recipient   string    `json:"recipient"`
	Amount      string    `json:"amount"`
	Token       string    `json:"token"`
	ChainID     int64     `json:"chainId"`
	Description string    `json:"description,omitempty"`
	PaymentID   string    `json:"paymentId"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the challenge can no longer be acted upon.
func (c *PaymentChallenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// PaymentResult is the terminal outcome of one full flow attempt. Once
// produced it is never mutated, only stored as the last result.
type PaymentResult struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Confirmations   int    `json:"confirmations,omitempty"`
	PaymentID       string `json:"paymentId,omitempty"`
	Error           string `json:"error,omitempty"`
	ErrorCode       string `json:"errorCode,omitempty"`
}

// TxState is the lifecycle state of an on-chain transaction as seen by the
// confirmation tracker.
type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"

	// TxNotFound is reserved for chain clients that can tell an unknown
	// hash from a not-yet-mined one. The EVM client reports both as an
	// absent receipt, which the tracker surfaces as TxPending.
	TxNotFound TxState = "not_found"
)

// TransactionStatus is a polling snapshot for a submitted transaction.
type TransactionStatus struct {
	State             TxState  `json:"state"`
	Confirmations     int      `json:"confirmations"`
	BlockNumber       uint64   `json:"blockNumber,omitempty"`
	GasUsed           uint64   `json:"gasUsed,omitempty"`
	EffectiveGasPrice *big.Int `json:"effectiveGasPrice,omitempty"`
}

// PaymentTransaction is the transfer handed to a wallet for signing and
// submission. It is derived from a challenge that has already been
// cross-checked against the original intent.
type PaymentTransaction struct {
	Token     string
	To        string
	Amount    *big.Int
	ChainID   int64
	PaymentID string
}

// Signer is the injected wallet capability. Implementations own key
// material and chain submission; the payment flow never sees either.
type Signer interface {
	// Account returns the payer account the signer operates for.
	Account() string

	// SignAndSend signs the transfer and broadcasts it, returning the
	// transaction hash. A user or policy rejection fails with a
	// SIGNING_REJECTED error.
	SignAndSend(ctx context.Context, tx PaymentTransaction) (string, error)
}

// WalletBinding is the active signer/account pair a payment service is
// configured with. Exactly one binding is active at a time.
type WalletBinding struct {
	Account string
	Signer  Signer
}

// Validate checks the binding is usable.
func (b *WalletBinding) Validate() error {
	if b == nil || b.Signer == nil {
		return fmt.Errorf("wallet binding requires a signer")
	}
	if b.Account == "" {
		return fmt.Errorf("wallet binding requires an account")
	}
	return nil
}

// FlowState is the observable state of a payment service.
type FlowState string

const (
	FlowIdle       FlowState = "idle"
	FlowProcessing FlowState = "processing"
	FlowSuccess    FlowState = "success"
	FlowError      FlowState = "error"
)

// ConfirmPolicy bounds a confirmation-polling run. Zero values fall back to
// the defaults; the policy is configuration, not protocol.
type ConfirmPolicy struct {
	RequiredConfirmations int           `json:"requiredConfirmations,omitempty"`
	PollInterval          time.Duration `json:"pollInterval,omitempty"`
	MaxAttempts           int           `json:"maxAttempts,omitempty"`
}

// Default confirmation policy: 3 confirmations, 5s interval, 60 attempts.
const (
	DefaultRequiredConfirmations = 3
	DefaultPollInterval          = 5 * time.Second
	DefaultMaxAttempts           = 60
)

// WithDefaults returns the policy with zero fields replaced by defaults.
func (p ConfirmPolicy) WithDefaults() ConfirmPolicy {
	if p.RequiredConfirmations <= 0 {
		p.RequiredConfirmations = DefaultRequiredConfirmations
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}
