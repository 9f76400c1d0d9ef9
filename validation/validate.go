// Package validation checks payment intents before any payment protocol
// round trip is attempted.
package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/vitwit/x402pay/clients"
	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/types"
)

var validate = validator.New()

// Validator performs syntactic and balance validation of a payment intent.
// Syntactic checks run first so a malformed request never triggers a
// network call; the balance check is the single chain read.
type Validator struct {
	chain clients.ChainClient
	token string
	log   logger.Logger
}

func New(chain clients.ChainClient, token string, log logger.Logger) *Validator {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Validator{
		chain: chain,
		token: token,
		log:   log,
	}
}

// Validate checks the intent against the account that will pay. The check
// order is fixed for deterministic error reporting: amount, recipient,
// description, then balance.
func (v *Validator) Validate(ctx context.Context, intent types.PaymentIntent, account string) error {
	if err := v.validateSyntax(intent); err != nil {
		return err
	}
	return v.validateBalance(ctx, intent, account)
}

// validateSyntax runs the checks that need no chain access.
func (v *Validator) validateSyntax(intent types.PaymentIntent) error {
	// Struct-tag pass catches missing fields; map field errors onto the
	// fixed check order so reporting stays deterministic.
	var missing map[string]bool
	if err := validate.Struct(&intent); err != nil {
		missing = make(map[string]bool)
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				missing[fe.Field()] = true
			}
		}
	}

	if missing["Amount"] {
		return types.NewPaymentError(types.ErrInvalidAmount, "payment amount is required")
	}
	amount, err := types.ParseAmount(intent.Amount)
	if err != nil {
		return types.NewPaymentError(types.ErrInvalidAmount, fmt.Sprintf("invalid payment amount: %v", err))
	}
	if amount.Sign() <= 0 {
		return types.NewPaymentError(types.ErrInvalidAmount, "payment amount must be positive")
	}

	if missing["Recipient"] || !validRecipient(intent.Recipient) {
		return types.NewPaymentError(types.ErrInvalidRecipient,
			fmt.Sprintf("invalid recipient address: %q", intent.Recipient))
	}

	if missing["Description"] || strings.TrimSpace(intent.Description) == "" {
		return types.NewPaymentError(types.ErrMissingDescription, "payment description is required")
	}

	return nil
}

// validateBalance performs the single chain read. A transport failure here
// is fatal to the call, not retried.
func (v *Validator) validateBalance(ctx context.Context, intent types.PaymentIntent, account string) error {
	amount, err := types.ParseAmount(intent.Amount)
	if err != nil {
		return types.NewPaymentError(types.ErrInvalidAmount, err.Error())
	}

	balance, err := v.chain.GetBalance(ctx, v.token, account)
	if err != nil {
		return err
	}

	if balance.Cmp(amount) < 0 {
		v.log.Debug("insufficient balance", map[string]any{
			"balance": balance.String(),
			"amount":  intent.Amount,
		})
		return types.NewPaymentError(types.ErrInsufficientBalance,
			fmt.Sprintf("insufficient token balance: have %s, need %s", balance, intent.Amount))
	}

	return nil
}

// validRecipient checks the chain's account identifier format:
// 0x prefix, 40 hex characters.
func validRecipient(addr string) bool {
	if !strings.HasPrefix(addr, "0x") {
		return false
	}
	if len(addr) != 42 {
		return false
	}
	return common.IsHexAddress(addr)
}
