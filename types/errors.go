package types

import "errors"

// PaymentError is the typed failure every stage of the flow returns.
// Code is one of the constants below and is stable across releases;
// Message is for humans and may change.
type PaymentError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *PaymentError) Error() string {
	return e.Message
}

// NewPaymentError builds a PaymentError with the given code and message.
func NewPaymentError(code, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message}
}

// Error codes.
const (
	// Validation failures. Resolved before any network effect and safe to
	// surface verbatim to the user.
	ErrInvalidAmount       = "INVALID_AMOUNT"
	ErrInvalidRecipient    = "INVALID_RECIPIENT"
	ErrMissingDescription  = "MISSING_DESCRIPTION"
	ErrInsufficientBalance = "INSUFFICIENT_BALANCE"

	// Protocol failures. A server/contract mismatch; never retried
	// automatically.
	ErrChallengeMismatch      = "CHALLENGE_MISMATCH"
	ErrChallengeExpired       = "CHALLENGE_EXPIRED"
	ErrMissingProofOfPayment  = "MISSING_PROOF_OF_PAYMENT"
	ErrProtocolError          = "PROTOCOL_ERROR"
	ErrPaymentRejected        = "PAYMENT_REJECTED"

	// SigningRejected is user-driven and surfaced as a cancellation.
	ErrSigningRejected = "SIGNING_REJECTED"

	// ChainUnavailable is a transport-level failure talking to the chain.
	ErrChainUnavailable = "CHAIN_UNAVAILABLE"

	// Caller-misuse guards, not payment failures.
	ErrAlreadyInProgress = "ALREADY_IN_PROGRESS"
	ErrNotInitialized    = "NOT_INITIALIZED"

	// ErrPaymentFailed is the normalized code for any unexpected failure.
	ErrPaymentFailed = "PAYMENT_FAILED"

	ErrConfigError = "CONFIG_ERROR"
)

// ErrorCode extracts the payment error code from err, or ErrPaymentFailed
// when err is not a *PaymentError.
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrPaymentFailed
}

// IsCode reports whether err carries the given payment error code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
