package protocol

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vitwit/x402pay/types"
)

// challengeWire is the JSON shape servers put in the 402 challenge header.
// ExpiresAt stays a string so non-RFC3339 timestamps can be accepted.
type challengeWire struct {
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	Token       string `json:"token"`
	ChainID     int64  `json:"chainId"`
	Description string `json:"description"`
	PaymentID   string `json:"paymentId"`
	ExpiresAt   string `json:"expiresAt"`
}

// ParseChallenge decodes the payment challenge carried on a 402 response.
// Lookup order: X-Payment-Required header, legacy X-PAYMENT-RESPONSE
// header, then the response body. An unparseable challenge is a
// PROTOCOL_ERROR; the 402 must not be acted upon.
func ParseChallenge(header http.Header, body []byte, now time.Time) (*types.PaymentChallenge, error) {
	raw := header.Get(HeaderPaymentRequired)
	if raw == "" {
		raw = header.Get(HeaderPaymentLegacy)
	}
	if raw == "" && len(body) > 0 {
		raw = string(body)
	}
	if raw == "" {
		return nil, protocolErr(PhaseAwaitingChallenge, "402 response carried no payment challenge")
	}

	var wire challengeWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, protocolErr(PhaseAwaitingChallenge, "unparseable payment challenge: %v", err)
	}

	if wire.Recipient == "" || wire.Amount == "" {
		return nil, protocolErr(PhaseAwaitingChallenge, "payment challenge missing recipient or amount")
	}

	expiresAt, err := parseFlexibleTime(wire.ExpiresAt)
	if err != nil {
		return nil, protocolErr(PhaseAwaitingChallenge, "payment challenge has invalid expiry: %v", err)
	}

	return &types.PaymentChallenge{
		Recipient:   wire.Recipient,
		Amount:      wire.Amount,
		Token:       wire.Token,
		ChainID:     wire.ChainID,
		Description: wire.Description,
		PaymentID:   wire.PaymentID,
		ExpiresAt:   expiresAt,
	}, nil
}

// successBody is the subset of a success response body the protocol reads.
type successBody struct {
	TransactionHash string `json:"transactionHash"`
	TxHash          string `json:"txHash"`
}

// ExtractTransactionHash pulls the confirmed proof of payment out of a
// success response. The X-Payment-Response header is canonical; body
// fields transactionHash then txHash are accepted as fallbacks. Absence on
// an otherwise-success response is MISSING_PROOF_OF_PAYMENT.
func ExtractTransactionHash(header http.Header, body []byte) (string, error) {
	if h := header.Get(HeaderPaymentResponse); h != "" {
		return h, nil
	}

	if len(body) > 0 {
		var parsed successBody
		if err := json.Unmarshal(body, &parsed); err == nil {
			if parsed.TransactionHash != "" {
				return parsed.TransactionHash, nil
			}
			if parsed.TxHash != "" {
				return parsed.TxHash, nil
			}
		}
	}

	return "", &types.PaymentError{
		Code:    types.ErrMissingProofOfPayment,
		Message: "success response carried no payment transaction hash",
	}
}

// parseFlexibleTime accepts the timestamp formats seen from resource
// servers in the wild.
func parseFlexibleTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse time: %s", value)
}
