// Package protocol drives the x402 request / 402-challenge / retry cycle
// against a resource server.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/metrics"
	"github.com/vitwit/x402pay/types"
)

// Phase names one step of a challenge attempt. Phases advance strictly
// forward; a failed attempt records the phase it failed in.
type Phase string

const (
	PhaseInit              Phase = "INIT"
	PhaseAwaitingChallenge Phase = "AWAITING_CHALLENGE"
	PhaseChallenged        Phase = "CHALLENGED"
	PhasePaying            Phase = "PAYING"
	PhaseAwaitingResult    Phase = "AWAITING_RESULT"
	PhaseDone              Phase = "DONE"
	PhaseFailed            Phase = "FAILED"
)

// Proof-of-payment and challenge header names. The challenge header
// X-Payment-Required is canonical; X-PAYMENT-RESPONSE is accepted as a
// legacy alias some servers still emit on the 402 itself.
const (
	HeaderPaymentRequired = "X-Payment-Required"
	HeaderPaymentLegacy   = "X-PAYMENT-RESPONSE"
	HeaderPayment         = "X-Payment"
	HeaderPaymentID       = "X-Payment-Id"
	HeaderPaymentResponse = "X-Payment-Response"
)

// Outcome is the result of a completed challenge cycle.
type Outcome struct {
	// Paid is false when the server granted the resource without
	// demanding payment.
	Paid bool

	// TransactionHash is the proof of payment confirmed by the server.
	TransactionHash string

	// PaymentID echoes the server-chosen challenge identifier.
	PaymentID string

	// Phase the attempt ended in: PhaseDone on success.
	Phase Phase

	// StatusCode of the final resource response.
	StatusCode int
}

// Client executes the 402 round trip. One Client serves many attempts; all
// per-attempt state lives on the stack of Execute.
type Client struct {
	http         *http.Client
	baseURL      string
	resourcePath string
	token        string
	chainID      int64
	log          logger.Logger
	metrics      metrics.Recorder
	now          func() time.Time
}

func NewClient(cfg types.Config, httpClient *http.Client, log logger.Logger, rec metrics.Recorder) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Client{
		http:         httpClient,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		resourcePath: cfg.ResourcePath,
		token:        cfg.Token,
		chainID:      cfg.ChainID,
		log:          log,
		metrics:      rec,
		now:          time.Now,
	}
}

// Execute runs one full challenge cycle for the intent. The challenge is
// untrusted input: its recipient and amount are cross-checked against the
// intent, and its token and chain id against the configuration, before the
// signer is ever invoked.
func (c *Client) Execute(ctx context.Context, intent types.PaymentIntent, signer types.Signer) (*Outcome, error) {
	started := c.now()
	outcome, err := c.execute(ctx, intent, signer)
	c.metrics.ObserveLatency("challenge_cycle", c.now().Sub(started), map[string]string{
		"operation": intent.Description,
	})
	return outcome, err
}

func (c *Client) execute(ctx context.Context, intent types.PaymentIntent, signer types.Signer) (*Outcome, error) {
	// INIT -> AWAITING_CHALLENGE
	resp, body, err := c.sendResource(ctx, intent, "", "")
	if err != nil {
		return nil, protocolErr(PhaseAwaitingChallenge, "resource request failed: %v", err)
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		// AWAITING_CHALLENGE -> DONE(response): server did not demand
		// payment for this request.
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			c.log.Debug("resource granted without payment", map[string]any{"status": resp.StatusCode})
			return &Outcome{Paid: false, Phase: PhaseDone, StatusCode: resp.StatusCode}, nil
		}
		return nil, protocolErr(PhaseAwaitingChallenge, "unexpected resource status %d", resp.StatusCode)
	}

	// AWAITING_CHALLENGE -> CHALLENGED
	challenge, err := ParseChallenge(resp.Header, body, c.now())
	if err != nil {
		return nil, err
	}

	// CHALLENGED: expiry and cross-check before any signing.
	if challenge.Expired(c.now()) {
		return nil, &types.PaymentError{
			Code:    types.ErrChallengeExpired,
			Message: fmt.Sprintf("payment challenge expired at %s", challenge.ExpiresAt.Format(time.RFC3339)),
		}
	}
	if err := c.crossCheck(intent, challenge); err != nil {
		return nil, err
	}

	// CHALLENGED -> PAYING
	amount, err := types.ParseAmount(challenge.Amount)
	if err != nil {
		return nil, protocolErr(PhaseChallenged, "malformed challenge amount: %v", err)
	}

	token := challenge.Token
	if token == "" {
		token = c.token
	}
	chainID := challenge.ChainID
	if chainID == 0 {
		chainID = c.chainID
	}

	txHash, err := signer.SignAndSend(ctx, types.PaymentTransaction{
		Token:     token,
		To:        challenge.Recipient,
		Amount:    amount,
		ChainID:   chainID,
		PaymentID: challenge.PaymentID,
	})
	if err != nil {
		c.metrics.IncCounter("signing_rejected", map[string]string{"operation": intent.Description})
		if types.IsCode(err, types.ErrSigningRejected) {
			return nil, err
		}
		return nil, &types.PaymentError{
			Code:    types.ErrSigningRejected,
			Message: fmt.Sprintf("payment signing failed: %v", err),
		}
	}

	c.log.Info("payment submitted", map[string]any{
		"txHash":    txHash,
		"paymentId": challenge.PaymentID,
		"amount":    challenge.Amount,
	})

	// PAYING -> AWAITING_RESULT: resend with proof of payment attached.
	resp, body, err = c.sendResource(ctx, intent, txHash, challenge.PaymentID)
	if err != nil {
		return nil, protocolErr(PhaseAwaitingResult, "resource retry failed: %v", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		confirmed, err := ExtractTransactionHash(resp.Header, body)
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Paid:            true,
			TransactionHash: confirmed,
			PaymentID:       challenge.PaymentID,
			Phase:           PhaseDone,
			StatusCode:      resp.StatusCode,
		}, nil

	case http.StatusPaymentRequired:
		// The server rejected the payment proof outright.
		return nil, &types.PaymentError{
			Code:    types.ErrPaymentRejected,
			Message: "server rejected the submitted payment",
		}

	default:
		return nil, protocolErr(PhaseAwaitingResult, "unexpected resource status %d after payment", resp.StatusCode)
	}
}

// sendResource issues the resource request, attaching proof of payment
// when txHash is set.
func (c *Client) sendResource(ctx context.Context, intent types.PaymentIntent, txHash, paymentID string) (*http.Response, []byte, error) {
	payload := resourceRequest{
		Service:   intent.Description,
		Amount:    intent.Amount,
		Token:     c.token,
		Recipient: intent.Recipient,
		Metadata:  intent.Metadata,
	}
	if txHash != "" {
		payload.TransactionHash = txHash
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.resourcePath, bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if txHash != "" {
		req.Header.Set(HeaderPayment, txHash)
	}
	if paymentID != "" {
		req.Header.Set(HeaderPaymentID, paymentID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

// resourceRequest is the body posted to the paid endpoint.
type resourceRequest struct {
	Service         string            `json:"service"`
	Amount          string            `json:"amount"`
	Token           string            `json:"token"`
	Recipient       string            `json:"recipient"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TransactionHash string            `json:"transactionHash,omitempty"`
}

// crossCheck aborts with CHALLENGE_MISMATCH when the challenge terms do not
// match the intent or the configured token/chain. A compromised or buggy
// server must not be able to redirect funds, swap in a different token
// contract, or move the payment to another chain. Empty token and zero
// chainId are allowed: they fall back to the configured values.
func (c *Client) crossCheck(intent types.PaymentIntent, challenge *types.PaymentChallenge) error {
	if !strings.EqualFold(intent.Recipient, challenge.Recipient) {
		return &types.PaymentError{
			Code:    types.ErrChallengeMismatch,
			Message: fmt.Sprintf("challenge recipient %s does not match intent recipient %s", challenge.Recipient, intent.Recipient),
		}
	}

	if challenge.Token != "" && !strings.EqualFold(challenge.Token, c.token) {
		return &types.PaymentError{
			Code:    types.ErrChallengeMismatch,
			Message: fmt.Sprintf("challenge token %s does not match configured token %s", challenge.Token, c.token),
		}
	}
	if challenge.ChainID != 0 && challenge.ChainID != c.chainID {
		return &types.PaymentError{
			Code:    types.ErrChallengeMismatch,
			Message: fmt.Sprintf("challenge chain id %d does not match configured chain id %d", challenge.ChainID, c.chainID),
		}
	}

	want, err := types.ParseAmount(intent.Amount)
	if err != nil {
		return &types.PaymentError{Code: types.ErrChallengeMismatch, Message: err.Error()}
	}
	got, err := types.ParseAmount(challenge.Amount)
	if err != nil {
		return protocolErr(PhaseChallenged, "malformed challenge amount: %v", err)
	}
	if want.Cmp(got) != 0 {
		return &types.PaymentError{
			Code:    types.ErrChallengeMismatch,
			Message: fmt.Sprintf("challenge amount %s does not match intent amount %s", challenge.Amount, intent.Amount),
		}
	}
	return nil
}

func protocolErr(phase Phase, format string, args ...interface{}) error {
	return &types.PaymentError{
		Code:    types.ErrProtocolError,
		Message: fmt.Sprintf(format, args...),
		Data:    map[string]string{"phase": string(phase)},
	}
}
