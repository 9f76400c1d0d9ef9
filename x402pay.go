// Package x402pay implements the client side of the x402 payment-required
// protocol: request a protected resource, satisfy the 402 challenge with an
// on-chain payment, retry with proof of payment, and track confirmation.
package x402pay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitwit/x402pay/clients"
	"github.com/vitwit/x402pay/confirm"
	"github.com/vitwit/x402pay/logger"
	"github.com/vitwit/x402pay/metrics"
	"github.com/vitwit/x402pay/protocol"
	"github.com/vitwit/x402pay/types"
	"github.com/vitwit/x402pay/validation"
)

// Service orchestrates the full payment flow: validation, the 402 challenge
// cycle, and confirmation tracking. At most one payment flow is in flight
// per Service; a second concurrent Pay fails fast with ALREADY_IN_PROGRESS
// rather than queueing.
type Service struct {
	cfg       types.Config
	chain     clients.ChainClient
	validator *validation.Validator
	protocol  *protocol.Client
	tracker   *confirm.Tracker
	log       logger.Logger
	metrics   metrics.Recorder

	mu        sync.Mutex
	binding   *types.WalletBinding
	inFlight  bool
	state     types.FlowState
	balance   string
	lastErr   string
	last      *types.PaymentResult
	observers map[int]Observer
	nextObsID int
	refresh   *time.Timer
	closed    bool

	httpClient *http.Client
}

// New creates a payment service. The chain client is injected: the service
// only ever reads from it.
func New(cfg types.Config, chain clients.ChainClient, opts ...Option) *Service {
	cfg = cfg.WithDefaults()

	s := &Service{
		cfg:       cfg,
		chain:     chain,
		state:     types.FlowIdle,
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		s.log = logger.NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = metrics.NoopRecorder{}
	}

	s.validator = validation.New(chain, s.cfg.Token, s.log)
	s.protocol = protocol.NewClient(s.cfg, s.httpClient, s.log, s.metrics)
	s.tracker = confirm.New(chain, s.log, s.metrics)

	return s
}

// NewEVM creates a payment service backed by a live EVM JSON-RPC endpoint.
func NewEVM(cfg types.Config, rpcURL string, opts ...Option) (*Service, error) {
	chain, err := clients.NewEVMClient(rpcURL)
	if err != nil {
		return nil, err
	}
	return New(cfg, chain, opts...), nil
}

// Initialize binds the service to a wallet. Rebinding while a flow is in
// flight leaves that flow untouched; only new flows see the new binding.
func (s *Service) Initialize(ctx context.Context, binding types.WalletBinding) error {
	if err := binding.Validate(); err != nil {
		return types.NewPaymentError(types.ErrNotInitialized, err.Error())
	}

	s.mu.Lock()
	s.binding = &binding
	s.lastErr = ""
	s.mu.Unlock()

	s.log.Info("payment service initialized", map[string]any{"account": binding.Account})

	// Load the starting balance; failure here is not fatal to the binding.
	if _, err := s.Balance(ctx); err != nil {
		s.log.Warn("initial balance load failed", map[string]any{"error": err.Error()})
	}
	return nil
}

// Teardown drops the wallet binding. In-flight flows finish against the
// binding they started with; new flows fail with NOT_INITIALIZED.
func (s *Service) Teardown() {
	s.mu.Lock()
	s.binding = nil
	s.balance = ""
	if s.refresh != nil {
		s.refresh.Stop()
		s.refresh = nil
	}
	s.mu.Unlock()

	s.log.Info("payment service torn down", nil)
}

// Close tears the service down and releases the chain client.
func (s *Service) Close() {
	s.Teardown()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.chain != nil {
		s.chain.Close()
	}
}

// PayForTradeAnalysis pays the fixed trade-analysis price for one trade.
func (s *Service) PayForTradeAnalysis(ctx context.Context, tradeID string) (*types.PaymentResult, error) {
	return s.Pay(ctx, types.PaymentIntent{
		Amount:      s.cfg.Prices.TradeAnalysis,
		Recipient:   s.cfg.Treasury,
		Description: fmt.Sprintf("AI Trade Analysis - Trade %s", tradeID),
		Metadata: map[string]string{
			"type":    "trade_analysis",
			"tradeId": tradeID,
		},
	})
}

// PayForPremiumFeatures pays the fixed premium-features price.
func (s *Service) PayForPremiumFeatures(ctx context.Context) (*types.PaymentResult, error) {
	return s.Pay(ctx, types.PaymentIntent{
		Amount:      s.cfg.Prices.PremiumFeatures,
		Recipient:   s.cfg.Treasury,
		Description: "Premium Features Access",
		Metadata: map[string]string{
			"type": "premium_features",
		},
	})
}

// PayForMonthlySubscription pays the fixed monthly-subscription price.
func (s *Service) PayForMonthlySubscription(ctx context.Context) (*types.PaymentResult, error) {
	return s.Pay(ctx, types.PaymentIntent{
		Amount:      s.cfg.Prices.MonthlySubscription,
		Recipient:   s.cfg.Treasury,
		Description: "Monthly Subscription",
		Metadata: map[string]string{
			"type":  "monthly_subscription",
			"month": time.Now().UTC().Format("2006-01"),
		},
	})
}

// Pay runs the full flow for one intent. Guard failures (NOT_INITIALIZED,
// ALREADY_IN_PROGRESS) come back as errors; payment failures come back as
// a failed PaymentResult with a nil error, so callers only branch once.
func (s *Service) Pay(ctx context.Context, intent types.PaymentIntent) (*types.PaymentResult, error) {
	s.mu.Lock()
	if s.binding == nil {
		s.mu.Unlock()
		return nil, types.NewPaymentError(types.ErrNotInitialized, "payment service is not initialized")
	}
	if s.inFlight {
		s.mu.Unlock()
		return nil, types.NewPaymentError(types.ErrAlreadyInProgress, "another payment is already in progress")
	}
	s.inFlight = true
	binding := *s.binding
	prev := s.state
	s.state = types.FlowProcessing
	s.mu.Unlock()

	s.notify(Transition{From: prev, To: types.FlowProcessing})
	s.metrics.IncCounter("payment_started", map[string]string{"operation": intent.Description})

	started := time.Now()
	result := s.run(ctx, intent, binding)
	s.metrics.ObserveLatency("payment_flow", time.Since(started), map[string]string{
		"operation": intent.Description,
	})

	s.mu.Lock()
	s.inFlight = false
	s.last = result
	next := types.FlowSuccess
	if result.Success {
		s.lastErr = ""
		s.metrics.IncCounter("payment_succeeded", map[string]string{"operation": intent.Description})
		s.scheduleRefreshLocked(binding.Account)
	} else {
		next = types.FlowError
		s.lastErr = result.Error
		s.metrics.IncCounter("payment_failed", map[string]string{"operation": intent.Description})
	}
	s.state = next
	s.mu.Unlock()

	s.notify(Transition{From: types.FlowProcessing, To: next, Result: result})
	return result, nil
}

// run executes the three stages. Any panic from a stage is normalized into
// a PAYMENT_FAILED result so callers never see a raw failure.
func (s *Service) run(ctx context.Context, intent types.PaymentIntent, binding types.WalletBinding) (result *types.PaymentResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("payment flow panicked", map[string]any{"panic": fmt.Sprint(r)})
			result = failedResult(types.NewPaymentError(
				types.ErrPaymentFailed, fmt.Sprintf("unexpected payment failure: %v", r)))
		}
	}()

	intent = withAttemptMetadata(intent, binding.Account, s.cfg.ChainID)

	if err := s.validator.Validate(ctx, intent, binding.Account); err != nil {
		s.log.Warn("payment intent rejected", map[string]any{
			"code":  types.ErrorCode(err),
			"error": err.Error(),
		})
		return failedResult(err)
	}

	outcome, err := s.protocol.Execute(ctx, intent, binding.Signer)
	if err != nil {
		s.log.Warn("payment challenge failed", map[string]any{
			"code":  types.ErrorCode(err),
			"error": err.Error(),
		})
		return failedResult(err)
	}

	if !outcome.Paid {
		// Resource was granted without a payment demand.
		return &types.PaymentResult{Success: true}
	}

	status, err := s.tracker.Await(ctx, outcome.TransactionHash, s.cfg.Confirm)
	if err != nil {
		return failedResult(types.NewPaymentError(
			types.ErrPaymentFailed, fmt.Sprintf("confirmation tracking aborted: %v", err)))
	}
	if status.State == types.TxFailed {
		return failedResult(types.NewPaymentError(
			types.ErrPaymentFailed, "payment transaction failed on-chain"))
	}

	return &types.PaymentResult{
		Success:         true,
		TransactionHash: outcome.TransactionHash,
		Confirmations:   status.Confirmations,
		PaymentID:       outcome.PaymentID,
	}
}

// Balance reads the bound account's token balance and updates the cached
// observable state. Safe to call concurrently with an in-flight payment.
func (s *Service) Balance(ctx context.Context) (string, error) {
	s.mu.Lock()
	binding := s.binding
	s.mu.Unlock()

	if binding == nil {
		return "", types.NewPaymentError(types.ErrNotInitialized, "payment service is not initialized")
	}

	bal, err := s.chain.GetBalance(ctx, s.cfg.Token, binding.Account)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.balance = bal.String()
	s.mu.Unlock()
	return bal.String(), nil
}

// LastPayment returns the most recent terminal result, if any.
func (s *Service) LastPayment() *types.PaymentResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// ClearError clears the surfaced error without touching the last result.
func (s *Service) ClearError() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
}

// scheduleRefreshLocked arms the delayed balance refresh after a successful
// payment, giving chain state time to settle. Caller holds s.mu.
func (s *Service) scheduleRefreshLocked(account string) {
	if s.refresh != nil {
		s.refresh.Stop()
	}
	s.refresh = time.AfterFunc(s.cfg.RefreshDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()

		bal, err := s.chain.GetBalance(ctx, s.cfg.Token, account)
		if err != nil {
			s.log.Warn("post-payment balance refresh failed", map[string]any{"error": err.Error()})
			return
		}

		s.mu.Lock()
		// The binding may have changed while the timer was pending.
		if s.binding != nil && s.binding.Account == account {
			s.balance = bal.String()
		}
		s.mu.Unlock()
	})
}

// withAttemptMetadata returns a copy of the intent carrying the attempt id
// and payer context. The caller's intent is never mutated.
func withAttemptMetadata(intent types.PaymentIntent, account string, chainID int64) types.PaymentIntent {
	meta := make(map[string]string, len(intent.Metadata)+3)
	for k, v := range intent.Metadata {
		meta[k] = v
	}
	meta["attemptId"] = uuid.NewString()
	meta["payer"] = account
	meta["chainId"] = fmt.Sprintf("%d", chainID)
	intent.Metadata = meta
	return intent
}

func failedResult(err error) *types.PaymentResult {
	return &types.PaymentResult{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: types.ErrorCode(err),
	}
}
