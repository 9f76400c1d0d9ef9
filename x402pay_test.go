package x402pay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402pay/clients"
	"github.com/vitwit/x402pay/protocol"
	"github.com/vitwit/x402pay/types"
)

const (
	testAccount  = "0x1111111111111111111111111111111111111111"
	testTreasury = "0x2222222222222222222222222222222222222222"
	testTxHash   = "0xabc123abc123abc123abc123abc123abc123abc123abc123abc123abc123abcd"
)

type fakeChain struct {
	mu           sync.Mutex
	balance      *big.Int
	receipt      *clients.Receipt
	height       uint64
	balanceCalls int
}

func (f *fakeChain) GetBalance(_ context.Context, _, _ string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) GetTransactionReceipt(_ context.Context, _ string) (*clients.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipt, nil
}

func (f *fakeChain) GetBlockHeight(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeChain) Close() {}

type fakeSigner struct {
	txHash  string
	err     error
	block   chan struct{} // when set, SignAndSend waits on it
	doPanic bool
	calls   int
}

func (f *fakeSigner) Account() string { return testAccount }

func (f *fakeSigner) SignAndSend(ctx context.Context, _ types.PaymentTransaction) (string, error) {
	f.calls++
	if f.doPanic {
		panic("signer exploded")
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.txHash, nil
}

// paymentServer is an httptest resource server that runs the 402 cycle.
type paymentServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests int
}

func newPaymentServer(t *testing.T) *paymentServer {
	t.Helper()
	ps := &paymentServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.requests++
		ps.mu.Unlock()

		if r.Header.Get(protocol.HeaderPayment) == "" {
			challenge, _ := json.Marshal(map[string]any{
				"recipient": testTreasury,
				"amount":    types.PriceTradeAnalysis,
				"token":     types.USDCBaseAddress,
				"chainId":   types.BaseChainID,
				"paymentId": "pay-001",
				"expiresAt": time.Now().Add(5 * time.Minute).Format(time.RFC3339),
			})
			w.Header().Set(protocol.HeaderPaymentRequired, string(challenge))
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}

		w.Header().Set(protocol.HeaderPaymentResponse, r.Header.Get(protocol.HeaderPayment))
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"granted":true}`)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *paymentServer) requestCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.requests
}

func newTestService(t *testing.T, chain *fakeChain, baseURL string, opts ...Option) *Service {
	t.Helper()
	cfg := types.Config{
		BaseURL:  baseURL,
		Treasury: testTreasury,
	}
	opts = append([]Option{
		WithConfirmPolicy(types.ConfirmPolicy{
			RequiredConfirmations: 3,
			PollInterval:          time.Millisecond,
			MaxAttempts:           10,
		}),
		WithRefreshDelay(time.Millisecond),
	}, opts...)
	svc := New(cfg, chain, opts...)
	t.Cleanup(svc.Close)
	return svc
}

func initialized(t *testing.T, svc *Service, signer types.Signer) {
	t.Helper()
	require.NoError(t, svc.Initialize(context.Background(), types.WalletBinding{
		Account: testAccount,
		Signer:  signer,
	}))
}

func TestPayForTradeAnalysisSuccess(t *testing.T) {
	srv := newPaymentServer(t)
	chain := &fakeChain{
		balance: big.NewInt(10000000),
		receipt: &clients.Receipt{TxHash: testTxHash, Success: true, BlockNumber: 100},
		height:  102, // 3 confirmations
	}
	signer := &fakeSigner{txHash: testTxHash}
	svc := newTestService(t, chain, srv.URL)
	initialized(t, svc, signer)

	var transitions []Transition
	var mu sync.Mutex
	unsubscribe := svc.Subscribe(func(tr Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	})
	defer unsubscribe()

	result, err := svc.PayForTradeAnalysis(context.Background(), "trade-42")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, testTxHash, result.TransactionHash)
	assert.Equal(t, 3, result.Confirmations)
	assert.Equal(t, "pay-001", result.PaymentID)
	assert.Empty(t, result.Error)

	assert.Equal(t, 2, srv.requestCount())
	assert.Equal(t, 1, signer.calls)

	mu.Lock()
	require.Len(t, transitions, 2)
	assert.Equal(t, types.FlowProcessing, transitions[0].To)
	assert.Equal(t, types.FlowSuccess, transitions[1].To)
	assert.Same(t, result, transitions[1].Result)
	mu.Unlock()

	state := svc.State()
	assert.True(t, state.Initialized)
	assert.False(t, state.Processing)
	assert.Empty(t, state.Err)
	assert.Same(t, result, svc.LastPayment())
}

func TestPayRefreshesBalanceAfterSuccess(t *testing.T) {
	srv := newPaymentServer(t)
	chain := &fakeChain{
		balance: big.NewInt(10000000),
		receipt: &clients.Receipt{TxHash: testTxHash, Success: true, BlockNumber: 100},
		height:  105,
	}
	signer := &fakeSigner{txHash: testTxHash}
	svc := newTestService(t, chain, srv.URL)
	initialized(t, svc, signer)

	chain.mu.Lock()
	chain.balance = big.NewInt(9000000) // post-payment balance
	chain.mu.Unlock()

	_, err := svc.PayForTradeAnalysis(context.Background(), "trade-42")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return svc.State().Balance == "9000000"
	}, time.Second, 5*time.Millisecond)
}

func TestPayInsufficientBalanceSkipsProtocol(t *testing.T) {
	srv := newPaymentServer(t)
	chain := &fakeChain{balance: big.NewInt(1)}
	signer := &fakeSigner{txHash: testTxHash}
	svc := newTestService(t, chain, srv.URL)
	initialized(t, svc, signer)

	result, err := svc.PayForTradeAnalysis(context.Background(), "trade-42")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrInsufficientBalance, result.ErrorCode)
	// Validation failed, so the resource server was never contacted.
	assert.Equal(t, 0, srv.requestCount())
	assert.Equal(t, 0, signer.calls)

	state := svc.State()
	assert.Equal(t, result.Error, state.Err)
}

func TestPayNotInitialized(t *testing.T) {
	srv := newPaymentServer(t)
	svc := newTestService(t, &fakeChain{balance: big.NewInt(0)}, srv.URL)

	_, err := svc.PayForPremiumFeatures(context.Background())
	assert.True(t, types.IsCode(err, types.ErrNotInitialized))
	assert.Equal(t, 0, srv.requestCount())
}

func TestPayAlreadyInProgress(t *testing.T) {
	srv := newPaymentServer(t)
	chain := &fakeChain{
		balance: big.NewInt(100000000),
		receipt: &clients.Receipt{TxHash: testTxHash, Success: true, BlockNumber: 100},
		height:  105,
	}
	signer := &fakeSigner{txHash: testTxHash, block: make(chan struct{})}
	svc := newTestService(t, chain, srv.URL)
	initialized(t, svc, signer)

	type payOutcome struct {
		result *types.PaymentResult
		err    error
	}
	firstDone := make(chan payOutcome, 1)
	go func() {
		result, err := svc.PayForPremiumFeatures(context.Background())
		firstDone <- payOutcome{result, err}
	}()

	// Wait for the first flow to reach the blocked signer.
	require.Eventually(t, func() bool {
		return svc.State().Processing
	}, time.Second, time.Millisecond)

	_, err := svc.PayForTradeAnalysis(context.Background(), "trade-43")
	assert.True(t, types.IsCode(err, types.ErrAlreadyInProgress))

	close(signer.block)
	first := <-firstDone
	require.NoError(t, first.err)
	assert.True(t, first.result.Success)

	// With the flow finished, the next payment is admitted again.
	result, err := svc.PayForTradeAnalysis(context.Background(), "trade-43")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestPayAfterTeardown(t *testing.T) {
	srv := newPaymentServer(t)
	svc := newTestService(t, &fakeChain{balance: big.NewInt(10000000)}, srv.URL)
	initialized(t, svc, &fakeSigner{txHash: testTxHash})

	svc.Teardown()
	assert.False(t, svc.State().Initialized)
	assert.Empty(t, svc.State().Balance)

	_, err := svc.PayForMonthlySubscription(context.Background())
	assert.True(t, types.IsCode(err, types.ErrNotInitialized))
}

func TestTeardownDuringFlightKeepsResult(t *testing.T) {
	srv := newPaymentServer(t)
	chain := &fakeChain{
		balance: big.NewInt(10000000),
		receipt: &clients.Receipt{TxHash: testTxHash, Success: true, BlockNumber: 100},
		height:  105,
	}
	signer := &fakeSigner{txHash: testTxHash, block: make(chan struct{})}
	svc := newTestService(t, chain, srv.URL)
	initialized(t, svc, signer)

	type payOutcome struct {
		result *types.PaymentResult
		err    error
	}
	done := make(chan payOutcome, 1)
	go func() {
		result, err := svc.PayForTradeAnalysis(context.Background(), "trade-42")
		done <- payOutcome{result, err}
	}()

	require.Eventually(t, func() bool {
		return svc.State().Processing
	}, time.Second, time.Millisecond)

	// Dropping the binding mid-flight must not disturb the running flow.
	svc.Teardown()
	assert.False(t, svc.State().Initialized)

	close(signer.block)
	first := <-done
	require.NoError(t, first.err)
	assert.True(t, first.result.Success)
	assert.Equal(t, testTxHash, first.result.TransactionHash)
	assert.Same(t, first.result, svc.LastPayment())

	// New flows see the dropped binding.
	_, err := svc.PayForTradeAnalysis(context.Background(), "trade-43")
	assert.True(t, types.IsCode(err, types.ErrNotInitialized))

	// The post-payment refresh re-checks the binding before caching.
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, svc.State().Balance)
}

func TestPayPanicNormalized(t *testing.T) {
	srv := newPaymentServer(t)
	chain := &fakeChain{balance: big.NewInt(10000000)}
	signer := &fakeSigner{doPanic: true}
	svc := newTestService(t, chain, srv.URL)
	initialized(t, svc, signer)

	result, err := svc.PayForTradeAnalysis(context.Background(), "trade-42")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrPaymentFailed, result.ErrorCode)
	assert.Contains(t, result.Error, "signer exploded")
}

func TestPayFailedOnChain(t *testing.T) {
	srv := newPaymentServer(t)
	chain := &fakeChain{
		balance: big.NewInt(10000000),
		receipt: &clients.Receipt{TxHash: testTxHash, Success: false, BlockNumber: 100},
		height:  105,
	}
	signer := &fakeSigner{txHash: testTxHash}
	svc := newTestService(t, chain, srv.URL)
	initialized(t, svc, signer)

	result, err := svc.PayForTradeAnalysis(context.Background(), "trade-42")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrPaymentFailed, result.ErrorCode)
	assert.Contains(t, result.Error, "failed on-chain")
}

func TestPaySigningRejectedSurfacesAsResult(t *testing.T) {
	srv := newPaymentServer(t)
	chain := &fakeChain{balance: big.NewInt(10000000)}
	signer := &fakeSigner{err: types.NewPaymentError(types.ErrSigningRejected, "user declined")}
	svc := newTestService(t, chain, srv.URL)
	initialized(t, svc, signer)

	result, err := svc.PayForTradeAnalysis(context.Background(), "trade-42")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, types.ErrSigningRejected, result.ErrorCode)
	assert.Equal(t, "user declined", result.Error)
}

func TestBalance(t *testing.T) {
	srv := newPaymentServer(t)
	chain := &fakeChain{balance: big.NewInt(12345)}
	svc := newTestService(t, chain, srv.URL)

	_, err := svc.Balance(context.Background())
	assert.True(t, types.IsCode(err, types.ErrNotInitialized))

	initialized(t, svc, &fakeSigner{txHash: testTxHash})

	balance, err := svc.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12345", balance)
	assert.Equal(t, "12345", svc.State().Balance)
}

func TestClearError(t *testing.T) {
	srv := newPaymentServer(t)
	chain := &fakeChain{balance: big.NewInt(1)}
	svc := newTestService(t, chain, srv.URL)
	initialized(t, svc, &fakeSigner{txHash: testTxHash})

	result, err := svc.PayForTradeAnalysis(context.Background(), "trade-42")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.NotEmpty(t, svc.State().Err)

	svc.ClearError()
	assert.Empty(t, svc.State().Err)
	// The last result survives an error clear.
	assert.Same(t, result, svc.LastPayment())
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	srv := newPaymentServer(t)
	chain := &fakeChain{
		balance: big.NewInt(10000000),
		receipt: &clients.Receipt{TxHash: testTxHash, Success: true, BlockNumber: 100},
		height:  105,
	}
	svc := newTestService(t, chain, srv.URL)
	initialized(t, svc, &fakeSigner{txHash: testTxHash})

	notified := 0
	unsubscribe := svc.Subscribe(func(Transition) { notified++ })
	unsubscribe()

	_, err := svc.PayForTradeAnalysis(context.Background(), "trade-42")
	require.NoError(t, err)
	assert.Equal(t, 0, notified)
}

func TestNamedOperationIntents(t *testing.T) {
	var mu sync.Mutex
	var challenged []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Amount   string            `json:"amount"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		challenged = append(challenged, payload.Amount+"/"+payload.Metadata["type"])
		mu.Unlock()
		// Granting without a challenge keeps the test on the intent shape.
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	chain := &fakeChain{balance: big.NewInt(100000000)}
	svc := newTestService(t, chain, srv.URL)
	initialized(t, svc, &fakeSigner{txHash: testTxHash})

	_, err := svc.PayForTradeAnalysis(context.Background(), "trade-42")
	require.NoError(t, err)
	_, err = svc.PayForPremiumFeatures(context.Background())
	require.NoError(t, err)
	_, err = svc.PayForMonthlySubscription(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		types.PriceTradeAnalysis + "/trade_analysis",
		types.PricePremiumFeatures + "/premium_features",
		types.PriceMonthlySubscription + "/monthly_subscription",
	}, challenged)
}
