package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	x402types "github.com/vitwit/x402pay/types"
)

var _ ChainClient = (*EVMClient)(nil)

const erc20ABI = `
[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "account", "type": "address" }
    ],
    "outputs": [
      { "name": "", "type": "uint256" }
    ]
  }
]
`

// EVMClient provides read-only access to an EVM chain over JSON-RPC.
type EVMClient struct {
	rpcURL   string
	client   *ethclient.Client
	tokenABI abi.ABI
}

func NewEVMClient(rpcURL string) (*EVMClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}

	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	return &EVMClient{
		rpcURL:   rpcURL,
		client:   client,
		tokenABI: tokenABI,
	}, nil
}

// GetBalance implements ChainClient via an ERC-20 balanceOf eth_call.
func (e *EVMClient) GetBalance(ctx context.Context, token, account string) (*big.Int, error) {
	callData, err := e.tokenABI.Pack("balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	contract := common.HexToAddress(token)
	msg := ethereum.CallMsg{
		To:   &contract,
		Data: callData,
	}

	out, err := e.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, chainUnavailable("balance query failed", err)
	}

	values, err := e.tokenABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, chainUnavailable("balance query returned malformed data", err)
	}

	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, chainUnavailable("balance query returned non-integer value", nil)
	}
	return bal, nil
}

// GetTransactionReceipt implements ChainClient. A transaction that is not
// yet mined yields (nil, nil).
func (e *EVMClient) GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, chainUnavailable("receipt lookup failed", err)
	}

	r := &Receipt{
		TxHash:            txHash,
		Success:           receipt.Status == 1,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return r, nil
}

// GetBlockHeight implements ChainClient.
func (e *EVMClient) GetBlockHeight(ctx context.Context) (uint64, error) {
	height, err := e.client.BlockNumber(ctx)
	if err != nil {
		return 0, chainUnavailable("block height query failed", err)
	}
	return height, nil
}

// Close implements ChainClient.
func (e *EVMClient) Close() {
	e.client.Close()
}

func chainUnavailable(msg string, cause error) error {
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &x402types.PaymentError{
		Code:    x402types.ErrChainUnavailable,
		Message: msg,
	}
}
