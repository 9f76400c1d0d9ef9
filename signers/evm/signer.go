// Package evm provides a local-key wallet signer for EVM chains. Most
// integrations inject their own wallet instead; this one is for services
// that hold a hot key.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402types "github.com/vitwit/x402pay/types"
)

const transferABI = `
[
  {
    "name": "transfer",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "to", "type": "address" },
      { "name": "amount", "type": "uint256" }
    ],
    "outputs": [
      { "name": "", "type": "bool" }
    ]
  }
]
`

// transferGasLimit covers an ERC-20 transfer with headroom.
const transferGasLimit = 100_000

var _ x402types.Signer = (*LocalSigner)(nil)

// LocalSigner signs and broadcasts ERC-20 transfers with an in-process key.
type LocalSigner struct {
	eth       *ethclient.Client
	key       *ecdsa.PrivateKey
	account   common.Address
	maxAmount *big.Int
	tokenABI  abi.ABI
}

// NewLocalSigner dials the RPC endpoint and loads the hex private key.
// maxAmount, when non-nil, is a per-payment spending limit; payments above
// it are rejected as SIGNING_REJECTED without touching the chain.
func NewLocalSigner(rpcURL, privKeyHex string, maxAmount *big.Int) (*LocalSigner, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethereum rpc dial: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}

	tokenABI, err := abi.JSON(strings.NewReader(transferABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to parse transfer ABI: %w", err)
	}

	return &LocalSigner{
		eth:       eth,
		key:       key,
		account:   crypto.PubkeyToAddress(key.PublicKey),
		maxAmount: maxAmount,
		tokenABI:  tokenABI,
	}, nil
}

// Account implements x402pay's Signer.
func (s *LocalSigner) Account() string {
	return s.account.Hex()
}

// SignAndSend implements x402pay's Signer: it builds an ERC-20 transfer,
// signs it with the local key, and broadcasts it.
func (s *LocalSigner) SignAndSend(ctx context.Context, tx x402types.PaymentTransaction) (string, error) {
	if s.maxAmount != nil && tx.Amount.Cmp(s.maxAmount) > 0 {
		return "", &x402types.PaymentError{
			Code:    x402types.ErrSigningRejected,
			Message: fmt.Sprintf("payment of %s exceeds signer limit %s", tx.Amount, s.maxAmount),
		}
	}

	nonce, err := s.eth.PendingNonceAt(ctx, s.account)
	if err != nil {
		return "", fmt.Errorf("nonce lookup: %w", err)
	}

	gasPrice, err := s.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price lookup: %w", err)
	}

	callData, err := s.tokenABI.Pack("transfer", common.HexToAddress(tx.To), tx.Amount)
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer call: %w", err)
	}

	unsigned := ethtypes.NewTransaction(
		nonce,
		common.HexToAddress(tx.Token),
		big.NewInt(0),
		transferGasLimit,
		gasPrice,
		callData,
	)

	signed, err := ethtypes.SignTx(unsigned, ethtypes.LatestSignerForChainID(big.NewInt(tx.ChainID)), s.key)
	if err != nil {
		return "", &x402types.PaymentError{
			Code:    x402types.ErrSigningRejected,
			Message: fmt.Sprintf("transaction signing failed: %v", err),
		}
	}

	if err := s.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("transaction broadcast: %w", err)
	}

	return signed.Hash().Hex(), nil
}

// Close releases the RPC connection.
func (s *LocalSigner) Close() {
	s.eth.Close()
}
