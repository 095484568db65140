// Copyright 2025 Certen Protocol
//
// Package chainrpc wraps go-ethereum's ethclient for the narrow set of chain
// reads and writes the order lifecycle engine performs: nonce reads, raw
// broadcast, receipt lookups, and fee suggestions. One dialed client per
// allowlisted chain.
package chainrpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/certen/mpc-orderflow/pkg/config"
)

// ErrNonceTooLow is the classified broadcast failure meaning the chain has
// already accepted a transaction at this nonce — likely a displaced
// sibling; the order moves to NotSubmitted rather than retrying.
var ErrNonceTooLow = errors.New("chainrpc: nonce too low")

// Receipt is the subset of a chain receipt the Reconciler consumes.
type Receipt struct {
	TransactionHash string
	Status          uint64
	BlockNumber     int64
	BlockHash       string
}

// FeePrediction is the GET /api/v1/chains/{chain_id}/price/prediction payload.
type FeePrediction struct {
	Legacy  LegacyFees  `json:"legacy"`
	EIP1559 EIP1559Fees `json:"eip1559"`
}

type LegacyFees struct {
	GasPrice string `json:"gas_price"`
}

type EIP1559Fees struct {
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas"`
}

// Client multiplexes ethclient connections across the configured chain
// allowlist, dialing lazily and caching per chain.
type Client struct {
	mu      sync.Mutex
	chains  config.ChainsSettings
	clients map[uint64]*ethclient.Client
	logger  *log.Logger
}

// NewClient constructs a Client over the configured allowlist.
func NewClient(chains config.ChainsSettings, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(log.Writer(), "[ChainRPC] ", log.LstdFlags)
	}
	return &Client{
		chains:  chains,
		clients: make(map[uint64]*ethclient.Client),
		logger:  logger,
	}
}

func (c *Client) clientFor(chainID uint64) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[chainID]; ok {
		return cl, nil
	}
	url := c.chains.RPCURLFor(chainID)
	if url == "" {
		return nil, fmt.Errorf("chainrpc: no RPC endpoint configured for chain %d", chainID)
	}
	cl, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: dial chain %d: %w", chainID, err)
	}
	c.clients[chainID] = cl
	return cl, nil
}

// GetTransactionCount returns the sender's confirmed nonce
// (eth_getTransactionCount with the latest block), used to seed the Nonce
// Counter.
func (c *Client) GetTransactionCount(ctx context.Context, chainID uint64, address string) (uint64, error) {
	cl, err := c.clientFor(chainID)
	if err != nil {
		return 0, err
	}
	nonce, err := cl.NonceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return 0, fmt.Errorf("chainrpc: get transaction count: %w", err)
	}
	return nonce, nil
}

// SendRawTransaction broadcasts a signed RLP blob (eth_sendRawTransaction,
// A nonce-too-low rejection is classified as ErrNonceTooLow so the
// Submitter can settle the order as NotSubmitted instead of retrying.
func (c *Client) SendRawTransaction(ctx context.Context, chainID uint64, signedRLP []byte) error {
	cl, err := c.clientFor(chainID)
	if err != nil {
		return err
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(signedRLP); err != nil {
		return fmt.Errorf("chainrpc: decode signed transaction: %w", err)
	}
	if err := cl.SendTransaction(ctx, &tx); err != nil {
		if strings.Contains(err.Error(), "nonce too low") {
			return fmt.Errorf("%w: %v", ErrNonceTooLow, err)
		}
		return fmt.Errorf("chainrpc: send raw transaction: %w", err)
	}
	return nil
}

// GetTransactionReceipt fetches the receipt for hash, or an error if the
// transaction is not yet mined.
func (c *Client) GetTransactionReceipt(ctx context.Context, chainID uint64, hash string) (*Receipt, error) {
	cl, err := c.clientFor(chainID)
	if err != nil {
		return nil, err
	}
	receipt, err := cl.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		return nil, fmt.Errorf("chainrpc: get receipt for %s: %w", hash, err)
	}
	return &Receipt{
		TransactionHash: receipt.TxHash.Hex(),
		Status:          receipt.Status,
		BlockNumber:     receipt.BlockNumber.Int64(),
		BlockHash:       receipt.BlockHash.Hex(),
	}, nil
}

// PredictFees returns suggested legacy and EIP-1559 fee parameters for the
// chain, backing GET /api/v1/chains/{chain_id}/price/prediction.
func (c *Client) PredictFees(ctx context.Context, chainID uint64) (*FeePrediction, error) {
	cl, err := c.clientFor(chainID)
	if err != nil {
		return nil, err
	}
	gasPrice, err := cl.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: suggest gas price: %w", err)
	}
	tip, err := cl.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: suggest gas tip cap: %w", err)
	}
	head, err := cl.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: latest header: %w", err)
	}

	// max fee = 2 * base fee + tip, the usual headroom rule; chains without
	// EIP-1559 report a nil base fee and fall back to the legacy price.
	maxFee := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		maxFee.Add(maxFee, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	} else {
		maxFee.Set(gasPrice)
	}

	return &FeePrediction{
		Legacy:  LegacyFees{GasPrice: fmt.Sprintf("%x", gasPrice)},
		EIP1559: EIP1559Fees{MaxFeePerGas: fmt.Sprintf("%x", maxFee), MaxPriorityFeePerGas: fmt.Sprintf("%x", tip)},
	}, nil
}

// Health checks that every configured chain endpoint answers a block-number
// query.
func (c *Client) Health(ctx context.Context) error {
	for _, e := range c.chains.Allowed {
		cl, err := c.clientFor(e.ChainID)
		if err != nil {
			return err
		}
		if _, err := cl.BlockNumber(ctx); err != nil {
			return fmt.Errorf("chainrpc: chain %d health check failed: %w", e.ChainID, err)
		}
	}
	return nil
}

// Close tears down every dialed connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.clients {
		cl.Close()
	}
	c.clients = make(map[uint64]*ethclient.Client)
}
