// Copyright 2025 Certen Protocol
//
// Package signer performs nonce assignment, canonical payload encoding,
// and the MPC signature request. Precondition for every call: the
// order is in SelectedForSigning and holds the Address Lock.
package signer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/evmtx"
	"github.com/certen/mpc-orderflow/pkg/mpc"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
	"github.com/certen/mpc-orderflow/pkg/retry"
)

// nonceCASAttempts bounds the optimistic-increment retry loop step 1.
const nonceCASAttempts = 5

// OrderStore is the repository slice the gateway writes through.
type OrderStore interface {
	GetOrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, newState order.State, predecessors []order.State, now time.Time) error
	UpdateOrderStateAndUnlockAddress(ctx context.Context, id uuid.UUID, newState order.State, predecessors []order.State, now time.Time, extra ...orderstore.ExtraAssignment) error
	SetOrderError(ctx context.Context, id uuid.UUID, diag interface{}, now time.Time) error
	SetOrderData(ctx context.Context, id uuid.UUID, data order.Data, now time.Time) error
	SetSignedResult(ctx context.Context, id uuid.UUID, txHash string, signedRLP []byte, predecessors []order.State, now time.Time) error
}

// NonceStore is the Nonce Counter repository slice.
type NonceStore interface {
	Get(ctx context.Context, address string, chainID uint64) (*orderstore.NonceCounter, error)
	Seed(ctx context.Context, address string, chainID uint64, nonce uint64, now time.Time) error
	CompareAndSwap(ctx context.Context, address string, chainID uint64, expected, next uint64, txHash string, now time.Time) error
}

// ChainRpc is the chain read the gateway needs: seeding a fresh nonce counter.
type ChainRpc interface {
	GetTransactionCount(ctx context.Context, chainID uint64, address string) (uint64, error)
}

// MpcClient requests signatures from the external MPC service.
type MpcClient interface {
	Sign(ctx context.Context, o *order.Order, payload []byte) (*mpc.SignResult, error)
}

// Gateway drives an order from SelectedForSigning to Signed (or NotSigned/Error).
type Gateway struct {
	orders OrderStore
	nonces NonceStore
	chain  ChainRpc
	mpc    MpcClient
	retry  config.RetrySettings
	logger *log.Logger
}

// NewGateway constructs a signer Gateway.
func NewGateway(orders OrderStore, nonces NonceStore, chain ChainRpc, mpcClient MpcClient, retryCfg config.RetrySettings, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.New(log.Writer(), "[SignerGateway] ", log.LstdFlags)
	}
	return &Gateway{orders: orders, nonces: nonces, chain: chain, mpc: mpcClient, retry: retryCfg, logger: logger}
}

// Sign performs the full sequence for an order in SelectedForSigning.
// On success the order is in Signed with its transaction hash and signed blob
// persisted; definitive MPC rejection settles it as NotSigned and releases
// the lock. Transient failures return an error for the orchestrator's bounded
// retry; the orchestrator owns the eventual transition to Error.
func (g *Gateway) Sign(ctx context.Context, o *order.Order) error {
	if o.State != order.StateSelectedForSigning {
		return fmt.Errorf("signer: order %s is in %s, want %s", o.OrderID, o.State, order.StateSelectedForSigning)
	}

	nonce, fresh, err := g.assignNonce(ctx, o)
	if err != nil {
		return err
	}
	if fresh {
		data, err := o.Data.WithNonce(nonce)
		if err != nil {
			return fmt.Errorf("signer: order %s: %w", o.OrderID, err)
		}
		now := time.Now().UTC()
		if err := g.orders.SetOrderData(ctx, o.OrderID, data, now); err != nil {
			return fmt.Errorf("signer: persist nonce on order %s: %w", o.OrderID, err)
		}
		o.Data = data
	}

	payload, err := g.encode(o)
	if err != nil {
		// A payload that cannot be encoded will never encode; settle as Error.
		return g.fail(ctx, o, "encoding_failed", err)
	}

	var result *mpc.SignResult
	err = retry.Do(ctx, g.retry, func(ctx context.Context) error {
		r, err := g.mpc.Sign(ctx, o, payload)
		if err != nil {
			if _, ok := err.(*mpc.Rejection); ok {
				return &retry.Permanent{Err: err}
			}
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if rej, ok := err.(*mpc.Rejection); ok {
			return g.rejected(ctx, o, rej)
		}
		return fmt.Errorf("signer: mpc sign for order %s: %w", o.OrderID, err)
	}

	now := time.Now().UTC()
	if err := g.orders.SetSignedResult(ctx, o.OrderID, result.TransactionHash, result.SignedRLP,
		order.PredecessorsFor(order.StateSigned), now); err != nil {
		if err == orderstore.ErrConditionalCheckFailed {
			return nil // a concurrent worker already signed it
		}
		return fmt.Errorf("signer: persist signed result for order %s: %w", o.OrderID, err)
	}

	// Only now that signing has succeeded does the counter advance:
	// a failed signing leaves the nonce available for the next attempt.
	if o.OrderType == order.TypeSignature || o.OrderType == order.TypeSponsored {
		if err := g.incrementNonce(ctx, o, nonce, result.TransactionHash); err != nil {
			return err
		}
	}

	g.logger.Printf("order %s signed (nonce=%d hash=%s)", o.OrderID, nonce, result.TransactionHash)
	return nil
}

// assignNonce resolves the transaction nonce. The boolean
// reports whether the nonce was freshly chosen (and must be persisted onto
// the order's data) as opposed to already carried by it.
func (g *Gateway) assignNonce(ctx context.Context, o *order.Order) (uint64, bool, error) {
	// Replacements always reuse the original's nonce, which intake copied
	// into the replacement's data; never allocate a fresh one.
	if o.OrderType.IsReplacement() {
		n := o.Data.Nonce()
		if n == nil {
			return 0, false, fmt.Errorf("signer: replacement order %s carries no nonce", o.OrderID)
		}
		return *n, false, nil
	}

	if n := o.Data.Nonce(); n != nil {
		// Re-entry after a crash between nonce persistence and signing.
		return *n, false, nil
	}

	// Sponsored orders spend the gas pool's nonce, not the end user's.
	address := o.Address
	if o.OrderType == order.TypeSponsored && o.Data.Kind == order.DataKindSponsored {
		address = o.Data.Sponsored.GasPoolAddress
	}

	counter, err := g.nonces.Get(ctx, address, o.ChainID)
	if err == orderstore.ErrNotFound {
		chainNonce, err := g.chain.GetTransactionCount(ctx, o.ChainID, address)
		if err != nil {
			return 0, false, fmt.Errorf("signer: seed nonce for %s: %w", address, err)
		}
		now := time.Now().UTC()
		if err := g.nonces.Seed(ctx, address, o.ChainID, chainNonce, now); err != nil && err != orderstore.ErrConditionalCheckFailed {
			return 0, false, fmt.Errorf("signer: seed nonce counter: %w", err)
		}
		counter, err = g.nonces.Get(ctx, address, o.ChainID)
		if err != nil {
			return 0, false, fmt.Errorf("signer: re-read nonce counter: %w", err)
		}
	} else if err != nil {
		return 0, false, fmt.Errorf("signer: read nonce counter: %w", err)
	}

	return counter.Nonce, true, nil
}

// incrementNonce applies the optimistic increment step 1, re-reading
// and retrying on contention up to nonceCASAttempts times.
func (g *Gateway) incrementNonce(ctx context.Context, o *order.Order, used uint64, txHash string) error {
	address := o.Address
	if o.OrderType == order.TypeSponsored && o.Data.Kind == order.DataKindSponsored {
		address = o.Data.Sponsored.GasPoolAddress
	}
	expected := used
	for attempt := 0; attempt < nonceCASAttempts; attempt++ {
		now := time.Now().UTC()
		err := g.nonces.CompareAndSwap(ctx, address, o.ChainID, expected, used+1, txHash, now)
		if err == nil {
			return nil
		}
		if err != orderstore.ErrConditionalCheckFailed {
			return fmt.Errorf("signer: increment nonce for %s: %w", address, err)
		}
		counter, err := g.nonces.Get(ctx, address, o.ChainID)
		if err != nil {
			return fmt.Errorf("signer: re-read nonce counter: %w", err)
		}
		if counter.Nonce > used {
			// The reconciler's observation path already advanced past us.
			return nil
		}
		expected = counter.Nonce
	}
	return fmt.Errorf("signer: increment nonce for %s: contention retries exhausted", address)
}

// encode produces the canonical signing payload for the order's variant.
func (g *Gateway) encode(o *order.Order) ([]byte, error) {
	switch o.Data.Kind {
	case order.DataKindLegacy:
		return evmtx.EncodeLegacyUnsigned(o.Data.Legacy)
	case order.DataKindEIP1559:
		return evmtx.EncodeEIP1559Unsigned(o.Data.EIP1559)
	case order.DataKindSponsored:
		return evmtx.EIP712Hash(o.Data.Sponsored)
	default:
		return nil, fmt.Errorf("signer: order %s data kind %q is not signable", o.OrderID, o.Data.Kind)
	}
}

// rejected settles a definitive MPC rejection as NotSigned, preserving the
// rejection body and releasing the Address Lock.
func (g *Gateway) rejected(ctx context.Context, o *order.Order, rej *mpc.Rejection) error {
	now := time.Now().UTC()
	if err := g.orders.SetOrderError(ctx, o.OrderID, map[string]string{
		"code":    "mpc_rejected",
		"message": rej.Reason,
	}, now); err != nil {
		g.logger.Printf("stamp rejection on order %s: %v", o.OrderID, err)
	}
	err := g.orders.UpdateOrderStateAndUnlockAddress(ctx, o.OrderID, order.StateNotSigned,
		[]order.State{order.StateSelectedForSigning}, now)
	if err == orderstore.ErrConditionalCheckFailed {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signer: settle rejected order %s: %w", o.OrderID, err)
	}
	g.logger.Printf("order %s not signed: mpc rejection", o.OrderID)
	return nil
}

// fail settles an unrecoverable encoding failure as Error with the lock released.
func (g *Gateway) fail(ctx context.Context, o *order.Order, code string, cause error) error {
	now := time.Now().UTC()
	if err := g.orders.SetOrderError(ctx, o.OrderID, map[string]string{
		"code":    code,
		"message": cause.Error(),
	}, now); err != nil {
		g.logger.Printf("stamp error on order %s: %v", o.OrderID, err)
	}
	err := g.orders.UpdateOrderStateAndUnlockAddress(ctx, o.OrderID, order.StateError,
		[]order.State{order.StateSelectedForSigning}, now)
	if err == orderstore.ErrConditionalCheckFailed {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signer: settle failed order %s: %w", o.OrderID, err)
	}
	return cause
}
