// Copyright 2025 Certen Protocol
//
// Replacement intake: speed-up and cancellation requests. A
// replacement reuses the original's nonce with strictly higher fees; the
// store's CreateReplacementOrder enforces at most one active replacement per
// original by claiming replaced_by conditionally.
package intake

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/evmtx"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
)

// SpeedUpRequest carries the new fee values for a speed-up. Exactly one of
// the variant fields must be set, and it must match the original's variant.
type SpeedUpRequest struct {
	GasPrice             string `json:"gas_price,omitempty"`
	MaxFeePerGas         string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas,omitempty"`
}

// CancelRequest carries the optional new fee values a slow-path cancellation
// will race the original with. Empty fields are filled from the original's
// fees bumped by one, satisfying strict monotonicity.
type CancelRequest struct {
	GasPrice             string `json:"gas_price,omitempty"`
	MaxFeePerGas         string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas,omitempty"`
}

// speedUpWindow is the set of original states a speed-up is accepted in.
var speedUpWindow = map[order.State]bool{
	order.StateSubmitted: true,
}

// cancelWindow is the set of original states a cancellation is accepted in.
var cancelWindow = map[order.State]bool{
	order.StateReceived:           true,
	order.StateApproversReviewed:  true,
	order.StateSelectedForSigning: true,
	order.StateSigned:             true,
	order.StateSubmitted:          true,
}

// loadOriginal fetches and authorizes the original order for a replacement
// request. A cross-tenant hit is reported as not found.
func (s *Service) loadOriginal(ctx context.Context, clientID string, originalID uuid.UUID) (*order.Order, error) {
	if clientID == "" {
		return nil, clientErr("unauthorized", "missing client id")
	}
	original, err := s.store.GetOrderByID(ctx, originalID)
	if err == orderstore.ErrNotFound {
		return nil, clientErr("order_not_found", "order %s not found", originalID)
	}
	if err != nil {
		return nil, fmt.Errorf("intake: load original order: %w", err)
	}
	if original.ClientID != clientID {
		return nil, clientErr("order_not_found", "order %s not found", originalID)
	}
	if original.OrderType != order.TypeSignature {
		return nil, clientErr("validation", "order %s is not a signature order", originalID)
	}
	return original, nil
}

// SpeedUp validates and enqueues a SpeedUp order for originalID.
func (s *Service) SpeedUp(ctx context.Context, clientID string, originalID uuid.UUID, req SpeedUpRequest) (uuid.UUID, error) {
	original, err := s.loadOriginal(ctx, clientID, originalID)
	if err != nil {
		return uuid.UUID{}, err
	}
	if !speedUpWindow[original.State] {
		return uuid.UUID{}, clientErr("validation", "order %s is not in a speed-up-able state", originalID)
	}

	data, err := replacementData(original, req.GasPrice, req.MaxFeePerGas, req.MaxPriorityFeePerGas, false)
	if err != nil {
		return uuid.UUID{}, err
	}

	now := time.Now().UTC()
	repl := order.NewOrder(clientID, order.TypeSpeedUp, data, now)
	repl.KeyID = original.KeyID
	repl.Address = original.Address
	repl.ChainID = original.ChainID
	repl.Replaces = &original.OrderID

	if err := s.store.CreateReplacementOrder(ctx, repl); err != nil {
		if err == orderstore.ErrConditionalCheckFailed {
			return uuid.UUID{}, clientErr("conflict", "order %s already has an active replacement", originalID)
		}
		return uuid.UUID{}, fmt.Errorf("intake: create speed-up order: %w", err)
	}
	s.orchestrator.Kick(repl.OrderID)
	return repl.OrderID, nil
}

// Cancel validates and enqueues a cancellation for originalID. The
// fast path is a single conditional update that flips a strictly pre-lock
// order straight to Cancelled; once the order may hold the Address Lock the
// slow path races it on-chain with a self-send at the same nonce.
func (s *Service) Cancel(ctx context.Context, clientID string, originalID uuid.UUID, req CancelRequest) (uuid.UUID, error) {
	original, err := s.loadOriginal(ctx, clientID, originalID)
	if err != nil {
		return uuid.UUID{}, err
	}
	if !cancelWindow[original.State] {
		return uuid.UUID{}, clientErr("validation", "order %s is not in a cancellable state", originalID)
	}

	now := time.Now().UTC()
	err = s.store.RequestCancellation(ctx, originalID, now)
	if err == nil {
		return originalID, nil
	}
	if err != orderstore.ErrConditionalCheckFailed {
		return uuid.UUID{}, fmt.Errorf("intake: request cancellation: %w", err)
	}

	// The order has progressed past the fast-path window. Build a Cancellation
	// order that resubmits a zero-value self-send at the original's nonce with
	// strictly higher fees.
	data, err := cancellationData(original, req)
	if err != nil {
		return uuid.UUID{}, err
	}

	repl := order.NewOrder(clientID, order.TypeCancellation, data, now)
	repl.KeyID = original.KeyID
	repl.Address = original.Address
	repl.ChainID = original.ChainID
	repl.Replaces = &original.OrderID

	if err := s.store.CreateReplacementOrder(ctx, repl); err != nil {
		if err == orderstore.ErrConditionalCheckFailed {
			return uuid.UUID{}, clientErr("conflict", "order %s already has an active replacement", originalID)
		}
		return uuid.UUID{}, fmt.Errorf("intake: create cancellation order: %w", err)
	}
	s.orchestrator.Kick(repl.OrderID)
	return repl.OrderID, nil
}

// replacementData builds the replacement payload from the original's data and
// the requested fees, enforcing variant match and strict fee monotonicity.
// When fillMissing is true, absent fee fields default to original+1.
func replacementData(original *order.Order, gasPrice, maxFee, maxPriority string, fillMissing bool) (order.Data, error) {
	switch original.Data.Kind {
	case order.DataKindLegacy:
		if maxFee != "" || maxPriority != "" {
			return order.Data{}, clientErr("validation",
				"can't perform this operation on a legacy transaction with an EIP-1559 transaction")
		}
		if gasPrice == "" {
			if !fillMissing {
				return order.Data{}, clientErr("validation", "gas_price is required")
			}
			gasPrice = bumpHex(original.Data.Legacy.GasPrice)
		}
		if err := requireStrictlyGreater("gas price", original.Data.Legacy.GasPrice, gasPrice); err != nil {
			return order.Data{}, err
		}
		cp := *original.Data.Legacy
		cp.GasPrice = gasPrice
		return order.NewLegacyData(cp), nil

	case order.DataKindEIP1559:
		if gasPrice != "" {
			return order.Data{}, clientErr("validation",
				"can't perform this operation on an EIP-1559 transaction with a legacy transaction")
		}
		if maxFee == "" {
			if !fillMissing {
				return order.Data{}, clientErr("validation", "max_fee_per_gas is required")
			}
			maxFee = bumpHex(original.Data.EIP1559.MaxFeePerGas)
		}
		if maxPriority == "" {
			if !fillMissing {
				return order.Data{}, clientErr("validation", "max_priority_fee_per_gas is required")
			}
			maxPriority = bumpHex(original.Data.EIP1559.MaxPriorityFeePerGas)
		}
		if err := requireStrictlyGreater("max fee per gas", original.Data.EIP1559.MaxFeePerGas, maxFee); err != nil {
			return order.Data{}, err
		}
		if err := requireStrictlyGreater("max priority fee per gas", original.Data.EIP1559.MaxPriorityFeePerGas, maxPriority); err != nil {
			return order.Data{}, err
		}
		cp := *original.Data.EIP1559
		cp.MaxFeePerGas = maxFee
		cp.MaxPriorityFeePerGas = maxPriority
		return order.NewEIP1559Data(cp), nil

	default:
		return order.Data{}, clientErr("validation", "order data kind %q cannot be replaced", original.Data.Kind)
	}
}

// cancellationData builds the slow-path cancellation payload: a zero-value
// self-send with data 0x00 at the original's nonce.
func cancellationData(original *order.Order, req CancelRequest) (order.Data, error) {
	data, err := replacementData(original, req.GasPrice, req.MaxFeePerGas, req.MaxPriorityFeePerGas, true)
	if err != nil {
		return order.Data{}, err
	}
	switch data.Kind {
	case order.DataKindLegacy:
		data.Legacy.To = original.Address
		data.Legacy.Value = "0"
		data.Legacy.Data = "0x00"
	case order.DataKindEIP1559:
		data.EIP1559.To = original.Address
		data.EIP1559.Value = "0"
		data.EIP1559.Data = "0x00"
	}
	return data, nil
}

// requireStrictlyGreater enforces the fee-monotonicity rule, phrased the
// way clients see it.
func requireStrictlyGreater(field, oldHex, newHex string) error {
	oldV, err := evmtx.ParseBigUintHex(oldHex)
	if err != nil {
		return clientErr("validation", "original %s: %v", field, err)
	}
	newV, err := evmtx.ParseBigUintHex(newHex)
	if err != nil {
		return clientErr("validation", "%s: %v", field, err)
	}
	if newV.Cmp(oldV) <= 0 {
		return clientErr("validation", "original %s (%s) is higher than new %s (%s)", field, oldV, field, newV)
	}
	return nil
}

// bumpHex returns the hex numeral one greater than s; used to default
// cancellation fees when the caller supplies none.
func bumpHex(s string) string {
	v, err := evmtx.ParseBigUintHex(s)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%x", v.Add(v, big.NewInt(1)))
}
