// Copyright 2025 Certen Protocol
//
// Package submitter broadcasts a signed order's blob to the
// chain RPC and advancing it to Submitted. Precondition: the order is
// in Signed with the Address Lock held.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/chainrpc"
	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
	"github.com/certen/mpc-orderflow/pkg/retry"
)

// OrderStore is the repository slice the submitter writes through.
type OrderStore interface {
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, newState order.State, predecessors []order.State, now time.Time) error
	UpdateOrderStateAndUnlockAddress(ctx context.Context, id uuid.UUID, newState order.State, predecessors []order.State, now time.Time, extra ...orderstore.ExtraAssignment) error
	SetOrderError(ctx context.Context, id uuid.UUID, diag interface{}, now time.Time) error
}

// ChainRpc is the broadcast capability.
type ChainRpc interface {
	SendRawTransaction(ctx context.Context, chainID uint64, signedRLP []byte) error
}

// Submitter broadcasts signed orders.
type Submitter struct {
	orders OrderStore
	chain  ChainRpc
	retry  config.RetrySettings
	logger *log.Logger
}

// NewSubmitter constructs a Submitter.
func NewSubmitter(orders OrderStore, chain ChainRpc, retryCfg config.RetrySettings, logger *log.Logger) *Submitter {
	if logger == nil {
		logger = log.New(log.Writer(), "[Submitter] ", log.LstdFlags)
	}
	return &Submitter{orders: orders, chain: chain, retry: retryCfg, logger: logger}
}

// Submit broadcasts the order's signed blob. On success the order is
// Submitted (lock retained — the reconciler releases it at settlement). A
// nonce-too-low rejection settles the order as NotSubmitted with the lock
// released. Exhausted transient failures return an error and leave the
// order in Signed; the orchestrator settles it as Error.
func (s *Submitter) Submit(ctx context.Context, o *order.Order) error {
	if o.State != order.StateSigned {
		return fmt.Errorf("submitter: order %s is in %s, want %s", o.OrderID, o.State, order.StateSigned)
	}
	if len(o.SignedTransaction) == 0 {
		return fmt.Errorf("submitter: order %s has no signed transaction", o.OrderID)
	}

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		err := s.chain.SendRawTransaction(ctx, o.ChainID, o.SignedTransaction)
		if errors.Is(err, chainrpc.ErrNonceTooLow) {
			return &retry.Permanent{Err: err}
		}
		return err
	})

	now := time.Now().UTC()
	switch {
	case err == nil:
		err := s.orders.UpdateOrderStatus(ctx, o.OrderID, order.StateSubmitted,
			order.PredecessorsFor(order.StateSubmitted), now)
		if err == orderstore.ErrConditionalCheckFailed {
			return nil // a concurrent worker already advanced it
		}
		if err != nil {
			return fmt.Errorf("submitter: advance order %s to submitted: %w", o.OrderID, err)
		}
		s.logger.Printf("order %s submitted (hash=%s)", o.OrderID, deref(o.TransactionHash))
		return nil

	case errors.Is(err, chainrpc.ErrNonceTooLow):
		// The chain already holds a transaction at this nonce — likely a
		// displaced sibling. Settle and release.
		if serr := s.orders.SetOrderError(ctx, o.OrderID, map[string]string{
			"code":    "nonce_too_low",
			"message": err.Error(),
		}, now); serr != nil {
			s.logger.Printf("stamp nonce-too-low on order %s: %v", o.OrderID, serr)
		}
		serr := s.orders.UpdateOrderStateAndUnlockAddress(ctx, o.OrderID, order.StateNotSubmitted,
			order.PredecessorsFor(order.StateNotSubmitted), now)
		if serr == orderstore.ErrConditionalCheckFailed {
			return nil
		}
		if serr != nil {
			return fmt.Errorf("submitter: settle not-submitted order %s: %w", o.OrderID, serr)
		}
		s.logger.Printf("order %s not submitted: nonce already consumed", o.OrderID)
		return nil

	default:
		return fmt.Errorf("submitter: broadcast order %s: %w", o.OrderID, err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
