// Copyright 2025 Certen Protocol
//
// Package reconciler consumes observed chain events,
// correlating them to in-flight orders by transaction hash, settling terminal
// states (with replacement-chain siblings moved in the same transaction), and
// advancing the Nonce Counter from observations.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/chainrpc"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
)

// ChainEvent is one observed transaction from the chain-event stream. Numeric fields arrive as hex or decimal strings.
type ChainEvent struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Nonce       string `json:"nonce"`
	ChainID     string `json:"chainId"`
	BlockHash   string `json:"blockHash"`
	BlockNumber string `json:"blockNumber"`
}

// OrderStore is the repository slice the reconciler settles through.
type OrderStore interface {
	GetOrdersByTransactionHash(ctx context.Context, hash string) ([]*order.Order, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	UpdateOrderAndReplacementWithStatusBlock(ctx context.Context, id uuid.UUID, outcome orderstore.ReceiptOutcome, sibling *orderstore.SiblingTransition, now time.Time) error
}

// NonceStore is the observation half of the Nonce Counter.
type NonceStore interface {
	AdvanceIfHigher(ctx context.Context, address string, chainID uint64, observedNonce uint64, now time.Time) error
}

// KeyDirectory resolves observed sender addresses back to managed keys.
type KeyDirectory interface {
	GetByAddress(ctx context.Context, address string) (*orderstore.KeyRecord, error)
}

// ChainRpc fetches receipts for correlated transactions.
type ChainRpc interface {
	GetTransactionReceipt(ctx context.Context, chainID uint64, hash string) (*chainrpc.Receipt, error)
}

// Kicker wakes the orchestrator after a settlement releases the Address Lock.
type Kicker interface {
	Kick(orderID uuid.UUID)
}

// Reconciler consumes chain events.
type Reconciler struct {
	orders OrderStore
	nonces NonceStore
	keys   KeyDirectory
	chain  ChainRpc
	kicker Kicker
	logger *log.Logger
}

// New constructs a Reconciler.
func New(orders OrderStore, nonces NonceStore, keys KeyDirectory, chain ChainRpc, kicker Kicker, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(log.Writer(), "[Reconciler] ", log.LstdFlags)
	}
	return &Reconciler{orders: orders, nonces: nonces, keys: keys, chain: chain, kicker: kicker, logger: logger}
}

// Process handles one chain event. Replays are idempotent: an event whose
// order has already settled is a no-op. More than one order claiming the
// same hash is fatal.
func (r *Reconciler) Process(ctx context.Context, ev *ChainEvent) error {
	chainID, err := parseQuantity(ev.ChainID)
	if err != nil {
		return fmt.Errorf("reconciler: event %s: chainId: %w", ev.Hash, err)
	}
	nonce, err := parseQuantity(ev.Nonce)
	if err != nil {
		return fmt.Errorf("reconciler: event %s: nonce: %w", ev.Hash, err)
	}

	if err := r.correlate(ctx, ev, chainID); err != nil {
		return err
	}

	// The nonce-writer path runs for every observed transaction whose sender
	// is a managed key, whether or not the hash correlated to an order.
	return r.advanceNonce(ctx, ev.From, chainID, nonce)
}

func (r *Reconciler) correlate(ctx context.Context, ev *ChainEvent, chainID uint64) error {
	matches, err := r.orders.GetOrdersByTransactionHash(ctx, ev.Hash)
	if err != nil {
		return fmt.Errorf("reconciler: lookup orders for %s: %w", ev.Hash, err)
	}

	switch len(matches) {
	case 0:
		// A stale event, or an event for a sender this deployment doesn't
		// manage — diagnostic, not fatal.
		r.logger.Printf("unexpected hash %s (chain %d): no matching order", ev.Hash, chainID)
		return nil
	case 1:
		return r.settle(ctx, ev, chainID, matches[0])
	default:
		return fmt.Errorf("reconciler: fatal: %d orders claim transaction hash %s", len(matches), ev.Hash)
	}
}

// settle fetches the receipt and applies the compound terminal-state
// transaction: the matched order moves to Completed/CompletedWithError with
// block fields stamped and its Address Lock released, and the replacement
// chain's sibling moves with it.
func (r *Reconciler) settle(ctx context.Context, ev *ChainEvent, chainID uint64, matched *order.Order) error {
	if matched.State != order.StateSubmitted && matched.State != order.StateReorged {
		// Already settled — replay of a processed event.
		return nil
	}

	receipt, err := r.chain.GetTransactionReceipt(ctx, chainID, ev.Hash)
	if err != nil {
		return fmt.Errorf("reconciler: receipt for %s: %w", ev.Hash, err)
	}

	newState := order.StateCompleted
	if receipt.Status != 1 {
		newState = order.StateCompletedWithError
	}

	outcome := orderstore.ReceiptOutcome{
		NewState:     newState,
		Predecessors: order.PredecessorsFor(newState),
		BlockNumber:  receipt.BlockNumber,
		BlockHash:    receipt.BlockHash,
	}

	sibling, err := r.siblingFor(ctx, matched)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = r.orders.UpdateOrderAndReplacementWithStatusBlock(ctx, matched.OrderID, outcome, sibling, now)
	if err == orderstore.ErrConditionalCheckFailed {
		return nil // lost an idempotence race with a concurrent reconcile
	}
	if err != nil {
		return fmt.Errorf("reconciler: settle order %s: %w", matched.OrderID, err)
	}

	r.logger.Printf("order %s settled as %s (block %d)", matched.OrderID, newState, receipt.BlockNumber)
	if sibling != nil {
		r.logger.Printf("order %s moved to %s alongside %s", sibling.OrderID, sibling.NewState, matched.OrderID)
	}

	// The lock is free; wake the selection path for this sender.
	r.kicker.Kick(matched.OrderID)
	return nil
}

// siblingFor computes the replacement-chain transition that must accompany a
// settlement: a winning replacement moves its
// original to Replaced; a winning original drops its still-submitted
// replacement.
func (r *Reconciler) siblingFor(ctx context.Context, matched *order.Order) (*orderstore.SiblingTransition, error) {
	if matched.Replaces != nil {
		return &orderstore.SiblingTransition{
			OrderID:      *matched.Replaces,
			NewState:     order.StateReplaced,
			Predecessors: order.PredecessorsFor(order.StateReplaced),
		}, nil
	}
	if matched.ReplacedBy != nil {
		repl, err := r.orders.GetOrderByID(ctx, *matched.ReplacedBy)
		if err != nil {
			return nil, fmt.Errorf("reconciler: load replacement %s: %w", *matched.ReplacedBy, err)
		}
		if repl.State == order.StateSubmitted || repl.State == order.StateReorged {
			return &orderstore.SiblingTransition{
				OrderID:      repl.OrderID,
				NewState:     order.StateDropped,
				Predecessors: order.PredecessorsFor(order.StateDropped),
			}, nil
		}
	}
	return nil, nil
}

// advanceNonce applies the nonce-writer rule for observed transactions
// from managed senders: stored nonce becomes max(stored, observed+1).
func (r *Reconciler) advanceNonce(ctx context.Context, from string, chainID uint64, observed uint64) error {
	_, err := r.keys.GetByAddress(ctx, strings.ToLower(from))
	if err == orderstore.ErrNotFound {
		return nil // not a managed sender
	}
	if err != nil {
		return fmt.Errorf("reconciler: key lookup for %s: %w", from, err)
	}
	now := time.Now().UTC()
	if err := r.nonces.AdvanceIfHigher(ctx, strings.ToLower(from), chainID, observed, now); err != nil {
		return fmt.Errorf("reconciler: advance nonce for %s: %w", from, err)
	}
	return nil
}

// parseQuantity accepts the event stream's hex-or-decimal string numbers.
func parseQuantity(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}
