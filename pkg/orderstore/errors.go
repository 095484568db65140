// Copyright 2025 Certen Protocol
//
// Sentinel errors for the order store. Methods return an explicit error
// instead of (nil, nil) so callers never branch on a nil entity.
package orderstore

import "errors"

var (
	// ErrNotFound is returned when a requested order, lock, nonce, policy
	// binding, key-directory entry, or gas-pool config does not exist.
	ErrNotFound = errors.New("orderstore: not found")

	// ErrConditionalCheckFailed is the distinguished error every conditional
	// write failure is mapped to — the stored row did not satisfy the
	// caller-supplied precondition (expected predecessor states, expected
	// nonce, absent lock holder, absent replaced_by, ...). Callers convert
	// this into either a retry (optimistic nonce increment) or a
	// client-visible conflict (replacement race).
	ErrConditionalCheckFailed = errors.New("orderstore: conditional check failed")

	// ErrOrderIDCollision is fatal: create_order was called with an order_id
	// that already exists.
	ErrOrderIDCollision = errors.New("orderstore: order id collision")

	// ErrLockHeld is returned when an Address Lock acquire is attempted by an
	// order other than the current holder.
	ErrLockHeld = errors.New("orderstore: address lock held by another order")

	// ErrNoPolicy is the "no_policy" terminal resolution failure: neither
	// the (client, chain, destination) nor the (client, chain, default)
	// binding exists.
	ErrNoPolicy = errors.New("orderstore: no policy bound for client/chain/destination")
)
