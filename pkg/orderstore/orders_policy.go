// Copyright 2025 Certen Protocol
//
// Policy-column writes for the approver collection protocol. Both
// writes are conditional so concurrent approver upcalls arbitrate through
// the store instead of clobbering each other.
package orderstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/order"
)

// SetOrderPolicy attaches the freshly materialized policy to an order still
// sitting in Received. A repeat
// materialization by a concurrent worker simply overwrites with the same
// expansion; an order that already left Received fails the condition.
func (r *OrderRepository) SetOrderPolicy(ctx context.Context, id uuid.UUID, p *order.Policy, now time.Time) error {
	policyJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("orderstore: marshal policy: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET policy = $1, last_modified_at = $2
		WHERE order_id = $3 AND state = $4`, r.ordersTbl)
	res, err := r.client.db.ExecContext(ctx, query, policyJSON, now, id, string(order.StateReceived))
	if err != nil {
		return fmt.Errorf("orderstore: set order policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionalCheckFailed
	}
	return nil
}

// CompareAndSwapPolicy replaces the stored policy with next only if the
// stored bytes still equal prev — the optimistic-update rule applied to the
// approval slots, so two approvers answering simultaneously serialize
// through re-read-and-retry instead of losing a verdict.
func (r *OrderRepository) CompareAndSwapPolicy(ctx context.Context, id uuid.UUID, prev, next *order.Policy, now time.Time) error {
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return fmt.Errorf("orderstore: marshal policy: %w", err)
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("orderstore: marshal policy: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET policy = $1, last_modified_at = $2
		WHERE order_id = $3 AND policy = $4 AND state = $5`, r.ordersTbl)
	res, err := r.client.db.ExecContext(ctx, query, nextJSON, now, id, prevJSON, string(order.StateReceived))
	if err != nil {
		return fmt.Errorf("orderstore: compare-and-swap policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionalCheckFailed
	}
	return nil
}

// SetOrderError stamps a terminal-error diagnostic payload
// alongside whatever state transition the caller performs separately.
func (r *OrderRepository) SetOrderError(ctx context.Context, id uuid.UUID, diag interface{}, now time.Time) error {
	diagJSON, err := json.Marshal(diag)
	if err != nil {
		return fmt.Errorf("orderstore: marshal error diagnostic: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET error = $1, last_modified_at = $2 WHERE order_id = $3`, r.ordersTbl)
	if _, err := r.client.db.ExecContext(ctx, query, diagJSON, now, id); err != nil {
		return fmt.Errorf("orderstore: set order error: %w", err)
	}
	return nil
}
