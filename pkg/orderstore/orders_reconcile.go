// Copyright 2025 Certen Protocol
//
// UpdateOrderAndReplacementWithStatusBlock is the compound terminal-state
// transaction the Reconciler uses: settle the matched order, and in the same
// transaction move its replacement-chain sibling (replaces or replaced_by) to
// its own terminal state, so the pair never observably diverges.
package orderstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/certen/mpc-orderflow/pkg/order"
)

// SiblingTransition describes the secondary order the Reconciler must also
// move within the same transaction as the primary settlement.
type SiblingTransition struct {
	OrderID      uuid.UUID
	NewState     order.State
	Predecessors []order.State
}

// ReceiptOutcome carries the chain-observed fields a settlement stamps onto
// the matched order.
type ReceiptOutcome struct {
	NewState     order.State
	Predecessors []order.State
	BlockNumber  int64
	BlockHash    string
}

// UpdateOrderAndReplacementWithStatusBlock settles id into outcome's terminal
// state, releases its Address Lock, and — if sibling is non-nil — moves the
// sibling order into its own terminal state in the same transaction. Returns
// ErrConditionalCheckFailed if the primary leg's precondition no longer holds
// (idempotent replay of an already-processed event); a sibling that no
// longer matches its predecessors is left as it is and does not fail the call.
func (r *OrderRepository) UpdateOrderAndReplacementWithStatusBlock(
	ctx context.Context,
	id uuid.UUID, outcome ReceiptOutcome,
	sibling *SiblingTransition,
	now time.Time,
) error {
	tx, err := r.client.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orderstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`UPDATE %s SET state = $1, last_modified_at = $2, block_number = $3, block_hash = $4
		WHERE order_id = $5 AND state = ANY($6) RETURNING address, chain_id`, r.ordersTbl)
	var addr sql.NullString
	var chainID sql.NullInt64
	err = tx.QueryRowContext(ctx, query,
		string(outcome.NewState), now, outcome.BlockNumber, outcome.BlockHash,
		id, pq.Array(statesToStrings(outcome.Predecessors)),
	).Scan(&addr, &chainID)
	if err == sql.ErrNoRows {
		return ErrConditionalCheckFailed
	}
	if err != nil {
		return fmt.Errorf("orderstore: settle order: %w", err)
	}

	if sibling != nil {
		siblingQ := fmt.Sprintf(`UPDATE %s SET state = $1, last_modified_at = $2 WHERE order_id = $3 AND state = ANY($4)`, r.ordersTbl)
		res, err := tx.ExecContext(ctx, siblingQ, string(sibling.NewState), now, sibling.OrderID, pq.Array(statesToStrings(sibling.Predecessors)))
		if err != nil {
			return fmt.Errorf("orderstore: settle sibling order: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// The sibling has already moved (e.g. a concurrent reconcile pass,
			// or it was never in a movable state to begin with) — this leg is
			// best-effort, not a hard failure of the primary settlement.
			_ = n
		}
	}

	if addr.Valid && chainID.Valid {
		delQ := fmt.Sprintf(`DELETE FROM %s WHERE address = $1 AND chain_id = $2 AND order_id = $3`, r.locksTbl)
		if _, err := tx.ExecContext(ctx, delQ, addr.String, chainID.Int64, id); err != nil {
			return fmt.Errorf("orderstore: release address lock: %w", err)
		}
	}
	return tx.Commit()
}
