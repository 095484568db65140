// Copyright 2025 Certen Protocol
//
// Signing-path writes: persisting the assigned nonce into the order's
// payload and recording the MPC result under the Signed transition.
package orderstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/certen/mpc-orderflow/pkg/order"
)

// SetOrderData rewrites the order's payload — used by the Signer Gateway to
// stamp the assigned nonce durably before the MPC call, so a resumed worker
// reuses the same nonce instead of allocating a second one.
func (r *OrderRepository) SetOrderData(ctx context.Context, id uuid.UUID, data order.Data, now time.Time) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("orderstore: marshal order data: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET data = $1, last_modified_at = $2 WHERE order_id = $3`, r.ordersTbl)
	if _, err := r.client.db.ExecContext(ctx, query, dataJSON, now, id); err != nil {
		return fmt.Errorf("orderstore: set order data: %w", err)
	}
	return nil
}

// SetSignedResult transitions the order to Signed under the predecessor-set
// condition, persisting the transaction hash and signed blob in the same
// write.
func (r *OrderRepository) SetSignedResult(ctx context.Context, id uuid.UUID, txHash string, signedRLP []byte, predecessors []order.State, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET state = $1, transaction_hash = $2, signed_transaction = $3, last_modified_at = $4
		WHERE order_id = $5 AND state = ANY($6) AND transaction_hash IS NULL`, r.ordersTbl)
	res, err := r.client.db.ExecContext(ctx, query,
		string(order.StateSigned), txHash, signedRLP, now, id, pq.Array(statesToStrings(predecessors)))
	if err != nil {
		return fmt.Errorf("orderstore: set signed result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionalCheckFailed
	}
	return nil
}
