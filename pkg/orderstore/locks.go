// Copyright 2025 Certen Protocol
//
// LockRepository implements the Address Lock primitive: a
// conditional-insert mutex on (address, chain_id) that serializes nonce
// assignment and broadcast for a sender.
package orderstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LockRepository owns the address_locks table.
type LockRepository struct {
	client *Client
	table  string
}

// NewLockRepository constructs a LockRepository bound to cfg.Database.LocksTable.
func NewLockRepository(client *Client) *LockRepository {
	return &LockRepository{client: client, table: client.tables.LocksTable}
}

// Lock is a short-lived record naming the order currently holding
// (address, chain_id).
type Lock struct {
	Address   string
	ChainID   uint64
	OrderID   uuid.UUID
	ExpiresAt time.Time
}

// Acquire claims the lock for orderID on (address, chain_id). The
// write succeeds if no lock currently holds, the current lock already
// names orderID (idempotent re-claim by the same order, e.g. after a
// suspension-point resume), or the current lock has expired. Any other
// live holder returns ErrLockHeld.
func (r *LockRepository) Acquire(ctx context.Context, address string, chainID uint64, orderID uuid.UUID, ttl time.Duration) error {
	now := time.Now()
	expiresAt := now.Add(ttl)

	query := fmt.Sprintf(`
		INSERT INTO %s (address, chain_id, order_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address, chain_id) DO UPDATE
			SET order_id = EXCLUDED.order_id, expires_at = EXCLUDED.expires_at
			WHERE %s.order_id = EXCLUDED.order_id OR %s.expires_at < $5`,
		r.table, r.table, r.table)

	res, err := r.client.db.ExecContext(ctx, query, address, chainID, orderID, expiresAt, now)
	if err != nil {
		return fmt.Errorf("orderstore: acquire address lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockHeld
	}
	return nil
}

// Get returns the current lock holder for (address, chain_id), or ErrNotFound.
func (r *LockRepository) Get(ctx context.Context, address string, chainID uint64) (*Lock, error) {
	query := fmt.Sprintf(`SELECT address, chain_id, order_id, expires_at FROM %s WHERE address = $1 AND chain_id = $2`, r.table)
	var l Lock
	err := r.client.db.QueryRowContext(ctx, query, address, chainID).Scan(&l.Address, &l.ChainID, &l.OrderID, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("orderstore: get address lock: %w", err)
	}
	return &l, nil
}

// Release deletes the lock row for (address, chain_id) only while it still
// names orderID, the order exiting the locking states, so a lock
// re-acquired by a fresher order is never clobbered.
func (r *LockRepository) Release(ctx context.Context, address string, chainID uint64, orderID uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE address = $1 AND chain_id = $2 AND order_id = $3`, r.table)
	_, err := r.client.db.ExecContext(ctx, query, address, chainID, orderID)
	if err != nil {
		return fmt.Errorf("orderstore: release address lock: %w", err)
	}
	return nil
}
