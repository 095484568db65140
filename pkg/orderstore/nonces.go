// Copyright 2025 Certen Protocol
//
// NonceRepository implements the Nonce Counter primitive: an
// optimistic-update record keyed by (address, chain_id), written by both the
// Signer Gateway (assignment path) and the Reconciler (observation path).
package orderstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NonceRepository owns the nonce_counters table.
type NonceRepository struct {
	client *Client
	table  string
}

// NewNonceRepository constructs a NonceRepository bound to cfg.Database.NoncesTable.
func NewNonceRepository(client *Client) *NonceRepository {
	return &NonceRepository{client: client, table: client.tables.NoncesTable}
}

// NonceCounter mirrors the data model record.
type NonceCounter struct {
	Address         string
	ChainID         uint64
	Nonce           uint64
	TransactionHash string
	CreatedAt       time.Time
	LastModifiedAt  time.Time
}

// Get returns the current nonce counter for (address, chain_id), or ErrNotFound.
func (r *NonceRepository) Get(ctx context.Context, address string, chainID uint64) (*NonceCounter, error) {
	query := fmt.Sprintf(`SELECT address, chain_id, nonce, transaction_hash, created_at, last_modified_at
		FROM %s WHERE address = $1 AND chain_id = $2`, r.table)
	var nc NonceCounter
	var txHash sql.NullString
	err := r.client.db.QueryRowContext(ctx, query, address, chainID).Scan(
		&nc.Address, &nc.ChainID, &nc.Nonce, &txHash, &nc.CreatedAt, &nc.LastModifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("orderstore: get nonce counter: %w", err)
	}
	nc.TransactionHash = txHash.String
	return &nc, nil
}

// Seed inserts the initial nonce counter for (address, chain_id), typically
// from a fresh eth_getTransactionCount(address, latest) read. A row
// already present is reported as ErrConditionalCheckFailed so the caller
// re-reads and proceeds with the optimistic-update path instead.
func (r *NonceRepository) Seed(ctx context.Context, address string, chainID uint64, nonce uint64, now time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %s (address, chain_id, nonce, transaction_hash, created_at, last_modified_at)
		VALUES ($1, $2, $3, '', $4, $4) ON CONFLICT (address, chain_id) DO NOTHING`, r.table)
	res, err := r.client.db.ExecContext(ctx, query, address, chainID, nonce, now)
	if err != nil {
		return fmt.Errorf("orderstore: seed nonce counter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionalCheckFailed
	}
	return nil
}

// CompareAndSwap implements the optimistic-update rule: the write
// succeeds only if the stored nonce equals expected. txHash, if non-empty, is
// recorded as the transaction that consumed this nonce.
func (r *NonceRepository) CompareAndSwap(ctx context.Context, address string, chainID uint64, expected, next uint64, txHash string, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET nonce = $1, transaction_hash = $2, last_modified_at = $3
		WHERE address = $4 AND chain_id = $5 AND nonce = $6`, r.table)
	res, err := r.client.db.ExecContext(ctx, query, next, txHash, now, address, chainID, expected)
	if err != nil {
		return fmt.Errorf("orderstore: compare-and-swap nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("orderstore: rows affected: %w", err)
	}
	if n == 0 {
		return ErrConditionalCheckFailed
	}
	return nil
}

// AdvanceIfHigher implements the Reconciler's nonce-writer path: the
// stored nonce becomes max(stored, observedNonce+1), applied with a single
// conditional UPDATE so a concurrent assignment CAS cannot be silently
// clobbered. Lower observations are a no-op, not an error.
func (r *NonceRepository) AdvanceIfHigher(ctx context.Context, address string, chainID uint64, observedNonce uint64, now time.Time) error {
	target := observedNonce + 1
	query := fmt.Sprintf(`UPDATE %s SET nonce = $1, last_modified_at = $2
		WHERE address = $3 AND chain_id = $4 AND nonce < $1`, r.table)
	_, err := r.client.db.ExecContext(ctx, query, target, now, address, chainID)
	if err != nil {
		return fmt.Errorf("orderstore: advance nonce counter: %w", err)
	}
	// If the row doesn't exist yet, seed it at target so a later CAS by the
	// signer gateway starts from the chain-observed value rather than 0.
	insertQ := fmt.Sprintf(`INSERT INTO %s (address, chain_id, nonce, transaction_hash, created_at, last_modified_at)
		VALUES ($1, $2, $3, '', $4, $4) ON CONFLICT (address, chain_id) DO NOTHING`, r.table)
	_, err = r.client.db.ExecContext(ctx, insertQ, address, chainID, target, now)
	if err != nil {
		return fmt.Errorf("orderstore: seed nonce counter from observation: %w", err)
	}
	return nil
}
