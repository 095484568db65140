// Copyright 2025 Certen Protocol
//
// KeyDirectoryRepository implements the Key Directory: produced by the
// key-creation pipeline, keyed by key_id and also indexed by address; this is
// how the Signer Gateway and Reconciler bind an address back to its key_id,
// and how Intake resolves key_id from a sign request's sender address.
package orderstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// KeyDirectoryRepository owns the key_directory table.
type KeyDirectoryRepository struct {
	client *Client
	table  string
}

// NewKeyDirectoryRepository constructs a KeyDirectoryRepository bound to
// cfg.Database.KeyDirectoryTable.
func NewKeyDirectoryRepository(client *Client) *KeyDirectoryRepository {
	return &KeyDirectoryRepository{client: client, table: client.tables.KeyDirectoryTable}
}

// KeyRecord binds a key_id to its derived EVM address for a given client.
type KeyRecord struct {
	KeyID     string
	Address   string
	ClientID  string
	CreatedAt time.Time
}

// Create registers a freshly-created key (consumed by the key-creation
// pipeline once the MPC service has returned the derived address).
func (r *KeyDirectoryRepository) Create(ctx context.Context, rec *KeyRecord) error {
	query := fmt.Sprintf(`INSERT INTO %s (key_id, address, client_id, created_at) VALUES ($1, $2, $3, $4)`, r.table)
	_, err := r.client.db.ExecContext(ctx, query, rec.KeyID, rec.Address, rec.ClientID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("orderstore: create key directory entry: %w", err)
	}
	return nil
}

// GetByAddress resolves key_id for a given sender address — the Intake path
// ("resolves the key_id by looking up the sender address").
func (r *KeyDirectoryRepository) GetByAddress(ctx context.Context, address string) (*KeyRecord, error) {
	query := fmt.Sprintf(`SELECT key_id, address, client_id, created_at FROM %s WHERE address = $1`, r.table)
	var rec KeyRecord
	err := r.client.db.QueryRowContext(ctx, query, address).Scan(&rec.KeyID, &rec.Address, &rec.ClientID, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("orderstore: get key directory entry by address: %w", err)
	}
	return &rec, nil
}

// GetByKeyID resolves the full record for a key_id.
func (r *KeyDirectoryRepository) GetByKeyID(ctx context.Context, keyID string) (*KeyRecord, error) {
	query := fmt.Sprintf(`SELECT key_id, address, client_id, created_at FROM %s WHERE key_id = $1`, r.table)
	var rec KeyRecord
	err := r.client.db.QueryRowContext(ctx, query, keyID).Scan(&rec.KeyID, &rec.Address, &rec.ClientID, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("orderstore: get key directory entry by key id: %w", err)
	}
	return &rec, nil
}

// GasPoolRepository implements the Sponsor Config: partitioned by
// (client_id, chain_id, address_type), carrying the gas-pool and forwarder
// addresses a Sponsored order needs.
type GasPoolRepository struct {
	client *Client
	table  string
}

// NewGasPoolRepository constructs a GasPoolRepository bound to cfg.Database.GasPoolTable.
func NewGasPoolRepository(client *Client) *GasPoolRepository {
	return &GasPoolRepository{client: client, table: client.tables.GasPoolTable}
}

// AddressType distinguishes the two sponsor-side addresses a (client, chain)
// pair must configure before sponsored signing is accepted.
type AddressType string

const (
	AddressTypeGasPool   AddressType = "gas_pool"
	AddressTypeForwarder AddressType = "forwarder"
)

// Get returns the configured address of addrType for (clientID, chainID), or ErrNotFound.
func (r *GasPoolRepository) Get(ctx context.Context, clientID string, chainID uint64, addrType AddressType) (string, error) {
	query := fmt.Sprintf(`SELECT address FROM %s WHERE client_id = $1 AND chain_id = $2 AND address_type = $3`, r.table)
	var addr string
	err := r.client.db.QueryRowContext(ctx, query, clientID, chainID, string(addrType)).Scan(&addr)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("orderstore: get gas pool config: %w", err)
	}
	return addr, nil
}

// Set upserts the configured address of addrType for (clientID, chainID) —
// backs POST /api/v1/gas_pool/chains/{chain_id}.
func (r *GasPoolRepository) Set(ctx context.Context, clientID string, chainID uint64, addrType AddressType, address string) error {
	query := fmt.Sprintf(`INSERT INTO %s (client_id, chain_id, address_type, address)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id, chain_id, address_type) DO UPDATE SET address = EXCLUDED.address`, r.table)
	_, err := r.client.db.ExecContext(ctx, query, clientID, chainID, string(addrType), address)
	if err != nil {
		return fmt.Errorf("orderstore: set gas pool config: %w", err)
	}
	return nil
}
