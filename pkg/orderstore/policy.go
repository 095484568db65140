// Copyright 2025 Certen Protocol
//
// PolicyRepository implements the Policy Binding lookup: keyed by
// (client_id, chain_id), sorted by destination with a DEFAULT sentinel for
// the catch-all fallback row.
package orderstore

import (
	"context"
	"database/sql"
	"fmt"
)

// DefaultDestinationSentinel is the sort key used for the catch-all policy
// binding when no destination-specific binding exists.
const DefaultDestinationSentinel = "DEFAULT"

// PolicyRepository owns the policy_bindings table.
type PolicyRepository struct {
	client *Client
	table  string
}

// NewPolicyRepository constructs a PolicyRepository bound to cfg.Database.PolicyTable.
func NewPolicyRepository(client *Client) *PolicyRepository {
	return &PolicyRepository{client: client, table: client.tables.PolicyTable}
}

func (r *PolicyRepository) lookup(ctx context.Context, clientID string, chainID uint64, destination string) (string, error) {
	query := fmt.Sprintf(`SELECT policy_name FROM %s WHERE client_id = $1 AND chain_id = $2 AND destination = $3`, r.table)
	var name string
	err := r.client.db.QueryRowContext(ctx, query, clientID, chainID, destination).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("orderstore: lookup policy binding: %w", err)
	}
	return name, nil
}

// Resolve implements policy resolution: try the full (client, chain,
// destination) triple, falling back to the (client, chain, DEFAULT) binding.
// ErrNoPolicy is returned only when neither exists.
func (r *PolicyRepository) Resolve(ctx context.Context, clientID string, chainID uint64, destination string) (string, error) {
	if destination != "" && destination != DefaultDestinationSentinel {
		name, err := r.lookup(ctx, clientID, chainID, destination)
		if err == nil {
			return name, nil
		}
		if err != ErrNotFound {
			return "", err
		}
	}
	name, err := r.lookup(ctx, clientID, chainID, DefaultDestinationSentinel)
	if err == ErrNotFound {
		return "", ErrNoPolicy
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// Upsert writes or replaces a policy binding row.
func (r *PolicyRepository) Upsert(ctx context.Context, clientID string, chainID uint64, destination, policyName string) error {
	if destination == "" {
		destination = DefaultDestinationSentinel
	}
	query := fmt.Sprintf(`INSERT INTO %s (client_id, chain_id, destination, policy_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id, chain_id, destination) DO UPDATE SET policy_name = EXCLUDED.policy_name`, r.table)
	_, err := r.client.db.ExecContext(ctx, query, clientID, chainID, destination, policyName)
	if err != nil {
		return fmt.Errorf("orderstore: upsert policy binding: %w", err)
	}
	return nil
}
