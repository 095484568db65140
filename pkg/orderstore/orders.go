// Copyright 2025 Certen Protocol
//
// OrderRepository is the narrow repository surface over the orders table:
// conditional writes that map every failed precondition to
// ErrConditionalCheckFailed, built around state-machine transition guards
// instead of free-form status columns.
package orderstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/certen/mpc-orderflow/pkg/order"
)

// OrderRepository owns all reads/writes against the orders table plus the
// Address Lock table it must update transactionally alongside a transition.
type OrderRepository struct {
	client     *Client
	ordersTbl  string
	locksTbl   string
}

// NewOrderRepository constructs an OrderRepository bound to the table names
// configured in cfg.Database.
func NewOrderRepository(client *Client) *OrderRepository {
	return &OrderRepository{
		client:    client,
		ordersTbl: client.tables.OrdersTable,
		locksTbl:  client.tables.LocksTable,
	}
}

type orderRow struct {
	OrderID               uuid.UUID
	OrderType             string
	State                 string
	OrderVersion          string
	TransactionHash       sql.NullString
	Data                  []byte
	ClientID              string
	KeyID                 sql.NullString
	Address               sql.NullString
	ChainID               sql.NullInt64
	Replaces              uuid.NullUUID
	ReplacedBy            uuid.NullUUID
	Policy                []byte
	CancellationRequested bool
	SignedTransaction     []byte
	Error                 []byte
	BlockNumber           sql.NullInt64
	BlockHash             sql.NullString
	CreatedAt             time.Time
	LastModifiedAt        time.Time
}

func rowFromOrder(o *order.Order) (*orderRow, error) {
	data, err := json.Marshal(o.Data)
	if err != nil {
		return nil, fmt.Errorf("orderstore: marshal order data: %w", err)
	}
	var policyJSON []byte
	if o.Policy != nil {
		policyJSON, err = json.Marshal(o.Policy)
		if err != nil {
			return nil, fmt.Errorf("orderstore: marshal policy: %w", err)
		}
	}
	row := &orderRow{
		OrderID:               o.OrderID,
		OrderType:             string(o.OrderType),
		State:                 string(o.State),
		OrderVersion:          o.OrderVersion,
		Data:                  data,
		ClientID:              o.ClientID,
		KeyID:                 sql.NullString{String: o.KeyID, Valid: o.KeyID != ""},
		Address:               sql.NullString{String: o.Address, Valid: o.Address != ""},
		Policy:                policyJSON,
		CancellationRequested: o.CancellationRequested,
		SignedTransaction:     o.SignedTransaction,
		Error:                 o.Error,
		CreatedAt:             o.CreatedAt,
		LastModifiedAt:        o.LastModifiedAt,
	}
	if o.ChainID != 0 {
		row.ChainID = sql.NullInt64{Int64: int64(o.ChainID), Valid: true}
	}
	if o.TransactionHash != nil {
		row.TransactionHash = sql.NullString{String: *o.TransactionHash, Valid: true}
	}
	if o.Replaces != nil {
		row.Replaces = uuid.NullUUID{UUID: *o.Replaces, Valid: true}
	}
	if o.ReplacedBy != nil {
		row.ReplacedBy = uuid.NullUUID{UUID: *o.ReplacedBy, Valid: true}
	}
	if o.BlockNumber != nil {
		row.BlockNumber = sql.NullInt64{Int64: *o.BlockNumber, Valid: true}
	}
	if o.BlockHash != nil {
		row.BlockHash = sql.NullString{String: *o.BlockHash, Valid: true}
	}
	return row, nil
}

func (r *orderRow) toOrder() (*order.Order, error) {
	o := &order.Order{
		OrderID:               r.OrderID,
		OrderType:             order.Type(r.OrderType),
		State:                 order.State(r.State),
		OrderVersion:          r.OrderVersion,
		ClientID:              r.ClientID,
		CancellationRequested: r.CancellationRequested,
		CreatedAt:             r.CreatedAt,
		LastModifiedAt:        r.LastModifiedAt,
	}
	if err := json.Unmarshal(r.Data, &o.Data); err != nil {
		return nil, fmt.Errorf("orderstore: unmarshal order data: %w", err)
	}
	if len(r.Policy) > 0 {
		var p order.Policy
		if err := json.Unmarshal(r.Policy, &p); err != nil {
			return nil, fmt.Errorf("orderstore: unmarshal policy: %w", err)
		}
		o.Policy = &p
	}
	if r.KeyID.Valid {
		o.KeyID = r.KeyID.String
	}
	if r.Address.Valid {
		o.Address = r.Address.String
	}
	if r.ChainID.Valid {
		o.ChainID = uint64(r.ChainID.Int64)
	}
	if r.TransactionHash.Valid {
		h := r.TransactionHash.String
		o.TransactionHash = &h
	}
	if r.Replaces.Valid {
		v := r.Replaces.UUID
		o.Replaces = &v
	}
	if r.ReplacedBy.Valid {
		v := r.ReplacedBy.UUID
		o.ReplacedBy = &v
	}
	if r.BlockNumber.Valid {
		v := r.BlockNumber.Int64
		o.BlockNumber = &v
	}
	if r.BlockHash.Valid {
		v := r.BlockHash.String
		o.BlockHash = &v
	}
	if len(r.SignedTransaction) > 0 {
		o.SignedTransaction = r.SignedTransaction
	}
	if len(r.Error) > 0 {
		o.Error = json.RawMessage(r.Error)
	}
	return o, nil
}

const orderColumns = `order_id, order_type, state, order_version, transaction_hash, data,
	client_id, key_id, address, chain_id, replaces, replaced_by, policy,
	cancellation_requested, signed_transaction, error, block_number, block_hash, created_at, last_modified_at`

func (r *OrderRepository) scanOne(row *sql.Row) (*order.Order, error) {
	var rr orderRow
	err := row.Scan(&rr.OrderID, &rr.OrderType, &rr.State, &rr.OrderVersion, &rr.TransactionHash, &rr.Data,
		&rr.ClientID, &rr.KeyID, &rr.Address, &rr.ChainID, &rr.Replaces, &rr.ReplacedBy, &rr.Policy,
		&rr.CancellationRequested, &rr.SignedTransaction, &rr.Error, &rr.BlockNumber, &rr.BlockHash, &rr.CreatedAt, &rr.LastModifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("orderstore: scan order: %w", err)
	}
	return rr.toOrder()
}

func scanMany(rows *sql.Rows) ([]*order.Order, error) {
	defer rows.Close()
	var out []*order.Order
	for rows.Next() {
		var rr orderRow
		if err := rows.Scan(&rr.OrderID, &rr.OrderType, &rr.State, &rr.OrderVersion, &rr.TransactionHash, &rr.Data,
			&rr.ClientID, &rr.KeyID, &rr.Address, &rr.ChainID, &rr.Replaces, &rr.ReplacedBy, &rr.Policy,
			&rr.CancellationRequested, &rr.SignedTransaction, &rr.Error, &rr.BlockNumber, &rr.BlockHash, &rr.CreatedAt, &rr.LastModifiedAt); err != nil {
			return nil, fmt.Errorf("orderstore: scan order: %w", err)
		}
		o, err := rr.toOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CreateOrder performs the unconditional insert. An order_id
// collision (which should never happen for a fresh uuid.New()) is fatal.
func (r *OrderRepository) CreateOrder(ctx context.Context, o *order.Order) error {
	row, err := rowFromOrder(o)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.ordersTbl, orderColumns)
	_, err = r.client.db.ExecContext(ctx, query,
		row.OrderID, row.OrderType, row.State, row.OrderVersion, row.TransactionHash, row.Data,
		row.ClientID, row.KeyID, row.Address, row.ChainID, row.Replaces, row.ReplacedBy, row.Policy,
		row.CancellationRequested, row.SignedTransaction, row.Error, row.BlockNumber, row.BlockHash, row.CreatedAt, row.LastModifiedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrOrderIDCollision
		}
		return fmt.Errorf("orderstore: create order: %w", err)
	}
	return nil
}

// CreateReplacementOrder implements the atomic two-writer operation: it
// inserts the replacement and, in the same transaction, claims the original's
// replaced_by pointer conditionally on it currently being absent. A lost race
// surfaces as ErrConditionalCheckFailed.
func (r *OrderRepository) CreateReplacementOrder(ctx context.Context, replacement *order.Order) error {
	if replacement.Replaces == nil {
		return fmt.Errorf("orderstore: replacement order %s has no Replaces link", replacement.OrderID)
	}
	row, err := rowFromOrder(replacement)
	if err != nil {
		return err
	}

	tx, err := r.client.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orderstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	insertQ := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.ordersTbl, orderColumns)
	if _, err := tx.ExecContext(ctx, insertQ,
		row.OrderID, row.OrderType, row.State, row.OrderVersion, row.TransactionHash, row.Data,
		row.ClientID, row.KeyID, row.Address, row.ChainID, row.Replaces, row.ReplacedBy, row.Policy,
		row.CancellationRequested, row.SignedTransaction, row.Error, row.BlockNumber, row.BlockHash, row.CreatedAt, row.LastModifiedAt,
	); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrOrderIDCollision
		}
		return fmt.Errorf("orderstore: insert replacement: %w", err)
	}

	claimQ := fmt.Sprintf(`UPDATE %s SET replaced_by = $1, last_modified_at = $2 WHERE order_id = $3 AND replaced_by IS NULL`, r.ordersTbl)
	res, err := tx.ExecContext(ctx, claimQ, replacement.OrderID, replacement.CreatedAt, *replacement.Replaces)
	if err != nil {
		return fmt.Errorf("orderstore: claim replaced_by: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("orderstore: rows affected: %w", err)
	}
	if n == 0 {
		return ErrConditionalCheckFailed
	}
	return tx.Commit()
}

// GetOrderByID returns a single order, or ErrNotFound.
func (r *OrderRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE order_id = $1`, orderColumns, r.ordersTbl)
	return r.scanOne(r.client.db.QueryRowContext(ctx, query, id))
}

// GetOrdersByTransactionHash implements the correlation lookup.
func (r *OrderRepository) GetOrdersByTransactionHash(ctx context.Context, hash string) ([]*order.Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE transaction_hash = $1`, orderColumns, r.ordersTbl)
	rows, err := r.client.db.QueryContext(ctx, query, hash)
	if err != nil {
		return nil, fmt.Errorf("orderstore: query by transaction hash: %w", err)
	}
	return scanMany(rows)
}

// GetOrdersByKeyChainTypeState implements the orchestrator's selection query
//: all orders for a (key_id, chain_id) of a given type and state.
func (r *OrderRepository) GetOrdersByKeyChainTypeState(ctx context.Context, keyID string, chainID uint64, orderType order.Type, state order.State, limit int) ([]*order.Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE key_id = $1 AND chain_id = $2 AND order_type = $3 AND state = $4
		ORDER BY created_at ASC`, orderColumns, r.ordersTbl)
	args := []interface{}{keyID, chainID, string(orderType), string(state)}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}
	rows, err := r.client.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("orderstore: query by key/chain/type/state: %w", err)
	}
	return scanMany(rows)
}

// GetOrdersByKeyChainState returns every order for a (key_id, chain_id)
// currently sitting in any of states, regardless of type — used by the
// orchestrator's "is anything already locking?" check.
func (r *OrderRepository) GetOrdersByKeyChainState(ctx context.Context, keyID string, chainID uint64, states []order.State) ([]*order.Order, error) {
	stateStrs := make([]string, len(states))
	for i, s := range states {
		stateStrs[i] = string(s)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE key_id = $1 AND chain_id = $2 AND state = ANY($3)
		ORDER BY created_at ASC`, orderColumns, r.ordersTbl)
	rows, err := r.client.db.QueryContext(ctx, query, keyID, chainID, pq.Array(stateStrs))
	if err != nil {
		return nil, fmt.Errorf("orderstore: query by key/chain/state: %w", err)
	}
	return scanMany(rows)
}

// GetOrdersByStatus implements the recovery scan: all orders currently
// in state with last_modified_at older than threshold.
func (r *OrderRepository) GetOrdersByStatus(ctx context.Context, state order.State, lastModifiedThreshold time.Time) ([]*order.Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE state = $1 AND last_modified_at <= $2 ORDER BY last_modified_at ASC`, orderColumns, r.ordersTbl)
	rows, err := r.client.db.QueryContext(ctx, query, string(state), lastModifiedThreshold)
	if err != nil {
		return nil, fmt.Errorf("orderstore: query by status: %w", err)
	}
	return scanMany(rows)
}

func statesToStrings(states []order.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// UpdateOrderStatus implements the conditional state transition: the
// update only applies if the stored state is in predecessors.
func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, id uuid.UUID, newState order.State, predecessors []order.State, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET state = $1, last_modified_at = $2 WHERE order_id = $3 AND state = ANY($4)`, r.ordersTbl)
	res, err := r.client.db.ExecContext(ctx, query, string(newState), now, id, pq.Array(statesToStrings(predecessors)))
	if err != nil {
		return fmt.Errorf("orderstore: update order status: %w", err)
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

// ExtraAssignment is a single additional column=value pair applied alongside
// a conditional state transition (e.g. transaction_hash, block_number).
type ExtraAssignment struct {
	Column string
	Value  interface{}
}

// UpdateOrderStateAndUnlockAddress is the compound exit-the-locking-states operation: flip
// the order's state under the predecessor-set condition, and in the same
// transaction delete the Address Lock keyed by the order's (address, chain_id).
// Used whenever an order exits the locking states.
func (r *OrderRepository) UpdateOrderStateAndUnlockAddress(ctx context.Context, id uuid.UUID, newState order.State, predecessors []order.State, now time.Time, extra ...ExtraAssignment) error {
	tx, err := r.client.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orderstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	setCols := []string{"state = $1", "last_modified_at = $2"}
	args := []interface{}{string(newState), now}
	for _, e := range extra {
		args = append(args, e.Value)
		setCols = append(setCols, fmt.Sprintf("%s = $%d", e.Column, len(args)))
	}
	idPos := len(args) + 1
	statesPos := len(args) + 2
	args = append(args, id, pq.Array(statesToStrings(predecessors)))

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE order_id = $%d AND state = ANY($%d) RETURNING address, chain_id`,
		r.ordersTbl, strings.Join(setCols, ", "), idPos, statesPos)

	var addr sql.NullString
	var chainID sql.NullInt64
	err = tx.QueryRowContext(ctx, query, args...).Scan(&addr, &chainID)
	if err == sql.ErrNoRows {
		return ErrConditionalCheckFailed
	}
	if err != nil {
		return fmt.Errorf("orderstore: update order state: %w", err)
	}

	if addr.Valid && chainID.Valid {
		delQ := fmt.Sprintf(`DELETE FROM %s WHERE address = $1 AND chain_id = $2 AND order_id = $3`, r.locksTbl)
		if _, err := tx.ExecContext(ctx, delQ, addr.String, chainID.Int64, id); err != nil {
			return fmt.Errorf("orderstore: release address lock: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateOrderStateWithReplacementAndUnlockAddress flips both an order and its
// `replaces` sibling in one transaction, releasing the acting order's Address
// Lock — used when a replacement settles and the pair must move together.
func (r *OrderRepository) UpdateOrderStateWithReplacementAndUnlockAddress(
	ctx context.Context,
	id uuid.UUID, newState order.State, predecessors []order.State,
	replacedID uuid.UUID, replacedNewState order.State, replacedPredecessors []order.State,
	now time.Time,
) error {
	tx, err := r.client.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orderstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`UPDATE %s SET state = $1, last_modified_at = $2 WHERE order_id = $3 AND state = ANY($4) RETURNING address, chain_id`, r.ordersTbl)
	var addr sql.NullString
	var chainID sql.NullInt64
	err = tx.QueryRowContext(ctx, query, string(newState), now, id, pq.Array(statesToStrings(predecessors))).Scan(&addr, &chainID)
	if err == sql.ErrNoRows {
		return ErrConditionalCheckFailed
	}
	if err != nil {
		return fmt.Errorf("orderstore: update order state: %w", err)
	}

	replQ := fmt.Sprintf(`UPDATE %s SET state = $1, last_modified_at = $2 WHERE order_id = $3 AND state = ANY($4)`, r.ordersTbl)
	res, err := tx.ExecContext(ctx, replQ, string(replacedNewState), now, replacedID, pq.Array(statesToStrings(replacedPredecessors)))
	if err != nil {
		return fmt.Errorf("orderstore: update replaced order state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConditionalCheckFailed
	}

	if addr.Valid && chainID.Valid {
		delQ := fmt.Sprintf(`DELETE FROM %s WHERE address = $1 AND chain_id = $2 AND order_id = $3`, r.locksTbl)
		if _, err := tx.ExecContext(ctx, delQ, addr.String, chainID.Int64, id); err != nil {
			return fmt.Errorf("orderstore: release address lock: %w", err)
		}
	}
	return tx.Commit()
}

// RequestCancellation implements the fast path: a single conditional
// update that sets cancellation_requested = true and advances the order to
// Cancelled. Restricted to the strictly pre-lock states (Received,
// ApproversReviewed): anything later may already hold the Address Lock and
// must be cancelled by racing it on-chain instead.
func (r *OrderRepository) RequestCancellation(ctx context.Context, id uuid.UUID, now time.Time) error {
	predecessors := []order.State{order.StateReceived, order.StateApproversReviewed}
	query := fmt.Sprintf(`UPDATE %s SET state = $1, cancellation_requested = true, last_modified_at = $2
		WHERE order_id = $3 AND state = ANY($4)`, r.ordersTbl)
	res, err := r.client.db.ExecContext(ctx, query, string(order.StateCancelled), now, id, pq.Array(statesToStrings(predecessors)))
	if err != nil {
		return fmt.Errorf("orderstore: request cancellation: %w", err)
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
