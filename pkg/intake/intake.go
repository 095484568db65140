// Copyright 2025 Certen Protocol
//
// Package intake parses and validates create/replace requests, authorizes
// them by client id, and enqueues new orders.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/evmtx"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
)

// OrderStore is the narrow slice of the order repository Intake consults
// — a narrow capability interface so tests substitute in-memory fakes.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *order.Order) error
	CreateReplacementOrder(ctx context.Context, replacement *order.Order) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	RequestCancellation(ctx context.Context, id uuid.UUID, now time.Time) error
}

// KeyDirectory resolves a sender address to its key_id.
type KeyDirectory interface {
	GetByAddress(ctx context.Context, address string) (*orderstore.KeyRecord, error)
}

// GasPoolConfig resolves the sponsor-side addresses required for Sponsored orders.
type GasPoolConfig interface {
	Get(ctx context.Context, clientID string, chainID uint64, addrType orderstore.AddressType) (string, error)
}

// OrchestratorKicker notifies the orchestrator that a new or updated order is
// ready to be driven forward. This is the narrow seam the orchestrator
// implements.
type OrchestratorKicker interface {
	Kick(orderID uuid.UUID)
}

// Service implements the intake operations.
type Service struct {
	store        OrderStore
	keys         KeyDirectory
	gasPool      GasPoolConfig
	orchestrator OrchestratorKicker
	chains       config.ChainsSettings
}

// NewService constructs an intake Service.
func NewService(store OrderStore, keys KeyDirectory, gasPool GasPoolConfig, orchestrator OrchestratorKicker, chains config.ChainsSettings) *Service {
	return &Service{store: store, keys: keys, gasPool: gasPool, orchestrator: orchestrator, chains: chains}
}

// ClientError is a validation or authorization failure the REST layer maps
// straight to a 4xx response.
type ClientError struct {
	Code    string
	Message string
}

func (e *ClientError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func clientErr(code, format string, args ...interface{}) *ClientError {
	return &ClientError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CreateKeyRequest is the POST /api/v1/keys body.
type CreateKeyRequest struct {
	ClientUserID string `json:"client_user_id"`
}

// CreateKey validates and enqueues a KeyCreation order.
func (s *Service) CreateKey(ctx context.Context, clientID string, req CreateKeyRequest) (uuid.UUID, error) {
	if clientID == "" {
		return uuid.UUID{}, clientErr("unauthorized", "missing client id")
	}
	if req.ClientUserID == "" {
		return uuid.UUID{}, clientErr("validation", "client_user_id is required")
	}

	now := time.Now().UTC()
	o := order.NewOrder(clientID, order.TypeKeyCreation, order.NewKeyCreationData(order.KeyCreationData{
		ClientUserID: req.ClientUserID,
	}), now)
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return uuid.UUID{}, fmt.Errorf("intake: create key order: %w", err)
	}
	s.orchestrator.Kick(o.OrderID)
	return o.OrderID, nil
}

// SignRequest is the POST /api/v1/keys/{address}/sign body: exactly one of
// Legacy/EIP1559 must be set, selected by the caller's Content-Type/shape
// before reaching this layer (thin JSON->typed adapter is the server's job;
// this validates the typed payload).
type SignRequest struct {
	Legacy  *order.LegacyTransaction
	EIP1559 *order.EIP1559Transaction
}

// SignSponsoredRequest is the POST /api/v1/keys/{address}/sign/sponsored body.
type SignSponsoredRequest struct {
	Sponsored *order.SponsoredTransaction
}

// CreateSignatureOrder validates and enqueues a Signature order for sender address.
func (s *Service) CreateSignatureOrder(ctx context.Context, clientID, address string, req SignRequest) (uuid.UUID, error) {
	if clientID == "" {
		return uuid.UUID{}, clientErr("unauthorized", "missing client id")
	}

	keyRec, err := s.keys.GetByAddress(ctx, address)
	if err == orderstore.ErrNotFound {
		return uuid.UUID{}, clientErr("key_not_found", "no key registered for address %s", address)
	}
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("intake: resolve key: %w", err)
	}

	var data order.Data
	var chainID uint64
	switch {
	case req.Legacy != nil:
		if err := s.validateLegacy(req.Legacy); err != nil {
			return uuid.UUID{}, err
		}
		data = order.NewLegacyData(*req.Legacy)
		chainID = req.Legacy.ChainID
	case req.EIP1559 != nil:
		if err := s.validateEIP1559(req.EIP1559); err != nil {
			return uuid.UUID{}, err
		}
		data = order.NewEIP1559Data(*req.EIP1559)
		chainID = req.EIP1559.ChainID
	default:
		return uuid.UUID{}, clientErr("validation", "exactly one transaction variant must be set")
	}

	if !s.chains.IsAllowed(chainID) {
		return uuid.UUID{}, clientErr("validation", "chain_id %d is not in the allowlist", chainID)
	}

	now := time.Now().UTC()
	o := order.NewOrder(clientID, order.TypeSignature, data, now)
	o.KeyID = keyRec.KeyID
	o.Address = address
	o.ChainID = chainID
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return uuid.UUID{}, fmt.Errorf("intake: create signature order: %w", err)
	}
	s.orchestrator.Kick(o.OrderID)
	return o.OrderID, nil
}

// CreateSponsoredOrder validates and enqueues a Sponsored order.
func (s *Service) CreateSponsoredOrder(ctx context.Context, clientID, address string, req SignSponsoredRequest) (uuid.UUID, error) {
	if clientID == "" {
		return uuid.UUID{}, clientErr("unauthorized", "missing client id")
	}
	if req.Sponsored == nil {
		return uuid.UUID{}, clientErr("validation", "sponsored transaction payload is required")
	}
	keyRec, err := s.keys.GetByAddress(ctx, address)
	if err == orderstore.ErrNotFound {
		return uuid.UUID{}, clientErr("key_not_found", "no key registered for address %s", address)
	}
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("intake: resolve key: %w", err)
	}

	chainID, err := chainIDFromTypedData(req.Sponsored.TypedData)
	if err != nil {
		return uuid.UUID{}, clientErr("validation", "sponsored typed_data: %v", err)
	}
	gasPool, err := s.gasPool.Get(ctx, clientID, chainID, orderstore.AddressTypeGasPool)
	if err != nil {
		return uuid.UUID{}, clientErr("validation", "no gas pool address configured for client/chain")
	}
	forwarder, err := s.gasPool.Get(ctx, clientID, chainID, orderstore.AddressTypeForwarder)
	if err != nil {
		return uuid.UUID{}, clientErr("validation", "no forwarder address configured for client/chain")
	}
	req.Sponsored.GasPoolAddress = gasPool
	req.Sponsored.ForwarderAddr = forwarder
	req.Sponsored.UserAddress = address

	now := time.Now().UTC()
	o := order.NewOrder(clientID, order.TypeSponsored, order.NewSponsoredData(*req.Sponsored), now)
	o.KeyID = keyRec.KeyID
	o.Address = address
	o.ChainID = chainID
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return uuid.UUID{}, fmt.Errorf("intake: create sponsored order: %w", err)
	}
	s.orchestrator.Kick(o.OrderID)
	return o.OrderID, nil
}

func (s *Service) validateLegacy(tx *order.LegacyTransaction) error {
	if _, err := evmtx.ParseBigUintHex(tx.GasPrice); err != nil {
		return clientErr("validation", "gas_price: %v", err)
	}
	if _, err := evmtx.ParseBigUintHex(tx.Value); err != nil {
		return clientErr("validation", "value: %v", err)
	}
	if _, err := evmtx.ParseAddress(tx.To); err != nil {
		return clientErr("validation", "to: %v", err)
	}
	if _, err := evmtx.ParseHexBytes(tx.Data); err != nil {
		return clientErr("validation", "data: %v", err)
	}
	if !s.chains.IsAllowed(tx.ChainID) {
		return clientErr("validation", "chain_id %d is not in the allowlist", tx.ChainID)
	}
	return nil
}

func (s *Service) validateEIP1559(tx *order.EIP1559Transaction) error {
	if _, err := evmtx.ParseBigUintHex(tx.MaxFeePerGas); err != nil {
		return clientErr("validation", "max_fee_per_gas: %v", err)
	}
	if _, err := evmtx.ParseBigUintHex(tx.MaxPriorityFeePerGas); err != nil {
		return clientErr("validation", "max_priority_fee_per_gas: %v", err)
	}
	if _, err := evmtx.ParseBigUintHex(tx.Value); err != nil {
		return clientErr("validation", "value: %v", err)
	}
	if _, err := evmtx.ParseAddress(tx.To); err != nil {
		return clientErr("validation", "to: %v", err)
	}
	if _, err := evmtx.ParseHexBytes(tx.Data); err != nil {
		return clientErr("validation", "data: %v", err)
	}
	if !s.chains.IsAllowed(tx.ChainID) {
		return clientErr("validation", "chain_id %d is not in the allowlist", tx.ChainID)
	}
	return nil
}

// chainIDFromTypedData pulls the EIP-712 domain's chainId out of the typed
// payload so sponsor config lookup doesn't require a redundant top-level field.
func chainIDFromTypedData(raw []byte) (uint64, error) {
	var envelope struct {
		Domain struct {
			ChainID uint64 `json:"chainId"`
		} `json:"domain"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return 0, err
	}
	if envelope.Domain.ChainID == 0 {
		return 0, fmt.Errorf("missing domain.chainId")
	}
	return envelope.Domain.ChainID, nil
}
