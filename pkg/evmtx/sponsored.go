// Copyright 2025 Certen Protocol
package evmtx

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/certen/mpc-orderflow/pkg/order"
)

// EIP712Hash computes the signing hash of a Sponsored transaction's typed
// data payload, using go-ethereum's own typed-data hashing so the digest matches
// any other EIP-712 tooling bit for bit.
func EIP712Hash(tx *order.SponsoredTransaction) ([]byte, error) {
	var typedData apitypes.TypedData
	if err := json.Unmarshal(tx.TypedData, &typedData); err != nil {
		return nil, fmt.Errorf("evmtx: sponsored typed_data: %w", err)
	}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("evmtx: eip-712 hash: %w", err)
	}
	return hash, nil
}
