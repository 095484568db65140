// Copyright 2025 Certen Protocol
package evmtx

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/certen/mpc-orderflow/pkg/order"
)

// DecodeLegacyUnsigned is the inverse of EncodeLegacyUnsigned. Used by tests
// to prove the encoding round-trips, and by operators inspecting a stored
// payload.
func DecodeLegacyUnsigned(b []byte) (*order.LegacyTransaction, error) {
	var payload legacyUnsigned
	if err := rlp.DecodeBytes(b, &payload); err != nil {
		return nil, fmt.Errorf("evmtx: decode legacy transaction: %w", err)
	}
	if payload.V.Sign() != 0 || payload.R.Sign() != 0 {
		return nil, fmt.Errorf("evmtx: legacy payload is not an unsigned preimage")
	}
	nonce := payload.Nonce.Uint64()
	return &order.LegacyTransaction{
		To:       toFieldFromRLP(payload.To),
		Gas:      payload.Gas.Uint64(),
		GasPrice: payload.GasPrice.Text(16),
		Value:    payload.Value.Text(16),
		Nonce:    &nonce,
		Data:     hexField(payload.Data),
		ChainID:  payload.ChainID.Uint64(),
	}, nil
}

// DecodeEIP1559Unsigned is the inverse of EncodeEIP1559Unsigned.
func DecodeEIP1559Unsigned(b []byte) (*order.EIP1559Transaction, error) {
	if len(b) == 0 || b[0] != 0x02 {
		return nil, fmt.Errorf("evmtx: missing EIP-1559 envelope byte")
	}
	var payload eip1559Unsigned
	if err := rlp.DecodeBytes(b[1:], &payload); err != nil {
		return nil, fmt.Errorf("evmtx: decode eip1559 transaction: %w", err)
	}
	nonce := payload.Nonce.Uint64()
	return &order.EIP1559Transaction{
		To:                   toFieldFromRLP(payload.To),
		Gas:                  payload.Gas.Uint64(),
		MaxFeePerGas:         payload.MaxFeePerGas.Text(16),
		MaxPriorityFeePerGas: payload.MaxPriorityFeePerGas.Text(16),
		Value:                payload.Value.Text(16),
		Nonce:                &nonce,
		Data:                 hexField(payload.Data),
		ChainID:              payload.ChainID.Uint64(),
	}, nil
}

// toFieldFromRLP maps the encoded `to` bytes back to the request
// representation: the single 0x00 byte round-trips to the zero-address
// sentinel.
func toFieldFromRLP(b []byte) string {
	if len(b) == 1 && b[0] == 0x00 {
		return ZeroAddressLiteral
	}
	return hexField(b)
}

func hexField(b []byte) string {
	return "0x" + fmt.Sprintf("%x", b)
}
