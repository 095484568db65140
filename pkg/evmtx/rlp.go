// Copyright 2025 Certen Protocol
package evmtx

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/certen/mpc-orderflow/pkg/order"
)

// legacyUnsigned is the canonical EIP-155 unsigned preimage for a Legacy
// transaction: [nonce, gas_price, gas, to, value, data, chain_id, 0, 0].
type legacyUnsigned struct {
	Nonce    *big.Int
	GasPrice *big.Int
	Gas      *big.Int
	To       []byte
	Value    *big.Int
	Data     []byte
	ChainID  *big.Int
	V        *big.Int
	R        *big.Int
}

// accessTuple is an entry of an EIP-2930/1559 access list. The order lifecycle
// engine never populates one but the type
// is needed so the empty slice RLP-encodes as an empty list, not a null field.
type accessTuple struct {
	Address     []byte
	StorageKeys [][]byte
}

// eip1559Unsigned is the canonical EIP-1559 unsigned payload, to be
// prepended with the 0x02 envelope byte:
// [chain_id, nonce, max_priority_fee_per_gas, max_fee_per_gas, gas, to, value, data, access_list].
type eip1559Unsigned struct {
	ChainID              *big.Int
	Nonce                *big.Int
	MaxPriorityFeePerGas *big.Int
	MaxFeePerGas         *big.Int
	Gas                  *big.Int
	To                   []byte
	Value                *big.Int
	Data                 []byte
	AccessList           []accessTuple
}

// EncodeLegacyUnsigned produces the canonical unsigned RLP encoding of a
// Legacy transaction, ready to be handed to the MPC service for signing.
func EncodeLegacyUnsigned(tx *order.LegacyTransaction) ([]byte, error) {
	if tx.Nonce == nil {
		return nil, fmt.Errorf("evmtx: legacy transaction has no assigned nonce")
	}
	gasPrice, err := ParseBigUintHex(tx.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("evmtx: gas_price: %w", err)
	}
	value, err := ParseBigUintHex(tx.Value)
	if err != nil {
		return nil, fmt.Errorf("evmtx: value: %w", err)
	}
	data, err := ParseHexBytes(tx.Data)
	if err != nil {
		return nil, fmt.Errorf("evmtx: data: %w", err)
	}
	to, err := toRLPBytes(tx.To)
	if err != nil {
		return nil, err
	}

	payload := legacyUnsigned{
		Nonce:    new(big.Int).SetUint64(*tx.Nonce),
		GasPrice: gasPrice,
		Gas:      new(big.Int).SetUint64(tx.Gas),
		To:       to,
		Value:    value,
		Data:     data,
		ChainID:  new(big.Int).SetUint64(tx.ChainID),
		V:        big.NewInt(0),
		R:        big.NewInt(0),
	}
	return rlp.EncodeToBytes(&payload)
}

// EncodeEIP1559Unsigned produces the canonical EIP-1559 typed-transaction
// encoding: the 0x02 envelope byte followed by the RLP list.
func EncodeEIP1559Unsigned(tx *order.EIP1559Transaction) ([]byte, error) {
	if tx.Nonce == nil {
		return nil, fmt.Errorf("evmtx: eip1559 transaction has no assigned nonce")
	}
	maxFee, err := ParseBigUintHex(tx.MaxFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("evmtx: max_fee_per_gas: %w", err)
	}
	maxPriority, err := ParseBigUintHex(tx.MaxPriorityFeePerGas)
	if err != nil {
		return nil, fmt.Errorf("evmtx: max_priority_fee_per_gas: %w", err)
	}
	value, err := ParseBigUintHex(tx.Value)
	if err != nil {
		return nil, fmt.Errorf("evmtx: value: %w", err)
	}
	data, err := ParseHexBytes(tx.Data)
	if err != nil {
		return nil, fmt.Errorf("evmtx: data: %w", err)
	}
	to, err := toRLPBytes(tx.To)
	if err != nil {
		return nil, err
	}

	payload := eip1559Unsigned{
		ChainID:              new(big.Int).SetUint64(tx.ChainID),
		Nonce:                new(big.Int).SetUint64(*tx.Nonce),
		MaxPriorityFeePerGas: maxPriority,
		MaxFeePerGas:         maxFee,
		Gas:                  new(big.Int).SetUint64(tx.Gas),
		To:                   to,
		Value:                value,
		Data:                 data,
		AccessList:           []accessTuple{},
	}
	body, err := rlp.EncodeToBytes(&payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, 0x02)
	out = append(out, body...)
	return out, nil
}

// TransactionHashPreimage returns the bytes an MPC service or chain RPC would
// hash (keccak256) to obtain the canonical transaction hash of an already
// *signed* RLP blob; exposed so the submitter and reconciler can independently
// recompute a hash for correlation if the MPC response omits one.
func TransactionHashPreimage(signedRLP []byte) []byte {
	return signedRLP
}
