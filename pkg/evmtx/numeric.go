// Copyright 2025 Certen Protocol
//
// Package evmtx encodes the polymorphic order.Data transaction variants into
// their canonical unsigned RLP form, ready to be handed to the MPC
// signing service.
package evmtx

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// ParseBigUintHex parses s as an unsigned big integer expressed in hex digits
// (no "0x" prefix — that convention is reserved for `to`/`data`). This is the
// representation every numeric field in a signature request payload uses
// (gas, gas_price, value, max_fee_per_gas, max_priority_fee_per_gas); the
// canonical RLP encodings are only reproducible under this parsing rule.
// A hex digit string structurally cannot contain '-' or '.', so this single
// check also covers the no-negatives, no-decimals validation rule.
func ParseBigUintHex(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("evmtx: empty numeric field")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("evmtx: numeric field %q must not carry a 0x prefix", s)
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("evmtx: %q is not a valid unsigned hex integer", s)
	}
	return v, nil
}

// ParseUint64Hex parses s the same way as ParseBigUintHex but requires the
// result to fit in a uint64 (used for `gas`, which is stored as uint64).
func ParseUint64Hex(s string) (uint64, error) {
	v, err := ParseBigUintHex(s)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("evmtx: %q overflows uint64", s)
	}
	return v.Uint64(), nil
}

// ParseHexBytes decodes a 0x-prefixed hex byte string, as used for `data`.
func ParseHexBytes(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("evmtx: hex byte field %q must begin with 0x", s)
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if trimmed == "" {
		return []byte{}, nil
	}
	if len(trimmed)%2 != 0 {
		trimmed = "0" + trimmed
	}
	out, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("evmtx: invalid hex byte string %q: %w", s, err)
	}
	return out, nil
}

// ZeroAddressLiteral is the sentinel `to` value meaning "contract deployment".
const ZeroAddressLiteral = "0x0"

// IsZeroAddress reports whether to is the zero-address sentinel, either the
// literal "0x0" or the full 40-digit zero address.
func IsZeroAddress(to string) bool {
	return to == ZeroAddressLiteral || to == "0x0000000000000000000000000000000000000000"
}

// ParseAddress decodes `to` into its 20-byte form, or nil for the zero-address
// sentinel.
func ParseAddress(to string) ([]byte, error) {
	if IsZeroAddress(to) {
		return nil, nil
	}
	b, err := ParseHexBytes(to)
	if err != nil {
		return nil, fmt.Errorf("evmtx: invalid address %q: %w", to, err)
	}
	if len(b) != 20 {
		return nil, fmt.Errorf("evmtx: address %q is not 20 bytes", to)
	}
	return b, nil
}

// toRLPBytes returns the RLP-ready byte representation of a `to` field: the
// single byte 0x00 for the zero-address sentinel, else the raw 20 bytes.
func toRLPBytes(to string) ([]byte, error) {
	addr, err := ParseAddress(to)
	if err != nil {
		return nil, err
	}
	if addr == nil {
		return []byte{0x00}, nil
	}
	return addr, nil
}
