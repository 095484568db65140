// Copyright 2025 Certen Protocol
package order

import (
	"encoding/json"
	"fmt"
)

// DataKind tags which variant a Data payload carries.
type DataKind string

const (
	DataKindKeyCreation DataKind = "key_creation"
	DataKindLegacy      DataKind = "legacy"
	DataKindEIP1559     DataKind = "eip1559"
	DataKindSponsored   DataKind = "sponsored"
)

// KeyCreationData is the payload for a KeyCreation order.
type KeyCreationData struct {
	ClientUserID string `json:"client_user_id"`
	KeyID        string `json:"key_id,omitempty"`
	Address      string `json:"address,omitempty"`
}

// LegacyTransaction is a pre-EIP-1559 EVM transaction.
type LegacyTransaction struct {
	To       string   `json:"to"`
	Gas      uint64   `json:"gas"`
	GasPrice string   `json:"gas_price"` // big unsigned hex string, no 0x prefix
	Value    string   `json:"value"`
	Nonce    *uint64  `json:"nonce,omitempty"`
	Data     string   `json:"data"`
	ChainID  uint64   `json:"chain_id"`
}

// EIP1559Transaction is a post-London EVM transaction with priority/max fee.
type EIP1559Transaction struct {
	To                   string  `json:"to"`
	Gas                  uint64  `json:"gas"`
	MaxFeePerGas         string  `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string  `json:"max_priority_fee_per_gas"`
	Value                string  `json:"value"`
	Nonce                *uint64 `json:"nonce,omitempty"`
	Data                 string  `json:"data"`
	ChainID              uint64  `json:"chain_id"`
}

// SponsoredTransaction wraps an EIP-712 typed-data user intent relayed through a forwarder.
type SponsoredTransaction struct {
	TypedData      json.RawMessage `json:"typed_data"`
	GasPoolAddress string          `json:"gas_pool_address"`
	ForwarderAddr  string          `json:"forwarder_address"`
	UserAddress    string          `json:"user_address"`
	Nonce          *uint64         `json:"nonce,omitempty"`
}

// Data is the tagged-union order payload. Exactly one of the typed fields is
// populated, selected by Kind. Modeling this as a tagged variant (rather than a
// flat record with every field optional) keeps the per-variant RLP encoding in
// pkg/evmtx honest about which fields actually exist for a given transaction.
type Data struct {
	Kind         DataKind
	KeyCreation  *KeyCreationData
	Legacy       *LegacyTransaction
	EIP1559      *EIP1559Transaction
	Sponsored    *SponsoredTransaction
}

func NewKeyCreationData(d KeyCreationData) Data {
	return Data{Kind: DataKindKeyCreation, KeyCreation: &d}
}

func NewLegacyData(d LegacyTransaction) Data {
	return Data{Kind: DataKindLegacy, Legacy: &d}
}

func NewEIP1559Data(d EIP1559Transaction) Data {
	return Data{Kind: DataKindEIP1559, EIP1559: &d}
}

func NewSponsoredData(d SponsoredTransaction) Data {
	return Data{Kind: DataKindSponsored, Sponsored: &d}
}

// jsonData is the wire representation: a kind discriminator plus the matching payload.
type jsonData struct {
	Kind        DataKind             `json:"kind"`
	KeyCreation *KeyCreationData     `json:"key_creation,omitempty"`
	Legacy      *LegacyTransaction   `json:"legacy,omitempty"`
	EIP1559     *EIP1559Transaction  `json:"eip1559,omitempty"`
	Sponsored   *SponsoredTransaction `json:"sponsored,omitempty"`
}

func (d Data) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonData{
		Kind:        d.Kind,
		KeyCreation: d.KeyCreation,
		Legacy:      d.Legacy,
		EIP1559:     d.EIP1559,
		Sponsored:   d.Sponsored,
	})
}

func (d *Data) UnmarshalJSON(b []byte) error {
	var j jsonData
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*d = Data{
		Kind:        j.Kind,
		KeyCreation: j.KeyCreation,
		Legacy:      j.Legacy,
		EIP1559:     j.EIP1559,
		Sponsored:   j.Sponsored,
	}
	return nil
}

// Nonce returns the nonce carried by a signature-bearing variant, if assigned.
func (d Data) Nonce() *uint64 {
	switch d.Kind {
	case DataKindLegacy:
		return d.Legacy.Nonce
	case DataKindEIP1559:
		return d.EIP1559.Nonce
	case DataKindSponsored:
		return d.Sponsored.Nonce
	default:
		return nil
	}
}

// WithNonce returns a copy of d with the nonce set on the active variant.
func (d Data) WithNonce(n uint64) (Data, error) {
	switch d.Kind {
	case DataKindLegacy:
		cp := *d.Legacy
		cp.Nonce = &n
		return Data{Kind: d.Kind, Legacy: &cp}, nil
	case DataKindEIP1559:
		cp := *d.EIP1559
		cp.Nonce = &n
		return Data{Kind: d.Kind, EIP1559: &cp}, nil
	case DataKindSponsored:
		cp := *d.Sponsored
		cp.Nonce = &n
		return Data{Kind: d.Kind, Sponsored: &cp}, nil
	default:
		return d, fmt.Errorf("data kind %q does not carry a nonce", d.Kind)
	}
}

// ChainID returns the chain identifier carried by a signature-bearing variant.
func (d Data) ChainID() uint64 {
	switch d.Kind {
	case DataKindLegacy:
		return d.Legacy.ChainID
	case DataKindEIP1559:
		return d.EIP1559.ChainID
	default:
		return 0
	}
}
