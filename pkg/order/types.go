// Copyright 2025 Certen Protocol
//
// Package order defines the Order entity, its state machine, and the
// polymorphic transaction payload it carries through the lifecycle engine.
package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of order flowing through the engine.
type Type string

const (
	TypeKeyCreation  Type = "KEY_CREATION_ORDER"
	TypeSignature    Type = "SIGNATURE_ORDER"
	TypeSpeedUp      Type = "SPEEDUP_ORDER"
	TypeCancellation Type = "CANCELLATION_ORDER"
	TypeSponsored    Type = "SPONSORED_ORDER"
)

// IsReplacement reports whether orders of this type reference an original via Replaces.
func (t Type) IsReplacement() bool {
	return t == TypeSpeedUp || t == TypeCancellation
}

// State is one of the fourteen order lifecycle states.
type State string

const (
	StateReceived            State = "RECEIVED"
	StateApproversReviewed   State = "APPROVERS_REVIEWED"
	StateSelectedForSigning  State = "SELECTED_FOR_SIGNING"
	StateSigned              State = "SIGNED"
	StateSubmitted           State = "SUBMITTED"
	StateCompleted           State = "COMPLETED"
	StateCompletedWithError  State = "COMPLETED_WITH_ERROR"
	StateCancelled           State = "CANCELLED"
	StateNotSigned           State = "NOT_SIGNED"
	StateNotSubmitted        State = "NOT_SUBMITTED"
	StateDropped             State = "DROPPED"
	StateReplaced            State = "REPLACED"
	StateReorged             State = "REORGED"
	StateError               State = "ERROR"
)

var nonTerminalStates = map[State]bool{
	StateReceived:           true,
	StateApproversReviewed:  true,
	StateSelectedForSigning: true,
	StateSigned:             true,
	StateSubmitted:          true,
	StateReorged:            true,
}

// IsNonTerminal reports whether the order may still transition further.
func (s State) IsNonTerminal() bool { return nonTerminalStates[s] }

// IsTerminal reports whether the order has reached a final resting state.
func (s State) IsTerminal() bool { return !nonTerminalStates[s] }

var lockingStates = map[State]bool{
	StateSelectedForSigning: true,
	StateSigned:             true,
	StateSubmitted:          true,
}

// IsLocking reports whether an order in this state implies an active Address Lock.
func (s State) IsLocking() bool { return lockingStates[s] }

// predecessors enumerates, for each next state, the set of legal previous states.
var predecessors = map[State][]State{
	StateReceived:           {},
	StateApproversReviewed:  {StateReceived},
	StateSelectedForSigning: {StateApproversReviewed},
	StateSigned:             {StateSelectedForSigning},
	StateSubmitted:          {StateSigned},
	StateReorged:            {StateSubmitted},
	StateCompleted:          {StateSubmitted, StateReorged},
	StateCompletedWithError: {StateSubmitted, StateReorged},
	StateDropped:            {StateSubmitted, StateReorged},
	StateReplaced:           {StateSubmitted, StateReorged, StateDropped},
	StateCancelled:          {StateReceived, StateApproversReviewed, StateSelectedForSigning, StateSigned},
	StateNotSigned:          {StateReceived, StateSelectedForSigning},
	StateNotSubmitted:       {StateSigned},
	StateError:              {StateReceived, StateApproversReviewed, StateSelectedForSigning, StateSigned, StateSubmitted, StateReorged},
}

// PredecessorsFor returns the legal previous states for a transition into next.
// The returned slice must never be mutated by callers.
func PredecessorsFor(next State) []State {
	return predecessors[next]
}

// CanTransition reports whether moving from `from` to `to` is a legal edge.
func CanTransition(from, to State) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Approval is a single required approver's slot on an order's policy.
type Approval struct {
	Name           string  `json:"name"`
	Level          string  `json:"level"`
	Response       *int    `json:"response,omitempty"` // approval_status; nil until answered
	StatusReason   string  `json:"status_reason,omitempty"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
}

const (
	// ApprovalStatusAccepted is the approval_status value meaning the approver accepted.
	ApprovalStatusAccepted = 1
	// ApprovalStatusRejected is the approval_status value meaning the approver rejected.
	ApprovalStatusRejected = 0
)

// Policy is the resolved policy name plus its expanded, individually-tracked approvals.
type Policy struct {
	Name     string     `json:"name"`
	Approval []Approval `json:"approvals"`
}

// AllAnswered reports whether every required approval has a response.
func (p *Policy) AllAnswered() bool {
	for _, a := range p.Approval {
		if a.Response == nil {
			return false
		}
	}
	return true
}

// AllAccepted reports whether every answered approval was accepted. Must be called
// only after AllAnswered is true.
func (p *Policy) AllAccepted() bool {
	for _, a := range p.Approval {
		if a.Response == nil || *a.Response != ApprovalStatusAccepted {
			return false
		}
	}
	return true
}

// AnyRejected reports whether at least one approval has come back rejected.
func (p *Policy) AnyRejected() bool {
	for _, a := range p.Approval {
		if a.Response != nil && *a.Response == ApprovalStatusRejected {
			return true
		}
	}
	return false
}

// Find returns a pointer to the named approval slot, or nil if not present.
func (p *Policy) Find(name string) *Approval {
	for i := range p.Approval {
		if p.Approval[i].Name == name {
			return &p.Approval[i]
		}
	}
	return nil
}

// Order is the central entity driven through the lifecycle engine.
type Order struct {
	OrderID              uuid.UUID       `json:"order_id"`
	OrderType            Type            `json:"order_type"`
	State                State           `json:"state"`
	OrderVersion         string          `json:"order_version"`
	TransactionHash      *string         `json:"transaction_hash,omitempty"`
	Data                 Data            `json:"data"`
	ClientID             string          `json:"client_id"`
	KeyID                string          `json:"key_id,omitempty"`
	Address              string          `json:"address,omitempty"`
	ChainID              uint64          `json:"chain_id,omitempty"`
	Replaces             *uuid.UUID      `json:"replaces,omitempty"`
	ReplacedBy           *uuid.UUID      `json:"replaced_by,omitempty"`
	Policy               *Policy         `json:"policy,omitempty"`
	CancellationRequested bool           `json:"cancellation_requested,omitempty"`
	SignedTransaction    []byte          `json:"signed_transaction,omitempty"`
	Error                json.RawMessage `json:"error,omitempty"`
	BlockNumber          *int64          `json:"block_number,omitempty"`
	BlockHash            *string         `json:"block_hash,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	LastModifiedAt       time.Time       `json:"last_modified_at"`
}

// CurrentOrderVersion is the schema tag stamped onto every freshly-created order.
const CurrentOrderVersion = "1"

// NewOrder builds a fresh Received order with a newly minted identifier.
func NewOrder(clientID string, orderType Type, data Data, now time.Time) *Order {
	return &Order{
		OrderID:        uuid.New(),
		OrderType:      orderType,
		State:          StateReceived,
		OrderVersion:   CurrentOrderVersion,
		Data:           data,
		ClientID:       clientID,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
}

// Validate reports a structural error if the order violates a data-model invariant
// that can be checked without consulting storage. The only rule checked is that a
// KeyCreation order carries no transaction_hash.
func (o *Order) Validate() error {
	if o.OrderType == TypeKeyCreation {
		if o.TransactionHash != nil {
			return fmt.Errorf("key creation order %s must not carry a transaction_hash", o.OrderID)
		}
	}
	return nil
}
