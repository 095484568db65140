// Copyright 2025 Certen Protocol
package order

// ReorgPendingState is the sentinel status string surfaced to readers for an
// order currently sitting in the Reorged state. The underlying order keeps its
// real State (Reorged); this is a read-view-only label.
//
// A reorg is surfaced as a transient indicator rather than a silent flip to
// Completed or to an error, so a client reading an order mid-reorg sees that
// the order is genuinely unresolved.
const ReorgPendingState = "RE_EVALUATING"

// Status is the read-facing projection of an order, as returned by
// GET /api/v1/orders/{order_id}/status.
type Status struct {
	OrderID               string   `json:"order_id"`
	OrderVersion          string   `json:"order_version"`
	State                 string   `json:"state"`
	TransactionHash       *string  `json:"transaction_hash,omitempty"`
	Data                  Data     `json:"data"`
	OrderType              Type    `json:"order_type"`
	CreatedAt             int64    `json:"created_at"`
	LastModifiedAt        int64    `json:"last_modified_at"`
	Policy                *Policy  `json:"policy,omitempty"`
	CancellationRequested *bool    `json:"cancellation_requested,omitempty"`
}

// ToStatus converts a stored order into its read-facing projection, applying
// the Reorged-state relabeling decision above.
func ToStatus(o *Order) Status {
	state := string(o.State)
	if o.State == StateReorged {
		state = ReorgPendingState
	}
	var hash *string
	if o.TransactionHash != nil {
		hash = o.TransactionHash
	}
	var cancelRequested *bool
	if o.CancellationRequested {
		v := true
		cancelRequested = &v
	}
	return Status{
		OrderID:               o.OrderID.String(),
		OrderVersion:          o.OrderVersion,
		State:                 state,
		TransactionHash:       hash,
		Data:                  o.Data,
		OrderType:             o.OrderType,
		CreatedAt:             o.CreatedAt.UnixMilli(),
		LastModifiedAt:        o.LastModifiedAt.UnixMilli(),
		Policy:                o.Policy,
		CancellationRequested: cancelRequested,
	}
}

// terminalBeforeSubmit are replacement states considered "pre-submit" for the
// merge rule below.
var terminalBeforeSubmit = map[State]bool{
	StateReceived:          true,
	StateSigned:            true,
	StateApproversReviewed: true,
	StateNotSubmitted:      true,
	StateError:             true,
}

// MergeWithReplacement implements the read-view merge rule for a
// Signature order that has an active or settled replacement:
//
//   - original already settled (Completed/CompletedWithError): return the
//     original as-is, with last_modified_at bumped to the replacement's.
//   - replacement still pre-submit: return the original's data, with
//     last_modified_at bumped to the replacement's.
//   - otherwise: merge — surface the replacement's state/data/hash/
//     last_modified_at under the original's order_id. A Cancellation
//     replacement that reached Completed is relabeled Cancelled.
func MergeWithReplacement(original, replacement *Order) Status {
	if original.State == StateCompleted || original.State == StateCompletedWithError {
		merged := *original
		merged.LastModifiedAt = replacement.LastModifiedAt
		return ToStatus(&merged)
	}
	if terminalBeforeSubmit[replacement.State] {
		merged := *original
		merged.LastModifiedAt = replacement.LastModifiedAt
		return ToStatus(&merged)
	}

	merged := *original
	merged.State = replacement.State
	merged.Data = replacement.Data
	merged.TransactionHash = replacement.TransactionHash
	merged.LastModifiedAt = replacement.LastModifiedAt
	if replacement.OrderType == TypeCancellation && replacement.State == StateCompleted {
		merged.State = StateCancelled
	}
	return ToStatus(&merged)
}

// Visible reports whether an order's type is ever directly surfaced to a
// client read. SpeedUp/Cancellation orders are internal and stay hidden.
func (t Type) Visible() bool {
	return t != TypeSpeedUp && t != TypeCancellation
}
