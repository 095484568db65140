// Copyright 2025 Certen Protocol
package order

import (
	"testing"
	"time"
)

func TestCanTransition_LegalEdges(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateApproversReviewed, true},
		{StateApproversReviewed, StateSelectedForSigning, true},
		{StateSelectedForSigning, StateSigned, true},
		{StateSigned, StateSubmitted, true},
		{StateSubmitted, StateCompleted, true},
		{StateSubmitted, StateCompletedWithError, true},
		{StateSubmitted, StateReorged, true},
		{StateReorged, StateCompleted, true},
		{StateSubmitted, StateDropped, true},
		{StateDropped, StateReplaced, true},
		{StateSigned, StateCancelled, true},
		{StateSigned, StateNotSubmitted, true},
		{StateReceived, StateNotSigned, true},
		{StateSelectedForSigning, StateNotSigned, true},

		// Illegal edges.
		{StateReceived, StateSigned, false},
		{StateReceived, StateSelectedForSigning, false},
		{StateCompleted, StateSubmitted, false},
		{StateCancelled, StateReceived, false},
		{StateSubmitted, StateCancelled, false},
		{StateSigned, StateCompleted, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStateClassification(t *testing.T) {
	nonTerminal := []State{StateReceived, StateApproversReviewed, StateSelectedForSigning,
		StateSigned, StateSubmitted, StateReorged}
	for _, s := range nonTerminal {
		if !s.IsNonTerminal() {
			t.Errorf("%s should be non-terminal", s)
		}
	}
	terminal := []State{StateCompleted, StateCompletedWithError, StateCancelled,
		StateNotSigned, StateNotSubmitted, StateDropped, StateReplaced, StateError}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	locking := []State{StateSelectedForSigning, StateSigned, StateSubmitted}
	for _, s := range locking {
		if !s.IsLocking() {
			t.Errorf("%s should be locking", s)
		}
	}
	if StateReceived.IsLocking() || StateCompleted.IsLocking() || StateReorged.IsLocking() {
		t.Error("non-locking state classified as locking")
	}
}

func TestPredecessorsForMatchesCanTransition(t *testing.T) {
	all := []State{StateReceived, StateApproversReviewed, StateSelectedForSigning, StateSigned,
		StateSubmitted, StateCompleted, StateCompletedWithError, StateCancelled, StateNotSigned,
		StateNotSubmitted, StateDropped, StateReplaced, StateReorged, StateError}
	for _, next := range all {
		for _, prev := range all {
			inSet := false
			for _, p := range PredecessorsFor(next) {
				if p == prev {
					inSet = true
				}
			}
			if inSet != CanTransition(prev, next) {
				t.Errorf("PredecessorsFor(%s) and CanTransition(%s, %s) disagree", next, prev, next)
			}
		}
	}
}

func TestPolicyAggregation(t *testing.T) {
	accepted := ApprovalStatusAccepted
	rejected := ApprovalStatusRejected

	p := &Policy{Name: "default", Approval: []Approval{
		{Name: "a", Level: "tenant"},
		{Name: "b", Level: "domain"},
	}}

	if p.AllAnswered() {
		t.Error("AllAnswered true with no responses")
	}
	if p.AnyRejected() {
		t.Error("AnyRejected true with no responses")
	}

	p.Find("a").Response = &accepted
	if p.AllAnswered() {
		t.Error("AllAnswered true with one response outstanding")
	}

	p.Find("b").Response = &accepted
	if !p.AllAnswered() || !p.AllAccepted() {
		t.Error("expected all answered and accepted")
	}

	p.Find("b").Response = &rejected
	if !p.AnyRejected() {
		t.Error("expected AnyRejected after a rejection")
	}
	if p.AllAccepted() {
		t.Error("AllAccepted true despite a rejection")
	}

	if p.Find("missing") != nil {
		t.Error("Find returned a slot for an unknown approver")
	}
}

func TestNewOrder(t *testing.T) {
	now := time.Now().UTC()
	o := NewOrder("client-1", TypeSignature, NewLegacyData(LegacyTransaction{ChainID: 1}), now)
	if o.State != StateReceived {
		t.Errorf("state = %s, want %s", o.State, StateReceived)
	}
	if o.OrderVersion != CurrentOrderVersion {
		t.Errorf("order_version = %s, want %s", o.OrderVersion, CurrentOrderVersion)
	}
	if o.CreatedAt != now || o.LastModifiedAt != now {
		t.Error("timestamps not stamped from now")
	}
	if o.OrderID.String() == "" {
		t.Error("missing order id")
	}
}

func TestValidate_KeyCreationNeverCarriesHash(t *testing.T) {
	now := time.Now().UTC()
	o := NewOrder("client-1", TypeKeyCreation, NewKeyCreationData(KeyCreationData{ClientUserID: "u"}), now)
	if err := o.Validate(); err != nil {
		t.Fatalf("valid key creation order rejected: %v", err)
	}
	hash := "0xabc"
	o.TransactionHash = &hash
	if err := o.Validate(); err == nil {
		t.Error("key creation order with transaction_hash accepted")
	}
}

func TestDataRoundTrip(t *testing.T) {
	nonce := uint64(7)
	d := NewEIP1559Data(EIP1559Transaction{
		To: "0x0", Gas: 21000, MaxFeePerGas: "64", MaxPriorityFeePerGas: "32",
		Value: "0", Nonce: &nonce, Data: "0x00", ChainID: 11155111,
	})
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Data
	if err := back.UnmarshalJSON(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Kind != DataKindEIP1559 || back.EIP1559 == nil {
		t.Fatalf("kind lost in round trip: %+v", back)
	}
	if *back.EIP1559.Nonce != 7 || back.EIP1559.ChainID != 11155111 {
		t.Errorf("fields lost in round trip: %+v", back.EIP1559)
	}
	if back.ChainID() != 11155111 {
		t.Errorf("ChainID() = %d", back.ChainID())
	}
}

func TestWithNonce(t *testing.T) {
	d := NewLegacyData(LegacyTransaction{To: "0x0", Gas: 21000, GasPrice: "64", Value: "0", Data: "0x", ChainID: 1})
	if d.Nonce() != nil {
		t.Fatal("fresh data should carry no nonce")
	}
	d2, err := d.WithNonce(5)
	if err != nil {
		t.Fatalf("WithNonce: %v", err)
	}
	if d.Nonce() != nil {
		t.Error("WithNonce mutated the receiver")
	}
	if n := d2.Nonce(); n == nil || *n != 5 {
		t.Errorf("nonce = %v, want 5", n)
	}

	kc := NewKeyCreationData(KeyCreationData{ClientUserID: "u"})
	if _, err := kc.WithNonce(1); err == nil {
		t.Error("key creation data accepted a nonce")
	}
}
