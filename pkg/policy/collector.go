// Copyright 2025 Certen Protocol
//
// Package policy resolves the applicable policy for a
// (client, chain, destination) triple, expanding it into tracked approval
// slots, dispatching approver callouts, and aggregating the asynchronous
// verdicts that arrive as upcalls.
package policy

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
)

const (
	// LevelTenant marks an approval required by the tenant's own policy list.
	LevelTenant = "tenant"
	// LevelDomain marks an approval required by the domain-wide list.
	LevelDomain = "domain"
)

// PolicyStore resolves policy bindings.
type PolicyStore interface {
	Resolve(ctx context.Context, clientID string, chainID uint64, destination string) (string, error)
}

// OrderStore is the slice of the repository the collector writes through.
type OrderStore interface {
	GetOrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	SetOrderPolicy(ctx context.Context, id uuid.UUID, p *order.Policy, now time.Time) error
	CompareAndSwapPolicy(ctx context.Context, id uuid.UUID, prev, next *order.Policy, now time.Time) error
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, newState order.State, predecessors []order.State, now time.Time) error
	SetOrderError(ctx context.Context, id uuid.UUID, diag interface{}, now time.Time) error
}

// Kicker wakes the orchestrator once an order reaches ApproversReviewed.
type Kicker interface {
	Kick(orderID uuid.UUID)
}

// Collector drives the protocol for one deployment.
type Collector struct {
	policies  PolicyStore
	orders    OrderStore
	approvers ApproverClient
	kicker    Kicker
	pubKeys   map[string]ed25519.PublicKey
	logger    *log.Logger
}

// NewCollector constructs a Collector. Approver public keys (for upcall
// metadata_signature verification) are decoded from cfg.Approver.PublicKeys;
// approvers without a configured key are accepted unverified.
func NewCollector(policies PolicyStore, orders OrderStore, approvers ApproverClient, kicker Kicker, cfg config.ApproverSettings, logger *log.Logger) (*Collector, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[PolicyCollector] ", log.LstdFlags)
	}
	pubKeys := make(map[string]ed25519.PublicKey, len(cfg.PublicKeys))
	for name, b64 := range cfg.PublicKeys {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("policy: decode public key for approver %s: %w", name, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("policy: public key for approver %s is %d bytes, want %d", name, len(raw), ed25519.PublicKeySize)
		}
		pubKeys[name] = ed25519.PublicKey(raw)
	}
	return &Collector{
		policies:  policies,
		orders:    orders,
		approvers: approvers,
		kicker:    kicker,
		pubKeys:   pubKeys,
		logger:    logger,
	}, nil
}

// destinationOf extracts the destination address a policy lookup keys on.
func destinationOf(o *order.Order) string {
	switch o.Data.Kind {
	case order.DataKindLegacy:
		return o.Data.Legacy.To
	case order.DataKindEIP1559:
		return o.Data.EIP1559.To
	default:
		return ""
	}
}

// Begin resolves, materializes, and dispatches the policy for an order in
// Received. On success the order stays in Received with its approval
// slots attached; verdicts arrive later through HandleApproverResponse.
func (c *Collector) Begin(ctx context.Context, o *order.Order) error {
	if o.Policy != nil {
		// Re-entry (recovery scan or duplicate kick): the policy is already
		// materialized. Re-dispatch callouts only for slots still unanswered —
		// overwriting the attached policy here would wipe recorded verdicts.
		for _, a := range o.Policy.Approval {
			if a.Response != nil {
				continue
			}
			if err := c.approvers.RequestApproval(ctx, a.Name, o); err != nil {
				c.logger.Printf("re-callout to approver %s for order %s failed: %v", a.Name, o.OrderID, err)
				return err
			}
		}
		return nil
	}

	name, err := c.policies.Resolve(ctx, o.ClientID, o.ChainID, destinationOf(o))
	if err == orderstore.ErrNoPolicy {
		// Definitive: no binding exists for this client/chain at all.
		c.logger.Printf("no policy for order %s (client=%s chain=%d)", o.OrderID, o.ClientID, o.ChainID)
		return fmt.Errorf("policy: no_policy for order %s: %w", o.OrderID, err)
	}
	if err != nil {
		return fmt.Errorf("policy: resolve for order %s: %w", o.OrderID, err)
	}

	doc, err := c.approvers.FetchPolicyDocument(ctx, name)
	if err != nil {
		return err
	}

	p := &order.Policy{Name: name}
	for _, a := range doc.TenantApprovals.Required {
		p.Approval = append(p.Approval, order.Approval{Name: a, Level: LevelTenant})
	}
	for _, a := range doc.DomainApprovals.Required {
		p.Approval = append(p.Approval, order.Approval{Name: a, Level: LevelDomain})
	}

	now := time.Now().UTC()
	if err := c.orders.SetOrderPolicy(ctx, o.OrderID, p, now); err != nil {
		if err == orderstore.ErrConditionalCheckFailed {
			// The order already left Received — a concurrent worker finished
			// collection, or the order was cancelled. Nothing to do.
			return nil
		}
		return fmt.Errorf("policy: attach policy to order %s: %w", o.OrderID, err)
	}
	o.Policy = p

	// A policy with no required approvals is complete the moment it's
	// attached.
	if len(p.Approval) == 0 {
		return c.finishCollection(ctx, o.OrderID, p)
	}

	for _, a := range p.Approval {
		if err := c.approvers.RequestApproval(ctx, a.Name, o); err != nil {
			c.logger.Printf("callout to approver %s for order %s failed: %v", a.Name, o.OrderID, err)
			return err
		}
	}
	return nil
}

// Upcall is the approver response payload.
type Upcall struct {
	OrderID           uuid.UUID       `json:"order_id"`
	ApproverName      string          `json:"approver_name"`
	ApprovalStatus    int             `json:"approval_status"`
	StatusReason      string          `json:"status_reason"`
	Metadata          json.RawMessage `json:"metadata"`
	MetadataSignature string          `json:"metadata_signature"`
}

// UpcallError is a rejection of the upcall itself (policy mismatch, bad
// signature) — distinct from the approver rejecting the order.
type UpcallError struct {
	Code    string
	Message string
}

func (e *UpcallError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// HandleApproverResponse records one approver's verdict. Duplicate deliveries overwrite the prior response; the write is
// an optimistic compare-and-swap against the stored policy, retried on
// contention with a fresh read. The first rejection moves the order to
// NotSigned at once; when every required verdict has landed as accepted
// the order transitions to ApproversReviewed.
func (c *Collector) HandleApproverResponse(ctx context.Context, up *Upcall) error {
	if err := c.verifySignature(up); err != nil {
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		o, err := c.orders.GetOrderByID(ctx, up.OrderID)
		if err != nil {
			return fmt.Errorf("policy: load order %s: %w", up.OrderID, err)
		}
		if o.Policy == nil || o.Policy.Find(up.ApproverName) == nil {
			return &UpcallError{Code: "policy_mismatch",
				Message: fmt.Sprintf("approver %s is not required for order %s", up.ApproverName, up.OrderID)}
		}
		if o.State != order.StateReceived {
			// Collection already finished (or the order was cancelled). Replay
			// of a verdict after the transition is a no-op.
			return nil
		}

		prev := clonePolicy(o.Policy)
		next := clonePolicy(o.Policy)
		slot := next.Find(up.ApproverName)
		status := up.ApprovalStatus
		respondedAt := time.Now().UTC()
		slot.Response = &status
		slot.StatusReason = up.StatusReason
		slot.RespondedAt = &respondedAt

		err = c.orders.CompareAndSwapPolicy(ctx, up.OrderID, prev, next, respondedAt)
		if err == orderstore.ErrConditionalCheckFailed {
			continue // another approver's verdict landed first; re-read
		}
		if err != nil {
			return fmt.Errorf("policy: record verdict for order %s: %w", up.OrderID, err)
		}
		return c.maybeTransition(ctx, up.OrderID, next)
	}
	return fmt.Errorf("policy: record verdict for order %s: contention retries exhausted", up.OrderID)
}

func (c *Collector) maybeTransition(ctx context.Context, orderID uuid.UUID, p *order.Policy) error {
	if p.AnyRejected() {
		return c.reject(ctx, orderID, p)
	}
	if p.AllAnswered() && p.AllAccepted() {
		return c.finishCollection(ctx, orderID, p)
	}
	return nil
}

func (c *Collector) finishCollection(ctx context.Context, orderID uuid.UUID, p *order.Policy) error {
	now := time.Now().UTC()
	err := c.orders.UpdateOrderStatus(ctx, orderID, order.StateApproversReviewed,
		order.PredecessorsFor(order.StateApproversReviewed), now)
	if err == orderstore.ErrConditionalCheckFailed {
		return nil // a concurrent delivery already advanced the order
	}
	if err != nil {
		return fmt.Errorf("policy: transition order %s to approvers-reviewed: %w", orderID, err)
	}
	c.logger.Printf("order %s: all %d approvals accepted under policy %s", orderID, len(p.Approval), p.Name)
	c.kicker.Kick(orderID)
	return nil
}

func (c *Collector) reject(ctx context.Context, orderID uuid.UUID, p *order.Policy) error {
	now := time.Now().UTC()
	var reasons []string
	for _, a := range p.Approval {
		if a.Response != nil && *a.Response == order.ApprovalStatusRejected {
			reasons = append(reasons, fmt.Sprintf("%s: %s", a.Name, a.StatusReason))
		}
	}
	if err := c.orders.SetOrderError(ctx, orderID, map[string]interface{}{
		"code":    "approval_rejected",
		"reasons": reasons,
	}, now); err != nil {
		c.logger.Printf("stamp rejection diagnostic on order %s: %v", orderID, err)
	}

	err := c.orders.UpdateOrderStatus(ctx, orderID, order.StateNotSigned,
		[]order.State{order.StateReceived}, now)
	if err == orderstore.ErrConditionalCheckFailed {
		return nil
	}
	if err != nil {
		return fmt.Errorf("policy: reject order %s: %w", orderID, err)
	}
	c.logger.Printf("order %s rejected by approvers: %v", orderID, reasons)
	return nil
}

// verifySignature checks metadata_signature against the approver's registered
// public key. Absent registration means the deployment has not opted this
// approver into verification; a present key with a bad signature is treated
// the same as an unknown approver (policy mismatch).
func (c *Collector) verifySignature(up *Upcall) error {
	pub, ok := c.pubKeys[up.ApproverName]
	if !ok {
		return nil
	}
	sig, err := base64.StdEncoding.DecodeString(up.MetadataSignature)
	if err != nil {
		return &UpcallError{Code: "policy_mismatch",
			Message: fmt.Sprintf("malformed metadata_signature from approver %s", up.ApproverName)}
	}
	if !ed25519.Verify(pub, up.Metadata, sig) {
		return &UpcallError{Code: "policy_mismatch",
			Message: fmt.Sprintf("metadata_signature from approver %s does not verify", up.ApproverName)}
	}
	return nil
}

func clonePolicy(p *order.Policy) *order.Policy {
	cp := &order.Policy{Name: p.Name, Approval: make([]order.Approval, len(p.Approval))}
	copy(cp.Approval, p.Approval)
	return cp
}
