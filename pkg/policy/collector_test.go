// Copyright 2025 Certen Protocol
package policy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
)

type fakeOrderStore struct {
	orders map[uuid.UUID]*order.Order
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[uuid.UUID]*order.Order)}
}

func (f *fakeOrderStore) GetOrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, orderstore.ErrNotFound
	}
	cp := *o
	if o.Policy != nil {
		cp.Policy = clonePolicy(o.Policy)
	}
	return &cp, nil
}

func (f *fakeOrderStore) SetOrderPolicy(ctx context.Context, id uuid.UUID, p *order.Policy, now time.Time) error {
	o, ok := f.orders[id]
	if !ok {
		return orderstore.ErrNotFound
	}
	if o.State != order.StateReceived {
		return orderstore.ErrConditionalCheckFailed
	}
	o.Policy = clonePolicy(p)
	o.LastModifiedAt = now
	return nil
}

func (f *fakeOrderStore) CompareAndSwapPolicy(ctx context.Context, id uuid.UUID, prev, next *order.Policy, now time.Time) error {
	o, ok := f.orders[id]
	if !ok {
		return orderstore.ErrNotFound
	}
	if o.State != order.StateReceived || !policiesEqual(o.Policy, prev) {
		return orderstore.ErrConditionalCheckFailed
	}
	o.Policy = clonePolicy(next)
	o.LastModifiedAt = now
	return nil
}

func policiesEqual(a, b *order.Policy) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name != b.Name || len(a.Approval) != len(b.Approval) {
		return false
	}
	for i := range a.Approval {
		x, y := a.Approval[i], b.Approval[i]
		if x.Name != y.Name || x.Level != y.Level || x.StatusReason != y.StatusReason {
			return false
		}
		if (x.Response == nil) != (y.Response == nil) {
			return false
		}
		if x.Response != nil && *x.Response != *y.Response {
			return false
		}
	}
	return true
}

func (f *fakeOrderStore) UpdateOrderStatus(ctx context.Context, id uuid.UUID, newState order.State, predecessors []order.State, now time.Time) error {
	o, ok := f.orders[id]
	if !ok {
		return orderstore.ErrNotFound
	}
	for _, p := range predecessors {
		if o.State == p {
			o.State = newState
			o.LastModifiedAt = now
			return nil
		}
	}
	return orderstore.ErrConditionalCheckFailed
}

func (f *fakeOrderStore) SetOrderError(ctx context.Context, id uuid.UUID, diag interface{}, now time.Time) error {
	return nil
}

type fakePolicyStore struct{ name string }

func (f *fakePolicyStore) Resolve(ctx context.Context, clientID string, chainID uint64, destination string) (string, error) {
	if f.name == "" {
		return "", orderstore.ErrNoPolicy
	}
	return f.name, nil
}

type fakeApproverClient struct {
	doc      *Document
	callouts []string
}

func (f *fakeApproverClient) FetchPolicyDocument(ctx context.Context, policyName string) (*Document, error) {
	return f.doc, nil
}

func (f *fakeApproverClient) RequestApproval(ctx context.Context, approverName string, o *order.Order) error {
	f.callouts = append(f.callouts, approverName)
	return nil
}

type fakeKicker struct{ kicked []uuid.UUID }

func (f *fakeKicker) Kick(orderID uuid.UUID) { f.kicked = append(f.kicked, orderID) }

func twoApproverDoc() *Document {
	doc := &Document{}
	doc.TenantApprovals.Required = []string{"tenant-approver"}
	doc.DomainApprovals.Required = []string{"domain-approver"}
	return doc
}

func newTestCollector(t *testing.T, store *fakeOrderStore, approvers *fakeApproverClient) (*Collector, *fakeKicker) {
	t.Helper()
	kicker := &fakeKicker{}
	c, err := NewCollector(&fakePolicyStore{name: "default-policy"}, store, approvers, kicker,
		config.ApproverSettings{}, nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c, kicker
}

func receivedOrder(store *fakeOrderStore) *order.Order {
	o := order.NewOrder("client-1", order.TypeSignature, order.NewLegacyData(order.LegacyTransaction{
		To: "0x1111111111111111111111111111111111111111", Gas: 21000, GasPrice: "64",
		Value: "0", Data: "0x", ChainID: 11155111,
	}), time.Now().UTC())
	o.KeyID = "key-1"
	o.Address = "0xsender"
	o.ChainID = 11155111
	store.orders[o.OrderID] = o
	return o
}

func TestBegin_MaterializesAndDispatches(t *testing.T) {
	store := newFakeOrderStore()
	approvers := &fakeApproverClient{doc: twoApproverDoc()}
	c, _ := newTestCollector(t, store, approvers)
	o := receivedOrder(store)

	if err := c.Begin(context.Background(), o); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	stored := store.orders[o.OrderID]
	if stored.Policy == nil || stored.Policy.Name != "default-policy" {
		t.Fatalf("policy not attached: %+v", stored.Policy)
	}
	if len(stored.Policy.Approval) != 2 {
		t.Fatalf("approvals = %d, want 2", len(stored.Policy.Approval))
	}
	if stored.Policy.Find("tenant-approver").Level != LevelTenant ||
		stored.Policy.Find("domain-approver").Level != LevelDomain {
		t.Error("approval levels not tagged from the document lists")
	}
	if len(approvers.callouts) != 2 {
		t.Errorf("callouts = %v, want both approvers", approvers.callouts)
	}
	if stored.State != order.StateReceived {
		t.Errorf("state = %s, collection keeps the order in Received", stored.State)
	}
}

func TestBegin_NoPolicyIsDefinitive(t *testing.T) {
	store := newFakeOrderStore()
	kicker := &fakeKicker{}
	c, err := NewCollector(&fakePolicyStore{}, store, &fakeApproverClient{doc: twoApproverDoc()}, kicker,
		config.ApproverSettings{}, nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	o := receivedOrder(store)
	if err := c.Begin(context.Background(), o); err == nil {
		t.Fatal("missing policy binding must fail")
	}
}

func TestBegin_ReentryKeepsRecordedVerdicts(t *testing.T) {
	store := newFakeOrderStore()
	approvers := &fakeApproverClient{doc: twoApproverDoc()}
	c, _ := newTestCollector(t, store, approvers)
	o := receivedOrder(store)

	if err := c.Begin(context.Background(), o); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := c.HandleApproverResponse(context.Background(), &Upcall{
		OrderID: o.OrderID, ApproverName: "tenant-approver", ApprovalStatus: order.ApprovalStatusAccepted,
	}); err != nil {
		t.Fatalf("upcall: %v", err)
	}

	// Re-entry with the refreshed order must not wipe the recorded verdict.
	refreshed, _ := store.GetOrderByID(context.Background(), o.OrderID)
	approvers.callouts = nil
	if err := c.Begin(context.Background(), refreshed); err != nil {
		t.Fatalf("re-entry Begin: %v", err)
	}
	stored := store.orders[o.OrderID]
	if stored.Policy.Find("tenant-approver").Response == nil {
		t.Error("re-entry wiped a recorded verdict")
	}
	if len(approvers.callouts) != 1 || approvers.callouts[0] != "domain-approver" {
		t.Errorf("re-entry callouts = %v, want only the unanswered approver", approvers.callouts)
	}
}

func acceptUpcall(orderID uuid.UUID, approver string) *Upcall {
	return &Upcall{OrderID: orderID, ApproverName: approver, ApprovalStatus: order.ApprovalStatusAccepted}
}

func TestHandleApproverResponse_AllAcceptedTransitions(t *testing.T) {
	store := newFakeOrderStore()
	approvers := &fakeApproverClient{doc: twoApproverDoc()}
	c, kicker := newTestCollector(t, store, approvers)
	o := receivedOrder(store)
	if err := c.Begin(context.Background(), o); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := c.HandleApproverResponse(context.Background(), acceptUpcall(o.OrderID, "tenant-approver")); err != nil {
		t.Fatalf("first upcall: %v", err)
	}
	if store.orders[o.OrderID].State != order.StateReceived {
		t.Fatal("transitioned before all approvals answered")
	}

	if err := c.HandleApproverResponse(context.Background(), acceptUpcall(o.OrderID, "domain-approver")); err != nil {
		t.Fatalf("second upcall: %v", err)
	}
	if got := store.orders[o.OrderID].State; got != order.StateApproversReviewed {
		t.Fatalf("state = %s, want ApproversReviewed", got)
	}
	if len(kicker.kicked) != 1 {
		t.Error("orchestrator not kicked on completion")
	}
}

func TestHandleApproverResponse_Idempotent(t *testing.T) {
	store := newFakeOrderStore()
	approvers := &fakeApproverClient{doc: twoApproverDoc()}
	c, _ := newTestCollector(t, store, approvers)
	o := receivedOrder(store)
	if err := c.Begin(context.Background(), o); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	up := acceptUpcall(o.OrderID, "tenant-approver")
	if err := c.HandleApproverResponse(context.Background(), up); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	stateBefore := store.orders[o.OrderID].State
	if err := c.HandleApproverResponse(context.Background(), up); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if store.orders[o.OrderID].State != stateBefore {
		t.Error("duplicate delivery changed order state")
	}

	// Replay after completion is also a no-op.
	if err := c.HandleApproverResponse(context.Background(), acceptUpcall(o.OrderID, "domain-approver")); err != nil {
		t.Fatalf("completing upcall: %v", err)
	}
	modifiedAt := store.orders[o.OrderID].LastModifiedAt
	if err := c.HandleApproverResponse(context.Background(), acceptUpcall(o.OrderID, "domain-approver")); err != nil {
		t.Fatalf("replay after completion: %v", err)
	}
	if store.orders[o.OrderID].LastModifiedAt != modifiedAt {
		t.Error("replay after completion modified the order")
	}
}

func TestHandleApproverResponse_RejectionTerminates(t *testing.T) {
	store := newFakeOrderStore()
	approvers := &fakeApproverClient{doc: twoApproverDoc()}
	c, _ := newTestCollector(t, store, approvers)
	o := receivedOrder(store)
	if err := c.Begin(context.Background(), o); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := c.HandleApproverResponse(context.Background(), &Upcall{
		OrderID: o.OrderID, ApproverName: "tenant-approver",
		ApprovalStatus: order.ApprovalStatusRejected, StatusReason: "destination blocked",
	}); err != nil {
		t.Fatalf("rejection upcall: %v", err)
	}
	if got := store.orders[o.OrderID].State; got != order.StateNotSigned {
		t.Fatalf("state = %s, want NotSigned", got)
	}
}

func TestHandleApproverResponse_UnknownApprover(t *testing.T) {
	store := newFakeOrderStore()
	approvers := &fakeApproverClient{doc: twoApproverDoc()}
	c, _ := newTestCollector(t, store, approvers)
	o := receivedOrder(store)
	if err := c.Begin(context.Background(), o); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	err := c.HandleApproverResponse(context.Background(), acceptUpcall(o.OrderID, "impostor"))
	ue, ok := err.(*UpcallError)
	if !ok || ue.Code != "policy_mismatch" {
		t.Fatalf("got %v, want policy_mismatch", err)
	}
}

func TestHandleApproverResponse_SignatureVerification(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	store := newFakeOrderStore()
	approvers := &fakeApproverClient{doc: twoApproverDoc()}
	kicker := &fakeKicker{}
	c, err := NewCollector(&fakePolicyStore{name: "default-policy"}, store, approvers, kicker,
		config.ApproverSettings{PublicKeys: map[string]string{
			"tenant-approver": base64.StdEncoding.EncodeToString(pub),
		}}, nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	o := receivedOrder(store)
	if err := c.Begin(context.Background(), o); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	metadata := []byte(`{"verdict":"ok"}`)
	good := &Upcall{
		OrderID: o.OrderID, ApproverName: "tenant-approver",
		ApprovalStatus: order.ApprovalStatusAccepted, Metadata: metadata,
		MetadataSignature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, metadata)),
	}
	if err := c.HandleApproverResponse(context.Background(), good); err != nil {
		t.Fatalf("verified upcall rejected: %v", err)
	}

	bad := &Upcall{
		OrderID: o.OrderID, ApproverName: "tenant-approver",
		ApprovalStatus: order.ApprovalStatusAccepted, Metadata: metadata,
		MetadataSignature: base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)),
	}
	err = c.HandleApproverResponse(context.Background(), bad)
	if ue, ok := err.(*UpcallError); !ok || ue.Code != "policy_mismatch" {
		t.Fatalf("got %v, want policy_mismatch for a bad signature", err)
	}
}
