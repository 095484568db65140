// Copyright 2025 Certen Protocol
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/chainrpc"
	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/intake"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
	"github.com/certen/mpc-orderflow/pkg/policy"
	"github.com/certen/mpc-orderflow/pkg/reconciler"
)

// ---- shared in-memory fakes -------------------------------------------------

type memStore struct {
	orders map[uuid.UUID]*order.Order
}

func newMemStore() *memStore { return &memStore{orders: make(map[uuid.UUID]*order.Order)} }

func (m *memStore) CreateOrder(ctx context.Context, o *order.Order) error {
	m.orders[o.OrderID] = o
	return nil
}

func (m *memStore) CreateReplacementOrder(ctx context.Context, repl *order.Order) error {
	original, ok := m.orders[*repl.Replaces]
	if !ok {
		return orderstore.ErrNotFound
	}
	if original.ReplacedBy != nil {
		return orderstore.ErrConditionalCheckFailed
	}
	id := repl.OrderID
	original.ReplacedBy = &id
	m.orders[repl.OrderID] = repl
	return nil
}

func (m *memStore) GetOrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, orderstore.ErrNotFound
	}
	return o, nil
}

func (m *memStore) RequestCancellation(ctx context.Context, id uuid.UUID, now time.Time) error {
	o, ok := m.orders[id]
	if !ok {
		return orderstore.ErrNotFound
	}
	if o.State != order.StateReceived && o.State != order.StateApproversReviewed {
		return orderstore.ErrConditionalCheckFailed
	}
	o.State = order.StateCancelled
	return nil
}

func (m *memStore) SetOrderPolicy(ctx context.Context, id uuid.UUID, p *order.Policy, now time.Time) error {
	o, ok := m.orders[id]
	if !ok {
		return orderstore.ErrNotFound
	}
	o.Policy = p
	return nil
}

func (m *memStore) CompareAndSwapPolicy(ctx context.Context, id uuid.UUID, prev, next *order.Policy, now time.Time) error {
	o, ok := m.orders[id]
	if !ok {
		return orderstore.ErrNotFound
	}
	o.Policy = next
	return nil
}

func (m *memStore) UpdateOrderStatus(ctx context.Context, id uuid.UUID, newState order.State, predecessors []order.State, now time.Time) error {
	o, ok := m.orders[id]
	if !ok {
		return orderstore.ErrNotFound
	}
	o.State = newState
	return nil
}

func (m *memStore) SetOrderError(ctx context.Context, id uuid.UUID, diag interface{}, now time.Time) error {
	return nil
}

func (m *memStore) GetOrdersByStatus(ctx context.Context, state order.State, threshold time.Time) ([]*order.Order, error) {
	var out []*order.Order
	for _, o := range m.orders {
		if o.State == state {
			out = append(out, o)
		}
	}
	return out, nil
}

type memKeys struct{}

func (memKeys) GetByAddress(ctx context.Context, address string) (*orderstore.KeyRecord, error) {
	if address == testAddr {
		return &orderstore.KeyRecord{KeyID: "key-1", Address: address, ClientID: "client-1"}, nil
	}
	return nil, orderstore.ErrNotFound
}

type memGasPool struct{}

func (memGasPool) Get(ctx context.Context, clientID string, chainID uint64, addrType orderstore.AddressType) (string, error) {
	return "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", nil
}

func (memGasPool) Set(ctx context.Context, clientID string, chainID uint64, addrType orderstore.AddressType, address string) error {
	return nil
}

type memKicker struct{}

func (memKicker) Kick(orderID uuid.UUID) {}

type memPolicies struct{}

func (memPolicies) Resolve(ctx context.Context, clientID string, chainID uint64, destination string) (string, error) {
	return "default-policy", nil
}

type memApprovers struct{}

func (memApprovers) FetchPolicyDocument(ctx context.Context, policyName string) (*policy.Document, error) {
	doc := &policy.Document{}
	doc.TenantApprovals.Required = []string{"approver-1"}
	return doc, nil
}

func (memApprovers) RequestApproval(ctx context.Context, approverName string, o *order.Order) error {
	return nil
}

const testAddr = "0x25dfe735c17fec1d86a458657189060d65be69a8"

func newTestServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	store := newMemStore()
	chains := config.ChainsSettings{Allowed: []config.ChainAllowlistEntry{{ChainID: 11155111, Name: "sepolia"}}}
	in := intake.NewService(store, memKeys{}, memGasPool{}, memKicker{}, chains)
	collector, err := policy.NewCollector(memPolicies{}, store, memApprovers{}, memKicker{}, config.ApproverSettings{}, nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	chain := chainrpc.NewClient(chains, nil)
	rec := reconciler.New(recStoreAdapter{store}, memNonces{}, memKeys{}, nilChain{}, memKicker{}, nil)

	srv := New(in, collector, rec, chain, memGasPool{}, store, nil,
		config.ServerSettings{AdminTokens: []string{"admin-token"}}, chains, nil)
	return srv, store
}

// recStoreAdapter narrows memStore to the reconciler's store interface.
type recStoreAdapter struct{ *memStore }

func (a recStoreAdapter) GetOrdersByTransactionHash(ctx context.Context, hash string) ([]*order.Order, error) {
	var out []*order.Order
	for _, o := range a.orders {
		if o.TransactionHash != nil && *o.TransactionHash == hash {
			out = append(out, o)
		}
	}
	return out, nil
}

func (a recStoreAdapter) UpdateOrderAndReplacementWithStatusBlock(ctx context.Context, id uuid.UUID, outcome orderstore.ReceiptOutcome, sibling *orderstore.SiblingTransition, now time.Time) error {
	o, ok := a.orders[id]
	if !ok {
		return orderstore.ErrNotFound
	}
	o.State = outcome.NewState
	return nil
}

type memNonces struct{}

func (memNonces) AdvanceIfHigher(ctx context.Context, address string, chainID uint64, observed uint64, now time.Time) error {
	return nil
}

type nilChain struct{}

func (nilChain) GetTransactionReceipt(ctx context.Context, chainID uint64, hash string) (*chainrpc.Receipt, error) {
	return &chainrpc.Receipt{TransactionHash: hash, Status: 1, BlockNumber: 1, BlockHash: "0xb"}, nil
}

func doRequest(srv *Server, method, path, clientID, body string, extraHeaders map[string]string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	srv.Routes(mux)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if clientID != "" {
		req.Header.Set(ClientIDHeader, clientID)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

// ---- tests ------------------------------------------------------------------

func TestCreateKey_Accepted(t *testing.T) {
	srv, store := newTestServer(t)
	rr := doRequest(srv, http.MethodPost, "/api/v1/keys", "client-1", `{"client_user_id":"user-7"}`, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, err := uuid.Parse(resp["order_id"]); err != nil {
		t.Errorf("order_id = %q, want a uuid", resp["order_id"])
	}
	if len(store.orders) != 1 {
		t.Error("order not persisted")
	}
}

func TestMissingClientID_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doRequest(srv, http.MethodPost, "/api/v1/keys", "", `{"client_user_id":"u"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestWrongContentType_415(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doRequest(srv, http.MethodPost, "/api/v1/keys", "client-1", `{"client_user_id":"u"}`,
		map[string]string{"Content-Type": "text/plain"})
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rr.Code)
	}
}

func TestSignLegacy_Accepted(t *testing.T) {
	srv, store := newTestServer(t)
	body := `{"to":"0x1111111111111111111111111111111111111111","gas":"5208","gas_price":"64","value":"0","data":"0x","chain_id":11155111}`
	rr := doRequest(srv, http.MethodPost, "/api/v1/keys/"+testAddr+"/sign", "client-1", body, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rr.Code, rr.Body)
	}
	for _, o := range store.orders {
		if o.OrderType != order.TypeSignature || o.Data.Kind != order.DataKindLegacy {
			t.Errorf("order = %s/%s, want Signature/legacy", o.OrderType, o.Data.Kind)
		}
	}
}

func TestSignUnknownKey_404(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"to":"0x1111111111111111111111111111111111111111","gas":"5208","gas_price":"64","value":"0","data":"0x","chain_id":11155111}`
	rr := doRequest(srv, http.MethodPost, "/api/v1/keys/0x9999999999999999999999999999999999999999/sign", "client-1", body, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 key_not_found", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "key_not_found") {
		t.Errorf("body = %s", rr.Body)
	}
}

func TestSign_MixedFeeFieldsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"to":"0x1111111111111111111111111111111111111111","gas":"5208","gas_price":"64","max_fee_per_gas":"64","max_priority_fee_per_gas":"32","value":"0","data":"0x","chain_id":11155111}`
	rr := doRequest(srv, http.MethodPost, "/api/v1/keys/"+testAddr+"/sign", "client-1", body, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for ambiguous variant", rr.Code)
	}
}

func TestOrderStatus_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doRequest(srv, http.MethodGet, "/api/v1/orders/"+uuid.NewString()+"/status", "client-1", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestSpeedUp_FeeTooLow400(t *testing.T) {
	srv, store := newTestServer(t)
	nonce := uint64(4)
	o := order.NewOrder("client-1", order.TypeSignature, order.NewLegacyData(order.LegacyTransaction{
		To: "0x1111111111111111111111111111111111111111", Gas: 21000, GasPrice: "64",
		Value: "0", Nonce: &nonce, Data: "0x", ChainID: 11155111,
	}), time.Now().UTC())
	o.State = order.StateSubmitted
	o.Address = testAddr
	o.ChainID = 11155111
	store.orders[o.OrderID] = o

	rr := doRequest(srv, http.MethodPost, "/api/v1/orders/"+o.OrderID.String()+"/speedup", "client-1",
		`{"gas_price":"64"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rr.Code, rr.Body)
	}
	if !strings.Contains(rr.Body.String(), "original gas price (100) is higher than new gas price (100)") {
		t.Errorf("body = %s", rr.Body)
	}
}

func TestApproverUpcall_PolicyMismatch400(t *testing.T) {
	srv, store := newTestServer(t)
	o := order.NewOrder("client-1", order.TypeSignature, order.NewLegacyData(order.LegacyTransaction{
		To: "0x1111111111111111111111111111111111111111", Gas: 21000, GasPrice: "64",
		Value: "0", Data: "0x", ChainID: 11155111,
	}), time.Now().UTC())
	o.Policy = &order.Policy{Name: "default-policy", Approval: []order.Approval{{Name: "approver-1", Level: "tenant"}}}
	store.orders[o.OrderID] = o

	body := `{"order_id":"` + o.OrderID.String() + `","approver_name":"impostor","approval_status":1}`
	rr := doRequest(srv, http.MethodPost, "/api/v1/approvals", "", body, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 policy_mismatch: %s", rr.Code, rr.Body)
	}
}

func TestChainEvent_Processed(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"hash":"0xaaa","from":"0x9999999999999999999999999999999999999999","to":"0x1111111111111111111111111111111111111111","nonce":"0x7","chainId":"11155111","blockHash":"0xb","blockNumber":"0x10"}`
	rr := doRequest(srv, http.MethodPost, "/api/v1/events/transactions", "", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
}

func TestAdminOrders_RequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doRequest(srv, http.MethodGet, "/api/v1/admin/orders?state=RECEIVED", "", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", rr.Code)
	}

	rr = doRequest(srv, http.MethodGet, "/api/v1/admin/orders?state=RECEIVED", "", "",
		map[string]string{"Authorization": "Bearer admin-token"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with token: %s", rr.Code, rr.Body)
	}
}

func TestGasPoolConfig_Created(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doRequest(srv, http.MethodPost, "/api/v1/gas_pool/chains/11155111", "client-1",
		`{"gas_pool_address":"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body)
	}
}

func TestGasPoolConfig_UnknownChain400(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doRequest(srv, http.MethodPost, "/api/v1/gas_pool/chains/999", "client-1",
		`{"gas_pool_address":"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
