// Copyright 2025 Certen Protocol
package intake

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
)

// fakeStore is an in-memory OrderStore.
type fakeStore struct {
	orders       map[uuid.UUID]*order.Order
	replacements []*order.Order
	cancelErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[uuid.UUID]*order.Order)}
}

func (f *fakeStore) CreateOrder(ctx context.Context, o *order.Order) error {
	if _, ok := f.orders[o.OrderID]; ok {
		return orderstore.ErrOrderIDCollision
	}
	f.orders[o.OrderID] = o
	return nil
}

func (f *fakeStore) CreateReplacementOrder(ctx context.Context, repl *order.Order) error {
	original, ok := f.orders[*repl.Replaces]
	if !ok {
		return orderstore.ErrNotFound
	}
	if original.ReplacedBy != nil {
		return orderstore.ErrConditionalCheckFailed
	}
	id := repl.OrderID
	original.ReplacedBy = &id
	f.orders[repl.OrderID] = repl
	f.replacements = append(f.replacements, repl)
	return nil
}

func (f *fakeStore) GetOrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, orderstore.ErrNotFound
	}
	return o, nil
}

func (f *fakeStore) RequestCancellation(ctx context.Context, id uuid.UUID, now time.Time) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	o, ok := f.orders[id]
	if !ok {
		return orderstore.ErrNotFound
	}
	if o.State != order.StateReceived && o.State != order.StateApproversReviewed {
		return orderstore.ErrConditionalCheckFailed
	}
	o.State = order.StateCancelled
	o.CancellationRequested = true
	return nil
}

type fakeKeys struct{ byAddress map[string]*orderstore.KeyRecord }

func (f *fakeKeys) GetByAddress(ctx context.Context, address string) (*orderstore.KeyRecord, error) {
	if rec, ok := f.byAddress[address]; ok {
		return rec, nil
	}
	return nil, orderstore.ErrNotFound
}

type fakeGasPool struct{ configured map[string]string }

func (f *fakeGasPool) Get(ctx context.Context, clientID string, chainID uint64, addrType orderstore.AddressType) (string, error) {
	if addr, ok := f.configured[string(addrType)]; ok {
		return addr, nil
	}
	return "", orderstore.ErrNotFound
}

type fakeKicker struct{ kicked []uuid.UUID }

func (f *fakeKicker) Kick(orderID uuid.UUID) { f.kicked = append(f.kicked, orderID) }

const testAddress = "0x25dfe735c17fec1d86a458657189060d65be69a8"

func newTestService(store *fakeStore) (*Service, *fakeKicker) {
	keys := &fakeKeys{byAddress: map[string]*orderstore.KeyRecord{
		testAddress: {KeyID: "key-1", Address: testAddress, ClientID: "client-1"},
	}}
	gasPool := &fakeGasPool{configured: map[string]string{
		"gas_pool":  "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"forwarder": "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
	}}
	kicker := &fakeKicker{}
	chains := config.ChainsSettings{Allowed: []config.ChainAllowlistEntry{{ChainID: 11155111, Name: "sepolia"}}}
	return NewService(store, keys, gasPool, kicker, chains), kicker
}

func legacyReq(gasPrice string) SignRequest {
	return SignRequest{Legacy: &order.LegacyTransaction{
		To: testAddress, Gas: 300000, GasPrice: gasPrice, Value: "1",
		Data: "0x6406516041610651325106165165106516169610", ChainID: 11155111,
	}}
}

func TestCreateSignatureOrder(t *testing.T) {
	store := newFakeStore()
	svc, kicker := newTestService(store)

	id, err := svc.CreateSignatureOrder(context.Background(), "client-1", testAddress, legacyReq("64"))
	if err != nil {
		t.Fatalf("CreateSignatureOrder: %v", err)
	}

	o := store.orders[id]
	if o == nil {
		t.Fatal("order not persisted")
	}
	if o.State != order.StateReceived || o.OrderType != order.TypeSignature {
		t.Errorf("order = %s/%s, want Received Signature", o.State, o.OrderType)
	}
	if o.KeyID != "key-1" || o.Address != testAddress || o.ChainID != 11155111 {
		t.Errorf("derived fields wrong: %+v", o)
	}
	if len(kicker.kicked) != 1 || kicker.kicked[0] != id {
		t.Error("orchestrator not kicked for the new order")
	}
}

func TestCreateSignatureOrder_Failures(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	cases := []struct {
		name     string
		clientID string
		address  string
		req      SignRequest
		wantCode string
	}{
		{"missing client id", "", testAddress, legacyReq("64"), "unauthorized"},
		{"unknown key", "client-1", "0xcccccccccccccccccccccccccccccccccccccccc", legacyReq("64"), "key_not_found"},
		{"no variant", "client-1", testAddress, SignRequest{}, "validation"},
		{"bad gas price", "client-1", testAddress, legacyReq("0x64"), "validation"},
		{"negative value", "client-1", testAddress, SignRequest{Legacy: &order.LegacyTransaction{
			To: testAddress, Gas: 21000, GasPrice: "64", Value: "-1", Data: "0x", ChainID: 11155111,
		}}, "validation"},
		{"data without 0x", "client-1", testAddress, SignRequest{Legacy: &order.LegacyTransaction{
			To: testAddress, Gas: 21000, GasPrice: "64", Value: "0", Data: "ff", ChainID: 11155111,
		}}, "validation"},
		{"chain not allowlisted", "client-1", testAddress, SignRequest{Legacy: &order.LegacyTransaction{
			To: testAddress, Gas: 21000, GasPrice: "64", Value: "0", Data: "0x", ChainID: 999,
		}}, "validation"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.CreateSignatureOrder(ctx, c.clientID, c.address, c.req)
			ce, ok := err.(*ClientError)
			if !ok {
				t.Fatalf("got %v, want *ClientError", err)
			}
			if ce.Code != c.wantCode {
				t.Errorf("code = %s, want %s", ce.Code, c.wantCode)
			}
		})
	}
	if len(store.orders) != 0 {
		t.Errorf("%d orders persisted by failing requests", len(store.orders))
	}
}

func TestCreateKey(t *testing.T) {
	store := newFakeStore()
	svc, kicker := newTestService(store)

	id, err := svc.CreateKey(context.Background(), "client-1", CreateKeyRequest{ClientUserID: "user-7"})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	o := store.orders[id]
	if o.OrderType != order.TypeKeyCreation || o.Data.Kind != order.DataKindKeyCreation {
		t.Errorf("order = %+v, want key creation", o)
	}
	if len(kicker.kicked) != 1 {
		t.Error("orchestrator not kicked")
	}

	if _, err := svc.CreateKey(context.Background(), "client-1", CreateKeyRequest{}); err == nil {
		t.Error("empty client_user_id accepted")
	}
}

func TestCreateSponsoredOrder(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store)

	typedData := []byte(`{"domain":{"chainId":11155111},"message":{}}`)
	id, err := svc.CreateSponsoredOrder(context.Background(), "client-1", testAddress, SignSponsoredRequest{
		Sponsored: &order.SponsoredTransaction{TypedData: typedData},
	})
	if err != nil {
		t.Fatalf("CreateSponsoredOrder: %v", err)
	}
	o := store.orders[id]
	if o.OrderType != order.TypeSponsored {
		t.Errorf("order type = %s", o.OrderType)
	}
	if o.Data.Sponsored.GasPoolAddress == "" || o.Data.Sponsored.ForwarderAddr == "" {
		t.Error("sponsor addresses not resolved from config")
	}
}

func TestCreateSponsoredOrder_MissingGasPool(t *testing.T) {
	store := newFakeStore()
	keys := &fakeKeys{byAddress: map[string]*orderstore.KeyRecord{
		testAddress: {KeyID: "key-1", Address: testAddress, ClientID: "client-1"},
	}}
	kicker := &fakeKicker{}
	chains := config.ChainsSettings{Allowed: []config.ChainAllowlistEntry{{ChainID: 11155111}}}
	svc := NewService(store, keys, &fakeGasPool{configured: map[string]string{}}, kicker, chains)

	typedData := []byte(`{"domain":{"chainId":11155111}}`)
	_, err := svc.CreateSponsoredOrder(context.Background(), "client-1", testAddress, SignSponsoredRequest{
		Sponsored: &order.SponsoredTransaction{TypedData: typedData},
	})
	ce, ok := err.(*ClientError)
	if !ok || ce.Code != "validation" {
		t.Fatalf("got %v, want validation client error", err)
	}
}
