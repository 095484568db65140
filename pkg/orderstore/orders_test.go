// Copyright 2025 Certen Protocol
//
// Integration tests against a real Postgres instance. Set ORDERFLOW_TEST_DB
// to a Postgres DSN to run these; they are skipped otherwise.
package orderstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/order"
)

var testClient *Client

func TestMain(m *testing.M) {
	dsn := os.Getenv("ORDERFLOW_TEST_DB")
	if dsn == "" {
		os.Exit(0)
	}
	cfg := &config.Config{Database: config.DatabaseSettings{
		URL: dsn, MaxOpenConns: 5, MaxIdleConns: 2,
		OrdersTable: "orders", LocksTable: "address_locks", NoncesTable: "nonce_counters",
		PolicyTable: "policy_bindings", KeyDirectoryTable: "key_directory", GasPoolTable: "gas_pool_config",
	}}
	var err error
	testClient, err = NewClient(cfg)
	if err != nil {
		panic("connect test db: " + err.Error())
	}
	if err := testClient.MigrateUp(context.Background()); err != nil {
		panic("migrate test db: " + err.Error())
	}
	os.Exit(m.Run())
}

func newTestOrder(clientID string) *order.Order {
	now := time.Now().UTC().Truncate(time.Millisecond)
	o := order.NewOrder(clientID, order.TypeSignature, order.NewLegacyData(order.LegacyTransaction{
		To: "0x25dfe735c17fec1d86a458657189060d65be69a8", Gas: 21000, GasPrice: "64", Value: "0",
		Data: "0x", ChainID: 11155111,
	}), now)
	o.KeyID = "key-1"
	o.Address = "0x25dfe735c17fec1d86a458657189060d65be69a8"
	o.ChainID = 11155111
	return o
}

func TestOrderRepository_CreateAndGet(t *testing.T) {
	if testClient == nil {
		t.Skip("ORDERFLOW_TEST_DB not configured")
	}
	repo := NewOrderRepository(testClient)
	ctx := context.Background()

	o := newTestOrder("client-a")
	if err := repo.CreateOrder(ctx, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := repo.GetOrderByID(ctx, o.OrderID)
	if err != nil {
		t.Fatalf("GetOrderByID: %v", err)
	}
	if got.State != order.StateReceived {
		t.Errorf("state = %s, want %s", got.State, order.StateReceived)
	}

	if err := repo.CreateOrder(ctx, o); err != ErrOrderIDCollision {
		t.Errorf("duplicate create: got %v, want ErrOrderIDCollision", err)
	}
}

func TestOrderRepository_UpdateOrderStatus_ConditionalCheck(t *testing.T) {
	if testClient == nil {
		t.Skip("ORDERFLOW_TEST_DB not configured")
	}
	repo := NewOrderRepository(testClient)
	ctx := context.Background()

	o := newTestOrder("client-b")
	if err := repo.CreateOrder(ctx, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Legal transition succeeds.
	if err := repo.UpdateOrderStatus(ctx, o.OrderID, order.StateApproversReviewed, order.PredecessorsFor(order.StateApproversReviewed), time.Now()); err != nil {
		t.Fatalf("legal transition: %v", err)
	}

	// Replaying the same transition against the now-stale predecessor fails.
	if err := repo.UpdateOrderStatus(ctx, o.OrderID, order.StateApproversReviewed, order.PredecessorsFor(order.StateApproversReviewed), time.Now()); err != ErrConditionalCheckFailed {
		t.Errorf("stale transition: got %v, want ErrConditionalCheckFailed", err)
	}
}

func TestLockRepository_AcquireRelease(t *testing.T) {
	if testClient == nil {
		t.Skip("ORDERFLOW_TEST_DB not configured")
	}
	locks := NewLockRepository(testClient)
	ctx := context.Background()
	addr := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	o1 := newTestOrder("client-c")
	o2 := newTestOrder("client-c")

	if err := locks.Acquire(ctx, addr, 1, o1.OrderID, time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Re-acquiring by the same order is idempotent.
	if err := locks.Acquire(ctx, addr, 1, o1.OrderID, time.Minute); err != nil {
		t.Fatalf("idempotent re-acquire: %v", err)
	}
	// A different order is refused while the lock is live.
	if err := locks.Acquire(ctx, addr, 1, o2.OrderID, time.Minute); err != ErrLockHeld {
		t.Errorf("contended acquire: got %v, want ErrLockHeld", err)
	}

	if err := locks.Release(ctx, addr, 1, o1.OrderID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := locks.Acquire(ctx, addr, 1, o2.OrderID, time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestNonceRepository_CompareAndSwap(t *testing.T) {
	if testClient == nil {
		t.Skip("ORDERFLOW_TEST_DB not configured")
	}
	nonces := NewNonceRepository(testClient)
	ctx := context.Background()
	addr := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	if err := nonces.Seed(ctx, addr, 1, 5, time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := nonces.CompareAndSwap(ctx, addr, 1, 5, 6, "0xhash", time.Now()); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if err := nonces.CompareAndSwap(ctx, addr, 1, 5, 6, "0xhash", time.Now()); err != ErrConditionalCheckFailed {
		t.Errorf("stale cas: got %v, want ErrConditionalCheckFailed", err)
	}
}

func TestOrderRepository_CreateReplacementOrder(t *testing.T) {
	if testClient == nil {
		t.Skip("ORDERFLOW_TEST_DB not configured")
	}
	repo := NewOrderRepository(testClient)
	ctx := context.Background()

	original := newTestOrder("client-d")
	original.State = order.StateSubmitted
	hash := "0xoriginal-hash"
	original.TransactionHash = &hash
	original.SignedTransaction = []byte{0xf8, 0x01, 0x02}
	if err := repo.CreateOrder(ctx, original); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	nonce := uint64(4)
	repl := order.NewOrder("client-d", order.TypeSpeedUp, order.NewLegacyData(order.LegacyTransaction{
		To: original.Address, Gas: 21000, GasPrice: "65", Value: "0", Nonce: &nonce,
		Data: "0x00", ChainID: 11155111,
	}), time.Now().UTC().Truncate(time.Millisecond))
	repl.KeyID = original.KeyID
	repl.Address = original.Address
	repl.ChainID = original.ChainID
	repl.Replaces = &original.OrderID
	if err := repo.CreateReplacementOrder(ctx, repl); err != nil {
		t.Fatalf("CreateReplacementOrder: %v", err)
	}

	// The replacement row must have landed with every trailing column intact.
	gotRepl, err := repo.GetOrderByID(ctx, repl.OrderID)
	if err != nil {
		t.Fatalf("GetOrderByID(replacement): %v", err)
	}
	if gotRepl.Replaces == nil || *gotRepl.Replaces != original.OrderID {
		t.Error("replacement's replaces link not persisted")
	}
	if gotRepl.TransactionHash != nil || len(gotRepl.SignedTransaction) != 0 {
		t.Error("fresh replacement must carry no transaction hash or signed blob")
	}
	if gotRepl.BlockNumber != nil || gotRepl.BlockHash != nil {
		t.Error("fresh replacement must carry no block fields")
	}
	if !gotRepl.CreatedAt.Equal(repl.CreatedAt) || !gotRepl.LastModifiedAt.Equal(repl.LastModifiedAt) {
		t.Errorf("timestamps shifted: got %v/%v want %v/%v",
			gotRepl.CreatedAt, gotRepl.LastModifiedAt, repl.CreatedAt, repl.LastModifiedAt)
	}
	if n := gotRepl.Data.Nonce(); n == nil || *n != 4 {
		t.Errorf("replacement nonce = %v, want 4", n)
	}

	// The original must carry the forward link, its own signed blob untouched.
	gotOriginal, err := repo.GetOrderByID(ctx, original.OrderID)
	if err != nil {
		t.Fatalf("GetOrderByID(original): %v", err)
	}
	if gotOriginal.ReplacedBy == nil || *gotOriginal.ReplacedBy != repl.OrderID {
		t.Error("original's replaced_by not claimed")
	}
	if string(gotOriginal.SignedTransaction) != string(original.SignedTransaction) {
		t.Errorf("original signed_transaction = %x, want %x", gotOriginal.SignedTransaction, original.SignedTransaction)
	}

	// A second concurrent replacement loses the replaced_by claim.
	second := order.NewOrder("client-d", order.TypeSpeedUp, repl.Data, time.Now().UTC())
	second.KeyID = original.KeyID
	second.Address = original.Address
	second.ChainID = original.ChainID
	second.Replaces = &original.OrderID
	if err := repo.CreateReplacementOrder(ctx, second); err != ErrConditionalCheckFailed {
		t.Errorf("second replacement: got %v, want ErrConditionalCheckFailed", err)
	}
}
