// Copyright 2025 Certen Protocol
//
// Package orchestrator is the cooperative scheduler that steps
// each order through its legal states one durable edge at a time.
// Concurrent executions for the same order are tolerated — the Order Store's
// conditional writes arbitrate; within this process a single-flight guard
// keeps each order on one goroutine at a time while orders proceed in
// parallel across the worker pool.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/mpc"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
)

// OrderStore is the repository slice the orchestrator drives transitions through.
type OrderStore interface {
	GetOrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	GetOrdersByKeyChainTypeState(ctx context.Context, keyID string, chainID uint64, orderType order.Type, state order.State, limit int) ([]*order.Order, error)
	GetOrdersByKeyChainState(ctx context.Context, keyID string, chainID uint64, states []order.State) ([]*order.Order, error)
	GetOrdersByStatus(ctx context.Context, state order.State, lastModifiedThreshold time.Time) ([]*order.Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, newState order.State, predecessors []order.State, now time.Time) error
	UpdateOrderStateAndUnlockAddress(ctx context.Context, id uuid.UUID, newState order.State, predecessors []order.State, now time.Time, extra ...orderstore.ExtraAssignment) error
	SetOrderError(ctx context.Context, id uuid.UUID, diag interface{}, now time.Time) error
}

// LockStore claims the Address Lock.
type LockStore interface {
	Acquire(ctx context.Context, address string, chainID uint64, orderID uuid.UUID, ttl time.Duration) error
}

// KeyDirectory records freshly created keys.
type KeyDirectory interface {
	Create(ctx context.Context, rec *orderstore.KeyRecord) error
}

// PolicyCollector begins approval collection for an order in Received.
type PolicyCollector interface {
	Begin(ctx context.Context, o *order.Order) error
}

// SignerGateway drives SelectedForSigning → Signed.
type SignerGateway interface {
	Sign(ctx context.Context, o *order.Order) error
}

// Submitter drives Signed → Submitted.
type Submitter interface {
	Submit(ctx context.Context, o *order.Order) error
}

// KeyCreator is the MPC key-generation capability consumed by KeyCreation orders.
type KeyCreator interface {
	CreateKey(ctx context.Context, orderID uuid.UUID, clientID, clientUserID string) (*mpc.KeyResult, error)
}

// StateObserver is notified after every durable transition the orchestrator
// performs — the seam the metrics and Firestore mirrors hang off.
type StateObserver interface {
	OrderTransitioned(o *order.Order, from, to order.State)
}

// AdvanceObserver is the optional latency half of a StateObserver: observers
// that also implement it receive the selection-to-broadcast duration of each
// successful advance.
type AdvanceObserver interface {
	ObserveAdvanceLatency(seconds float64)
}

// Orchestrator owns the worker pool and the per-(key, chain) selection logic.
type Orchestrator struct {
	orders    OrderStore
	locks     LockStore
	keys      KeyDirectory
	collector PolicyCollector
	signer    SignerGateway
	submitter Submitter
	keyGen    KeyCreator
	observer  StateObserver
	cfg       config.OrchestratorSettings
	logger    *log.Logger

	kicks chan uuid.UUID

	mu       sync.Mutex
	inFlight map[uuid.UUID]bool
}

// New constructs an Orchestrator. observer may be nil.
func New(orders OrderStore, locks LockStore, keys KeyDirectory, collector PolicyCollector,
	signerGw SignerGateway, sub Submitter, keyGen KeyCreator, observer StateObserver,
	cfg config.OrchestratorSettings, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		orders:    orders,
		locks:     locks,
		keys:      keys,
		collector: collector,
		signer:    signerGw,
		submitter: sub,
		keyGen:    keyGen,
		observer:  observer,
		cfg:       cfg,
		logger:    logger,
		kicks:     make(chan uuid.UUID, 1024),
		inFlight:  make(map[uuid.UUID]bool),
	}
}

// SetCollector wires the policy collector after construction — the collector
// needs the orchestrator as its kicker, so the pair is tied together in two
// steps. Must be called before Run.
func (o *Orchestrator) SetCollector(c PolicyCollector) {
	o.collector = c
}

// Kick enqueues an order for a scheduling pass. Non-blocking: a full queue
// drops the kick, which the recovery scan repairs.
func (o *Orchestrator) Kick(orderID uuid.UUID) {
	select {
	case o.kicks <- orderID:
	default:
		o.logger.Printf("kick queue full, dropping kick for order %s (recovery scan will pick it up)", orderID)
	}
}

// Run starts the worker pool and the recovery-scan ticker, blocking until
// ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-o.kicks:
					o.process(ctx, id)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.cfg.RecoveryScanInterval.Duration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.recoveryScan(ctx)
			}
		}
	}()

	wg.Wait()
}

// process runs one scheduling pass for orderID under the single-flight guard.
func (o *Orchestrator) process(ctx context.Context, orderID uuid.UUID) {
	o.mu.Lock()
	if o.inFlight[orderID] {
		o.mu.Unlock()
		return
	}
	o.inFlight[orderID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inFlight, orderID)
		o.mu.Unlock()
	}()

	ord, err := o.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		o.logger.Printf("load order %s: %v", orderID, err)
		return
	}

	if err := o.step(ctx, ord); err != nil {
		o.logger.Printf("order %s step from %s failed: %v", ord.OrderID, ord.State, err)
		o.failOrder(ctx, ord, err)
	}
}

// step advances ord one edge based on its current state.
func (o *Orchestrator) step(ctx context.Context, ord *order.Order) error {
	switch ord.State {
	case order.StateReceived:
		if ord.OrderType == order.TypeKeyCreation {
			return o.createKey(ctx, ord)
		}
		return o.collector.Begin(ctx, ord)

	case order.StateApproversReviewed:
		return o.selectAndAdvance(ctx, ord.KeyID, ord.ChainID)

	case order.StateSelectedForSigning:
		return o.driveSigning(ctx, ord)

	case order.StateSigned:
		return o.driveSubmission(ctx, ord)

	case order.StateSubmitted:
		return nil // waiting on the reconciler

	default:
		// A kick on a settled order is how the reconciler wakes the next
		// candidate for this sender after a lock release.
		if ord.State.IsTerminal() && ord.KeyID != "" {
			return o.selectAndAdvance(ctx, ord.KeyID, ord.ChainID)
		}
		return nil
	}
}

// createKey completes a KeyCreation order: MPC generates the key, the Key
// Directory binds address → key_id, and the order settles as Completed.
// KeyCreation never touches nonces, hashes, or the Address Lock.
func (o *Orchestrator) createKey(ctx context.Context, ord *order.Order) error {
	if ord.Data.Kind != order.DataKindKeyCreation {
		return fmt.Errorf("orchestrator: key creation order %s carries %q data", ord.OrderID, ord.Data.Kind)
	}
	result, err := o.keyGen.CreateKey(ctx, ord.OrderID, ord.ClientID, ord.Data.KeyCreation.ClientUserID)
	if err != nil {
		return fmt.Errorf("orchestrator: mpc create key for order %s: %w", ord.OrderID, err)
	}
	now := time.Now().UTC()
	if err := o.keys.Create(ctx, &orderstore.KeyRecord{
		KeyID:     result.KeyID,
		Address:   result.Address,
		ClientID:  ord.ClientID,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("orchestrator: register key for order %s: %w", ord.OrderID, err)
	}
	err = o.orders.UpdateOrderStatus(ctx, ord.OrderID, order.StateCompleted,
		[]order.State{order.StateReceived}, now)
	if err == orderstore.ErrConditionalCheckFailed {
		return nil
	}
	if err != nil {
		return fmt.Errorf("orchestrator: complete key order %s: %w", ord.OrderID, err)
	}
	o.notify(ord, order.StateReceived, order.StateCompleted)
	o.logger.Printf("key creation order %s completed (key=%s address=%s)", ord.OrderID, result.KeyID, result.Address)
	return nil
}

// lockingStates is the set implying an active Address Lock.
var lockingStates = []order.State{order.StateSelectedForSigning, order.StateSigned, order.StateSubmitted}

// selectionPriority orders competing ApproversReviewed types: cancellations
// first, then speed-ups, then fresh signatures.
var selectionPriority = [][]order.Type{
	{order.TypeCancellation},
	{order.TypeSpeedUp},
	{order.TypeSignature, order.TypeSponsored},
}

// selectAndAdvance implements the order-selection procedure for one
// (key_id, chain_id): at most one order enters the locking states at a time.
func (o *Orchestrator) selectAndAdvance(ctx context.Context, keyID string, chainID uint64) error {
	// Step 1: if anything already locks for this sender, let it finish first.
	locking, err := o.orders.GetOrdersByKeyChainState(ctx, keyID, chainID, lockingStates)
	if err != nil {
		return fmt.Errorf("orchestrator: scan locking orders: %w", err)
	}
	if len(locking) > 0 {
		return nil
	}

	// Step 2: pick the highest-priority, oldest ApproversReviewed order.
	chosen, err := o.chooseReviewed(ctx, keyID, chainID)
	if err != nil {
		return err
	}
	if chosen == nil {
		return nil
	}

	// Claim the Address Lock, then transition. A lock held by a different
	// order means another selection path is driving — back off.
	err = o.locks.Acquire(ctx, chosen.Address, chosen.ChainID, chosen.OrderID, o.cfg.AddressLockTTL.Duration())
	if err == orderstore.ErrLockHeld {
		return nil
	}
	if err != nil {
		return fmt.Errorf("orchestrator: acquire lock for order %s: %w", chosen.OrderID, err)
	}

	now := time.Now().UTC()
	err = o.orders.UpdateOrderStatus(ctx, chosen.OrderID, order.StateSelectedForSigning,
		order.PredecessorsFor(order.StateSelectedForSigning), now)
	if err == orderstore.ErrConditionalCheckFailed {
		return nil // lost the transition race; the winner drives it
	}
	if err != nil {
		return fmt.Errorf("orchestrator: select order %s for signing: %w", chosen.OrderID, err)
	}
	o.notify(chosen, order.StateApproversReviewed, order.StateSelectedForSigning)

	chosen.State = order.StateSelectedForSigning
	start := time.Now()
	if err := o.driveSigning(ctx, chosen); err != nil {
		return err
	}
	if lat, ok := o.observer.(AdvanceObserver); ok {
		lat.ObserveAdvanceLatency(time.Since(start).Seconds())
	}
	return nil
}

func (o *Orchestrator) chooseReviewed(ctx context.Context, keyID string, chainID uint64) (*order.Order, error) {
	for _, types := range selectionPriority {
		var oldest *order.Order
		for _, t := range types {
			batch, err := o.orders.GetOrdersByKeyChainTypeState(ctx, keyID, chainID, t, order.StateApproversReviewed, 1)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: scan reviewed %s orders: %w", t, err)
			}
			if len(batch) > 0 && (oldest == nil || batch[0].CreatedAt.Before(oldest.CreatedAt)) {
				oldest = batch[0]
			}
		}
		if oldest != nil {
			return oldest, nil
		}
	}
	return nil, nil
}

// driveSigning hands an order in SelectedForSigning to the Signer Gateway and,
// if it reaches Signed, continues straight into submission.
func (o *Orchestrator) driveSigning(ctx context.Context, ord *order.Order) error {
	if err := o.signer.Sign(ctx, ord); err != nil {
		return err
	}
	fresh, err := o.orders.GetOrderByID(ctx, ord.OrderID)
	if err != nil {
		return fmt.Errorf("orchestrator: re-read order %s after signing: %w", ord.OrderID, err)
	}
	if fresh.State != order.StateSigned {
		return nil // settled as NotSigned or claimed by another worker
	}
	o.notify(fresh, order.StateSelectedForSigning, order.StateSigned)
	return o.driveSubmission(ctx, fresh)
}

// driveSubmission hands an order in Signed to the Submitter.
func (o *Orchestrator) driveSubmission(ctx context.Context, ord *order.Order) error {
	if err := o.submitter.Submit(ctx, ord); err != nil {
		return err
	}
	o.notify(ord, order.StateSigned, order.StateSubmitted)
	return nil
}

// failOrder settles a step failure as Error. Only orders whose current state legally precedes Error
// are flipped; an order that has already reached a terminal state is left as it is.
func (o *Orchestrator) failOrder(ctx context.Context, ord *order.Order, cause error) {
	now := time.Now().UTC()
	if err := o.orders.SetOrderError(ctx, ord.OrderID, map[string]string{
		"code":    "orchestration_failed",
		"message": cause.Error(),
	}, now); err != nil {
		o.logger.Printf("stamp error on order %s: %v", ord.OrderID, err)
	}
	err := o.orders.UpdateOrderStateAndUnlockAddress(ctx, ord.OrderID, order.StateError,
		order.PredecessorsFor(order.StateError), now)
	if err == orderstore.ErrConditionalCheckFailed {
		return
	}
	if err != nil {
		o.logger.Printf("settle order %s as error: %v", ord.OrderID, err)
		return
	}
	o.notify(ord, ord.State, order.StateError)
}

// recoveryScan re-kicks orders stuck in Received, ApproversReviewed,
// SelectedForSigning or Signed past the scan interval: orphans left by a
// crashed worker mid-advance, or kicks dropped by a full queue. Submitted and
// Reorged orders are not scanned. States are visited in that order, oldest
// first within each state, which Kick's FIFO queue preserves.
func (o *Orchestrator) recoveryScan(ctx context.Context) {
	threshold := time.Now().UTC().Add(-o.cfg.RecoveryScanInterval.Duration())
	for _, state := range []order.State{
		order.StateReceived,
		order.StateApproversReviewed,
		order.StateSelectedForSigning,
		order.StateSigned,
	} {
		stuck, err := o.orders.GetOrdersByStatus(ctx, state, threshold)
		if err != nil {
			o.logger.Printf("recovery scan for %s: %v", state, err)
			continue
		}
		for _, ord := range stuck {
			o.Kick(ord.OrderID)
		}
		if len(stuck) > 0 {
			o.logger.Printf("recovery scan re-kicked %d order(s) in %s", len(stuck), state)
		}
	}
}

func (o *Orchestrator) notify(ord *order.Order, from, to order.State) {
	if o.observer != nil {
		o.observer.OrderTransitioned(ord, from, to)
	}
}
