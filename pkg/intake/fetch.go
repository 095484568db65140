// Copyright 2025 Certen Protocol
//
// Order fetch read view: SpeedUp/Cancellation orders are never
// surfaced directly; a Signature order with a replacement is merged per the
// read-view rule in pkg/order.
package intake

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
)

// FetchOrder returns the read-facing projection of orderID for clientID.
// Cross-tenant reads and replacement-order reads both come back as
// order_not_found.
func (s *Service) FetchOrder(ctx context.Context, clientID string, orderID uuid.UUID) (*order.Status, error) {
	if clientID == "" {
		return nil, clientErr("unauthorized", "missing client id")
	}
	o, err := s.store.GetOrderByID(ctx, orderID)
	if err == orderstore.ErrNotFound {
		return nil, clientErr("order_not_found", "order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("intake: fetch order: %w", err)
	}
	if o.ClientID != clientID || !o.OrderType.Visible() {
		return nil, clientErr("order_not_found", "order %s not found", orderID)
	}

	if o.OrderType == order.TypeSignature && o.ReplacedBy != nil {
		repl, err := s.store.GetOrderByID(ctx, *o.ReplacedBy)
		if err != nil {
			return nil, fmt.Errorf("intake: fetch replacement order: %w", err)
		}
		status := order.MergeWithReplacement(o, repl)
		return &status, nil
	}

	status := order.ToStatus(o)
	return &status, nil
}
