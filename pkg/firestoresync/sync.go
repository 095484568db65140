// Copyright 2025 Certen Protocol
//
// Package firestoresync mirrors order state transitions into Firestore so
// client-facing dashboards can watch an order progress in real time without
// polling the REST surface. Disabled deployments run every call as a no-op.
package firestoresync

import (
	"context"
	"fmt"
	"log"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/order"
)

// Mirror pushes order status snapshots to Firestore.
type Mirror struct {
	app       *firebase.App
	firestore *gcpfirestore.Client
	prefix    string
	enabled   bool
	logger    *log.Logger
}

// NewMirror initializes the Firestore client per cfg.Firestore. When the
// mirror is disabled the returned Mirror is a no-op.
func NewMirror(ctx context.Context, cfg config.FirestoreSettings, logger *log.Logger) (*Mirror, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[FirestoreSync] ", log.LstdFlags)
	}
	m := &Mirror{prefix: cfg.CollectionPrefix, enabled: cfg.Enabled, logger: logger}
	if !cfg.Enabled {
		logger.Println("Firestore mirror is disabled - running in no-op mode")
		return m, nil
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestoresync: project_id is required when the mirror is enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestoresync: initialize firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestoresync: create firestore client: %w", err)
	}
	m.app = app
	m.firestore = client
	logger.Printf("Firestore mirror initialized for project %s", cfg.ProjectID)
	return m, nil
}

// Close releases the Firestore connection.
func (m *Mirror) Close() error {
	if m.firestore != nil {
		return m.firestore.Close()
	}
	return nil
}

// OrderTransitioned implements the orchestrator's StateObserver seam: each
// transition is written as a snapshot document under the tenant's order, so
// a dashboard subscribed to the document sees every hop.
// Path: {prefix}/{client_id}/orders/{order_id}/transitions/{millis}.
func (m *Mirror) OrderTransitioned(o *order.Order, from, to order.State) {
	if !m.enabled || m.firestore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	docPath := fmt.Sprintf("%s/%s/orders/%s/transitions/%d",
		m.prefix, o.ClientID, o.OrderID, now.UnixMilli())

	_, err := m.firestore.Doc(docPath).Set(ctx, map[string]interface{}{
		"orderId":    o.OrderID.String(),
		"orderType":  string(o.OrderType),
		"fromState":  string(from),
		"toState":    string(to),
		"chainId":    o.ChainID,
		"address":    o.Address,
		"txHash":     derefString(o.TransactionHash),
		"observedAt": now,
	})
	if err != nil {
		// The mirror is read-side convenience; a failed write never blocks the
		// lifecycle engine.
		m.logger.Printf("mirror transition %s -> %s for order %s: %v", from, to, o.OrderID, err)
		return
	}

	// Keep a current-state summary document alongside the transition log.
	summaryPath := fmt.Sprintf("%s/%s/orders/%s", m.prefix, o.ClientID, o.OrderID)
	if _, err := m.firestore.Doc(summaryPath).Set(ctx, map[string]interface{}{
		"orderId":        o.OrderID.String(),
		"orderType":      string(o.OrderType),
		"state":          string(to),
		"txHash":         derefString(o.TransactionHash),
		"lastModifiedAt": now,
	}, gcpfirestore.MergeAll); err != nil {
		m.logger.Printf("mirror summary for order %s: %v", o.OrderID, err)
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
