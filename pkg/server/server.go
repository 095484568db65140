// Copyright 2025 Certen Protocol
//
// Package server exposes the order lifecycle engine's REST surface. The
// handlers are thin JSON-to-typed adapters over pkg/intake, pkg/policy, and
// pkg/reconciler; the authenticated client id rides in the request context
// and is never trusted from the body.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/certen/mpc-orderflow/pkg/chainrpc"
	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/intake"
	"github.com/certen/mpc-orderflow/pkg/metrics"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
	"github.com/certen/mpc-orderflow/pkg/policy"
	"github.com/certen/mpc-orderflow/pkg/reconciler"
)

type contextKey string

// clientIDKey carries the authenticated tenant through the request context.
const clientIDKey contextKey = "client_id"

// ClientIDHeader is the header the fronting auth layer stamps the
// authenticated tenant into. The engine never reads tenant identity from a
// request body.
const ClientIDHeader = "X-Client-Id"

// RequestIDHeader carries the per-request id stamped onto error envelopes.
const RequestIDHeader = "X-Request-Id"

// GasPoolStore is the sponsor-config write capability behind the gas-pool
// and forwarder configuration routes.
type GasPoolStore interface {
	Set(ctx context.Context, clientID string, chainID uint64, addrType orderstore.AddressType, address string) error
}

// AdminStore is the recovery-scan query surfaced to operators.
type AdminStore interface {
	GetOrdersByStatus(ctx context.Context, state order.State, threshold time.Time) ([]*order.Order, error)
}

// Server wires the REST routes.
type Server struct {
	intake     *intake.Service
	collector  *policy.Collector
	reconciler *reconciler.Reconciler
	chain      *chainrpc.Client
	gasPool    GasPoolStore
	admin      AdminStore
	metrics    *metrics.Metrics
	cfg        config.ServerSettings
	chains     config.ChainsSettings
	logger     *log.Logger
}

// New constructs a Server. metrics may be nil.
func New(in *intake.Service, collector *policy.Collector, rec *reconciler.Reconciler,
	chain *chainrpc.Client, gasPool GasPoolStore, admin AdminStore, m *metrics.Metrics,
	cfg config.ServerSettings, chains config.ChainsSettings, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	}
	return &Server{
		intake:     in,
		collector:  collector,
		reconciler: rec,
		chain:      chain,
		gasPool:    gasPool,
		admin:      admin,
		metrics:    m,
		cfg:        cfg,
		chains:     chains,
		logger:     logger,
	}
}

// Routes registers every handler on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/keys", s.requireClient(s.handleCreateKey))
	mux.HandleFunc("/api/v1/keys/", s.requireClient(s.handleKeysSubtree))
	mux.HandleFunc("/api/v1/orders/", s.requireClient(s.handleOrdersSubtree))
	mux.HandleFunc("/api/v1/chains/", s.handleChainsSubtree)
	mux.HandleFunc("/api/v1/gas_pool/chains/", s.requireClient(s.handleGasPool))
	mux.HandleFunc("/api/v1/forwarder/chains/", s.requireClient(s.handleForwarder))
	mux.HandleFunc("/api/v1/approvals", s.handleApproverUpcall)
	mux.HandleFunc("/api/v1/events/transactions", s.handleChainEvent)
	mux.HandleFunc("/api/v1/admin/orders", s.requireAdmin(s.handleAdminOrders))
}

// requireClient extracts the authenticated client id into the request context
// and enforces JSON bodies; an absent client id is fatal for the request.
func (s *Server) requireClient(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.checkContentType(w, r) {
			return
		}
		clientID := r.Header.Get(ClientIDHeader)
		if clientID == "" {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing client credentials")
			return
		}
		ctx := context.WithValue(r.Context(), clientIDKey, clientID)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin gates operator-only routes on a configured bearer token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		for _, t := range s.cfg.AdminTokens {
			if t != "" && token == t {
				next(w, r)
				return
			}
		}
		s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
	}
}

// checkContentType enforces application/json on request bodies. Reports
// true if the request was rejected.
func (s *Server) checkContentType(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return false
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "application/json") {
		return false
	}
	s.writeError(w, r, http.StatusUnsupportedMediaType, "unsupported_media_type",
		"Content-Type must be application/json")
	return true
}

func clientIDFrom(r *http.Request) string {
	if v, ok := r.Context().Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

// writeError emits the {code, message} envelope with the request id
// stamped alongside.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"request_id": r.Header.Get(RequestIDHeader),
	})
}

// writeIntakeError maps an intake error onto its HTTP status;
// anything that is not a *intake.ClientError is a 500 with the raw cause kept
// out of the client envelope.
func (s *Server) writeIntakeError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *intake.ClientError
	if asClientError(err, &ce) {
		status := http.StatusBadRequest
		switch ce.Code {
		case "unauthorized":
			status = http.StatusUnauthorized
		case "key_not_found", "order_not_found":
			status = http.StatusNotFound
		case "conflict":
			status = http.StatusConflict
		}
		s.writeError(w, r, status, ce.Code, ce.Message)
		return
	}
	s.logger.Printf("internal error on %s %s: %v", r.Method, r.URL.Path, err)
	s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}

func asClientError(err error, target **intake.ClientError) bool {
	for err != nil {
		if ce, ok := err.(*intake.ClientError); ok {
			*target = ce
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
