// Copyright 2025 Certen Protocol
//
// Order-facing handlers: key creation, signing, sponsored
// signing, replacement (speed-up / cancel), and order status reads.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/intake"
	"github.com/certen/mpc-orderflow/pkg/order"
	"github.com/certen/mpc-orderflow/pkg/orderstore"
	"github.com/certen/mpc-orderflow/pkg/policy"
	"github.com/certen/mpc-orderflow/pkg/reconciler"
)

// handleCreateKey handles POST /api/v1/keys.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is allowed")
		return
	}
	var req intake.CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	orderID, err := s.intake.CreateKey(r.Context(), clientIDFrom(r), req)
	if err != nil {
		s.writeIntakeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.OrderCreated(order.TypeKeyCreation)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"order_id": orderID.String()})
}

// rawSignBody is the untyped sign request; the variant is chosen by which fee
// fields are present.
type rawSignBody struct {
	To                   string  `json:"to"`
	Gas                  string  `json:"gas"`
	GasPrice             *string `json:"gas_price,omitempty"`
	MaxFeePerGas         *string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *string `json:"max_priority_fee_per_gas,omitempty"`
	Value                string  `json:"value"`
	Nonce                *uint64 `json:"nonce,omitempty"`
	Data                 string  `json:"data"`
	ChainID              uint64  `json:"chain_id"`
}

func (s *Server) signRequestFrom(w http.ResponseWriter, r *http.Request, body *rawSignBody) (intake.SignRequest, bool) {
	gas, err := strconv.ParseUint(body.Gas, 16, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", "gas must be an unsigned hex integer")
		return intake.SignRequest{}, false
	}

	switch {
	case body.GasPrice != nil && body.MaxFeePerGas == nil && body.MaxPriorityFeePerGas == nil:
		return intake.SignRequest{Legacy: &order.LegacyTransaction{
			To: body.To, Gas: gas, GasPrice: *body.GasPrice, Value: body.Value,
			Nonce: body.Nonce, Data: body.Data, ChainID: body.ChainID,
		}}, true
	case body.GasPrice == nil && body.MaxFeePerGas != nil && body.MaxPriorityFeePerGas != nil:
		return intake.SignRequest{EIP1559: &order.EIP1559Transaction{
			To: body.To, Gas: gas, MaxFeePerGas: *body.MaxFeePerGas,
			MaxPriorityFeePerGas: *body.MaxPriorityFeePerGas, Value: body.Value,
			Nonce: body.Nonce, Data: body.Data, ChainID: body.ChainID,
		}}, true
	default:
		s.writeError(w, r, http.StatusBadRequest, "validation",
			"set either gas_price (legacy) or max_fee_per_gas and max_priority_fee_per_gas (EIP-1559)")
		return intake.SignRequest{}, false
	}
}

// handleKeysSubtree routes POST /api/v1/keys/{address}/sign and
// POST /api/v1/keys/{address}/sign/sponsored.
func (s *Server) handleKeysSubtree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/keys/")
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")

	switch {
	case len(parts) == 2 && parts[1] == "sign":
		s.handleSign(w, r, strings.ToLower(parts[0]))
	case len(parts) == 3 && parts[1] == "sign" && parts[2] == "sponsored":
		s.handleSignSponsored(w, r, strings.ToLower(parts[0]))
	default:
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request, address string) {
	var body rawSignBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	req, ok := s.signRequestFrom(w, r, &body)
	if !ok {
		return
	}
	orderID, err := s.intake.CreateSignatureOrder(r.Context(), clientIDFrom(r), address, req)
	if err != nil {
		s.writeIntakeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.OrderCreated(order.TypeSignature)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"order_id": orderID.String()})
}

func (s *Server) handleSignSponsored(w http.ResponseWriter, r *http.Request, address string) {
	var tx order.SponsoredTransaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	orderID, err := s.intake.CreateSponsoredOrder(r.Context(), clientIDFrom(r), address,
		intake.SignSponsoredRequest{Sponsored: &tx})
	if err != nil {
		s.writeIntakeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.OrderCreated(order.TypeSponsored)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"order_id": orderID.String()})
}

// handleOrdersSubtree routes POST /api/v1/orders/{id}/speedup,
// POST /api/v1/orders/{id}/cancel, and GET /api/v1/orders/{id}/status.
func (s *Server) handleOrdersSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/orders/")
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if len(parts) != 2 {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	orderID, err := uuid.Parse(parts[0])
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", "invalid order id")
		return
	}

	switch {
	case parts[1] == "speedup" && r.Method == http.MethodPost:
		s.handleSpeedUp(w, r, orderID)
	case parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, orderID)
	case parts[1] == "status" && r.Method == http.MethodGet:
		s.handleOrderStatus(w, r, orderID)
	default:
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (s *Server) handleSpeedUp(w http.ResponseWriter, r *http.Request, orderID uuid.UUID) {
	var req intake.SpeedUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	newID, err := s.intake.SpeedUp(r.Context(), clientIDFrom(r), orderID, req)
	if err != nil {
		s.writeIntakeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.OrderCreated(order.TypeSpeedUp)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"order_id": newID.String()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, orderID uuid.UUID) {
	var req intake.CancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "validation", "invalid request body")
			return
		}
	}
	newID, err := s.intake.Cancel(r.Context(), clientIDFrom(r), orderID, req)
	if err != nil {
		s.writeIntakeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"order_id": newID.String()})
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request, orderID uuid.UUID) {
	status, err := s.intake.FetchOrder(r.Context(), clientIDFrom(r), orderID)
	if err != nil {
		s.writeIntakeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleChainsSubtree routes GET /api/v1/chains/{chain_id}/price/prediction.
func (s *Server) handleChainsSubtree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/chains/")
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if len(parts) != 3 || parts[1] != "price" || parts[2] != "prediction" {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	chainID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || !s.chains.IsAllowed(chainID) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "unknown chain")
		return
	}
	prediction, err := s.chain.PredictFees(r.Context(), chainID)
	if err != nil {
		s.logger.Printf("fee prediction for chain %d: %v", chainID, err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "fee prediction unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, prediction)
}

type gasPoolBody struct {
	GasPoolAddress   string `json:"gas_pool_address,omitempty"`
	ForwarderAddress string `json:"forwarder_address,omitempty"`
}

// handleGasPool handles POST /api/v1/gas_pool/chains/{chain_id}.
func (s *Server) handleGasPool(w http.ResponseWriter, r *http.Request) {
	s.handleSponsorConfig(w, r, "/api/v1/gas_pool/chains/", orderstore.AddressTypeGasPool)
}

// handleForwarder handles POST /api/v1/forwarder/chains/{chain_id}.
func (s *Server) handleForwarder(w http.ResponseWriter, r *http.Request) {
	s.handleSponsorConfig(w, r, "/api/v1/forwarder/chains/", orderstore.AddressTypeForwarder)
}

func (s *Server) handleSponsorConfig(w http.ResponseWriter, r *http.Request, prefix string, addrType orderstore.AddressType) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is allowed")
		return
	}
	chainStr := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, prefix), "/")
	chainID, err := strconv.ParseUint(chainStr, 10, 64)
	if err != nil || !s.chains.IsAllowed(chainID) {
		s.writeError(w, r, http.StatusBadRequest, "validation", "unknown chain")
		return
	}
	var body gasPoolBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	address := body.GasPoolAddress
	if addrType == orderstore.AddressTypeForwarder {
		address = body.ForwarderAddress
	}
	if address == "" {
		s.writeError(w, r, http.StatusBadRequest, "validation", "address is required")
		return
	}
	if err := s.gasPool.Set(r.Context(), clientIDFrom(r), chainID, addrType, strings.ToLower(address)); err != nil {
		s.logger.Printf("set sponsor config: %v", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not persist configuration")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "configured"})
}

// handleApproverUpcall handles POST /api/v1/approvals — the asynchronous
// approver verdict ingress.
func (s *Server) handleApproverUpcall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is allowed")
		return
	}
	if s.checkContentType(w, r) {
		return
	}
	var up policy.Upcall
	if err := json.NewDecoder(r.Body).Decode(&up); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if err := s.collector.HandleApproverResponse(r.Context(), &up); err != nil {
		if ue, ok := err.(*policy.UpcallError); ok {
			if s.metrics != nil {
				s.metrics.UpcallReceived("mismatch")
			}
			s.writeError(w, r, http.StatusBadRequest, ue.Code, ue.Message)
			return
		}
		s.logger.Printf("approver upcall for order %s: %v", up.OrderID, err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not record approval")
		return
	}
	if s.metrics != nil {
		if up.ApprovalStatus == order.ApprovalStatusAccepted {
			s.metrics.UpcallReceived("accepted")
		} else {
			s.metrics.UpcallReceived("rejected")
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleChainEvent handles POST /api/v1/events/transactions — the chain-event
// stream ingress driving the Reconciler.
func (s *Server) handleChainEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is allowed")
		return
	}
	if s.checkContentType(w, r) {
		return
	}
	var ev reconciler.ChainEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "validation", "invalid request body")
		return
	}
	if s.metrics != nil {
		s.metrics.ChainEventConsumed()
	}
	if err := s.reconciler.Process(r.Context(), &ev); err != nil {
		s.logger.Printf("chain event %s: %v", ev.Hash, err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not process event")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// handleAdminOrders handles GET /api/v1/admin/orders?state=&stale_since= —
// the operator listing of orders stuck in a state past a threshold.
func (s *Server) handleAdminOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}
	state := order.State(r.URL.Query().Get("state"))
	if state == "" {
		s.writeError(w, r, http.StatusBadRequest, "validation", "state query parameter is required")
		return
	}
	threshold := time.Now().UTC()
	if since := r.URL.Query().Get("stale_since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "validation", "stale_since must be RFC3339")
			return
		}
		threshold = parsed
	}
	orders, err := s.admin.GetOrdersByStatus(r.Context(), state, threshold)
	if err != nil {
		s.logger.Printf("admin order listing: %v", err)
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "could not list orders")
		return
	}
	statuses := make([]order.Status, 0, len(orders))
	for _, o := range orders {
		statuses = append(statuses, order.ToStatus(o))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": statuses,
		"count":  len(statuses),
	})
}
