// Copyright 2025 Certen Protocol
//
// Package mpc is the HTTP client for the external MPC signing service.
// The service is a black box: we send the unsigned payload plus the resolved
// policy verdicts and get back either a signed blob, a definitive rejection,
// or a transient failure.
package mpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/order"
)

// Rejection is the definitive outcome: the MPC service (or its policy
// layer) refused to sign. The order moves to NotSigned; the reason is
// preserved in the order's error payload.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return fmt.Sprintf("mpc: signing rejected: %s", r.Reason) }

// SignResult is the success payload of a signing call.
type SignResult struct {
	SignedRLP       []byte
	TransactionHash string
}

// signRequest is the wire shape POSTed to the MPC service.
type signRequest struct {
	OrderID    uuid.UUID     `json:"order_id"`
	KeyID      string        `json:"key_id"`
	Payload    string        `json:"payload"` // hex, unsigned RLP or EIP-712 digest
	PolicyName string        `json:"policy_name"`
	Approvals  []approvalDTO `json:"approvals"`
}

type approvalDTO struct {
	Name     string `json:"name"`
	Level    string `json:"level"`
	Response *int   `json:"response"`
}

type signResponse struct {
	RLPEncodedSignedTransaction string `json:"rlp_encoded_signed_transaction"`
	TransactionHash             string `json:"transaction_hash"`
}

// LatencyObserver receives the wall-clock duration of each signing call.
type LatencyObserver interface {
	ObserveMpcLatency(seconds float64)
}

// Client talks to the MPC service endpoint configured in cfg.MPC.
type Client struct {
	endpoint   string
	httpClient *http.Client
	observer   LatencyObserver
	logger     *log.Logger
}

// SetObserver installs a latency observer. Must be called before the first
// Sign; a nil observer disables observation.
func (c *Client) SetObserver(obs LatencyObserver) { c.observer = obs }

// NewClient constructs an MPC client.
func NewClient(cfg config.MPCSettings, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(log.Writer(), "[MPC] ", log.LstdFlags)
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: cfg.Timeout.Duration()},
		logger:     logger,
	}
}

// Sign submits payload for signing under the order's resolved policy. Returns *Rejection for a 422, a SignResult for a 200, and a plain
// error (retried by the caller) for anything else.
func (c *Client) Sign(ctx context.Context, o *order.Order, payload []byte) (*SignResult, error) {
	req := signRequest{
		OrderID: o.OrderID,
		KeyID:   o.KeyID,
		Payload: hex.EncodeToString(payload),
	}
	if o.Policy != nil {
		req.PolicyName = o.Policy.Name
		for _, a := range o.Policy.Approval {
			req.Approvals = append(req.Approvals, approvalDTO{Name: a.Name, Level: a.Level, Response: a.Response})
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mpc: marshal sign request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mpc: build sign request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if c.observer != nil {
		c.observer.ObserveMpcLatency(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("mpc: sign call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mpc: read sign response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var sr signResponse
		if err := json.Unmarshal(respBody, &sr); err != nil {
			return nil, fmt.Errorf("mpc: malformed sign response: %w", err)
		}
		if sr.RLPEncodedSignedTransaction == "" {
			return nil, fmt.Errorf("mpc: sign response missing signed transaction")
		}
		signed, err := hex.DecodeString(trimHexPrefix(sr.RLPEncodedSignedTransaction))
		if err != nil {
			return nil, fmt.Errorf("mpc: decode signed transaction: %w", err)
		}
		return &SignResult{SignedRLP: signed, TransactionHash: sr.TransactionHash}, nil

	case http.StatusUnprocessableEntity:
		c.logger.Printf("signing rejected for order %s: %s", o.OrderID, respBody)
		return nil, &Rejection{Reason: string(respBody)}

	default:
		return nil, fmt.Errorf("mpc: unexpected status %d: %s", resp.StatusCode, respBody)
	}
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
