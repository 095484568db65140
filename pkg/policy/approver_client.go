// Copyright 2025 Certen Protocol
//
// HTTP client for the external approver infrastructure: fetches
// base-64-encoded policy documents and dispatches policy-evaluation requests
// to the approvers a policy requires.
package policy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/certen/mpc-orderflow/pkg/config"
	"github.com/certen/mpc-orderflow/pkg/order"
)

// Document is the decoded policy definition: two lists of required approvers
//.
type Document struct {
	TenantApprovals struct {
		Required []string `json:"required"`
	} `json:"tenant_approvals"`
	DomainApprovals struct {
		Required []string `json:"required"`
	} `json:"domain_approvals"`
}

// ApproverClient is the narrow capability interface over the approver
// infrastructure; tests substitute an in-memory fake.
type ApproverClient interface {
	FetchPolicyDocument(ctx context.Context, policyName string) (*Document, error)
	RequestApproval(ctx context.Context, approverName string, o *order.Order) error
}

// HTTPApproverClient implements ApproverClient against the configured
// approver endpoint.
type HTTPApproverClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *log.Logger
}

// NewHTTPApproverClient constructs an approver client from cfg.Approver.
func NewHTTPApproverClient(cfg config.ApproverSettings, logger *log.Logger) *HTTPApproverClient {
	if logger == nil {
		logger = log.New(log.Writer(), "[Approver] ", log.LstdFlags)
	}
	return &HTTPApproverClient{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: cfg.Timeout.Duration()},
		logger:     logger,
	}
}

// FetchPolicyDocument retrieves and decodes the base-64 policy JSON for
// policyName.
func (c *HTTPApproverClient) FetchPolicyDocument(ctx context.Context, policyName string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/policies/%s", c.endpoint, policyName), nil)
	if err != nil {
		return nil, fmt.Errorf("policy: build fetch request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy: fetch policy %s: %w", policyName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy: fetch policy %s: status %d", policyName, resp.StatusCode)
	}

	encoded, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("policy: read policy body: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(encoded)))
	if err != nil {
		return nil, fmt.Errorf("policy: decode policy %s: %w", policyName, err)
	}
	var doc Document
	if err := json.Unmarshal(decoded, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse policy %s: %w", policyName, err)
	}
	return &doc, nil
}

// approvalCallout is the body POSTed to an approver when its verdict is
// required for an order.
type approvalCallout struct {
	OrderID      string     `json:"order_id"`
	ClientID     string     `json:"client_id"`
	OrderType    order.Type `json:"order_type"`
	Address      string     `json:"address,omitempty"`
	ChainID      uint64     `json:"chain_id,omitempty"`
	PolicyName   string     `json:"policy_name"`
	ApproverName string     `json:"approver_name"`
	Data         order.Data `json:"data"`
}

// RequestApproval dispatches a policy-evaluation request for o to the named
// approver. Approvers answer asynchronously through the upcall route; this
// call only confirms delivery.
func (c *HTTPApproverClient) RequestApproval(ctx context.Context, approverName string, o *order.Order) error {
	callout := approvalCallout{
		OrderID:      o.OrderID.String(),
		ClientID:     o.ClientID,
		OrderType:    o.OrderType,
		Address:      o.Address,
		ChainID:      o.ChainID,
		ApproverName: approverName,
		Data:         o.Data,
	}
	if o.Policy != nil {
		callout.PolicyName = o.Policy.Name
	}
	body, err := json.Marshal(callout)
	if err != nil {
		return fmt.Errorf("policy: marshal approval callout: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/approvers/%s/evaluate", c.endpoint, approverName), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("policy: build callout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("policy: callout to %s: %w", approverName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("policy: callout to %s: status %d", approverName, resp.StatusCode)
	}
	return nil
}
