// Copyright 2025 Certen Protocol
package mpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// KeyResult is the outcome of a key-creation call: the MPC-held key's
// identifier and its derived EVM address.
type KeyResult struct {
	KeyID   string `json:"key_id"`
	Address string `json:"address"`
}

type createKeyRequest struct {
	OrderID      uuid.UUID `json:"order_id"`
	ClientID     string    `json:"client_id"`
	ClientUserID string    `json:"client_user_id"`
}

// CreateKey asks the MPC service to generate a new key share set for the
// given client user. The derived address lands in the Key Directory once the
// key-creation order completes.
func (c *Client) CreateKey(ctx context.Context, orderID uuid.UUID, clientID, clientUserID string) (*KeyResult, error) {
	body, err := json.Marshal(createKeyRequest{OrderID: orderID, ClientID: clientID, ClientUserID: clientUserID})
	if err != nil {
		return nil, fmt.Errorf("mpc: marshal create-key request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/keys", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mpc: build create-key request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mpc: create-key call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mpc: read create-key response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mpc: create-key status %d: %s", resp.StatusCode, respBody)
	}

	var result KeyResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("mpc: malformed create-key response: %w", err)
	}
	if result.KeyID == "" || result.Address == "" {
		return nil, fmt.Errorf("mpc: create-key response missing key_id or address")
	}
	return &result, nil
}
