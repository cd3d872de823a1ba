// Package facilitator is the HTTP client for remote facilitator services:
// the execute phase of exact-scheme settlement, and the auth plumbing shared
// with health probes.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Z333Q/p402-router/internal/x402"
)

// DefaultTimeout bounds facilitator execution calls; indefinite blocking on
// a remote facilitator is a fault, not a valid pending state.
const DefaultTimeout = 30 * time.Second

// AuthProvider generates authentication headers for facilitator requests.
type AuthProvider interface {
	AuthHeaders(ctx context.Context) (map[string]string, error)
}

// BearerAuth is the AuthProvider for facilitators declaring a static bearer
// token in their authConfig.
type BearerAuth struct {
	Token string
}

// AuthHeaders implements AuthProvider.
func (b BearerAuth) AuthHeaders(ctx context.Context) (map[string]string, error) {
	return map[string]string{"Authorization": "Bearer " + b.Token}, nil
}

// authConfig is the persisted shape of a facilitator's authConfig column.
type authConfig struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// AuthFromConfig builds an AuthProvider from a facilitator row's authConfig.
// An empty or unrecognized config yields nil (no auth headers).
func AuthFromConfig(raw json.RawMessage) AuthProvider {
	if len(raw) == 0 {
		return nil
	}
	var cfg authConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil
	}
	if strings.EqualFold(cfg.Type, "bearer") && cfg.Token != "" {
		return BearerAuth{Token: cfg.Token}
	}
	return nil
}

// Config configures the facilitator client.
type Config struct {
	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client

	// Timeout for execution calls (optional, defaults to DefaultTimeout).
	Timeout time.Duration
}

// Client executes verified exact-scheme authorizations against a remote
// facilitator's settle endpoint.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a facilitator client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{httpClient: httpClient}
}

// ExecuteRequest is the body posted to the facilitator's settle endpoint.
type ExecuteRequest struct {
	Authorization x402.ExactAuthorization `json:"authorization"`
	Amount        string                  `json:"amount"`
	Asset         string                  `json:"asset"`
}

// ExecuteResponse is the facilitator's settlement outcome.
type ExecuteResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Execute posts the verified authorization to the facilitator and awaits the
// on-chain transaction hash. The confirm phase is the facilitator's success
// flag; a response without one never settles.
func (c *Client) Execute(ctx context.Context, fac *x402.Facilitator, req ExecuteRequest) (*ExecuteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execute request: %w", err)
	}

	url := strings.TrimRight(fac.Endpoint, "/") + "/settle"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if auth := AuthFromConfig(fac.AuthConfig); auth != nil {
		headers, err := auth.AuthHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to build auth headers: %w", err)
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("facilitator %s unreachable: %w", fac.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read facilitator response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facilitator %s returned status %d: %s", fac.ID, resp.StatusCode, respBody)
	}

	var out ExecuteResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	return &out, nil
}
