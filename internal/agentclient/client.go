// ABOUTME: Signed HTTP client for panel-to-agent calls
// ABOUTME: Attaches service token, API key, request id, and HMAC signature headers

package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/bastion/internal/auth"
	"github.com/forgeworks/bastion/internal/protocol"
)

// ErrRejected indicates the agent answered with a non-2xx status.
var ErrRejected = errors.New("agent rejected request")

// TokenSource mints service tokens for outbound calls.
type TokenSource interface {
	IssueToken(serviceID string, permissions []string, ttl time.Duration) (string, error)
}

// Target is the addressing and credential material for one agent.
type Target struct {
	NodeUUID string
	BaseURL  string
	APIKey   string
}

// Client performs authenticated HTTP calls against agents. Every signed
// request carries a bearer service token, the agent's API key, and an
// HMAC signature over the body plus timestamp.
type Client struct {
	httpc     *http.Client
	tokens    TokenSource
	serviceID string
	tokenTTL  time.Duration
}

// New creates a Client. The http.Client carries no global timeout; each
// call's context supplies its own deadline so one slow agent cannot
// inherit another's budget.
func New(tokens TokenSource, serviceID string) *Client {
	return &Client{
		httpc:     &http.Client{},
		tokens:    tokens,
		serviceID: serviceID,
		tokenTTL:  time.Minute,
	}
}

// Identify probes the unauthenticated identification endpoint used by
// discovery. The response is validated against the handshake schema.
func (c *Client) Identify(ctx context.Context, baseURL string, timeout time.Duration) (*protocol.HealthProbeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimSuffix(baseURL, "/") + protocol.PathIdentify
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating identify request: %w", err)
	}
	req.Header.Set(protocol.HeaderRequestID, uuid.New().String())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identify probe: %w", err)
	}
	defer resp.Body.Close()

	return decodeHandshake(resp)
}

// Health sends a signed health probe to an agent.
func (c *Client) Health(ctx context.Context, target Target, timeout time.Duration) (*protocol.HealthProbeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.signedRequest(ctx, http.MethodGet, target, protocol.PathHealth, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()

	return decodeHandshake(resp)
}

// SendCommand posts a command envelope to an agent and decodes the
// correlated response. The response may be terminal or pending; the
// dispatcher decides what to do with it.
func (c *Client) SendCommand(ctx context.Context, target Target, env *protocol.CommandEnvelope) (*protocol.CommandResponse, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	req, err := c.signedRequest(ctx, http.MethodPost, target, protocol.PathCommands, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, string(raw))
	}

	var cmdResp protocol.CommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&cmdResp); err != nil {
		return nil, fmt.Errorf("%w: decoding command response: %v", protocol.ErrProtocolMismatch, err)
	}
	if cmdResp.CommandID == "" {
		return nil, fmt.Errorf("%w: response missing commandId", protocol.ErrProtocolMismatch)
	}
	return &cmdResp, nil
}

// signedRequest builds a request with the full auth header set.
func (c *Client) signedRequest(ctx context.Context, method string, target Target, path string, body []byte) (*http.Request, error) {
	token, err := c.tokens.IssueToken(c.serviceID, nil, c.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issuing service token: %w", err)
	}

	url := strings.TrimSuffix(target.BaseURL, "/") + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	now := time.Now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(protocol.HeaderAPIKey, target.APIKey)
	req.Header.Set(protocol.HeaderServiceID, c.serviceID)
	req.Header.Set(protocol.HeaderRequestID, uuid.New().String())
	req.Header.Set(protocol.HeaderTimestamp, auth.FormatTimestamp(now))
	req.Header.Set(protocol.HeaderSignature, auth.Sign(body, target.APIKey, now))
	return req, nil
}

// decodeHandshake decodes and validates a handshake response body.
func decodeHandshake(resp *http.Response) (*protocol.HealthProbeResponse, error) {
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(raw))
	}

	var hs protocol.HealthProbeResponse
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return nil, fmt.Errorf("%w: decoding handshake: %v", protocol.ErrProtocolMismatch, err)
	}
	if err := hs.Validate(); err != nil {
		return nil, err
	}
	return &hs, nil
}
