// ABOUTME: Tests for the signed agent HTTP client
// ABOUTME: Verifies header set, HMAC signatures, and handshake validation against httptest agents

package agentclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/bastion/internal/auth"
	"github.com/forgeworks/bastion/internal/protocol"
)

func newTestClient() *Client {
	issuer := auth.NewTokenIssuer([]byte("test-secret"), nil)
	return New(issuer, "panel-dispatch")
}

func TestIdentify_ValidHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, protocol.PathIdentify, r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(protocol.HeaderRequestID))
		json.NewEncoder(w).Encode(protocol.HealthProbeResponse{
			NodeID:       "node-1",
			Version:      "1.4.2",
			Capabilities: []string{"minecraft"},
			Connected:    true,
		})
	}))
	defer srv.Close()

	hs, err := newTestClient().Identify(context.Background(), srv.URL, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "node-1", hs.NodeID)
	assert.Equal(t, "1.4.2", hs.Version)
}

func TestIdentify_SchemaMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Looks like JSON but is not an agent handshake.
		w.Write([]byte(`{"hello":"world"}`))
	}))
	defer srv.Close()

	_, err := newTestClient().Identify(context.Background(), srv.URL, time.Second)
	assert.ErrorIs(t, err, protocol.ErrProtocolMismatch)
}

func TestIdentify_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	start := time.Now()
	_, err := newTestClient().Identify(context.Background(), srv.URL, 50*time.Millisecond)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestHealth_SignedHeaders(t *testing.T) {
	const apiKey = "bsk_node-agent_0123456789abcdef0123456789abcdef"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, protocol.PathHealth, r.URL.Path)
		assert.Equal(t, apiKey, r.Header.Get(protocol.HeaderAPIKey))
		assert.Equal(t, "panel-dispatch", r.Header.Get(protocol.HeaderServiceID))
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer ")

		ts, err := auth.ParseTimestamp(r.Header.Get(protocol.HeaderTimestamp))
		require.NoError(t, err)
		sig := r.Header.Get(protocol.HeaderSignature)
		assert.True(t, auth.VerifySignature(nil, sig, apiKey, ts, auth.DefaultTimestampTolerance))

		json.NewEncoder(w).Encode(protocol.HealthProbeResponse{
			NodeID:       "node-1",
			Version:      "1.4.2",
			Capabilities: []string{},
			Connected:    true,
		})
	}))
	defer srv.Close()

	hs, err := newTestClient().Health(context.Background(), Target{
		NodeUUID: "node-1",
		BaseURL:  srv.URL,
		APIKey:   apiKey,
	}, time.Second)
	require.NoError(t, err)
	assert.True(t, hs.Connected)
}

func TestSendCommand_SignatureCoversBody(t *testing.T) {
	const apiKey = "bsk_node-agent_0123456789abcdef0123456789abcdef"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		ts, err := auth.ParseTimestamp(r.Header.Get(protocol.HeaderTimestamp))
		require.NoError(t, err)
		assert.True(t, auth.VerifySignature(body, r.Header.Get(protocol.HeaderSignature), apiKey, ts, auth.DefaultTimestampTolerance))

		var env protocol.CommandEnvelope
		require.NoError(t, json.Unmarshal(body, &env))

		json.NewEncoder(w).Encode(protocol.CommandResponse{
			CommandID: env.ID,
			Status:    protocol.StatusSuccess,
			Timestamp: time.Now(),
		})
	}))
	defer srv.Close()

	env := &protocol.CommandEnvelope{
		ID:        "cmd-1",
		Action:    protocol.ActionServerStart,
		ServerID:  "srv-1",
		Timestamp: time.Now(),
	}
	resp, err := newTestClient().SendCommand(context.Background(), Target{
		NodeUUID: "node-1",
		BaseURL:  srv.URL,
		APIKey:   apiKey,
	}, env)
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", resp.CommandID)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
}

func TestSendCommand_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient().SendCommand(context.Background(), Target{BaseURL: srv.URL, APIKey: "k"}, &protocol.CommandEnvelope{ID: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestSendCommand_MissingCorrelationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	_, err := newTestClient().SendCommand(context.Background(), Target{BaseURL: srv.URL, APIKey: "k"}, &protocol.CommandEnvelope{ID: "c"})
	assert.ErrorIs(t, err, protocol.ErrProtocolMismatch)
}
