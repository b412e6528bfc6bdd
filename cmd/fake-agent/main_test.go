// ABOUTME: Tests for the fake agent's request authentication
// ABOUTME: Covers signature tolerance enforcement and key/service binding

package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/bastion/internal/auth"
	"github.com/forgeworks/bastion/internal/protocol"
)

const testAgentKey = "bsk_node-agent_0123456789abcdef0123456789abcdef"

func signedRequest(t *testing.T, body []byte, ts time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, protocol.PathCommands, bytes.NewReader(body))
	req.Header.Set(protocol.HeaderAPIKey, testAgentKey)
	req.Header.Set(protocol.HeaderTimestamp, auth.FormatTimestamp(ts))
	req.Header.Set(protocol.HeaderSignature, auth.Sign(body, testAgentKey, ts))
	return req
}

func TestAuthenticated_AcceptsFreshSignature(t *testing.T) {
	a := &agent{key: testAgentKey, tolerance: time.Minute}
	var called bool
	h := a.authenticated(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	h(rec, signedRequest(t, []byte(`{"id":"cmd-1"}`), time.Now()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestAuthenticated_RejectsTimestampOutsideTolerance(t *testing.T) {
	a := &agent{key: testAgentKey, tolerance: time.Minute}
	h := a.authenticated(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for a stale timestamp")
	})

	rec := httptest.NewRecorder()
	h(rec, signedRequest(t, []byte(`{"id":"cmd-1"}`), time.Now().Add(-2*time.Minute)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticated_ToleranceIsConfigurable(t *testing.T) {
	// The same skewed timestamp that fails a 1m window passes a 10m one.
	a := &agent{key: testAgentKey, tolerance: 10 * time.Minute}
	h := a.authenticated(func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	h(rec, signedRequest(t, []byte(`{"id":"cmd-1"}`), time.Now().Add(-2*time.Minute)))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckKeyBinding(t *testing.T) {
	require.NoError(t, checkKeyBinding(testAgentKey, "node-agent"))
	require.NoError(t, checkKeyBinding(testAgentKey, ""))
	require.NoError(t, checkKeyBinding("", "node-agent"))

	err := checkKeyBinding(testAgentKey, "other-service")
	assert.ErrorIs(t, err, auth.ErrMalformedAPIKey)
}
