// ABOUTME: Tests for the discovery engine
// ABOUTME: Covers partial failure, result counts, concurrency bounds, and idempotent re-discovery

package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/bastion/internal/protocol"
	"github.com/forgeworks/bastion/internal/registry"
)

// mockProber maps base URLs to canned handshakes or errors.
type mockProber struct {
	mu        sync.Mutex
	responses map[string]*protocol.HealthProbeResponse
	errs      map[string]error
	delay     time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (m *mockProber) Identify(ctx context.Context, baseURL string, timeout time.Duration) (*protocol.HealthProbeResponse, error) {
	cur := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		max := m.maxInflight.Load()
		if cur <= max || m.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errs[baseURL]; ok {
		return nil, err
	}
	if hs, ok := m.responses[baseURL]; ok {
		return hs, nil
	}
	return nil, errors.New("connection refused")
}

func handshake(nodeID string) *protocol.HealthProbeResponse {
	return &protocol.HealthProbeResponse{
		NodeID:       nodeID,
		Version:      "1.0.0",
		Capabilities: []string{"minecraft"},
		Connected:    true,
	}
}

func newEngine(p Prober) (*Engine, *registry.Registry) {
	reg := registry.New(slog.Default())
	return New(p, reg, slog.Default()), reg
}

func TestDiscover_MixedResults(t *testing.T) {
	p := &mockProber{
		responses: map[string]*protocol.HealthProbeResponse{
			"http://10.0.0.1:8080": handshake("node-1"),
		},
		errs: map[string]error{
			"http://10.0.0.2:8080": errors.New("connection refused"),
		},
	}
	eng, _ := newEngine(p)

	results := eng.Discover(context.Background(), Config{
		Hosts:           []string{"10.0.0.1", "10.0.0.2"},
		Ports:           []int{8080},
		Protocols:       []string{"http"},
		TimeoutPerProbe: 5 * time.Second,
	})

	require.Len(t, results, 2)
	assert.Equal(t, StatusFound, results[0].Status)
	assert.Equal(t, "node-1", results[0].NodeUUID)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Contains(t, results[1].Error, "connection refused")
}

func TestDiscover_AllProbesReturnResults(t *testing.T) {
	// N candidates with M failures still yield exactly N results.
	p := &mockProber{
		responses: map[string]*protocol.HealthProbeResponse{
			"http://10.0.0.3:8080": handshake("node-3"),
		},
	}
	eng, _ := newEngine(p)

	hosts := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	results := eng.Discover(context.Background(), Config{
		Hosts: hosts,
		Ports: []int{8080},
	})

	require.Len(t, results, len(hosts))
	found := 0
	for _, c := range results {
		assert.NotEmpty(t, c.ProbeID)
		assert.NotEqual(t, StatusDiscovering, c.Status)
		if c.Status == StatusFound {
			found++
		} else {
			assert.NotEmpty(t, c.Error)
		}
	}
	assert.Equal(t, 1, found)
}

func TestDiscover_CrossProduct(t *testing.T) {
	p := &mockProber{}
	eng, _ := newEngine(p)

	results := eng.Discover(context.Background(), Config{
		Hosts:     []string{"a", "b"},
		Ports:     []int{8080, 8443},
		Protocols: []string{"http", "https"},
	})

	// 2 hosts x 2 protocols x 2 ports
	assert.Len(t, results, 8)
}

func TestDiscover_ConcurrencyBounded(t *testing.T) {
	p := &mockProber{delay: 20 * time.Millisecond}
	eng, _ := newEngine(p)

	hosts := make([]string, 20)
	for i := range hosts {
		hosts[i] = "10.0.1." + string(rune('0'+i%10))
	}
	eng.Discover(context.Background(), Config{
		Hosts:            hosts,
		Ports:            []int{8080},
		ConcurrencyLimit: 3,
	})

	assert.LessOrEqual(t, p.maxInflight.Load(), int32(3))
}

func TestDiscover_RefreshesRegisteredAgent(t *testing.T) {
	p := &mockProber{
		responses: map[string]*protocol.HealthProbeResponse{
			"http://10.0.0.1:8080": handshake("node-1"),
		},
	}
	eng, reg := newEngine(p)

	require.NoError(t, reg.Register(registry.AgentIdentity{
		NodeUUID: "node-1",
		BaseURL:  "http://10.0.0.1:8080",
	}))
	before, _ := reg.Get("node-1")

	results := eng.Discover(context.Background(), Config{
		Hosts: []string{"10.0.0.1"},
		Ports: []int{8080},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].Registered)

	after, ok := reg.Get("node-1")
	require.True(t, ok)
	assert.Equal(t, registry.StateRegistered, after.State)
	assert.Equal(t, "1.0.0", after.Version)
	assert.False(t, after.LastSeen.Before(before.LastSeen))
	assert.Equal(t, 1, reg.Len())
}

func TestDiscover_UnknownAgentNotRegistered(t *testing.T) {
	p := &mockProber{
		responses: map[string]*protocol.HealthProbeResponse{
			"http://10.0.0.1:8080": handshake("node-new"),
		},
	}
	eng, reg := newEngine(p)

	results := eng.Discover(context.Background(), Config{
		Hosts: []string{"10.0.0.1"},
		Ports: []int{8080},
	})

	require.Len(t, results, 1)
	assert.Equal(t, StatusFound, results[0].Status)
	assert.False(t, results[0].Registered)
	// Discovery proposes; it never registers.
	assert.Equal(t, 0, reg.Len())
}
