// ABOUTME: Tests for the agent registry
// ABOUTME: Covers registration, snapshots, filters, listeners, and concurrent writes

package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func testIdentity(n int) AgentIdentity {
	return AgentIdentity{
		NodeUUID: fmt.Sprintf("node-%d", n),
		BaseURL:  fmt.Sprintf("http://10.0.0.%d:8080", n),
		APIKey:   fmt.Sprintf("bsk_node-agent_%032d", n),
	}
}

func TestRegister_NewAgent(t *testing.T) {
	r := New(testLogger())

	require.NoError(t, r.Register(testIdentity(1)))

	rec, ok := r.Get("node-1")
	require.True(t, ok)
	assert.Equal(t, StateRegistered, rec.State)
	assert.Equal(t, "http://10.0.0.1:8080", rec.Identity.BaseURL)
	assert.Equal(t, 1, r.Len())
}

func TestRegister_RequiresIdentity(t *testing.T) {
	r := New(testLogger())

	assert.Error(t, r.Register(AgentIdentity{BaseURL: "http://x"}))
	assert.Error(t, r.Register(AgentIdentity{NodeUUID: "node-1"}))
}

func TestRegister_Idempotent(t *testing.T) {
	r := New(testLogger())

	require.NoError(t, r.Register(testIdentity(1)))
	require.NoError(t, r.SetState("node-1", StateOnline, ""))

	// Re-registration rotates the URL but must not regress health state.
	rotated := testIdentity(1)
	rotated.BaseURL = "http://10.0.0.99:8080"
	require.NoError(t, r.Register(rotated))

	rec, ok := r.Get("node-1")
	require.True(t, ok)
	assert.Equal(t, StateOnline, rec.State)
	assert.Equal(t, "http://10.0.0.99:8080", rec.Identity.BaseURL)
	assert.Equal(t, 1, r.Len())
}

func TestRegister_PromotesFoundCandidate(t *testing.T) {
	r := New(testLogger())

	r.Upsert(AgentRecord{Identity: testIdentity(1), State: StateFound})
	require.NoError(t, r.Register(testIdentity(1)))

	rec, _ := r.Get("node-1")
	assert.Equal(t, StateRegistered, rec.State)
}

func TestRegister_RevivesFailedAgent(t *testing.T) {
	r := New(testLogger())

	require.NoError(t, r.Register(testIdentity(1)))
	require.NoError(t, r.SetState("node-1", StateFailed, "identity mismatch"))

	require.NoError(t, r.Register(testIdentity(1)))
	rec, _ := r.Get("node-1")
	assert.Equal(t, StateRegistered, rec.State)
	assert.Empty(t, rec.LastError)
}

func TestSetState_IllegalTransitionRejected(t *testing.T) {
	r := New(testLogger())

	require.NoError(t, r.Register(testIdentity(1)))
	require.NoError(t, r.SetState("node-1", StateOnline, ""))

	// Online -> Offline skips Degraded and must be rejected.
	err := r.SetState("node-1", StateOffline, "probe failed")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	rec, _ := r.Get("node-1")
	assert.Equal(t, StateOnline, rec.State)
}

func TestSetState_UnknownAgent(t *testing.T) {
	r := New(testLogger())
	assert.ErrorIs(t, r.SetState("nope", StateOnline, ""), ErrAgentNotFound)
}

func TestSetState_NotifiesListeners(t *testing.T) {
	r := New(testLogger())

	var mu sync.Mutex
	var got [][3]string
	r.Subscribe(func(nodeUUID string, from, to ConnectionState, reason string) {
		mu.Lock()
		got = append(got, [3]string{nodeUUID, string(from), string(to)})
		mu.Unlock()
	})

	require.NoError(t, r.Register(testIdentity(1)))
	require.NoError(t, r.SetState("node-1", StateOnline, ""))
	require.NoError(t, r.SetState("node-1", StateOnline, "")) // refresh, no notify

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, [3]string{"node-1", "", "registered"}, got[0])
	assert.Equal(t, [3]string{"node-1", "registered", "online"}, got[1])
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	r := New(testLogger())

	r.Upsert(AgentRecord{
		Identity:     testIdentity(1),
		State:        StateFound,
		Capabilities: []string{"minecraft"},
	})

	rec, ok := r.Get("node-1")
	require.True(t, ok)

	// Mutating the snapshot must not affect the registry.
	rec.Capabilities[0] = "mutated"
	rec.State = StateFailed

	fresh, _ := r.Get("node-1")
	assert.Equal(t, []string{"minecraft"}, fresh.Capabilities)
	assert.Equal(t, StateFound, fresh.State)
}

func TestList_Filter(t *testing.T) {
	r := New(testLogger())

	require.NoError(t, r.Register(testIdentity(1)))
	require.NoError(t, r.Register(testIdentity(2)))
	require.NoError(t, r.SetState("node-2", StateOnline, ""))
	require.NoError(t, r.MarkSeen("node-2", "1.2.0", []string{"minecraft", "valheim"}))

	all := r.List(nil)
	assert.Len(t, all, 2)

	online := r.List(&Filter{States: []ConnectionState{StateOnline}})
	require.Len(t, online, 1)
	assert.Equal(t, "node-2", online[0].Identity.NodeUUID)

	capable := r.List(&Filter{Capability: "valheim"})
	require.Len(t, capable, 1)
	assert.Equal(t, "node-2", capable[0].Identity.NodeUUID)
}

func TestRemove(t *testing.T) {
	r := New(testLogger())

	require.NoError(t, r.Register(testIdentity(1)))
	assert.True(t, r.Remove("node-1"))
	assert.False(t, r.Remove("node-1"))

	_, ok := r.Get("node-1")
	assert.False(t, ok)
}

func TestSeed(t *testing.T) {
	r := New(testLogger())

	r.Seed([]AgentIdentity{testIdentity(1), testIdentity(2), {}})

	assert.Equal(t, 2, r.Len())
	rec, ok := r.Get("node-1")
	require.True(t, ok)
	assert.Equal(t, StateRegistered, rec.State)
}

func TestConcurrentUpdates_NoLostState(t *testing.T) {
	r := New(testLogger())

	const agents = 16
	for i := 0; i < agents; i++ {
		require.NoError(t, r.Register(testIdentity(i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			node := fmt.Sprintf("node-%d", n)
			// registered -> online -> degraded -> online ...
			_ = r.SetState(node, StateOnline, "")
			for j := 0; j < 50; j++ {
				_ = r.SetState(node, StateDegraded, "flap")
				_ = r.SetState(node, StateOnline, "")
				_ = r.MarkSeen(node, "1.0.0", nil)
				_, _ = r.Get(node)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < agents; i++ {
		rec, ok := r.Get(fmt.Sprintf("node-%d", i))
		require.True(t, ok)
		assert.Equal(t, StateOnline, rec.State)
	}
}
