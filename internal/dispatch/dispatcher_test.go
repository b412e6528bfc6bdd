// ABOUTME: Tests for the command dispatcher
// ABOUTME: Covers correlation, timeouts, short-circuits, async resolution, and sweeps

package dispatch

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

	"github.com/forgeworks/bastion/internal/agentclient"
	"github.com/forgeworks/bastion/internal/protocol"
	"github.com/forgeworks/bastion/internal/registry"
)

// mockSender scripts the agent's reply to a command POST.
type mockSender struct {
	mu    sync.Mutex
	calls int

	// respond builds the reply from the envelope; set err for failures.
	respond func(env *protocol.CommandEnvelope) (*protocol.CommandResponse, error)
}

func (m *mockSender) SendCommand(ctx context.Context, target agentclient.Target, env *protocol.CommandEnvelope) (*protocol.CommandResponse, error) {
	m.mu.Lock()
	m.calls++
	fn := m.respond
	m.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no responder")
	}
	return fn(env)
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func inlineSuccess(env *protocol.CommandEnvelope) (*protocol.CommandResponse, error) {
	return &protocol.CommandResponse{
		CommandID: env.ID,
		Status:    protocol.StatusSuccess,
		ServerID:  env.ServerID,
		Timestamp: time.Now(),
	}, nil
}

func acceptPending(env *protocol.CommandEnvelope) (*protocol.CommandResponse, error) {
	return &protocol.CommandResponse{
		CommandID: env.ID,
		Status:    protocol.StatusPending,
		Timestamp: time.Now(),
	}, nil
}

func newDispatcher(t *testing.T, sender Sender, cfg Config) (*Dispatcher, *registry.Registry) {
	t.Helper()
	reg := registry.New(slog.Default())
	require.NoError(t, reg.Register(registry.AgentIdentity{
		NodeUUID: "node-1",
		BaseURL:  "http://test",
		APIKey:   "key",
	}))
	require.NoError(t, reg.SetState("node-1", registry.StateOnline, ""))
	return New(sender, reg, cfg, slog.Default()), reg
}

func TestSend_InlineSuccess(t *testing.T) {
	sender := &mockSender{respond: inlineSuccess}
	d, _ := newDispatcher(t, sender, Config{})

	resp, err := d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerStart, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "srv-1", resp.ServerID)
	assert.Equal(t, 0, d.PendingCount())
}

func TestSend_UnknownAgent(t *testing.T) {
	sender := &mockSender{respond: inlineSuccess}
	d, _ := newDispatcher(t, sender, Config{})

	_, err := d.Send(context.Background(), "ghost", "srv-1", protocol.ActionServerStart, nil, time.Second)
	assert.ErrorIs(t, err, ErrAgentUnreachable)
	assert.Equal(t, 0, sender.callCount())
}

func TestSend_ShortCircuitsOfflineAndFailed(t *testing.T) {
	sender := &mockSender{respond: inlineSuccess}
	d, reg := newDispatcher(t, sender, Config{})

	require.NoError(t, reg.SetState("node-1", registry.StateDegraded, "flap"))
	require.NoError(t, reg.SetState("node-1", registry.StateOffline, "down"))

	start := time.Now()
	_, err := d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerStart, nil, 5*time.Second)
	assert.ErrorIs(t, err, ErrAgentUnreachable)
	// Immediate, not a hang until the generic timeout.
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, sender.callCount())

	require.NoError(t, reg.SetState("node-1", registry.StateFailed, "compromised"))
	_, err = d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerStart, nil, 5*time.Second)
	assert.ErrorIs(t, err, ErrAgentUnreachable)
	assert.Equal(t, 0, sender.callCount())
}

func TestSend_AgentErrorStatus(t *testing.T) {
	sender := &mockSender{respond: func(env *protocol.CommandEnvelope) (*protocol.CommandResponse, error) {
		return &protocol.CommandResponse{
			CommandID: env.ID,
			Status:    protocol.StatusError,
			Message:   "server already running",
		}, nil
	}}
	d, _ := newDispatcher(t, sender, Config{})

	resp, err := d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerStart, nil, time.Second)
	assert.ErrorIs(t, err, ErrAgentRejected)
	require.NotNil(t, resp)
	assert.Contains(t, err.Error(), "server already running")
}

func TestSend_RejectedByAgent(t *testing.T) {
	sender := &mockSender{respond: func(env *protocol.CommandEnvelope) (*protocol.CommandResponse, error) {
		return nil, agentclient.ErrRejected
	}}
	d, _ := newDispatcher(t, sender, Config{})

	_, err := d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerStart, nil, time.Second)
	assert.ErrorIs(t, err, ErrAgentRejected)
	assert.Equal(t, 0, d.PendingCount())
}

func TestSend_NetworkError(t *testing.T) {
	sender := &mockSender{respond: func(env *protocol.CommandEnvelope) (*protocol.CommandResponse, error) {
		return nil, errors.New("connection reset")
	}}
	d, _ := newDispatcher(t, sender, Config{})

	_, err := d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerStart, nil, time.Second)
	assert.ErrorIs(t, err, ErrAgentUnreachable)
	assert.Equal(t, 0, d.PendingCount())
}

func TestSend_CorrelationMismatch(t *testing.T) {
	sender := &mockSender{respond: func(env *protocol.CommandEnvelope) (*protocol.CommandResponse, error) {
		return &protocol.CommandResponse{CommandID: "some-other-id", Status: protocol.StatusSuccess}, nil
	}}
	d, _ := newDispatcher(t, sender, Config{})

	_, err := d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerStart, nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrProtocolMismatch)
	assert.Equal(t, 0, d.PendingCount())
}

func TestSend_PendingResolvedByEvent(t *testing.T) {
	var envID atomic.Value
	sender := &mockSender{respond: func(env *protocol.CommandEnvelope) (*protocol.CommandResponse, error) {
		envID.Store(env.ID)
		return acceptPending(env)
	}}
	d, _ := newDispatcher(t, sender, Config{})

	go func() {
		// Simulate the command_result event arriving over the event channel.
		require.Eventually(t, func() bool { return envID.Load() != nil }, time.Second, time.Millisecond)
		d.HandleResponse(&protocol.CommandResponse{
			CommandID: envID.Load().(string),
			Status:    protocol.StatusSuccess,
			Message:   "started",
		})
	}()

	resp, err := d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerStart, nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "started", resp.Message)
	assert.Equal(t, 0, d.PendingCount())
}

func TestSend_TimeoutWhenNoResponse(t *testing.T) {
	sender := &mockSender{respond: acceptPending}
	d, _ := newDispatcher(t, sender, Config{})

	start := time.Now()
	_, err := d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerStart, nil, 200*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrAgentTimeout)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond)
	assert.Equal(t, 0, d.PendingCount())
}

func TestSend_SlowAcceptDoesNotExtendDeadline(t *testing.T) {
	// The HTTP exchange eats most of the budget before the agent accepts
	// with pending. The wait for the async result must cover only what is
	// left of the original deadline, not a fresh full-length window.
	sender := &mockSender{respond: func(env *protocol.CommandEnvelope) (*protocol.CommandResponse, error) {
		time.Sleep(350 * time.Millisecond)
		return acceptPending(env)
	}}
	d, _ := newDispatcher(t, sender, Config{})

	start := time.Now()
	_, err := d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerStart, nil, 500*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrAgentTimeout)
	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	assert.Less(t, elapsed, 650*time.Millisecond)
	assert.Equal(t, 0, d.PendingCount())
}

func TestSend_ExactlyOneOutcome(t *testing.T) {
	// Race HandleResponse against the deadline for many commands; each
	// command must resolve exactly once, either way.
	var mu sync.Mutex
	ids := []string{}
	sender := &mockSender{respond: func(env *protocol.CommandEnvelope) (*protocol.CommandResponse, error) {
		mu.Lock()
		ids = append(ids, env.ID)
		mu.Unlock()
		return acceptPending(env)
	}}
	d, _ := newDispatcher(t, sender, Config{MaxRequests: -1})

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			mu.Lock()
			for _, id := range ids {
				d.HandleResponse(&protocol.CommandResponse{CommandID: id, Status: protocol.StatusSuccess})
			}
			ids = ids[:0]
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	var resolved, timedOut atomic.Int32
	const commands = 40
	for i := 0; i < commands; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerCommand, nil, 10*time.Millisecond)
			if err == nil {
				resolved.Add(1)
			} else if errors.Is(err, ErrAgentTimeout) {
				timedOut.Add(1)
			} else {
				t.Errorf("unexpected outcome: %v", err)
			}
		}()
	}
	wg.Wait()
	close(stop)

	assert.Equal(t, int32(commands), resolved.Load()+timedOut.Load())
	assert.Equal(t, 0, d.PendingCount())
}

func TestHandleResponse_UnknownCommand(t *testing.T) {
	d, _ := newDispatcher(t, &mockSender{}, Config{})

	assert.False(t, d.HandleResponse(&protocol.CommandResponse{CommandID: "nope", Status: protocol.StatusSuccess}))
	assert.False(t, d.HandleResponse(nil))
	assert.False(t, d.HandleResponse(&protocol.CommandResponse{Status: protocol.StatusSuccess}))
}

func TestHandleResponse_IgnoresNonTerminal(t *testing.T) {
	d, _ := newDispatcher(t, &mockSender{}, Config{})

	pc, err := d.register("cmd-1", "node-1", time.Minute)
	require.NoError(t, err)

	assert.False(t, d.HandleResponse(&protocol.CommandResponse{CommandID: "cmd-1", Status: protocol.StatusPending}))
	assert.Equal(t, 1, d.PendingCount())
	assert.Empty(t, pc.ch)
}

func TestRegister_DuplicateCommandID(t *testing.T) {
	d, _ := newDispatcher(t, &mockSender{}, Config{})

	_, err := d.register("cmd-1", "node-1", time.Minute)
	require.NoError(t, err)
	_, err = d.register("cmd-1", "node-1", time.Minute)
	assert.ErrorIs(t, err, ErrDuplicateCommand)
}

func TestRateLimit_ExactlyOneRejection(t *testing.T) {
	sender := &mockSender{respond: inlineSuccess}
	d, _ := newDispatcher(t, sender, Config{MaxRequests: 5, Window: time.Minute})

	var limited int
	for i := 0; i < 6; i++ {
		_, err := d.Send(context.Background(), "node-1", "srv-1", protocol.ActionServerCommand, nil, time.Second)
		if err != nil {
			require.ErrorIs(t, err, ErrRateLimitExceeded)
			var rl *RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.Equal(t, 5, rl.Limit)
			assert.Greater(t, rl.RetryAfter(), time.Duration(0))
			limited++
		}
	}
	assert.Equal(t, 1, limited)
	assert.Equal(t, 5, sender.callCount())
}

func TestRateLimit_WindowResets(t *testing.T) {
	l := newRateLimiter(2, time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	require.NoError(t, l.allow("node-1"))
	require.NoError(t, l.allow("node-1"))
	assert.ErrorIs(t, l.allow("node-1"), ErrRateLimitExceeded)

	// A different agent has its own window.
	require.NoError(t, l.allow("node-2"))

	// After the window passes, the counter resets.
	now = now.Add(time.Minute)
	require.NoError(t, l.allow("node-1"))
}

func TestRateLimit_DisabledWithNegativeMax(t *testing.T) {
	l := newRateLimiter(-1, time.Minute)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.allow("node-1"))
	}
}

func TestSweep_EvictsExpiredEntries(t *testing.T) {
	d, _ := newDispatcher(t, &mockSender{}, Config{})

	pc, err := d.register("cmd-stale", "node-1", -time.Second)
	require.NoError(t, err)
	_, err = d.register("cmd-fresh", "node-1", time.Minute)
	require.NoError(t, err)

	d.sweep()

	assert.Equal(t, 1, d.PendingCount())
	select {
	case resp := <-pc.ch:
		assert.Equal(t, protocol.StatusTimeout, resp.Status)
	default:
		t.Fatal("swept command should receive a synthesized timeout response")
	}
}
