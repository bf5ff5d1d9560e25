package lifecycle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandonwnguyen/pixie/pkg/agentproto"
	"github.com/brandonwnguyen/pixie/pkg/bus"
	"github.com/brandonwnguyen/pixie/pkg/dispatcher"
)

func startTestNATSServer(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

type harness struct {
	t      *testing.T
	client *bus.Client
	disp   *dispatcher.Dispatcher
	lc     *Lifecycle

	registers chan agentproto.RegisterAgent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	url := startTestNATSServer(t)

	client := bus.New(nil)
	require.NoError(t, client.Connect(bus.Config{URL: url}))
	t.Cleanup(func() { client.Close() })

	disp := dispatcher.New()
	go disp.Run()
	t.Cleanup(disp.Stop)

	h := &harness{t: t, client: client, disp: disp, registers: make(chan agentproto.RegisterAgent, 8)}

	control := bus.New(nil)
	require.NoError(t, control.Connect(bus.Config{URL: url}))
	t.Cleanup(func() { control.Close() })
	require.NoError(t, control.RegisterMessageHandler("control.register", func(_ string, payload []byte) {
		var reg agentproto.RegisterAgent
		_ = json.Unmarshal(payload, &reg)
		h.registers <- reg
	}))

	h.lc = New(Info{AgentID: "agent-1", Hostname: "host", PodName: "pod", HostIP: "10.0.0.1"},
		client, disp, "control.register", "agent.heartbeat", nil)
	h.lc.maxMissedAcks = 1
	h.lc.heartbeatEvery = 20 * time.Millisecond

	return h
}

func (h *harness) awaitRegister(timeout time.Duration) agentproto.RegisterAgent {
	h.t.Helper()
	select {
	case reg := <-h.registers:
		return reg
	case <-time.After(timeout):
		h.t.Fatal("timed out waiting for RegisterAgent")
		return agentproto.RegisterAgent{}
	}
}

func TestLifecycle_StartEmitsRegisterAndTransitions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.lc.Start())
	assert.Equal(t, Registering, h.lc.State())

	reg := h.awaitRegister(time.Second)
	assert.Equal(t, "agent-1", reg.AgentID)
}

func TestLifecycle_RegisterResponseTransitionsToRegistered(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.lc.Start())
	h.awaitRegister(time.Second)

	var hookASID uint64
	h.lc.PostRegisterHook = func(asid uint64) { hookASID = asid }

	h.lc.HandleRegisterAgentResponse(agentproto.RegisterAgentResponse{ASID: 7})
	assert.Equal(t, Registered, h.lc.State())
	assert.Equal(t, uint64(7), h.lc.ASID())
	assert.Equal(t, uint64(7), hookASID)
}

// S4: HeartbeatNack transitions Registered → Reregistering, pauses
// heartbeats, emits a new RegisterAgent, and resumes on a matching asid.
func TestLifecycle_S4_NackReregisterCycle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.lc.Start())
	h.awaitRegister(time.Second)
	h.lc.HandleRegisterAgentResponse(agentproto.RegisterAgentResponse{ASID: 42})
	require.Equal(t, Registered, h.lc.State())

	var preReregCalled bool
	h.lc.PreReregHook = func() { preReregCalled = true }

	h.lc.HandleHeartbeatNack(agentproto.HeartbeatNack{Reason: "unknown session"})
	assert.Equal(t, Reregistering, h.lc.State())
	assert.True(t, preReregCalled)

	reg := h.awaitRegister(time.Second)
	assert.Equal(t, "agent-1", reg.AgentID)

	// Mismatched asid is ignored, stays Reregistering.
	h.lc.HandleRegisterAgentResponse(agentproto.RegisterAgentResponse{ASID: 999})
	assert.Equal(t, Reregistering, h.lc.State())

	// Matching asid resumes Registered.
	h.lc.HandleRegisterAgentResponse(agentproto.RegisterAgentResponse{ASID: 42})
	assert.Equal(t, Registered, h.lc.State())
	assert.Equal(t, uint64(42), h.lc.ASID())
}

func TestLifecycle_HeartbeatAckResetsMissedCount(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.lc.Start())
	h.awaitRegister(time.Second)
	h.lc.HandleRegisterAgentResponse(agentproto.RegisterAgentResponse{ASID: 1})

	h.lc.mu.Lock()
	h.lc.missedAcks = 5
	h.lc.mu.Unlock()

	h.lc.HandleHeartbeatAck(agentproto.HeartbeatAck{Seq: 1})

	h.lc.mu.Lock()
	defer h.lc.mu.Unlock()
	assert.Equal(t, 0, h.lc.missedAcks)
}

func TestLifecycle_StopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.lc.Start())
	require.NoError(t, h.lc.Stop())
	require.NoError(t, h.lc.Stop())
	assert.Equal(t, Stopping, h.lc.State())
}
