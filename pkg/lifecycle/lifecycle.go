// Package lifecycle implements the agent's registration/heartbeat/
// reregistration/shutdown state machine, grounded on tapio's
// CollectorManager start/stop shape (mutex-guarded state, idempotent
// Stop) but replacing its collector supervision with the agent's own
// control-plane conversation over pkg/bus and pkg/dispatcher.
package lifecycle

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brandonwnguyen/pixie/pkg/agentproto"
	"github.com/brandonwnguyen/pixie/pkg/bus"
	"github.com/brandonwnguyen/pixie/pkg/dispatcher"
)

// State is one of the agent's five lifecycle states.
type State int

const (
	Unregistered State = iota
	Registering
	Registered
	Reregistering
	Stopping
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	case Reregistering:
		return "reregistering"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Info identifies this agent to the control plane.
type Info struct {
	AgentID      string
	Hostname     string
	PodName      string
	HostIP       string
	Capabilities []string
}

const (
	defaultHeartbeatPeriod  = 10 * time.Second
	defaultMaxMissedAcks    = 3
	defaultRegisterBaseWait = 2 * time.Second
	defaultRegisterMaxJit   = 1 * time.Second
)

// Lifecycle drives Info through the agent lifecycle state machine over a
// bus.Client and a dispatcher.Dispatcher. All transitions are expected to
// run on the Dispatcher's event thread; HandleX methods are designed to
// be called from message handlers registered with the bus.
type Lifecycle struct {
	mu    sync.Mutex
	state State

	info Info
	asid uint64

	seq            uint64
	missedAcks     int
	maxMissedAcks  int
	heartbeatEvery time.Duration

	bus          *bus.Client
	disp         *dispatcher.Dispatcher
	controlTopic string
	agentTopic   string

	heartbeatTimer *dispatcher.Timer
	registerTimer  *dispatcher.Timer

	// PostRegisterHook runs once, with the assigned asid, when the initial
	// registration succeeds (Registering → Registered); a successful
	// reregistration does not run it again. Callers use it to build state
	// that depends on the asid and to register the timers and handlers
	// that only make sense once the agent is registered.
	PostRegisterHook func(asid uint64)
	// PreReregHook runs once, synchronously, before transitioning out
	// of Registered into Reregistering.
	PreReregHook func()

	log *zap.Logger
}

// New constructs a Lifecycle in the Unregistered state.
func New(info Info, b *bus.Client, d *dispatcher.Dispatcher, controlTopic, agentTopic string, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{
		state:          Unregistered,
		info:           info,
		maxMissedAcks:  defaultMaxMissedAcks,
		heartbeatEvery: defaultHeartbeatPeriod,
		bus:            b,
		disp:           d,
		controlTopic:   controlTopic,
		agentTopic:     agentTopic,
		log:            log,
	}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ASID returns the control-plane-assigned session id, or 0 if
// unregistered.
func (l *Lifecycle) ASID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.asid
}

// Start transitions Unregistered → Registering and emits a RegisterAgent
// message.
func (l *Lifecycle) Start() error {
	l.mu.Lock()
	if l.state != Unregistered {
		l.mu.Unlock()
		return fmt.Errorf("lifecycle: Start called from state %s", l.state)
	}
	l.state = Registering
	l.mu.Unlock()

	return l.emitRegister()
}

func (l *Lifecycle) emitRegister() error {
	msg := agentproto.RegisterAgent{
		AgentID:      l.info.AgentID,
		Hostname:     l.info.Hostname,
		PodName:      l.info.PodName,
		HostIP:       l.info.HostIP,
		Capabilities: l.info.Capabilities,
	}
	if err := l.bus.Publish(l.controlTopic, msg); err != nil {
		return fmt.Errorf("emit register: %w", err)
	}
	l.scheduleRegisterRetry()
	return nil
}

// scheduleRegisterRetry arms a retry-with-jitter timer; it is canceled by
// HandleRegisterAgentResponse on success.
func (l *Lifecycle) scheduleRegisterRetry() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.registerTimer == nil {
		l.registerTimer = l.disp.CreateTimer(func() { l.onRegisterTimeout() })
	}
	jitter := time.Duration(rand.Int63n(int64(defaultRegisterMaxJit)))
	l.registerTimer.Enable(defaultRegisterBaseWait + jitter)
}

func (l *Lifecycle) onRegisterTimeout() {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()

	if state != Registering && state != Reregistering {
		return
	}
	l.log.Info("registration timed out, retrying", zap.String("state", state.String()))
	if err := l.emitRegister(); err != nil {
		l.log.Warn("retry register failed", zap.Error(err))
	}
}

// HandleRegisterAgentResponse processes RegisterAgentResponse. From
// Registering it stores asid and runs PostRegisterHook. From
// Reregistering it requires the new asid match the original.
func (l *Lifecycle) HandleRegisterAgentResponse(resp agentproto.RegisterAgentResponse) {
	l.mu.Lock()
	state := l.state
	priorASID := l.asid
	l.mu.Unlock()

	switch state {
	case Registering:
		l.cancelRegisterTimer()
		l.mu.Lock()
		l.asid = resp.ASID
		l.state = Registered
		l.mu.Unlock()
		l.armHeartbeat()
		if l.PostRegisterHook != nil {
			l.PostRegisterHook(resp.ASID)
		}

	case Reregistering:
		if resp.ASID != priorASID {
			l.log.Warn("reregistration returned a different asid, ignoring",
				zap.Uint64("expected", priorASID), zap.Uint64("got", resp.ASID))
			return
		}
		l.cancelRegisterTimer()
		l.mu.Lock()
		l.state = Registered
		l.missedAcks = 0
		l.mu.Unlock()
		l.armHeartbeat()

	default:
		l.log.Debug("ignoring RegisterAgentResponse in state", zap.String("state", state.String()))
	}
}

func (l *Lifecycle) cancelRegisterTimer() {
	l.mu.Lock()
	t := l.registerTimer
	l.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// HandleHeartbeatAck resets the missed-ack counter.
func (l *Lifecycle) HandleHeartbeatAck(ack agentproto.HeartbeatAck) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Registered {
		return
	}
	l.missedAcks = 0
}

// HandleHeartbeatNack runs PreReregHook, disables heartbeats, and
// transitions Registered → Reregistering, emitting a fresh RegisterAgent.
func (l *Lifecycle) HandleHeartbeatNack(nack agentproto.HeartbeatNack) {
	l.mu.Lock()
	if l.state != Registered {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if l.PreReregHook != nil {
		l.PreReregHook()
	}
	l.disableHeartbeat()

	l.mu.Lock()
	l.state = Reregistering
	l.mu.Unlock()

	l.log.Warn("heartbeat nacked, reregistering", zap.String("reason", nack.Reason))
	if err := l.emitRegister(); err != nil {
		l.log.Warn("reregister emit failed", zap.Error(err))
	}
}

func (l *Lifecycle) armHeartbeat() {
	l.mu.Lock()
	if l.heartbeatTimer == nil {
		l.heartbeatTimer = l.disp.CreateTimer(func() { l.sendHeartbeat() })
	}
	t := l.heartbeatTimer
	period := l.heartbeatEvery
	l.mu.Unlock()
	t.Enable(period)
}

func (l *Lifecycle) disableHeartbeat() {
	l.mu.Lock()
	t := l.heartbeatTimer
	l.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

func (l *Lifecycle) sendHeartbeat() {
	l.mu.Lock()
	if l.state != Registered {
		l.mu.Unlock()
		return
	}
	l.seq++
	seq := l.seq
	asid := l.asid
	missed := l.missedAcks
	l.missedAcks++
	period := l.heartbeatEvery
	l.mu.Unlock()

	if missed >= l.maxMissedAcks {
		l.HandleHeartbeatNack(agentproto.HeartbeatNack{Reason: "missed too many heartbeat acks"})
		return
	}

	hb := agentproto.Heartbeat{
		AgentID:   l.info.AgentID,
		ASID:      asid,
		Seq:       seq,
		Timestamp: time.Now().UnixNano(),
	}
	if err := l.bus.Publish(l.agentTopic, hb); err != nil {
		l.log.Warn("heartbeat publish failed", zap.Error(err))
	}

	l.mu.Lock()
	t := l.heartbeatTimer
	l.mu.Unlock()
	if t != nil {
		t.Enable(period)
	}
}

// Stop transitions to Stopping from any state, cancels timers, and
// closes the bus connection. Idempotent.
func (l *Lifecycle) Stop() error {
	l.mu.Lock()
	if l.state == Stopping {
		l.mu.Unlock()
		return nil
	}
	l.state = Stopping
	l.mu.Unlock()

	l.cancelRegisterTimer()
	l.disableHeartbeat()
	return l.bus.Close()
}
