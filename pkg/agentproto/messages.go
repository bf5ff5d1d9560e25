// Package agentproto holds the plain Go structs exchanged between the
// agent and the control plane over the message bus: schema publish/
// subscribe negotiation and the registration/heartbeat envelope. None of
// these types carry behavior — wire serialization is external (JSON tags
// only), and the logic that builds and consumes them lives in
// pkg/collector and pkg/lifecycle.
package agentproto

// PublishedColumn mirrors one column of an info class's schema on the
// wire: a name paired with a semantic type name.
type PublishedColumn struct {
	ColumnName   string `json:"column_name"`
	SemanticType string `json:"semantic_type"`
}

// PublishedInfoClass is one entry of a Publish message.
type PublishedInfoClass struct {
	ID               uint64            `json:"id"`
	Name             string            `json:"name"`
	Schema           []PublishedColumn `json:"schema"`
	SamplingPeriodMS int64             `json:"sampling_period_ms"`
	PushPeriodMS     int64             `json:"push_period_ms"`
}

// Publish is the ordered sequence of info classes an agent advertises.
type Publish struct {
	InfoClasses []PublishedInfoClass `json:"info_classes"`
}

// SubscribeEntry is one entry of a Subscribe message. IDs must be unique
// within a single Subscribe.
type SubscribeEntry struct {
	ID               uint64 `json:"id"`
	Subscribed       bool   `json:"subscribed"`
	SamplingPeriodMS *int64 `json:"sampling_period_ms,omitempty"`
	PushPeriodMS     *int64 `json:"push_period_ms,omitempty"`
}

// Subscribe selects which published info classes to collect. The latest
// Subscribe received fully replaces the prior one.
type Subscribe struct {
	Entries []SubscribeEntry `json:"entries"`
}

// RegisterAgent announces a new agent instance to the control plane.
type RegisterAgent struct {
	AgentID      string   `json:"agent_id"`
	Hostname     string   `json:"hostname"`
	PodName      string   `json:"pod_name"`
	HostIP       string   `json:"host_ip"`
	Capabilities []string `json:"capabilities"`
}

// RegisterAgentResponse carries the control plane's assigned agent
// session id (asid). asid == 0 means unregistered.
type RegisterAgentResponse struct {
	ASID uint64 `json:"asid"`
}

// Heartbeat is sent periodically by a registered agent.
type Heartbeat struct {
	AgentID   string `json:"agent_id"`
	ASID      uint64 `json:"asid"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"` // unix nanos
}

// HeartbeatAck confirms liveness for the given sequence number.
type HeartbeatAck struct {
	Seq uint64 `json:"seq"`
}

// HeartbeatNack tells the agent its session is no longer valid and it
// must reregister.
type HeartbeatNack struct {
	Reason string `json:"reason"`
}

// ConfigUpdate carries control-plane-pushed configuration fields. Fields
// is intentionally loosely typed. The agent's inbound message routing
// (cmd/agent-collector) has no case for this message, so received
// updates are not applied.
type ConfigUpdate struct {
	Fields map[string]string `json:"fields"`
}
