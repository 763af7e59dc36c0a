package correlator

import "github.com/sweeney/vicidial-bridge/internal/publisher"

// Notification names as seen by browser clients.
const (
	EventIncomingCall      = "incoming_call"
	EventCallConnected     = "call_connected"
	EventCallEnded         = "call_ended"
	EventAgentStatusChange = "agent_status_change"
)

// Notification is a normalized message bound for one topic.
type Notification struct {
	Event string `json:"event"`
	Topic string `json:"-"`
	Data  any    `json:"data"`
}

// AgentTopic is the topic that reaches one agent's subscribers.
func AgentTopic(extension string) string {
	return "agent_" + extension
}

// IncomingCall is published when a new agent leg starts ringing.
type IncomingCall struct {
	Channel   string `json:"channel"`
	CallerID  string `json:"callerId"`
	Extension string `json:"extension"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// CallConnected is published when a tracked leg is bridged.
type CallConnected struct {
	Channel     string `json:"channel"`
	Extension   string `json:"extension"`
	Status      string `json:"status"`
	ConnectTime string `json:"connectTime"`
}

// CallEnded is published when a tracked leg hangs up.
type CallEnded struct {
	Channel   string `json:"channel"`
	Extension string `json:"extension"`
	Cause     string `json:"cause"`
	CauseText string `json:"causeText,omitempty"`
	EndTime   string `json:"endTime"`
}

// AgentStatusChange is broadcast when a queue member's device state changes.
type AgentStatusChange struct {
	Extension  string `json:"extension"`
	Status     string `json:"status"`
	StatusText string `json:"statusText,omitempty"`
	Timestamp  string `json:"timestamp"`
}

func broadcast(event string, data any) Notification {
	return Notification{Event: event, Topic: publisher.Broadcast, Data: data}
}

func toAgent(extension, event string, data any) Notification {
	return Notification{Event: event, Topic: AgentTopic(extension), Data: data}
}
