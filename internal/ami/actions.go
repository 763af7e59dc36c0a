package ami

import (
	"context"
	"strconv"
)

// Actioner issues synchronous manager actions. *Conn implements it.
type Actioner interface {
	SendAction(ctx context.Context, action string, fields map[string]string) (*Response, error)
}

// DefaultAgentTransport addresses agent devices unless WithTransport says
// otherwise.
const DefaultAgentTransport = "SIP"

// Actions wraps an Actioner with the typed actions the dashboard issues.
// Field names and fixed values match what Asterisk expects.
type Actions struct {
	a         Actioner
	transport string
}

// NewActions creates an Actions bound to a.
func NewActions(a Actioner) *Actions {
	return &Actions{a: a, transport: DefaultAgentTransport}
}

// WithTransport returns a copy that addresses agent devices over transport
// (SIP, PJSIP, IAX2). An empty transport keeps the current one.
func (x *Actions) WithTransport(transport string) *Actions {
	cp := *x
	if transport != "" {
		cp.transport = transport
	}
	return &cp
}

// AgentInterface returns the device interface for an agent extension, e.g.
// PJSIP/1080.
func AgentInterface(transport, extension string) string {
	return transport + "/" + extension
}

// Interface is AgentInterface for the configured transport.
func (x *Actions) Interface(extension string) string {
	return AgentInterface(x.transport, extension)
}

// StartRecording starts a mixed wav recording of channel into file.
func (x *Actions) StartRecording(ctx context.Context, channel, file string) (*Response, error) {
	return x.a.SendAction(ctx, "Monitor", map[string]string{
		"Channel": channel,
		"File":    file,
		"Mix":     "true",
		"Format":  "wav",
	})
}

// StopRecording stops a recording started by StartRecording.
func (x *Actions) StopRecording(ctx context.Context, channel string) (*Response, error) {
	return x.a.SendAction(ctx, "StopMonitor", map[string]string{
		"Channel": channel,
	})
}

// Transfer redirects channel to exten@context, priority 1.
func (x *Actions) Transfer(ctx context.Context, channel, exten, dialContext string) (*Response, error) {
	return x.a.SendAction(ctx, "Transfer", map[string]string{
		"Channel":  channel,
		"Exten":    exten,
		"Context":  dialContext,
		"Priority": "1",
	})
}

// Hangup hangs up channel.
func (x *Actions) Hangup(ctx context.Context, channel string) (*Response, error) {
	return x.a.SendAction(ctx, "Hangup", map[string]string{
		"Channel": channel,
	})
}

// QueueStatus returns queue parameters and members as Response.Events.
func (x *Actions) QueueStatus(ctx context.Context, queue string) (*Response, error) {
	return x.a.SendAction(ctx, "QueueStatus", map[string]string{
		"Queue": queue,
	})
}

// QueueAdd adds iface to queue as memberName.
func (x *Actions) QueueAdd(ctx context.Context, queue, iface, memberName string, penalty int) (*Response, error) {
	return x.a.SendAction(ctx, "QueueAdd", map[string]string{
		"Queue":      queue,
		"Interface":  iface,
		"MemberName": memberName,
		"Penalty":    strconv.Itoa(penalty),
	})
}

// QueueRemove removes iface from queue.
func (x *Actions) QueueRemove(ctx context.Context, queue, iface string) (*Response, error) {
	return x.a.SendAction(ctx, "QueueRemove", map[string]string{
		"Queue":     queue,
		"Interface": iface,
	})
}

// QueuePause pauses or unpauses iface in queue. reason is sent only when
// non-empty.
func (x *Actions) QueuePause(ctx context.Context, iface, queue string, paused bool, reason string) (*Response, error) {
	fields := map[string]string{
		"Interface": iface,
		"Queue":     queue,
		"Paused":    strconv.FormatBool(paused),
	}
	if reason != "" {
		fields["Reason"] = reason
	}
	return x.a.SendAction(ctx, "QueuePause", fields)
}

// Originate rings the agent's device and connects it to number in
// dialContext once answered.
func (x *Actions) Originate(ctx context.Context, extension, number, dialContext string) (*Response, error) {
	return x.a.SendAction(ctx, "Originate", map[string]string{
		"Channel":  x.Interface(extension),
		"Exten":    number,
		"Context":  dialContext,
		"Priority": "1",
		"CallerID": extension + " <" + extension + ">",
		"Timeout":  "30000",
	})
}

// CoreShowChannels lists active channels as Response.Events.
func (x *Actions) CoreShowChannels(ctx context.Context) (*Response, error) {
	return x.a.SendAction(ctx, "CoreShowChannels", nil)
}

// QueueSummary lists every queue's counters as Response.Events. An empty
// queue means all queues.
func (x *Actions) QueueSummary(ctx context.Context, queue string) (*Response, error) {
	var fields map[string]string
	if queue != "" {
		fields = map[string]string{"Queue": queue}
	}
	return x.a.SendAction(ctx, "QueueSummary", fields)
}

// SIPShowPeer returns the chan_sip peer details for peer in the response
// headers.
func (x *Actions) SIPShowPeer(ctx context.Context, peer string) (*Response, error) {
	return x.a.SendAction(ctx, "SIPshowpeer", map[string]string{
		"Peer": peer,
	})
}

// AgentLogin adds the agent's device to queue with penalty 1.
func (x *Actions) AgentLogin(ctx context.Context, agentUser, extension, queue string) (*Response, error) {
	return x.QueueAdd(ctx, queue, x.Interface(extension), agentUser, 1)
}

// AgentLogout removes the agent's device from queue.
func (x *Actions) AgentLogout(ctx context.Context, extension, queue string) (*Response, error) {
	return x.QueueRemove(ctx, queue, x.Interface(extension))
}

// PauseAgent pauses the agent's device in queue.
func (x *Actions) PauseAgent(ctx context.Context, extension, queue, reason string) (*Response, error) {
	return x.QueuePause(ctx, x.Interface(extension), queue, true, reason)
}

// UnpauseAgent unpauses the agent's device in queue.
func (x *Actions) UnpauseAgent(ctx context.Context, extension, queue string) (*Response, error) {
	return x.QueuePause(ctx, x.Interface(extension), queue, false, "")
}
