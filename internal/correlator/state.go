package correlator

import (
	"strings"
	"time"
)

// CallStatus is the lifecycle state of a tracked agent leg. There is no
// terminal state: hangup removes the record.
type CallStatus string

const (
	StatusRinging   CallStatus = "ringing"
	StatusConnected CallStatus = "connected"
)

// CallRecord is one tracked inbound agent leg.
type CallRecord struct {
	Channel     string     `json:"channel"`
	CallerID    string     `json:"caller_id"`
	Extension   string     `json:"extension"`
	Status      CallStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

func (r *CallRecord) clone() CallRecord {
	out := *r
	if r.ConnectedAt != nil {
		t := *r.ConnectedAt
		out.ConnectedAt = &t
	}
	return out
}

// DefaultTransports are the channel technologies that carry agent devices.
var DefaultTransports = []string{"SIP", "PJSIP", "IAX2"}

// LegMatcher recognises agent legs by channel naming convention:
// <transport>/<extension>-<suffix>.
type LegMatcher struct {
	transports map[string]bool
}

// NewLegMatcher accepts channels on the given transports. With none, it
// uses DefaultTransports.
func NewLegMatcher(transports ...string) LegMatcher {
	if len(transports) == 0 {
		transports = DefaultTransports
	}
	m := LegMatcher{transports: make(map[string]bool, len(transports))}
	for _, t := range transports {
		m.transports[strings.ToUpper(t)] = true
	}
	return m
}

// Extension returns the agent extension embedded in channel, or false when
// channel is not an agent leg.
func (m LegMatcher) Extension(channel string) (string, bool) {
	rest, ok := m.trimTransport(channel)
	if !ok {
		return "", false
	}
	dash := strings.IndexByte(rest, '-')
	if dash <= 0 || dash == len(rest)-1 {
		return "", false
	}
	ext := rest[:dash]
	if !validExtension(ext) {
		return "", false
	}
	return ext, true
}

// InterfaceExtension returns the extension of a queue member interface
// such as "SIP/1080". A channel-style name with a suffix is also accepted.
func (m LegMatcher) InterfaceExtension(iface string) (string, bool) {
	if ext, ok := m.Extension(iface); ok {
		return ext, true
	}
	rest, ok := m.trimTransport(iface)
	if !ok || !validExtension(rest) {
		return "", false
	}
	return rest, true
}

func (m LegMatcher) trimTransport(s string) (string, bool) {
	slash := strings.IndexByte(s, '/')
	if slash <= 0 {
		return "", false
	}
	if !m.transports[strings.ToUpper(s[:slash])] {
		return "", false
	}
	return s[slash+1:], true
}

func validExtension(ext string) bool {
	return ext != "" && !strings.ContainsAny(ext, "/@;-")
}

// ParseAgentLeg applies the default matcher to channel.
func ParseAgentLeg(channel string) (string, bool) {
	return NewLegMatcher().Extension(channel)
}

// HangupCause maps Asterisk hangup cause codes to names used when the event
// carries no Cause-txt.
var HangupCause = map[int]string{
	0:   "Unknown",
	1:   "Unallocated",
	16:  "Normal Clearing",
	17:  "User busy",
	18:  "No user responding",
	19:  "No Answer",
	21:  "Call Rejected",
	27:  "Destination out of order",
	31:  "Normal, unspecified",
	34:  "Circuit/channel congestion",
	127: "Interworking, unspecified",
}

// DeviceState maps QueueMemberStatus Status codes to names.
var DeviceState = map[string]string{
	"0": "unknown",
	"1": "not_inuse",
	"2": "inuse",
	"3": "busy",
	"4": "invalid",
	"5": "unavailable",
	"6": "ringing",
	"7": "ringinuse",
	"8": "onhold",
}
