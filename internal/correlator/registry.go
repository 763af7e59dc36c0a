package correlator

import (
	"strings"
	"sync"
	"time"
)

// Registry is the set of agent legs between their Newchannel and Hangup.
//
// Writes come from the single dispatch goroutine; reads may come from any
// goroutine and always receive copies.
type Registry struct {
	mu      sync.RWMutex
	calls   map[string]*CallRecord // keyed by channel
	matcher LegMatcher
}

// NewRegistry creates an empty Registry that recognises agent legs with m.
func NewRegistry(m LegMatcher) *Registry {
	if m.transports == nil {
		m = NewLegMatcher()
	}
	return &Registry{
		calls:   make(map[string]*CallRecord),
		matcher: m,
	}
}

// Matcher returns the agent-leg matcher the registry was built with.
func (r *Registry) Matcher() LegMatcher { return r.matcher }

// unknownCallerID is what Asterisk reports when the caller id is absent.
const unknownCallerID = "<unknown>"

// OnNewChannel inserts a ringing record when channel is an agent leg with a
// caller id. It reports whether a record was created; a channel that is
// already tracked is left untouched.
func (r *Registry) OnNewChannel(channel, callerID string, at time.Time) (CallRecord, bool) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" || strings.EqualFold(callerID, unknownCallerID) {
		return CallRecord{}, false
	}
	ext, ok := r.matcher.Extension(channel)
	if !ok {
		return CallRecord{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[channel]; exists {
		return CallRecord{}, false
	}
	rec := &CallRecord{
		Channel:   channel,
		CallerID:  callerID,
		Extension: ext,
		Status:    StatusRinging,
		CreatedAt: at,
	}
	r.calls[channel] = rec
	return rec.clone(), true
}

// OnBridge marks the first tracked, still ringing leg among a and b as
// connected. connected_at is stamped once; a repeated bridge is a no-op.
func (r *Registry) OnBridge(a, b string, at time.Time) (CallRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range [2]string{a, b} {
		rec, ok := r.calls[ch]
		if !ok {
			continue
		}
		if rec.ConnectedAt != nil {
			continue
		}
		stamp := at
		rec.Status = StatusConnected
		rec.ConnectedAt = &stamp
		return rec.clone(), true
	}
	return CallRecord{}, false
}

// OnHangup removes the record for channel, returning it if it existed.
func (r *Registry) OnHangup(channel string) (CallRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.calls[channel]
	if !ok {
		return CallRecord{}, false
	}
	delete(r.calls, channel)
	return rec.clone(), true
}

// Get returns a copy of the record for channel.
func (r *Registry) Get(channel string) (CallRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.calls[channel]
	if !ok {
		return CallRecord{}, false
	}
	return rec.clone(), true
}

// ListActive returns a snapshot of every tracked record, in no particular
// order.
func (r *Registry) ListActive() []CallRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CallRecord, 0, len(r.calls))
	for _, rec := range r.calls {
		out = append(out, rec.clone())
	}
	return out
}

// Len returns the number of tracked records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Reset drops every record and returns how many were dropped. Used when a
// session ends, since hangups from a dead session will never arrive.
func (r *Registry) Reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.calls)
	r.calls = make(map[string]*CallRecord)
	return n
}
