package ami

import (
	"sort"
	"strconv"
	"strings"
)

// Event is one decoded manager frame: an ordered set of key-value headers.
// Responses and asynchronous events share the representation.
type Event struct {
	headers []Header
}

// Header is a single "Key: Value" line of a frame.
type Header struct {
	Key   string
	Value string
}

// NewEvent creates an Event from alternating key-value pairs.
func NewEvent(kvs ...string) Event {
	e := Event{}
	for i := 0; i+1 < len(kvs); i += 2 {
		e.headers = append(e.headers, Header{Key: kvs[i], Value: kvs[i+1]})
	}
	return e
}

// Get returns the value for the given key, or empty string if not found.
// Keys compare case-insensitively; Asterisk is not consistent about casing
// across versions (Uniqueid vs UniqueID).
func (e Event) Get(key string) string {
	v, _ := e.Lookup(key)
	return v
}

// Lookup returns the value for key and whether the header was present.
func (e Event) Lookup(key string) (string, bool) {
	for _, h := range e.headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value, true
		}
	}
	return "", false
}

// Name returns the Event header value (the event type).
func (e Event) Name() string {
	return e.Get("Event")
}

// GetInt returns the integer value for the given key, or 0 if not found/parseable.
func (e Event) GetInt(key string) int {
	v, _ := strconv.Atoi(e.Get(key))
	return v
}

// ActionID returns the ActionID header.
func (e Event) ActionID() string {
	return e.Get("ActionID")
}

// Headers returns a copy of all headers in wire order.
func (e Event) Headers() []Header {
	out := make([]Header, len(e.headers))
	copy(out, e.headers)
	return out
}

// Fields returns the headers as a map. Later duplicates win.
func (e Event) Fields() map[string]string {
	m := make(map[string]string, len(e.headers))
	for _, h := range e.headers {
		m[h.Key] = h.Value
	}
	return m
}

// IsResponse returns true if this is an action response rather than an event.
func (e Event) IsResponse() bool {
	return e.Get("Response") != ""
}

// Len returns the number of headers.
func (e Event) Len() int {
	return len(e.headers)
}

// Encode renders the event in manager wire framing, terminated by a blank line.
func (e Event) Encode() []byte {
	var b strings.Builder
	for _, h := range e.headers {
		b.WriteString(h.Key)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// actionFrame builds an outbound action. Action and ActionID lead; remaining
// fields follow in key order so frames are deterministic.
func actionFrame(name, actionID string, fields map[string]string) Event {
	e := NewEvent("Action", name, "ActionID", actionID)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if strings.EqualFold(k, "Action") || strings.EqualFold(k, "ActionID") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.headers = append(e.headers, Header{Key: k, Value: fields[k]})
	}
	return e
}
