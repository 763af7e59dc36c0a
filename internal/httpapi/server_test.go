package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/vicidial-bridge/internal/ami"
	"github.com/sweeney/vicidial-bridge/internal/correlator"
	"github.com/sweeney/vicidial-bridge/internal/publisher"
)

type sentAction struct {
	Name   string
	Fields map[string]string
}

// fakeManager records actions and answers with a canned response.
type fakeManager struct {
	mu        sync.Mutex
	sent      []sentAction
	resp      *ami.Response
	err       error
	connected bool
}

func (f *fakeManager) SendAction(_ context.Context, action string, fields map[string]string) (*ami.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentAction{Name: action, Fields: fields})
	if f.err != nil {
		return f.resp, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &ami.Response{Status: "Success", Message: action + " ok"}, nil
}

func (f *fakeManager) Connected() bool { return f.connected }

func (f *fakeManager) last(t *testing.T) sentAction {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "no action was sent")
	return f.sent[len(f.sent)-1]
}

type fixture struct {
	srv *Server
	mgr *fakeManager
	reg *correlator.Registry
	hub *publisher.Hub
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)
	mgr := &fakeManager{connected: true}
	reg := correlator.NewRegistry(correlator.NewLegMatcher())
	hub := publisher.NewHub(zerolog.Nop())
	srv := New(Options{
		Actioner:     mgr,
		Registry:     reg,
		Hub:          hub,
		Health:       mgr,
		DefaultQueue: "DEMOIN",
		Logger:       zerolog.Nop(),
	})
	return &fixture{srv: srv, mgr: mgr, reg: reg, hub: hub}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthReflectsConnection(t *testing.T) {
	f := newFixture()
	f.reg.OnNewChannel("SIP/1080-00000001", "5551234567", time.Now())

	w := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["ami_connected"])
	assert.Equal(t, float64(1), body["active_calls"])

	f.mgr.connected = false
	w = f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-Id"))

	w = f.do(http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestListAndLookupCalls(t *testing.T) {
	f := newFixture()
	f.reg.OnNewChannel("SIP/1080-00000001", "5551234567", time.Now())
	f.reg.OnNewChannel("SIP/2000-00000002", "5559876543", time.Now())

	w := f.do(http.MethodGet, "/api/calls", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = f.do(http.MethodGet, "/api/calls/lookup?channel=SIP/1080-00000001", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode(t, w)
	assert.Equal(t, "1080", rec["extension"])
	assert.Equal(t, "ringing", rec["status"])

	w = f.do(http.MethodGet, "/api/calls/lookup?channel=SIP/9999-00000009", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/calls/lookup", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordSendsMonitor(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/api/calls/record", gin.H{"channel": "SIP/1080-00000001", "file": "call-42"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Success", decode(t, w)["response"])

	sent := f.mgr.last(t)
	assert.Equal(t, "Monitor", sent.Name)
	assert.Equal(t, "SIP/1080-00000001", sent.Fields["Channel"])
	assert.Equal(t, "call-42", sent.Fields["File"])
	assert.Equal(t, "true", sent.Fields["Mix"])
}

func TestCallActionsRouteToManager(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   gin.H
		action string
	}{
		{"stop record", "/api/calls/stop-record", gin.H{"channel": "SIP/1080-1"}, "StopMonitor"},
		{"transfer", "/api/calls/transfer", gin.H{"channel": "SIP/1080-1", "exten": "2000", "context": "default"}, "Transfer"},
		{"hangup", "/api/calls/hangup", gin.H{"channel": "SIP/1080-1"}, "Hangup"},
		{"originate", "/api/calls/originate", gin.H{"extension": "1080", "number": "5551234567"}, "Originate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			w := f.do(http.MethodPost, tt.path, tt.body)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, tt.action, f.mgr.last(t).Name)
		})
	}
}

func TestOriginateDefaults(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodPost, "/api/calls/originate", gin.H{"extension": "1080", "number": "5551234567"})
	require.Equal(t, http.StatusOK, w.Code)

	sent := f.mgr.last(t)
	assert.Equal(t, "SIP/1080", sent.Fields["Channel"])
	assert.Equal(t, "default", sent.Fields["Context"])
	assert.Equal(t, "30000", sent.Fields["Timeout"])
}

func TestMissingFieldsAreBadRequest(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/api/calls/transfer", gin.H{"channel": "SIP/1080-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/calls/record", gin.H{"channel": "SIP/1080-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.mgr.mu.Lock()
	defer f.mgr.mu.Unlock()
	assert.Empty(t, f.mgr.sent, "invalid requests must not reach the manager")
}

func TestManagerFailuresMapToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"disconnected", ami.ErrDisconnected, http.StatusServiceUnavailable},
		{"timeout", ami.ErrTimeout, http.StatusServiceUnavailable},
		{"rejected", &ami.RejectedError{Action: "Hangup", Message: "No such channel"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.mgr.err = tt.err

			w := f.do(http.MethodPost, "/api/calls/hangup", gin.H{"channel": "SIP/1080-1"})
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusBadGateway {
				assert.Equal(t, "No such channel", decode(t, w)["error"])
			} else {
				assert.Equal(t, "telephony temporarily unavailable", decode(t, w)["error"])
			}
		})
	}
}

func TestQueueStatusReturnsListEvents(t *testing.T) {
	f := newFixture()
	f.mgr.resp = &ami.Response{
		Status:  "Success",
		Message: "Queue status will follow",
		Events: []ami.Event{
			ami.NewEvent("Event", "QueueParams", "Queue", "DEMOIN"),
			ami.NewEvent("Event", "QueueMember", "Queue", "DEMOIN", "Location", "SIP/1080"),
		},
	}

	w := f.do(http.MethodGet, "/api/queues/DEMOIN/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "DEMOIN", f.mgr.last(t).Fields["Queue"])
	events, ok := decode(t, w)["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 2)
	assert.Equal(t, "SIP/1080", events[1].(map[string]any)["Location"])
}

func TestChannelsSendsCoreShowChannels(t *testing.T) {
	f := newFixture()
	w := f.do(http.MethodGet, "/api/channels", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CoreShowChannels", f.mgr.last(t).Name)
}

func TestAgentLoginUsesDefaultQueue(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/api/agents/1080/login", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	sent := f.mgr.last(t)
	assert.Equal(t, "QueueAdd", sent.Name)
	assert.Equal(t, "DEMOIN", sent.Fields["Queue"])
	assert.Equal(t, "SIP/1080", sent.Fields["Interface"])
	assert.Equal(t, "1", sent.Fields["Penalty"])
	assert.Equal(t, "1080", sent.Fields["MemberName"])
}

func TestAgentLoginWithPenalty(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/api/agents/1080/login", gin.H{"queue": "SALESIN", "member_name": "Alex", "penalty": 3})
	require.Equal(t, http.StatusOK, w.Code)

	sent := f.mgr.last(t)
	assert.Equal(t, "SALESIN", sent.Fields["Queue"])
	assert.Equal(t, "Alex", sent.Fields["MemberName"])
	assert.Equal(t, "3", sent.Fields["Penalty"])
}

func TestAgentPauseAndUnpause(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodPost, "/api/agents/1080/pause", gin.H{"reason": "lunch"})
	require.Equal(t, http.StatusOK, w.Code)
	sent := f.mgr.last(t)
	assert.Equal(t, "QueuePause", sent.Name)
	assert.Equal(t, "true", sent.Fields["Paused"])
	assert.Equal(t, "lunch", sent.Fields["Reason"])

	w = f.do(http.MethodPost, "/api/agents/1080/unpause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sent = f.mgr.last(t)
	assert.Equal(t, "false", sent.Fields["Paused"])
	_, hasReason := sent.Fields["Reason"]
	assert.False(t, hasReason)

	w = f.do(http.MethodPost, "/api/agents/1080/logout", gin.H{"queue": "DEMOIN"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "QueueRemove", f.mgr.last(t).Name)
}

func TestAgentActionsAcceptEmptyChunkedBody(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/agents/1080/unpause", http.NoBody)
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "DEMOIN", f.mgr.last(t).Fields["Queue"])
}

func TestAgentActionsRejectMalformedBody(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/agents/1080/pause", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentTransportIsConfigurable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mgr := &fakeManager{connected: true}
	srv := New(Options{
		Actioner:       mgr,
		Registry:       correlator.NewRegistry(correlator.NewLegMatcher()),
		DefaultQueue:   "DEMOIN",
		Logger:         zerolog.Nop(),
		AgentTransport: "PJSIP",
	})

	for _, body := range []any{nil, gin.H{"penalty": 2}} {
		var buf bytes.Buffer
		if body != nil {
			json.NewEncoder(&buf).Encode(body)
		}
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/agents/1080/login", &buf))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "PJSIP/1080", mgr.last(t).Fields["Interface"])
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/calls/originate",
		bytes.NewBufferString(`{"extension":"1080","number":"5551234"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PJSIP/1080", mgr.last(t).Fields["Channel"])
}

func TestDebugRoutes(t *testing.T) {
	f := newFixture()

	w := f.do(http.MethodGet, "/api/queues?queue=DEMOIN", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sent := f.mgr.last(t)
	assert.Equal(t, "QueueSummary", sent.Name)
	assert.Equal(t, "DEMOIN", sent.Fields["Queue"])

	f.mgr.resp = &ami.Response{
		Status: "Success",
		Frame:  ami.NewEvent("Response", "Success", "ObjectName", "2000", "Status", "OK (12 ms)"),
	}
	w = f.do(http.MethodGet, "/api/peers/2000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SIPshowpeer", f.mgr.last(t).Name)
	assert.Equal(t, "2000", f.mgr.last(t).Fields["Peer"])
	peer := decode(t, w)["peer"].(map[string]any)
	assert.Equal(t, "OK (12 ms)", peer["Status"])
}

func TestRecoveryReturns500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(zerolog.Nop()), Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
