// Package httpapi exposes the active call registry, manager actions and the
// subscriber stream to operator tooling and browser clients.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sweeney/vicidial-bridge/internal/ami"
	"github.com/sweeney/vicidial-bridge/internal/correlator"
	"github.com/sweeney/vicidial-bridge/internal/publisher"
)

// HealthChecker reports whether a manager session is open.
type HealthChecker interface {
	Connected() bool
}

// Options configures a Server.
type Options struct {
	Actioner     ami.Actioner
	Registry     *correlator.Registry
	Hub          *publisher.Hub
	Health       HealthChecker
	DefaultQueue string
	Logger       zerolog.Logger

	// AgentTransport addresses agent devices (SIP, PJSIP). Empty means SIP.
	AgentTransport string

	// ActionTimeout caps one request's wait on the manager. Zero leaves it
	// to the connection's own timeout.
	ActionTimeout time.Duration
}

type Server struct {
	opts     Options
	actions  *ami.Actions
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	engine   *gin.Engine
}

func New(opts Options) *Server {
	s := &Server{
		opts:    opts,
		actions: ami.NewActions(opts.Actioner).WithTransport(opts.AgentTransport),
		logger:  opts.Logger.With().Str("component", "http").Logger(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	s.engine = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(s.logger), Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/ws", s.handleWebSocket)

	api := r.Group("/api")
	api.GET("/calls", s.handleListCalls)
	api.GET("/calls/lookup", s.handleLookupCall)
	api.POST("/calls/record", s.handleRecord)
	api.POST("/calls/stop-record", s.handleStopRecord)
	api.POST("/calls/transfer", s.handleTransfer)
	api.POST("/calls/hangup", s.handleHangup)
	api.POST("/calls/originate", s.handleOriginate)
	api.GET("/channels", s.handleChannels)
	api.GET("/queues", s.handleQueueSummary)
	api.GET("/queues/:queue/status", s.handleQueueStatus)
	api.GET("/peers/:peer", s.handleSIPPeer)

	agents := api.Group("/agents/:extension")
	agents.POST("/login", s.handleAgentLogin)
	agents.POST("/logout", s.handleAgentLogout)
	agents.POST("/pause", s.handleAgentPause)
	agents.POST("/unpause", s.handleAgentUnpause)

	return r
}

func (s *Server) actionContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.opts.ActionTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), s.opts.ActionTimeout)
}

func (s *Server) queueOrDefault(q string) string {
	if q == "" {
		return s.opts.DefaultQueue
	}
	return q
}

// fail maps manager failures onto HTTP statuses.
func fail(c *gin.Context, err error) {
	c.Error(err)

	var rejected *ami.RejectedError
	switch {
	case errors.As(err, &rejected):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"error":  rejected.Message,
			"action": rejected.Action,
		})
	case errors.Is(err, ami.ErrTimeout),
		errors.Is(err, ami.ErrDisconnected),
		errors.Is(err, context.DeadlineExceeded):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "telephony temporarily unavailable"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "action failed"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

func respond(c *gin.Context, resp *ami.Response) {
	body := gin.H{
		"response": resp.Status,
		"message":  resp.Message,
	}
	if len(resp.Events) > 0 {
		events := make([]map[string]string, 0, len(resp.Events))
		for _, evt := range resp.Events {
			events = append(events, evt.Fields())
		}
		body["events"] = events
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleHealth(c *gin.Context) {
	connected := s.opts.Health != nil && s.opts.Health.Connected()
	status, code := "ok", http.StatusOK
	if !connected {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":        status,
		"ami_connected": connected,
		"active_calls":  s.opts.Registry.Len(),
	})
}

func (s *Server) handleListCalls(c *gin.Context) {
	calls := s.opts.Registry.ListActive()
	c.JSON(http.StatusOK, gin.H{"calls": calls, "count": len(calls)})
}

func (s *Server) handleLookupCall(c *gin.Context) {
	channel := c.Query("channel")
	if channel == "" {
		badRequest(c, "channel is required")
		return
	}
	rec, ok := s.opts.Registry.Get(channel)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

type recordRequest struct {
	Channel string `json:"channel" binding:"required"`
	File    string `json:"file" binding:"required"`
}

func (s *Server) handleRecord(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.StartRecording(ctx, req.Channel, req.File)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}

type channelRequest struct {
	Channel string `json:"channel" binding:"required"`
}

func (s *Server) handleStopRecord(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.StopRecording(ctx, req.Channel)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}

type transferRequest struct {
	Channel string `json:"channel" binding:"required"`
	Exten   string `json:"exten" binding:"required"`
	Context string `json:"context" binding:"required"`
}

func (s *Server) handleTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.Transfer(ctx, req.Channel, req.Exten, req.Context)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}

func (s *Server) handleHangup(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.Hangup(ctx, req.Channel)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}

type originateRequest struct {
	Extension string `json:"extension" binding:"required"`
	Number    string `json:"number" binding:"required"`
	Context   string `json:"context"`
}

func (s *Server) handleOriginate(c *gin.Context) {
	var req originateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Context == "" {
		req.Context = "default"
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.Originate(ctx, req.Extension, req.Number, req.Context)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}

func (s *Server) handleChannels(c *gin.Context) {
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.CoreShowChannels(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.QueueStatus(ctx, c.Param("queue"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}

func (s *Server) handleQueueSummary(c *gin.Context) {
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.QueueSummary(ctx, c.Query("queue"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}

// handleSIPPeer returns the peer's registration details as headers.
func (s *Server) handleSIPPeer(c *gin.Context) {
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.SIPShowPeer(ctx, c.Param("peer"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"response": resp.Status,
		"peer":     resp.Frame.Fields(),
	})
}

type agentRequest struct {
	Queue      string `json:"queue"`
	MemberName string `json:"member_name"`
	Penalty    *int   `json:"penalty"`
	Reason     string `json:"reason"`
}

// bindAgent reads an optional JSON body. An empty body, chunked or not,
// selects the default queue.
func (s *Server) bindAgent(c *gin.Context) (agentRequest, bool) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return req, false
	}
	req.Queue = s.queueOrDefault(req.Queue)
	if req.Queue == "" {
		badRequest(c, "queue is required")
		return req, false
	}
	return req, true
}

func (s *Server) handleAgentLogin(c *gin.Context) {
	ext := c.Param("extension")
	req, ok := s.bindAgent(c)
	if !ok {
		return
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()

	member := req.MemberName
	if member == "" {
		member = ext
	}

	var resp *ami.Response
	var err error
	if req.Penalty != nil {
		resp, err = s.actions.QueueAdd(ctx, req.Queue, s.actions.Interface(ext), member, *req.Penalty)
	} else {
		resp, err = s.actions.AgentLogin(ctx, member, ext, req.Queue)
	}
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}

func (s *Server) handleAgentLogout(c *gin.Context) {
	req, ok := s.bindAgent(c)
	if !ok {
		return
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.AgentLogout(ctx, c.Param("extension"), req.Queue)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}

func (s *Server) handleAgentPause(c *gin.Context) {
	req, ok := s.bindAgent(c)
	if !ok {
		return
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.PauseAgent(ctx, c.Param("extension"), req.Queue, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}

func (s *Server) handleAgentUnpause(c *gin.Context) {
	req, ok := s.bindAgent(c)
	if !ok {
		return
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()

	resp, err := s.actions.UnpauseAgent(ctx, c.Param("extension"), req.Queue)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, resp)
}
