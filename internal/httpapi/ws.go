package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sweeney/vicidial-bridge/internal/correlator"
	"github.com/sweeney/vicidial-bridge/internal/publisher"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var errSendBufferFull = errors.New("send buffer full")

// clientOp is a control message from the browser.
type clientOp struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
}

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// wsClient is one browser connection attached to the hub.
type wsClient struct {
	conn   *websocket.Conn
	hub    *publisher.Hub
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// Deliver queues payload without blocking. A slow client loses the message.
func (c *wsClient) Deliver(payload []byte) error {
	select {
	case <-c.closed:
		return publisher.ErrSubscriberGone
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return publisher.ErrSubscriberGone
	default:
		return errSendBufferFull
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.hub.UnsubscribeAll(c)
		c.conn.Close()
	})
}

func (c *wsClient) control(event string, data any) {
	payload, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return
	}
	if err := c.Deliver(payload); err != nil {
		c.logger.Debug().Err(err).Str("event", event).Msg("control frame dropped")
	}
}

func (c *wsClient) join(topics ...string) {
	for _, t := range topics {
		c.hub.Subscribe(t, c)
	}
	c.control("subscribed", gin.H{"topics": topics})
}

func (c *wsClient) leave(topic string) {
	c.hub.Unsubscribe(topic, c)
	c.control("unsubscribed", gin.H{"topics": []string{topic}})
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		var op clientOp
		if err := json.Unmarshal(data, &op); err != nil {
			c.control("error", gin.H{"message": "invalid message"})
			continue
		}
		switch {
		case op.Topic == "":
			c.control("error", gin.H{"message": "topic is required"})
		case op.Op == "join":
			c.join(op.Topic)
		case op.Op == "leave":
			c.leave(op.Topic)
		default:
			c.control("error", gin.H{"message": "unknown op " + op.Op})
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// handleWebSocket upgrades the request and joins the caller's agent topic
// plus Broadcast. Joining never replays earlier notifications.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.opts.Hub == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "subscriber stream unavailable"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		loggerFrom(c).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:   conn,
		hub:    s.opts.Hub,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		logger: *loggerFrom(c),
	}

	topics := []string{publisher.Broadcast}
	if ext := c.Query("extension"); ext != "" {
		topics = append([]string{correlator.AgentTopic(ext)}, topics...)
	}
	client.join(topics...)

	go client.writePump()
	go client.readPump()
}
