package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webext/internal/api/middleware"
	"github.com/GriffinCanCode/webext/internal/domain/events"
	"github.com/GriffinCanCode/webext/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || middleware.IsLoopbackOrigin(origin)
	},
}

// Message is a client or server frame
type Message struct {
	Type        string        `json:"type"`
	ExtensionID string        `json:"extensionId,omitempty"`
	Message     string        `json:"message,omitempty"`
	Event       *events.Event `json:"event,omitempty"`
	Timestamp   int64         `json:"timestamp,omitempty"`
}

// Source hands out event subscriptions
type Source interface {
	Subscribe() (<-chan events.Event, func())
}

// Handler manages WebSocket connections
type Handler struct {
	source  Source
	metrics *monitoring.Metrics
	logger  *logging.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(source Source, metrics *monitoring.Metrics, logger *logging.Logger) *Handler {
	return &Handler{
		source:  source,
		metrics: metrics,
		logger:  logging.OrNop(logger).Named("ws"),
	}
}

// connection serializes writes and holds the client's filter
type connection struct {
	conn    *websocket.Conn
	metrics *monitoring.Metrics

	writeMu sync.Mutex

	mu     sync.RWMutex
	filter string
}

func (c *connection) send(msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	c.metrics.RecordWSMessage("out", msg.Type)
	return nil
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *connection) setFilter(extID string) {
	c.mu.Lock()
	c.filter = extID
	c.mu.Unlock()
}

func (c *connection) wants(e events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter == "" || c.filter == e.ExtensionID
}

// HandleConnection upgrades the request and streams events until either side
// closes
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	sub, cancel := h.source.Subscribe()
	defer cancel()

	client := &connection{conn: conn, metrics: h.metrics}
	if err := client.send(Message{Type: "system", Message: "Connected to extension runtime"}); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readLoop(client)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.ping(); err != nil {
				return
			}
		case e, ok := <-sub:
			if !ok {
				_ = client.send(Message{Type: "system", Message: "Event stream closed"})
				return
			}
			if !client.wants(e) {
				continue
			}
			event := e
			if err := client.send(Message{Type: "event", ExtensionID: e.ExtensionID, Event: &event}); err != nil {
				h.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Handler) readLoop(client *connection) {
	conn := client.conn
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		h.metrics.RecordWSMessage("in", msg.Type)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var err error
		switch msg.Type {
		case "subscribe":
			client.setFilter(msg.ExtensionID)
			err = client.send(Message{Type: "subscribed", ExtensionID: msg.ExtensionID})
		case "ping":
			err = client.send(Message{Type: "pong"})
		default:
			err = client.send(Message{Type: "error", Message: "unknown message type"})
		}
		if err != nil {
			return
		}
	}
}
