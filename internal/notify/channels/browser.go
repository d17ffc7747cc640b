package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/rodovia/alertcore/internal/database"
)

// ErrNoConsole is returned when no operator console can take a browser notification
var ErrNoConsole = errors.New("no operator console connected")

// BroadcastRecipient addresses every connected console
const BroadcastRecipient = "*"

// Console feed message types
const (
	FeedTypeAlert        = "alert"
	FeedTypeNotification = "notification"
	FeedTypeAcknowledge  = "acknowledge"
	FeedTypeError        = "error"
)

// FeedMessage is the JSON frame exchanged with operator consoles
type FeedMessage struct {
	Type     string            `json:"type"`
	Event    string            `json:"event,omitempty"`
	ID       string            `json:"id,omitempty"`
	AlertID  uint              `json:"alert_id,omitempty"`
	Alert    *database.Alert   `json:"alert,omitempty"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// AckFunc acknowledges an alert on behalf of a console operator
type AckFunc func(ctx context.Context, alertID uint, operator string) error

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	consoleBacklog = 64
)

type console struct {
	conn     *websocket.Conn
	operator string
	send     chan []byte
}

// Hub keeps the connected operator consoles. It is the "browser" notification
// channel and also pushes every alert change to all consoles.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	consoles map[*console]struct{}
	onAck    AckFunc
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		consoles: make(map[*console]struct{}),
	}
}

// SetAckHandler sets what runs when a console acknowledges an alert
func (h *Hub) SetAckHandler(fn AckFunc) {
	h.onAck = fn
}

// Name returns the channel name used in rules
func (h *Hub) Name() string {
	return "browser"
}

// Connected returns the number of open consoles
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.consoles)
}

// Send pushes a notification to the consoles of recipient, or to every
// console for BroadcastRecipient
func (h *Hub) Send(ctx context.Context, recipient, message string, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.New().String()
	frame, err := json.Marshal(FeedMessage{
		Type:     FeedTypeNotification,
		ID:       id,
		Message:  message,
		Metadata: metadata,
	})
	if err != nil {
		return "", err
	}

	delivered := h.deliver(frame, func(c *console) bool {
		return recipient == BroadcastRecipient || c.operator == recipient
	})
	if delivered == 0 {
		return "", ErrNoConsole
	}
	return id, nil
}

// AlertChanged pushes an alert change to every console
func (h *Hub) AlertChanged(event string, alert *database.Alert) {
	frame, err := json.Marshal(FeedMessage{Type: FeedTypeAlert, Event: event, AlertID: alert.ID, Alert: alert})
	if err != nil {
		log.Warnf("ConsoleHub: failed to encode alert %d: %v", alert.ID, err)
		return
	}
	h.deliver(frame, func(*console) bool { return true })
}

// deliver queues frame on matching consoles and returns how many took it.
// A console whose backlog is full is dropped.
func (h *Hub) deliver(frame []byte, match func(*console) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.consoles {
		if !match(c) {
			continue
		}
		select {
		case c.send <- frame:
			n++
		default:
			log.WithField("operator", c.operator).Warn("ConsoleHub: console too slow, disconnecting")
			delete(h.consoles, c)
			close(c.send)
		}
	}
	return n
}

// Serve upgrades the request and keeps the console registered until it disconnects.
// operator is the authenticated user the console belongs to.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, operator string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("ConsoleHub: failed to upgrade WebSocket: %v", err)
		return
	}

	c := &console{conn: conn, operator: operator, send: make(chan []byte, consoleBacklog)}
	h.mu.Lock()
	h.consoles[c] = struct{}{}
	h.mu.Unlock()
	log.WithField("operator", operator).Infof("ConsoleHub: console connected from %s", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)
}

func (h *Hub) remove(c *console) {
	h.mu.Lock()
	if _, ok := h.consoles[c]; ok {
		delete(h.consoles, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) readLoop(ctx context.Context, c *console) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		log.WithField("operator", c.operator).Info("ConsoleHub: console disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("ConsoleHub: read error: %v", err)
			}
			return
		}

		var msg FeedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == FeedTypeAcknowledge && h.onAck != nil {
			if err := h.onAck(ctx, msg.AlertID, c.operator); err != nil {
				h.reply(c, FeedMessage{Type: FeedTypeError, AlertID: msg.AlertID, Error: err.Error()})
			}
		}
	}
}

func (h *Hub) reply(c *console, msg FeedMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.deliver(frame, func(other *console) bool { return other == c })
}

func (h *Hub) writeLoop(c *console) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
