package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stratcache/stratcached/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Keepalive and buffer tuning. The cache only ever pushes four event types
// (cacheInitialized, cacheCleared, pairAdded, pairDataChanged), fired on
// state transitions rather than on a fixed heartbeat, so a subscriber can go
// tens of seconds between messages even on a healthy connection. That calls
// for a longer ping cadence than a peer-liveness heartbeat would need, to
// avoid probing idle-but-fine connections:
const (
	pingPeriod = 45 * time.Second
	pongWait   = 2 * pingPeriod
	writeWait  = 10 * time.Second

	// subscribeMessageReadLimit bounds inbound WSSubscription payloads
	// ({"action":"...","events":["..."]}), which stay well under 1KB even
	// with every EventType subscribed at once.
	subscribeMessageReadLimit = 4096

	// clientSendBuffer and broadcastBuffer are sized for cache-change
	// notifications, not per-peer gossip: pairDataChanged fires at most
	// once per poll tick, so a handful of queued events is enough slack
	// for a client to catch up after a brief stall.
	clientSendBuffer = 32
	broadcastBuffer  = 64
)

// EventType names a notification forwarded to websocket subscribers. These
// mirror the cache's notification-bus channel names one-to-one.
type EventType string

const (
	EventCacheInitialized EventType = "cacheInitialized"
	EventCacheCleared     EventType = "cacheCleared"
	EventPairAdded        EventType = "pairAdded"
	EventPairDataChanged  EventType = "pairDataChanged"
)

// WSEvent is a single outbound notification.
type WSEvent struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSSubscription is an inbound subscribe/unsubscribe request.
type WSSubscription struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// WSClient is one connected websocket subscriber.
type WSClient struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[EventType]bool
	mu            sync.RWMutex
	hub           *WSHub
}

// WSHub fans cache notifications out to every connected, subscribed client.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub returns an unstarted hub; call Run to begin dispatching.
func NewWSHub(log *logging.Logger) *WSHub {
	if log == nil {
		log = logging.GetDefault()
	}
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan *WSEvent, broadcastBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		log:        log.Component("ws"),
	}
}

// Run drives the hub's event loop until ctx-independent shutdown; the hub
// has no own lifecycle beyond the process, matching the cache bus it
// mirrors.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client connected", "id", client.id, "clients", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("client disconnected", "id", client.id, "clients", len(h.clients))

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("failed to marshal event", "error", err)
				continue
			}

			h.mu.RLock()
			for client := range h.clients {
				client.mu.RLock()
				subscribed := client.subscriptions[event.Type] || len(client.subscriptions) == 0
				client.mu.RUnlock()
				if !subscribed {
					continue
				}
				select {
				case client.send <- data:
				default:
					h.mu.RUnlock()
					h.mu.Lock()
					delete(h.clients, client)
					close(client.send)
					h.mu.Unlock()
					h.mu.RLock()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast enqueues event for delivery to every subscribed client. It never
// blocks: a full broadcast buffer drops the event and logs a warning.
func (h *WSHub) Broadcast(eventType EventType, data interface{}) {
	event := &WSEvent{Type: eventType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount reports the number of currently connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:            uuid.New().String(),
		conn:          conn,
		send:          make(chan []byte, clientSendBuffer),
		subscriptions: make(map[EventType]bool),
		hub:           h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(subscribeMessageReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("read error", "id", c.id, "error", err)
			}
			break
		}
		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

func (c *WSClient) handleSubscription(sub *WSSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, eventStr := range sub.Events {
		eventType := EventType(eventStr)
		switch sub.Action {
		case "subscribe":
			c.subscriptions[eventType] = true
		case "unsubscribe":
			delete(c.subscriptions, eventType)
		}
	}
}
