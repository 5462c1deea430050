package ipc

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	eventQueueSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize: 1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// event is one message pushed to every connected IPC client: a torrent
// status transition, a piece-verified tick, a peer connect/disconnect, and
// so on.
type event struct {
	Type string `json:"type"`
	Data interface{} `json:"data"`
}

// Hub fans a single stream of events out to every connected WebSocket
// client, following the register/unregister/broadcast channel pattern used
// throughout the engine's other pub-sub points.
type Hub struct {
	register chan *wsClient
	unregister chan *wsClient
	broadcast chan event
	clients map[*wsClient]bool
}

func newHub() *Hub {
	return &Hub{
		register: make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast: make(chan event, eventQueueSize),
		clients: make(map[*wsClient]bool),
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case ev := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

func (h *Hub) broadcastEvent(ev event) {
	select {
	case h.broadcast <- ev:
	default:
		log.Printf("[ipc] event queue full, dropping %s", ev.Type)
	}
}

type wsClient struct {
	hub *Hub
	conn *websocket.Conn
	send chan event
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ipc] websocket upgrade failed: %v", err)
		return
	}
	c := &wsClient{hub: s.hub, conn: conn, send: make(chan event, eventQueueSize)}
	c.hub.register <- c

	go c.writePump()
	go c.readPump()
}

// readPump drains and discards client frames (the protocol is
// server-to-client only) purely to detect disconnects and respond to pings.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
