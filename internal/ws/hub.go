// Package ws implements the real-time push channel: a websocket hub that
// broadcasts sync events to connected clients. Delivery is fire-and-forget,
// at-most-once; clients treat events as hints to refetch, with the REST API
// as the source of truth.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cardledger/backend/internal/metrics"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 45 * time.Second
	sendBufferSize = 32
)

// Event is one message pushed to subscribers.
type Event struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// Hub fans broadcast events out to all connected websocket clients.
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan Event
	clients    map[*client]struct{}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a notification hub. Run must be started before serving
// connections.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect cross-origin in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 64),
		clients:    make(map[*client]struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	log.Println("Notification hub started")

	for {
		select {
		case <-ctx.Done():
			log.Println("Notification hub stopping...")
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebsocketClients.Set(float64(len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.WebsocketClients.Set(float64(len(h.clients)))
			}
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("Notification hub: failed to marshal event %s: %v", event.Topic, err)
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Slow consumer: drop rather than block the hub.
					metrics.EventsDropped.Inc()
				}
			}
		}
	}
}

// Publish queues an event for broadcast. Never blocks the caller: if the
// hub's queue is full the event is dropped and counted.
func (h *Hub) Publish(topic string, payload interface{}) {
	metrics.EventsPublished.WithLabelValues(topic).Inc()
	select {
	case h.broadcast <- Event{Topic: topic, Payload: payload, At: time.Now()}:
	default:
		metrics.EventsDropped.Inc()
		log.Printf("Notification hub: broadcast queue full, dropped %s event", topic)
	}
}

// Serve upgrades an HTTP request to a websocket subscription.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Notification hub: upgrade failed: %v", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// writePump delivers queued events and keepalive pings to one client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and detects disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
