// Package hub fans room events out to websocket clients.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"crashrooms/internal/game"
)

const (
	BROADCAST_BUFFER = 1024
	CLIENT_BUFFER    = 256
	WRITE_TIMEOUT    = 10 * time.Second
)

type Client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
	rooms  map[string]bool
}

func NewClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, CLIENT_BUFFER),
		rooms:  make(map[string]bool),
	}
}

func (c *Client) UserID() string {
	return c.userID
}

// WritePump writes queued messages in order until the hub drops the client.
func (c *Client) WritePump() {
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("[WS] Write error for user %s: %v", c.userID, err)
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}

type envelope struct {
	room   string
	userID string
	event  game.Event
}

type subscription struct {
	client *Client
	room   string
	join   bool
}

type direct struct {
	client  *Client
	message []byte
}

// Hub owns the client set. Only the Run goroutine touches client
// subscriptions and send queues, which keeps per-client delivery in the
// order events were published.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	direct     chan direct
	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, BROADCAST_BUFFER),
		direct:     make(chan direct, BROADCAST_BUFFER),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		stop:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.closeClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] Client connected: %s (Total: %d)", client.userID, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Printf("[WS] Client disconnected: %s (Total: %d)", client.userID, len(h.clients))
			}
			h.mu.Unlock()

		case sub := <-h.subscribe:
			if _, ok := h.clients[sub.client]; !ok {
				continue
			}
			if sub.join {
				sub.client.rooms[sub.room] = true
			} else {
				delete(sub.client.rooms, sub.room)
			}

		case d := <-h.direct:
			if _, ok := h.clients[d.client]; ok {
				h.enqueue(d.client, d.message)
			}

		case env := <-h.broadcast:
			message, err := json.Marshal(env.event)
			if err != nil {
				log.Printf("[WS] Marshal error: %v", err)
				continue
			}
			for client := range h.clients {
				if env.userID != "" {
					if client.userID == env.userID {
						h.enqueue(client, message)
					}
					continue
				}
				if client.rooms[env.room] {
					h.enqueue(client, message)
				}
			}
		}
	}
}

// closeClients ends every remaining WritePump once the hub stops.
func (h *Hub) closeClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	log.Printf("[WS] Hub stopped, closed remaining clients")
}

// enqueue never blocks the hub; a client that cannot keep up loses the message.
func (h *Hub) enqueue(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		log.Printf("[WS] Send queue full for user %s, dropping message", client.userID)
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast implements game.Broadcaster for room-wide events.
func (h *Hub) Broadcast(room string, ev game.Event) {
	select {
	case h.broadcast <- envelope{room: room, event: ev}:
	default:
		log.Println("[WS] Broadcast channel full, dropping message")
	}
}

// SendTo implements game.Broadcaster for events addressed to one user. The
// user receives it on every connection, whether or not it joined the room.
func (h *Hub) SendTo(room, userID string, ev game.Event) {
	select {
	case h.broadcast <- envelope{room: room, userID: userID, event: ev}:
	default:
		log.Printf("[WS] Broadcast channel full, dropping message for %s", userID)
	}
}

// Send queues a message for a single connection.
func (h *Hub) Send(client *Client, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("[WS] Send marshal error: %v", err)
		return
	}
	select {
	case h.direct <- direct{client: client, message: data}:
	case <-h.stop:
	}
}

func (h *Hub) Join(client *Client, room string) {
	select {
	case h.subscribe <- subscription{client: client, room: room, join: true}:
	case <-h.stop:
	}
}

func (h *Hub) Leave(client *Client, room string) {
	select {
	case h.subscribe <- subscription{client: client, room: room}:
	case <-h.stop:
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.stop:
	}
}

func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}
