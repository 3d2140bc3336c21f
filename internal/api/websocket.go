package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for the admin dashboard
	},
}

// AdminHub fans out the pub/sub bus's "*" wildcard subscription to every
// connected admin-dashboard websocket client. cmd/engine/main.go wires it
// up as the bus's only wildcard consumer: each drop.*, queue.* event
// that the drop/queue packages publish passes through here unmodified,
// so the dashboard sees drop events in the {"type":...,"data":...}
// envelope and queue events in their flat shape with an inline "type",
// exactly as the SSE streams receive them.
type AdminHub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

// NewHub creates an admin hub with no connected clients. Call Run in its
// own goroutine to start draining broadcasts.
func NewHub() *AdminHub {
	return &AdminHub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Run drains the broadcast channel and fans each event out to every
// connected client, dropping any client whose write doesn't complete
// within the deadline rather than letting one slow dashboard tab stall
// the rest.
func (h *AdminHub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := client.WriteMessage(websocket.TextMessage, message)
			if err != nil {
				log.Printf("[Admin] websocket write error, dropping client: %v", err)
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades GET /admin/ws to a websocket connection and registers
// it to receive every subsequent broadcast.
func (h *AdminHub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Admin] failed to upgrade websocket: %v", err)
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()

	log.Printf("[Admin] dashboard client connected, %d total", total)

	// The dashboard only ever receives, but the connection must still be
	// read from so a client-initiated close is detected promptly.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			remaining := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			log.Printf("[Admin] dashboard client disconnected, %d remaining", remaining)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Admin] websocket read error: %v", err)
				}
				break
			}
		}
	}()
}

// Broadcast queues a raw pub/sub event envelope for delivery to every
// connected admin-dashboard client.
func (h *AdminHub) Broadcast(data []byte) {
	h.broadcast <- data
}
