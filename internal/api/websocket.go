package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/sentryfw/internal/alert"
	"github.com/rawblock/sentryfw/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // admin API may be polled/streamed from any origin
	},
}

// subscriber is one connected alert-stream client and the severity floor
// it asked to receive.
type subscriber struct {
	conn        *websocket.Conn
	minSeverity models.Severity
}

// Hub fans out alert.Alert values to every subscribed client, filtering
// each delivery to the severity floor that client requested on connect
// (?min=high). Findings fire far more often than bans, so an operator
// watching only for enforcement actions or critical threats shouldn't
// have every low-severity finding pushed at them to filter client-side.
type Hub struct {
	clients map[*websocket.Conn]*subscriber
	events  chan alert.Alert
	mutex   sync.Mutex
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		events:  make(chan alert.Alert, 256),
		clients: make(map[*websocket.Conn]*subscriber),
	}
}

// Run drains the alert channel and delivers each alert to every client
// whose severity filter it clears. Blocks until the channel is closed.
func (h *Hub) Run() {
	for a := range h.events {
		payload, err := json.Marshal(a)
		if err != nil {
			log.Printf("[Hub] failed to marshal alert %s: %v", a.ID, err)
			continue
		}

		h.mutex.Lock()
		for conn, sub := range h.clients {
			if !alert.SeverityMeetsThreshold(a.Severity, sub.minSeverity) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("[Hub] write error: %v", err)
				conn.Close()
				delete(h.clients, conn)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades an HTTP request to a websocket connection and
// registers it with the hub. The optional "min" query parameter
// (low|medium|high|critical, default low) sets this client's severity
// floor.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] failed to upgrade websocket: %v", err)
		return
	}

	min := models.Severity(c.DefaultQuery("min", string(models.SeverityLow)))
	sub := &subscriber{conn: conn, minSeverity: min}

	h.mutex.Lock()
	h.clients[conn] = sub
	n := len(h.clients)
	h.mutex.Unlock()
	log.Printf("[Hub] client connected (min severity=%s), total=%d", min, n)

	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			n := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			log.Printf("[Hub] client disconnected, total=%d", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Hub] read error: %v", err)
				}
				break
			}
		}
	}()
}

// Broadcast enqueues an alert for delivery to every subscriber whose
// severity filter it clears.
func (h *Hub) Broadcast(a alert.Alert) {
	h.events <- a
}
