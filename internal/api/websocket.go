package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	// MaxWSConnectionsTotal caps WebSocket connections process-wide.
	MaxWSConnectionsTotal = 500

	// MaxWSConnectionsPerIP caps WebSocket connections per IP.
	MaxWSConnectionsPerIP = 10

	// snapshotPushInterval is how often the hub drains and pushes battle
	// snapshots to subscribers.
	snapshotPushInterval = time.Second
)

// wsClient tracks a WebSocket connection, its source IP, and which battle it
// subscribed to.
type wsClient struct {
	conn     *websocket.Conn
	ip       string
	battleID string
}

// WebSocketHub fans battle snapshots out to live spectators. Each connection
// subscribes to exactly one battle at upgrade time.
type WebSocketHub struct {
	battles BattleService
	origins []string

	clients    map[*websocket.Conn]*wsClient
	register   chan *wsClient
	unregister chan *websocket.Conn
	mu         sync.RWMutex

	wsLimiter *WebSocketRateLimiter
	upgrader  websocket.Upgrader
}

// NewWebSocketHub creates a hub with connection limiting.
func NewWebSocketHub(battles BattleService, origins []string) *WebSocketHub {
	h := &WebSocketHub{
		battles:    battles,
		origins:    origins,
		clients:    make(map[*websocket.Conn]*wsClient),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		wsLimiter:  NewWebSocketRateLimiter(MaxWSConnectionsPerIP),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if IsAllowedOrigin(origin, h.origins) {
				return true
			}
			log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
			RecordConnectionRejected("origin")
			return false
		},
	}
	return h
}

// Run owns the client registry. Start it once, in its own goroutine.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			count := len(h.clients)
			h.mu.Unlock()

			log.Printf("📱 spectator connected from %s for battle %s (%d total)", client.ip, client.battleID, count)
			UpdateWSConnections(count)

		case conn := <-h.unregister:
			h.mu.Lock()
			if client, ok := h.clients[conn]; ok {
				h.wsLimiter.Release(client.ip)
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()

			log.Printf("📱 spectator disconnected (%d remaining)", count)
			UpdateWSConnections(count)
		}
	}
}

// StartSnapshotLoop periodically drains each subscribed battle's snapshot
// queue and pushes it to that battle's spectators.
func (h *WebSocketHub) StartSnapshotLoop() {
	ticker := time.NewTicker(snapshotPushInterval)

	go func() {
		for range ticker.C {
			h.pushSnapshots()
		}
	}()
}

func (h *WebSocketHub) pushSnapshots() {
	h.mu.RLock()
	subs := make(map[string][]*websocket.Conn)
	for conn, client := range h.clients {
		subs[client.battleID] = append(subs[client.battleID], conn)
	}
	h.mu.RUnlock()

	for battleID, conns := range subs {
		snaps := h.battles.Snapshots(battleID)
		if len(snaps) == 0 {
			continue
		}
		payload, err := json.Marshal(map[string]interface{}{
			"event": "battle:snapshots",
			"data":  snaps,
		})
		if err != nil {
			continue
		}
		for _, conn := range conns {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.unregister <- conn
				continue
			}
			IncrementWSMessages()
		}
	}
}

// ClientCount returns the number of connected spectators.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleBattle upgrades a spectator connection for one battle.
func (h *WebSocketHub) HandleBattle(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "battleID")
	ip := GetClientIP(r)

	h.mu.RLock()
	total := len(h.clients)
	h.mu.RUnlock()
	if total >= MaxWSConnectionsTotal {
		log.Printf("⚠️ WebSocket connection rejected: total limit reached (%d)", total)
		RecordConnectionRejected("ws_total_limit")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	if !h.wsLimiter.Allow(ip) {
		log.Printf("⚠️ WebSocket connection rejected from %s: per-IP limit reached", ip)
		RecordConnectionRejected("ws_ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		h.wsLimiter.Release(ip)
		return
	}

	h.register <- &wsClient{conn: conn, ip: ip, battleID: battleID}

	// Spectators are read-only; the read loop only detects disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
