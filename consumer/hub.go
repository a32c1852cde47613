package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/observability"
)

// Hub fans accepted cycle events out to websocket subscribers. Slow
// clients are dropped rather than allowed to backpressure the accept
// path.
type Hub struct {
	upgrader   websocket.Upgrader
	maxClients int
	log        zerolog.Logger
	metrics    *observability.ConsumerMetrics

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan CycleEvent
}

// NewHub builds a hub accepting at most maxClients connections.
func NewHub(maxClients int, allowedOrigins []string, log zerolog.Logger, metrics *observability.ConsumerMetrics) *Hub {
	originOK := func(r *http.Request) bool {
		if len(allowedOrigins) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originOK,
		},
		maxClients: maxClients,
		log:        log,
		metrics:    metrics,
		clients:    make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the connection and streams events until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		http.Error(w, "stream at capacity", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan CycleEvent, 32)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.StreamClients.Set(float64(n))

	go h.writeLoop(client)
	// Reads are discarded; the read loop exists to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(client)
}

func (h *Hub) writeLoop(c *wsClient) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(event); err != nil {
				h.drop(c)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// Broadcast queues the event for every client, dropping those whose
// buffers are full.
func (h *Hub) Broadcast(event CycleEvent) {
	h.mu.Lock()
	var stale []*wsClient
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()
	for _, c := range stale {
		h.drop(c)
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	close(c.send)
	_ = c.conn.Close()
	h.metrics.StreamClients.Set(float64(n))
}

// Close disconnects every client (shutdown path).
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}
