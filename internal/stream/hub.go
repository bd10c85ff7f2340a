// Package stream pushes newly ingested messages to connected inbox clients
// over websockets.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"socialbridge/internal/constants"
	"socialbridge/internal/httputil"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// Event is the frame sent to clients
type Event struct {
	Type string          `json:"type"`
	Data *models.Message `json:"data"`
}

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	platform models.Platform // empty receives every platform
	remote   string
}

type Options struct {
	BufferSize     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	OriginPatterns []string
}

// Hub fans messages out to every connected client. A client that cannot keep
// up with its buffer is disconnected rather than slowing ingestion down.
type Hub struct {
	opts   Options
	logger *logrus.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(opts Options, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = constants.StreamBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = constants.StreamWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = constants.StreamPingInterval
	}
	return &Hub{opts: opts, logger: logger, clients: make(map[*client]struct{})}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues msg for every interested client without blocking
func (h *Hub) Publish(msg *models.Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(Event{Type: "message", Data: msg})
	if err != nil {
		h.logger.WithError(err).WithField(constants.LogFieldMessageID, msg.ID).Error("Failed to encode stream event")
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.platform != "" && c.platform != msg.Platform {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.WithField(constants.LogFieldRemoteIP, c.remote).Warn("Disconnecting slow inbox client")
		h.remove(c)
		_ = c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// An optional ?platform= query restricts the feed to one platform.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var platform models.Platform
	if key := r.URL.Query().Get("platform"); key != "" {
		p, err := models.ParsePlatform(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		platform = p
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, h.opts.BufferSize),
		platform: platform,
		remote:   httputil.ClientIP(r),
	}
	if !h.add(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	log := h.logger.WithFields(logrus.Fields{
		constants.LogFieldRemoteIP: c.remote,
		constants.LogFieldPlatform: platform,
	})
	log.Info("Inbox client connected")

	// Clients only listen; CloseRead handles control frames and reports
	// disconnects through ctx.
	ctx := conn.CloseRead(r.Context())
	err = h.writeLoop(ctx, c)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Info("Inbox client disconnected")
	default:
		log.WithError(err).Debug("Inbox client connection ended")
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) error {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-c.send:
			if !ok {
				return c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			if err := h.write(ctx, c, data); err != nil {
				return err
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, c *client, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.StreamClients.Inc()
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.StreamClients.Dec()
}

// Close disconnects every client and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
		close(c.send)
		metrics.StreamClients.Dec()
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
