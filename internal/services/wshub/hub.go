// Package wshub provides the WebSocket client registry and the restartable
// listener shared by the automation and remote channels.
package wshub

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bbernstein/lacylights-audio/internal/metrics"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 10 * time.Second
	sendQueue    = 256
)

// Client is one connected socket. Writes go through a FIFO queue drained by
// a single goroutine, so messages reach the client in enqueue order.
type Client struct {
	ID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// closing is set once a close frame was sent; the socket is half-closed.
	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Hub tracks the open clients of one channel.
type Hub struct {
	channel string

	mu      sync.RWMutex
	clients map[*Client]struct{}
	nextID  int

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHub creates an empty hub. channel names the hub in logs and metrics.
func NewHub(channel string, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		channel: channel,
		clients: make(map[*Client]struct{}),
		metrics: m,
		logger:  logger,
	}
}

// Register adds conn and starts its write pump. initial messages are queued
// ahead of any broadcast the client can observe.
func (h *Hub) Register(conn *websocket.Conn, initial ...[]byte) *Client {
	h.mu.Lock()
	h.nextID++
	c := &Client{
		ID:   strconv.Itoa(h.nextID),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}
	for _, data := range initial {
		c.send <- data
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.ClientConnected(h.channel)
	h.logger.Info().Str("client", c.ID).Str("remote", conn.RemoteAddr().String()).Int("clients", count).Msg("client connected")

	go c.writePump()
	return c
}

// Count returns the number of open clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues data for every open client. Clients that are closing or
// whose queue is full are skipped.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.Send(data) {
			h.metrics.SendSkipped(h.channel)
		}
	}
}

// CloseAll starts a graceful close of every client with a close frame.
// When force is set the sockets are closed immediately afterwards.
func (h *Hub) CloseAll(force bool) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if force {
			c.Close()
			continue
		}
		c.closing.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.ClientDisconnected(h.channel)
		h.logger.Info().Str("client", c.ID).Int("clients", count).Msg("client disconnected")
	}
}

// Send queues data for the client and reports whether it was queued.
func (c *Client) Send(data []byte) bool {
	if c.closing.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.logger.Warn().Str("client", c.ID).Msg("send queue full, dropping message")
		return false
	}
}

// Close closes the socket and unregisters the client. Safe to call more
// than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		c.hub.remove(c)
	})
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadLoop delivers text messages to handle until the socket fails, then
// closes the client.
func (c *Client) ReadLoop(handle func(data []byte)) {
	defer c.Close()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug().Err(err).Str("client", c.ID).Msg("read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug().Err(err).Str("client", c.ID).Msg("write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
