// Package hub tracks live beacon WebSocket connections and pushes
// envelopes to them. Each connection gets a single writer goroutine;
// readers stay with the API layer that authenticated the socket.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/pkg/api"
)

var log = logging.L("hub")

const (
	sendChannelBuffer      = 100
	sendTimeout            = 5 * time.Second
	staleConnectionTimeout = 2 * time.Minute
	cleanupInterval        = 30 * time.Second

	writeWait = 10 * time.Second
	// PongWait is how long a connection may stay silent before its reads
	// time out. The read loop in the API layer arms this deadline.
	PongWait   = 60 * time.Second
	pingPeriod = (PongWait * 9) / 10
)

// Conn is one live beacon connection. All writes to the socket go
// through the send channel; the writer pump is the only goroutine that
// touches the websocket's write side.
type Conn struct {
	BeaconID string

	ws       *websocket.Conn
	send     chan api.Envelope
	lastSeen time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

// Hub is the connection registry. Safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	beacons map[string]*Conn
	stopCh  chan struct{}
}

func New() *Hub {
	h := &Hub{
		beacons: make(map[string]*Conn),
		stopCh:  make(chan struct{}),
	}
	go h.cleanupStaleConnections()
	return h
}

// Register adds a connection and starts its writer pump. A beacon that
// reconnects replaces its previous connection; the old writer shuts
// down and closes the old socket, which unwinds its read loop.
func (h *Hub) Register(beaconID string, ws *websocket.Conn) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.beacons[beaconID]; ok {
		log.Warn("beacon already connected, replacing connection", "beacon_id", beaconID)
		existing.cancel()
		delete(h.beacons, beaconID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		BeaconID: beaconID,
		ws:       ws,
		send:     make(chan api.Envelope, sendChannelBuffer),
		lastSeen: time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.beacons[beaconID] = conn
	go conn.writePump()

	log.Info("beacon connected", "beacon_id", beaconID, "total_connections", len(h.beacons))
	return conn
}

// Deregister removes the connection if it is still the registered one.
// A read loop that exits after its connection was replaced must not
// tear down the replacement.
func (h *Hub) Deregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.beacons[c.BeaconID]
	if !ok || current != c {
		return
	}
	c.cancel()
	delete(h.beacons, c.BeaconID)
	log.Info("beacon disconnected", "beacon_id", c.BeaconID, "total_connections", len(h.beacons))
}

// Send queues an envelope for a connected beacon. It fails fast when
// the beacon is not connected, its send buffer stays full past the send
// timeout, or the connection is being torn down.
func (h *Hub) Send(beaconID string, env api.Envelope) error {
	h.mu.RLock()
	conn, ok := h.beacons[beaconID]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("beacon not connected: %s", beaconID)
	}

	select {
	case conn.send <- env:
		log.Debug("envelope queued", "beacon_id", beaconID, "type", env.Type)
		return nil
	case <-time.After(sendTimeout):
		return fmt.Errorf("timeout sending to beacon: %s", beaconID)
	case <-conn.ctx.Done():
		return fmt.Errorf("beacon connection closed: %s", beaconID)
	}
}

// Touch refreshes liveness when any traffic arrives from the beacon.
func (h *Hub) Touch(beaconID string) {
	h.mu.Lock()
	if conn, ok := h.beacons[beaconID]; ok {
		conn.lastSeen = time.Now()
	}
	h.mu.Unlock()
}

func (h *Hub) IsConnected(beaconID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.beacons[beaconID]
	return ok
}

// Connected returns the IDs of all live connections.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.beacons))
	for id := range h.beacons {
		ids = append(ids, id)
	}
	return ids
}

// Stop tears down every connection and the cleanup loop.
func (h *Hub) Stop() {
	close(h.stopCh)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.beacons {
		conn.cancel()
	}
	h.beacons = make(map[string]*Conn)
}

func (h *Hub) cleanupStaleConnections() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.removeStale()
		case <-h.stopCh:
			return
		}
	}
}

// removeStale drops connections that went silent. Cancelling stops the
// writer pump, which closes the socket and unwinds the read loop.
func (h *Hub) removeStale() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for beaconID, conn := range h.beacons {
		if now.Sub(conn.lastSeen) > staleConnectionTimeout {
			log.Warn("removing stale connection", "beacon_id", beaconID,
				"last_seen", conn.lastSeen)
			conn.cancel()
			delete(h.beacons, beaconID)
		}
	}
}

// writePump is the connection's only writer. It drains the send
// channel, keeps the socket alive with pings, and closes the socket on
// the way out so the read loop observes the teardown.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case env := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				log.Debug("write failed, closing connection", "beacon_id", c.BeaconID, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "replaced or shutting down"))
			return
		}
	}
}
