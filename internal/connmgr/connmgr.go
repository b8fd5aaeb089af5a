// Package connmgr is the server-side worker connection registry: one
// bidirectional WebSocket per worker, a single map as source of truth,
// and a keepalive loop that tears down stale connections. Adapted from
// the gorilla/websocket connection-pool idiom (mutex-guarded map,
// per-connection write serialization, SetPongHandler deadline resets)
// generalized from a client-side tool pool to a server registry that
// feeds the allocator and the heartbeat reaper.
package connmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swarmguard/taskmesh/internal/wsproto"
)

// Handler processes a frame received from a worker. The orchestrator
// wires in frameHandler from cmd/orchestrator.
type Handler func(ctx context.Context, workerID uuid.UUID, frame wsproto.Frame)

type conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	lastPong time.Time
}

// Manager holds every live worker connection.
type Manager struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*conn

	heartbeatInterval time.Duration
	handler           Handler
	log               *slog.Logger
}

// New creates a Manager. heartbeatInterval must match the worker's
// configured heartbeat period; the keepalive ping fires at half that
// interval and a connection is torn down after two missed pongs.
func New(heartbeatInterval time.Duration, handler Handler, log *slog.Logger) *Manager {
	return &Manager{
		conns:             make(map[uuid.UUID]*conn),
		heartbeatInterval: heartbeatInterval,
		handler:           handler,
		log:               log,
	}
}

// Accept registers ws as the connection for workerID. If a previous
// connection exists it is closed with CloseSuperseded before the new
// one takes over, so at most one connection per worker is ever live.
// Accept blocks in the connection's read loop; the context passed to the
// keepalive loop and the handler is cancelled when that loop exits,
// whatever the reason.
func (m *Manager) Accept(ctx context.Context, workerID uuid.UUID, ws *websocket.Conn) {
	m.mu.Lock()
	if old, ok := m.conns[workerID]; ok {
		m.mu.Unlock()
		old.writeMu.Lock()
		_ = old.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wsproto.CloseSuperseded, "superseded"),
			time.Now().Add(2*time.Second))
		old.ws.Close()
		old.writeMu.Unlock()
		m.mu.Lock()
	}
	c := &conn{ws: ws, lastPong: time.Now()}
	m.conns[workerID] = c
	m.mu.Unlock()

	ws.SetPongHandler(func(string) error {
		m.mu.Lock()
		c.lastPong = time.Now()
		m.mu.Unlock()
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	go m.keepalive(runCtx, workerID, c)
	m.readLoop(runCtx, cancel, workerID, c)
}

func (m *Manager) keepalive(ctx context.Context, workerID uuid.UUID, c *conn) {
	interval := m.heartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			live, ok := m.conns[workerID]
			m.mu.RUnlock()
			if !ok || live != c {
				return
			}
			if time.Since(c.lastPong) > interval {
				m.log.Warn("worker missed two keepalive pongs, tearing down", "worker_id", workerID)
				m.closeWithCode(workerID, c, websocket.CloseGoingAway, "keepalive timeout")
				return
			}
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				m.closeWithCode(workerID, c, wsproto.CloseServerError, "ping write failed")
				return
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, cancel context.CancelFunc, workerID uuid.UUID, c *conn) {
	defer cancel()
	defer m.remove(workerID, c)

	for {
		var frame wsproto.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Info("worker connection closed unexpectedly", "worker_id", workerID, "error", err)
			}
			return
		}
		if m.handler != nil {
			m.handler(ctx, workerID, frame)
		}
	}
}

func (m *Manager) remove(workerID uuid.UUID, c *conn) {
	m.mu.Lock()
	if m.conns[workerID] == c {
		delete(m.conns, workerID)
	}
	m.mu.Unlock()
	c.ws.Close()
}

func (m *Manager) closeWithCode(workerID uuid.UUID, c *conn, code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
	c.writeMu.Unlock()
	m.remove(workerID, c)
}

// Send delivers frame to workerID. It reports whether the worker was
// connected; write failures tear the connection down and return false.
func (m *Manager) Send(workerID uuid.UUID, frame wsproto.Frame) bool {
	m.mu.RLock()
	c, ok := m.conns[workerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		m.closeWithCode(workerID, c, wsproto.CloseServerError, "write failed")
		return false
	}
	return true
}

// Broadcast sends frame to every connected worker not in exclude,
// returning the number of workers it was delivered to.
func (m *Manager) Broadcast(frame wsproto.Frame, exclude map[uuid.UUID]bool) int {
	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.conns))
	for id := range m.conns {
		if !exclude[id] {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, id := range ids {
		if m.Send(id, frame) {
			delivered++
		}
	}
	return delivered
}

// IsConnected reports whether workerID currently has a live connection.
func (m *Manager) IsConnected(workerID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[workerID]
	return ok
}

// ConnectedWorkerIDs returns a snapshot of every connected worker.
func (m *Manager) ConnectedWorkerIDs() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// Count returns the number of connected workers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Disconnect force-closes workerID's connection, e.g. after a delete.
func (m *Manager) Disconnect(workerID uuid.UUID, code int, reason string) {
	m.mu.RLock()
	c, ok := m.conns[workerID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.closeWithCode(workerID, c, code, reason)
}
