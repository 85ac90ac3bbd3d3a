// Package gateway is the real-time fan-out layer: it keeps the persistent
// client connections for each session on this instance and forwards state
// updates arriving over the cross-instance channels. Each instance holds
// exactly two long-lived subscriptions — the state-update channel and the
// per-session broadcast pattern — established before the server accepts its
// first connection.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/synckairos/synckairos/pkg/models"
)

// Defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	defaultWriteTimeout      = 10 * time.Second

	// sendQueueSize bounds the per-connection outbound buffer. A client that
	// cannot keep up is disconnected rather than back-pressuring the
	// subscription loop.
	sendQueueSize = 64
)

// StateSource is the state-manager surface the gateway needs. Implemented by
// *state.Manager.
type StateSource interface {
	GetSession(ctx context.Context, sessionID string) (*models.SessionState, error)
	SubscribeToUpdates(ctx context.Context, handler func(sessionID string, st *models.SessionState)) error
	SubscribeToBroadcasts(ctx context.Context, handler func(sessionID string, payload []byte)) error
}

// Conn is one client connection. Outbound messages flow through a bounded
// send queue serviced by a dedicated writer goroutine.
type Conn struct {
	id        string
	sessionID string
	ws        *websocket.Conn

	send      chan []byte
	alive     atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}

// Manager manages the local connection sets and the heartbeat loop. One
// Manager per instance.
type Manager struct {
	state             StateSource
	heartbeatInterval time.Duration
	writeTimeout      time.Duration

	mu       sync.RWMutex
	sessions map[string]map[*Conn]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a gateway manager. heartbeatInterval <= 0 uses the
// default.
func NewManager(st StateSource, heartbeatInterval time.Duration) *Manager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Manager{
		state:             st,
		heartbeatInterval: heartbeatInterval,
		writeTimeout:      defaultWriteTimeout,
		sessions:          make(map[string]map[*Conn]bool),
		stopCh:            make(chan struct{}),
	}
}

// Start establishes both cross-instance subscriptions and the heartbeat
// loop. Must complete before the HTTP server accepts connections, otherwise
// updates published in the window would be silently dropped.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.state.SubscribeToUpdates(ctx, m.onUpdate); err != nil {
		return err
	}
	if err := m.state.SubscribeToBroadcasts(ctx, m.onBroadcast); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.heartbeatLoop()
	}()

	slog.Info("Gateway started", "heartbeat_interval", m.heartbeatInterval)
	return nil
}

// ValidSessionID reports whether id is a well-formed UUIDv4.
func ValidSessionID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.Version() == 4
}

// HandleConnection manages the lifecycle of one accepted WebSocket. Blocks
// until the connection closes. The caller has already validated sessionID.
func (m *Manager) HandleConnection(ctx context.Context, ws *websocket.Conn, sessionID string) {
	c := &Conn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ws:        ws,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
	c.alive.Store(true)

	m.register(c)
	defer m.unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Writer goroutine: the sole writer to the socket.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.writeLoop(ctx, c)
	}()

	m.sendMessage(c, &ServerMessage{
		Type:      TypeConnected,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Malformed WebSocket message, ignoring",
				"connection_id", c.id, "session_id", sessionID, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

func (m *Manager) handleClientMessage(ctx context.Context, c *Conn, msg *ClientMessage) {
	switch msg.Type {
	case TypePing:
		// Application-level keepalive, distinct from the protocol heartbeat.
		m.sendMessage(c, &ServerMessage{Type: TypePong, Timestamp: time.Now().UTC()})
		c.alive.Store(true)

	case TypeReconnect:
		st, err := m.state.GetSession(ctx, c.sessionID)
		if err != nil {
			slog.Error("Reconnect state lookup failed",
				"connection_id", c.id, "session_id", c.sessionID, "error", err)
			return
		}
		if st == nil {
			m.sendMessage(c, &ServerMessage{
				Type:      TypeError,
				Code:      CodeSessionNotFound,
				Message:   "session not found",
				Timestamp: time.Now().UTC(),
			})
			return
		}
		m.sendMessage(c, &ServerMessage{
			Type:      TypeStateSync,
			SessionID: c.sessionID,
			State:     st,
			Timestamp: time.Now().UTC(),
		})

	default:
		slog.Warn("Unknown WebSocket message type, ignoring",
			"connection_id", c.id, "type", msg.Type)
	}
}

// onUpdate handles a state change arriving on the update channel. A nil
// state is the deletion sentinel: connected clients get SESSION_DELETED and
// a normal close, then the local set is discarded.
func (m *Manager) onUpdate(sessionID string, st *models.SessionState) {
	conns := m.snapshot(sessionID)
	if len(conns) == 0 {
		return
	}

	if st == nil {
		msg := &ServerMessage{
			Type:      TypeSessionDeleted,
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
		}
		for _, c := range conns {
			m.sendMessage(c, msg)
		}
		// Let the writer flush the deletion notice before closing.
		go func() {
			time.Sleep(100 * time.Millisecond)
			for _, c := range conns {
				c.close(websocket.StatusNormalClosure, "session deleted")
			}
		}()
		m.discard(sessionID)
		return
	}

	msg := &ServerMessage{
		Type:      TypeStateUpdate,
		SessionID: sessionID,
		State:     st,
		Timestamp: time.Now().UTC(),
	}
	for _, c := range conns {
		m.sendMessage(c, msg)
	}
}

// onBroadcast forwards an opaque cross-instance payload to the local set.
func (m *Manager) onBroadcast(sessionID string, payload []byte) {
	for _, c := range m.snapshot(sessionID) {
		m.sendRaw(c, payload)
	}
}

// sendMessage marshals and enqueues a message for one connection.
func (m *Manager) sendMessage(c *Conn, msg *ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.id, "type", msg.Type, "error", err)
		return
	}
	m.sendRaw(c, data)
}

// sendRaw enqueues bytes without blocking. Overflow disconnects the client:
// a hung consumer must not stall the subscription loop.
func (m *Manager) sendRaw(c *Conn, data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("Send queue overflow, disconnecting slow client",
			"connection_id", c.id, "session_id", c.sessionID)
		c.close(websocket.StatusPolicyViolation, "send queue overflow")
	}
}

func (m *Manager) writeLoop(ctx context.Context, c *Conn) {
	for {
		select {
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// heartbeatLoop probes every connection each interval. A connection that did
// not answer the previous probe is terminated; otherwise it is marked
// unresponsive and probed again. A pong flips it back to responsive.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			for _, c := range m.allConns() {
				if !c.alive.Load() {
					slog.Info("Terminating unresponsive connection",
						"connection_id", c.id, "session_id", c.sessionID)
					c.close(websocket.StatusPolicyViolation, "heartbeat timeout")
					continue
				}
				c.alive.Store(false)
				go func(c *Conn) {
					ctx, cancel := context.WithTimeout(context.Background(), m.heartbeatInterval)
					defer cancel()
					if err := c.ws.Ping(ctx); err == nil {
						c.alive.Store(true)
					}
				}(c)
			}
		}
	}
}

// Shutdown stops the heartbeat and closes every open connection with 1001.
// Cross-instance subscriptions are torn down afterwards by closing the state
// manager.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	for _, c := range m.allConns() {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}

	m.mu.Lock()
	m.sessions = make(map[string]map[*Conn]bool)
	m.mu.Unlock()

	m.wg.Wait()
	slog.Info("Gateway shut down")
}

// ActiveConnections returns the count of open connections on this instance.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.sessions {
		n += len(set)
	}
	return n
}

func (m *Manager) register(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sessions[c.sessionID]
	if !ok {
		set = make(map[*Conn]bool)
		m.sessions[c.sessionID] = set
	}
	set[c] = true
}

func (m *Manager) unregister(c *Conn) {
	m.mu.Lock()
	if set, ok := m.sessions[c.sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(m.sessions, c.sessionID)
		}
	}
	m.mu.Unlock()
	c.close(websocket.StatusNormalClosure, "")
}

// snapshot copies the connection set for a session so broadcast never holds
// the membership lock during sends.
func (m *Manager) snapshot(sessionID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.sessions[sessionID]
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

func (m *Manager) allConns() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var conns []*Conn
	for _, set := range m.sessions {
		for c := range set {
			conns = append(conns, c)
		}
	}
	return conns
}

func (m *Manager) discard(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}
