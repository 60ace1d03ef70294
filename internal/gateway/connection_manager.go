package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jfeld/turnwatch/internal/notify"
)

// ConnectionManager fans notification events out to WebSocket clients
// watching a game. Clients only receive; no commands come back upstream.
type ConnectionManager struct {
	gameConnections map[string]map[*connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan notify.Event
}

// connection is one WebSocket client watching one game.
type connection struct {
	id      string
	gameID  string
	conn    *websocket.Conn
	send    chan []byte
	manager *ConnectionManager
}

// ConnectionConfig holds WebSocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 512,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a WebSocket connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		gameConnections: make(map[string]map[*connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan notify.Event, 256),
	}
}

// Start processes queued broadcasts until the context is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return nil
		case event := <-cm.broadcastCh:
			cm.handleBroadcast(event)
		}
	}
}

// Deliver queues an event for broadcast to the clients watching its game.
// Implements notify.Sink, so the manager slots in next to the NATS sink.
func (cm *ConnectionManager) Deliver(ctx context.Context, event notify.Event) error {
	select {
	case cm.broadcastCh <- event:
		return nil
	default:
		return fmt.Errorf("broadcast queue full, dropping event for game %s", event.GameID)
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket subscribed to
// one game's events.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, gameID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &connection{
		id:      uuid.New().String(),
		gameID:  gameID,
		conn:    conn,
		send:    make(chan []byte, 64),
		manager: cm,
	}
	cm.register(c)

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.id).
		Str("game_id", gameID).
		Msg("websocket client connected")

	return nil
}

func (cm *ConnectionManager) register(c *connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.gameConnections[c.gameID] == nil {
		cm.gameConnections[c.gameID] = make(map[*connection]bool)
	}
	cm.gameConnections[c.gameID][c] = true
}

func (cm *ConnectionManager) unregister(c *connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conns, ok := cm.gameConnections[c.gameID]; ok {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			close(c.send)
			if len(conns) == 0 {
				delete(cm.gameConnections, c.gameID)
			}
		}
	}
}

func (cm *ConnectionManager) handleBroadcast(event notify.Event) {
	cm.mu.RLock()
	conns := make([]*connection, 0, len(cm.gameConnections[event.GameID]))
	for c := range cm.gameConnections[event.GameID] {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, c := range conns {
		select {
		case c.send <- data:
		default:
			// Slow client; drop it rather than stall the broadcast loop.
			log.Warn().Str("connection_id", c.id).Msg("send buffer full, closing connection")
			cm.unregister(c)
			c.conn.Close()
		}
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
	}
}
