package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cjeanneret/GimbalGo/internal/config"
	"github.com/cjeanneret/GimbalGo/internal/debug"
	"github.com/cjeanneret/GimbalGo/internal/hw/imu"
	"github.com/cjeanneret/GimbalGo/internal/logic/geometry"
	"github.com/cjeanneret/GimbalGo/internal/logic/motion"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 2 * time.Second
)

// DefaultStatusPeriod is used when the hub is given no period.
const DefaultStatusPeriod = 100 * time.Millisecond

// wsClient is one connected browser.
type wsClient struct {
	id        string
	conn      *websocket.Conn
	connected time.Time

	mu sync.Mutex // serializes writes
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// wsCommand is the union of every inbound message shape.
type wsCommand struct {
	Cmd      string       `json:"cmd"`
	Yaw      *float64     `json:"yaw"`
	Pitch    *float64     `json:"pitch"`
	Roll     *float64     `json:"roll"`
	Mode     *config.Mode `json:"mode"`
	Duration *float64     `json:"duration"` // ms
	EndYaw   *float64     `json:"endYaw"`
	EndPitch *float64     `json:"endPitch"`
	EndRoll  *float64     `json:"endRoll"`
	X        *float64     `json:"x"`
	Y        *float64     `json:"y"`
	Z        *float64     `json:"z"`
}

// StatusMessage is pushed to every client each status period.
type StatusMessage struct {
	Type       string        `json:"type"`
	Mode       config.Mode   `json:"mode"`
	Position   geometry.Pose `json:"position"`
	Target     geometry.Pose `json:"target"`
	MoveActive bool          `json:"move_active"`
}

// Hub manages WebSocket clients: commands in, status out.
type Hub struct {
	ctl    *motion.Controller
	gyro   GyroSink
	period time.Duration

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient

	received atomic.Uint64
	ignored  atomic.Uint64
	sent     atomic.Uint64
}

// NewHub creates a hub. gyro may be nil; period <= 0 uses
// DefaultStatusPeriod.
func NewHub(ctl *motion.Controller, gyro GyroSink, period time.Duration) *Hub {
	if period <= 0 {
		period = DefaultStatusPeriod
	}
	return &Hub{
		ctl:     ctl,
		gyro:    gyro,
		period:  period,
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// HubStats are message counters.
type HubStats struct {
	Clients  int    `json:"clients"`
	Received uint64 `json:"received"`
	Ignored  uint64 `json:"ignored"`
	Sent     uint64 `json:"sent"`
}

// Stats returns the current counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients:  h.ClientCount(),
		Received: h.received.Load(),
		Ignored:  h.ignored.Load(),
		Sent:     h.sent.Load(),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and runs the client's read loop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error(fmt.Errorf("websocket upgrade: %w", err))
		return
	}
	conn.SetReadLimit(wsReadLimit)

	c := &wsClient{id: uuid.NewString(), conn: conn, connected: time.Now()}
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	debug.Live("WebSocket client %s connected (total: %d)", c.id, n)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		n := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		debug.Live("WebSocket client %s disconnected after %v (total: %d)", c.id, time.Since(c.connected).Round(time.Second), n)
	}()

	if err := c.send(h.status()); err == nil {
		h.sent.Add(1)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debug.Verbose("WebSocket client %s read error: %v", c.id, err)
			}
			return
		}
		h.received.Add(1)
		if err := h.handleMessage(data); err != nil {
			h.ignored.Add(1)
			debug.Verbose("WebSocket client %s: ignored message: %v", c.id, err)
		}
	}
}

// handleMessage applies one inbound message. Unknown or malformed
// messages return an error and change nothing.
func (h *Hub) handleMessage(data []byte) error {
	var m wsCommand
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	debug.Command("ws", m.Cmd, string(data))

	switch m.Cmd {
	case "setPosition":
		p, err := poseOf(m.Yaw, m.Pitch, m.Roll)
		if err != nil {
			return err
		}
		return h.ctl.SetManualPosition(p)

	case "setAutoTarget":
		p, err := poseOf(m.Yaw, m.Pitch, m.Roll)
		if err != nil {
			return err
		}
		return h.ctl.SetAutoTarget(p)

	case "setMode":
		if m.Mode == nil {
			return fmt.Errorf("setMode: mode is required")
		}
		return h.ctl.SetMode(*m.Mode)

	case "startTimedMove":
		if m.Duration == nil {
			return fmt.Errorf("startTimedMove: duration is required")
		}
		d, err := motion.MoveDuration(*m.Duration)
		if err != nil {
			return fmt.Errorf("startTimedMove: %w", err)
		}
		end, err := poseOf(m.EndYaw, m.EndPitch, m.EndRoll)
		if err != nil {
			return err
		}
		return h.ctl.StartTimedMove(d, end)

	case "center":
		return h.ctl.Center()

	case "captureFlat":
		_, err := h.ctl.CaptureFlatReference()
		return err

	case "setPhoneGyro":
		if h.gyro == nil {
			return fmt.Errorf("setPhoneGyro: no external sensor configured")
		}
		if m.X == nil || m.Y == nil || m.Z == nil {
			return fmt.Errorf("setPhoneGyro: x, y and z are required")
		}
		h.gyro.Set(imu.FromXYZ(*m.X, *m.Y, *m.Z))
		return nil

	case "clearPhoneGyro":
		if h.gyro != nil {
			h.gyro.Clear()
		}
		return nil
	}
	return fmt.Errorf("unknown cmd %q", m.Cmd)
}

func poseOf(yaw, pitch, roll *float64) (geometry.Pose, error) {
	if yaw == nil || pitch == nil || roll == nil {
		return geometry.Pose{}, fmt.Errorf("all three angles are required")
	}
	p := geometry.Pose{Yaw: *yaw, Pitch: *pitch, Roll: *roll}
	return p, p.Validate()
}

func (h *Hub) status() StatusMessage {
	st := h.ctl.Status()
	return StatusMessage{
		Type:       "status",
		Mode:       st.Mode,
		Position:   st.Current,
		Target:     st.Target,
		MoveActive: st.MoveActive,
	}
}

// Broadcast sends v to every client. Clients that fail to accept it are
// disconnected.
func (h *Hub) Broadcast(v any) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(v); err != nil {
			debug.Verbose("WebSocket client %s write error: %v", c.id, err)
			c.conn.Close()
			continue
		}
		h.sent.Add(1)
	}
}

// Run pushes status to all clients every period until ctx is done, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			if h.ClientCount() > 0 {
				h.Broadcast(h.status())
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	}
}
