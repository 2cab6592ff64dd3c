package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dashtracer-chat/internal/domain"
	"dashtracer-chat/internal/relay"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 << 10
)

// socket is the part of a websocket connection the manager uses.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// WSConnection is one client socket registered with the hub.
type WSConnection struct {
	conn     socket
	id       string
	userID   string
	role     domain.Role
	writeMux sync.Mutex
	logger   *slog.Logger
}

func (c *WSConnection) ID() string        { return c.id }
func (c *WSConnection) UserID() string    { return c.userID }
func (c *WSConnection) Role() domain.Role { return c.role }

// Send writes f as JSON. Writes are serialized per connection.
func (c *WSConnection) Send(f domain.Frame) (err error) {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered from panic writing frame", "user_id", c.userID, "panic", r)
			err = fmt.Errorf("write panicked: %v", r)
		}
	}()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// WSManager attaches websocket connections to the hub.
type WSManager struct {
	hub    *relay.Hub
	logger *slog.Logger
	seq    atomic.Uint64
}

func NewWSManager(hub *relay.Hub, logger *slog.Logger) *WSManager {
	return &WSManager{hub: hub, logger: logger.With("component", "ws")}
}

// HandleConnection serves one socket until it closes. The identity is
// fixed for the life of the connection.
func (w *WSManager) HandleConnection(c socket, userID, rawRole string) {
	defer c.Close()
	ctx := context.Background()
	c.SetReadLimit(maxFrameSize)

	if userID == "" {
		w.sendErrorResponse(c, "missing userId")
		return
	}
	role, err := domain.ParseRole(rawRole)
	if err != nil {
		w.sendErrorResponse(c, err.Error())
		return
	}

	conn := &WSConnection{
		conn:   c,
		id:     fmt.Sprintf("%s-%d", userID, w.seq.Add(1)),
		userID: userID,
		role:   role,
		logger: w.logger,
	}
	w.hub.Register(conn)
	defer w.hub.Unregister(ctx, conn)

	w.logger.Info("websocket client connected", "user_id", userID, "role", role, "peer_id", conn.id)
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			w.logger.Debug("websocket read ended", "user_id", userID, "error", err)
			break
		}
		var f domain.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = conn.Send(domain.Frame{Type: domain.FrameError, Error: "invalid frame: " + err.Error(), Timestamp: time.Now().UTC()})
			continue
		}
		w.hub.HandleFrame(ctx, conn, f)
	}
	w.logger.Info("websocket client disconnected", "user_id", userID, "peer_id", conn.id)
}

func (w *WSManager) sendErrorResponse(c socket, msg string) {
	w.logger.Warn("rejecting websocket client", "reason", msg)
	if err := c.WriteJSON(domain.Frame{Type: domain.FrameError, Error: msg, Timestamp: time.Now().UTC()}); err != nil {
		w.logger.Debug("failed to send error frame", "error", err)
	}
}
