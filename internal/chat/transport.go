package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes from RFC 6455 that drive reconnection.
const (
	CloseNormalClosure   = websocket.CloseNormalClosure
	CloseAbnormalClosure = websocket.CloseAbnormalClosure
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 << 10
)

// CloseError reports that the peer closed the socket with a code.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("socket closed: %d %s", e.Code, e.Text)
}

// closeCode extracts the close code from a read error. Errors that carry
// no code are treated as abnormal closure.
func closeCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormalClosure
}

// Conn is one open transport session.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens transport sessions.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the relay with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Text: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err := c.conn.Close(); err != nil {
		return err
	}
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return nil
}
