// Package chattest connects chat.Managers to an in-process relay.Hub so
// client behaviour can be exercised end to end without sockets.
package chattest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"dashtracer-chat/internal/chat"
	"dashtracer-chat/internal/domain"
	"dashtracer-chat/internal/relay"
)

// Relay is a chat.Dialer whose sessions are peers of Hub.
type Relay struct {
	Hub *relay.Hub

	mu    sync.Mutex
	fail  bool
	seq   int
	dials int
	conns []*Conn
}

// NewRelay wraps hub. A nil hub gets a fresh in-memory one.
func NewRelay(hub *relay.Hub) *Relay {
	if hub == nil {
		hub = relay.NewHub()
	}
	return &Relay{Hub: hub}
}

// SetFail makes subsequent dials fail.
func (r *Relay) SetFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

// Dials returns the number of dial attempts so far.
func (r *Relay) Dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

// Conns returns every session opened so far.
func (r *Relay) Conns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Conn(nil), r.conns...)
}

func (r *Relay) Dial(_ context.Context, rawURL string) (chat.Conn, error) {
	r.mu.Lock()
	r.dials++
	if r.fail {
		r.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	r.seq++
	id := "peer-" + strconv.Itoa(r.seq)
	r.mu.Unlock()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	role, err := domain.ParseRole(u.Query().Get("role"))
	if err != nil {
		return nil, err
	}
	userID := u.Query().Get("userId")
	if userID == "" {
		return nil, errors.New("missing userId")
	}

	c := &Conn{
		relay:  r,
		id:     id,
		userID: userID,
		role:   role,
		toPeer: make(chan []byte, 512),
		closed: make(chan struct{}),
	}
	r.mu.Lock()
	r.conns = append(r.conns, c)
	r.mu.Unlock()

	r.Hub.Register(c)
	return c, nil
}

// Conn is both the client's chat.Conn and the hub's relay.Peer.
type Conn struct {
	relay  *Relay
	id     string
	userID string
	role   domain.Role

	toPeer    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (c *Conn) ID() string        { return c.id }
func (c *Conn) UserID() string    { return c.userID }
func (c *Conn) Role() domain.Role { return c.role }

// Send is the hub writing to the client.
func (c *Conn) Send(f domain.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errors.New("peer closed")
	default:
	}
	select {
	case c.toPeer <- data:
		return nil
	default:
		return fmt.Errorf("peer %s: buffer full", c.id)
	}
}

// Inject queues a raw frame for the client as if the relay had sent it.
func (c *Conn) Inject(raw []byte) {
	c.toPeer <- raw
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.toPeer:
		return data, nil
	case <-c.closed:
		return nil, c.closeErr
	}
}

// WriteMessage is the client writing to the hub.
func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	var f domain.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.relay.Hub.HandleFrame(context.Background(), c, f)
	return nil
}

func (c *Conn) Close(code int, reason string) error {
	c.shutdown(&chat.CloseError{Code: code, Text: reason})
	return nil
}

// Drop closes the session from the relay side with code.
func (c *Conn) Drop(code int) {
	c.shutdown(&chat.CloseError{Code: code, Text: "dropped by relay"})
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.relay.Hub.Unregister(context.Background(), c)
	})
}
