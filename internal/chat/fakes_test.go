package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"dashtracer-chat/internal/clock"
	"dashtracer-chat/internal/domain"
)

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// Optional gates, set before the conn is used concurrently. A write
	// signals writing and waits for writeGate or close; Close waits for
	// closeGate.
	writeGate chan struct{}
	writing   chan struct{}
	closeGate chan struct{}

	mu        sync.Mutex
	written   []domain.Frame
	closeErr  error
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.writeGate != nil {
		c.writing <- struct{}{}
		select {
		case <-c.writeGate:
		case <-c.closed:
			return errors.New("write on closed conn")
		}
	}
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	var f domain.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	if c.closeGate != nil {
		<-c.closeGate
	}
	c.shutdown(code, &CloseError{Code: code, Text: reason})
	return nil
}

// drop simulates the remote end closing the socket with code.
func (c *fakeConn) drop(code int) {
	c.shutdown(code, &CloseError{Code: code, Text: "remote"})
}

func (c *fakeConn) shutdown(code int, err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) frames() []domain.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Frame, len(c.written))
	copy(out, c.written)
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeDialer, *clock.Fake) {
	t.Helper()
	if cfg.Endpoint == "" {
		cfg.Endpoint = "ws://relay.test/ws"
	}
	dialer := &fakeDialer{}
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	seq := 0
	var mu sync.Mutex
	m := NewManager(cfg,
		WithDialer(dialer),
		WithClock(clk),
		WithLogger(discardLogger()),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return "id-" + strconv.Itoa(seq)
		}),
	)
	t.Cleanup(m.Disconnect)
	return m, dialer, clk
}

// collect buffers events of one type for assertions.
func collect(m *Manager, event string) (<-chan Event, *Subscription) {
	ch := make(chan Event, 64)
	sub := m.On(event, func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, sub
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func chatFrame(id, channel, user, body string) []byte {
	data, _ := json.Marshal(domain.Frame{
		Type:      domain.FrameChatMessage,
		ID:        id,
		ChannelID: channel,
		UserID:    user,
		Username:  "User " + user,
		Role:      domain.RoleCreator,
		Message:   body,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	return data
}
