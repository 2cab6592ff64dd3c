// Package chat is the client side of the real-time messaging layer. A
// Manager owns the single socket to the relay, reconnects it on failure,
// routes inbound frames to subscribers and keeps a bounded per-channel
// message history.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"dashtracer-chat/internal/clock"
	"dashtracer-chat/internal/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const dialTimeout = 10 * time.Second

// Config holds the connection settings.
type Config struct {
	Endpoint          string
	ReconnectLimit    int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	ReconnectBackoff  string
	HistoryLimit      int
}

func (c *Config) applyDefaults() {
	// Zero selects the default; a negative limit disables reconnects.
	switch {
	case c.ReconnectLimit == 0:
		c.ReconnectLimit = DefaultReconnectLimit
	case c.ReconnectLimit < 0:
		c.ReconnectLimit = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.ReconnectBackoff == "" {
		c.ReconnectBackoff = BackoffFixed
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
}

// Option configures a Manager.
type Option func(*Manager)

func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithIDGenerator replaces the message id source.
func WithIDGenerator(fn func() string) Option { return func(m *Manager) { m.newID = fn } }

// Manager is the process-wide chat connection. Construct one at startup and
// hand it to every chat view.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clock.Clock
	logger *slog.Logger
	newID  func() string

	history *History
	events  *emitter

	sendMu sync.Mutex

	mu             sync.Mutex
	state          domain.ConnState
	conn           Conn
	gen            uint64
	userID         string
	role           domain.Role
	attempts       int
	backoff        backoff.BackOff
	reconnectTimer clock.Timer
}

// NewManager builds a disconnected Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		dialer: WebSocketDialer{},
		clock:  clock.Real(),
		logger: slog.Default(),
		newID:  func() string { return uuid.NewString() },
		state:  domain.StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "chat")
	m.history = NewHistory(cfg.HistoryLimit)
	m.events = newEmitter(m.logger)
	m.backoff = newBackOff(cfg.ReconnectBackoff, cfg.ReconnectDelay, cfg.ReconnectMaxDelay)
	return m
}

// Connect opens the session for userID. It is a no-op while a session is
// open or being opened.
func (m *Manager) Connect(ctx context.Context, userID string, role domain.Role) error {
	if userID == "" {
		return errors.New("chat: connect: empty user id")
	}
	role, err := domain.ParseRole(string(role))
	if err != nil {
		return fmt.Errorf("chat: connect: %w", err)
	}

	m.mu.Lock()
	if m.state == domain.StateConnected || m.state == domain.StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopReconnectLocked()
	m.userID = userID
	m.role = role
	m.attempts = 0
	m.backoff.Reset()
	m.mu.Unlock()

	return m.open(ctx)
}

func (m *Manager) open(ctx context.Context) error {
	m.mu.Lock()
	m.state = domain.StateConnecting
	m.gen++
	gen := m.gen
	target, err := m.endpointLocked()
	m.mu.Unlock()
	if err != nil {
		m.mu.Lock()
		m.state = domain.StateDisconnected
		m.mu.Unlock()
		return err
	}

	m.logger.Debug("dialing chat relay", "url", target)
	conn, err := m.dialer.Dial(ctx, target)

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect ran while the dial was in flight.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormalClosure, "superseded")
		}
		return nil
	}
	if err != nil {
		m.mu.Unlock()
		terr := &TransportError{Op: "dial", Err: err}
		m.logger.Warn("chat dial failed", "error", err)
		m.events.emit(Event{Type: EventError, Err: terr})
		m.handleClose(gen, CloseAbnormalClosure)
		return terr
	}
	m.conn = conn
	m.state = domain.StateConnected
	m.attempts = 0
	m.backoff.Reset()
	userID := m.userID
	m.mu.Unlock()

	m.logger.Info("chat connected", "user_id", userID)
	m.events.emit(Event{Type: EventConnected})
	go m.readLoop(gen, conn)
	return nil
}

func (m *Manager) endpointLocked() (string, error) {
	u, err := url.Parse(m.cfg.Endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("chat: invalid endpoint %q", m.cfg.Endpoint)
	}
	q := u.Query()
	q.Set("userId", m.userID)
	q.Set("role", m.role.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("chat read loop panicked", "panic", r)
			m.handleClose(gen, CloseAbnormalClosure)
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			code := closeCode(err)
			var ce *CloseError
			if !errors.As(err, &ce) && m.current(gen) {
				m.events.emit(Event{Type: EventError, Err: &TransportError{Op: "read", Err: err}})
			}
			m.handleClose(gen, code)
			return
		}
		if !m.current(gen) {
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// handleClose moves to DISCONNECTED and schedules a reconnect for abnormal
// closes until the attempt limit is reached.
func (m *Manager) handleClose(gen uint64, code int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = domain.StateDisconnected

	scheduled := false
	var delay time.Duration
	if code != CloseNormalClosure && m.attempts < m.cfg.ReconnectLimit {
		m.attempts++
		delay = m.backoff.NextBackOff()
		if delay < 0 {
			delay = m.cfg.ReconnectDelay
		}
		m.stopReconnectLocked()
		m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
		scheduled = true
	}
	attempts := m.attempts
	m.mu.Unlock()

	if scheduled {
		m.logger.Info("chat disconnected, reconnect scheduled",
			"code", code, "attempt", attempts, "limit", m.cfg.ReconnectLimit, "delay", delay)
	} else if code != CloseNormalClosure {
		m.logger.Warn("chat disconnected, reconnect limit reached", "code", code, "attempts", attempts)
	} else {
		m.logger.Info("chat disconnected", "code", code)
	}
	m.events.emit(Event{Type: EventDisconnected, Code: code})
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != domain.StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	// Failures are surfaced as events and rescheduled by open.
	_ = m.open(ctx)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// Disconnect closes the session with a normal closure so no reconnect is
// attempted. It is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopReconnectLocked()
	if m.state == domain.StateDisconnected && m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.state = domain.StateClosing
	m.gen++
	gen := m.gen
	conn := m.conn
	m.conn = nil
	m.attempts = 0
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(CloseNormalClosure, "client disconnect"); err != nil {
			m.logger.Debug("chat close failed", "error", err)
		}
	}

	m.mu.Lock()
	if gen != m.gen {
		// Connect opened a new session while the old one was closing.
		m.mu.Unlock()
		return
	}
	m.state = domain.StateDisconnected
	m.mu.Unlock()

	m.logger.Info("chat disconnected by client")
	m.events.emit(Event{Type: EventDisconnected, Code: CloseNormalClosure})
}

// Send stamps and transmits a frame. Chat messages scoped to a channel are
// appended to that channel's history once written.
func (m *Manager) Send(f domain.Frame) (domain.Frame, error) {
	if f.Type == "" {
		return domain.Frame{}, errors.New("chat: send: frame has no type")
	}

	// sendMu keeps writes and history appends in the same order without
	// holding mu across the socket write.
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.state != domain.StateConnected || m.conn == nil {
		state := m.state
		m.mu.Unlock()
		return domain.Frame{}, &NotConnectedError{State: state}
	}
	conn := m.conn

	if f.ID == "" {
		f.ID = m.newID()
	}
	if f.UserID == "" {
		f.UserID = m.userID
	}
	if f.Type == domain.FrameChatMessage && f.Role == "" {
		f.Role = m.role
	}
	f.Timestamp = m.clock.Now().UTC()
	m.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		return domain.Frame{}, fmt.Errorf("chat: encode %s: %w", f.Type, err)
	}
	if err := conn.WriteMessage(data); err != nil {
		return domain.Frame{}, &TransportError{Op: "write", Err: err}
	}

	if f.Type == domain.FrameChatMessage && f.Channel() != "" {
		msg := domain.MessageFromFrame(f)
		msg.Read = true
		m.history.Append(msg)
	}
	return f, nil
}

// dispatch decodes one inbound frame, records chat messages and re-emits
// the frame under its type.
func (m *Manager) dispatch(raw []byte) {
	var f domain.Frame
	err := json.Unmarshal(raw, &f)
	if err == nil && f.Type == "" {
		err = errors.New("missing type")
	}
	if err == nil && f.Type == domain.FrameChatMessage {
		var role domain.Role
		role, err = domain.ParseRole(string(f.Role))
		f.Role = role
	}
	if err != nil {
		merr := &MalformedMessageError{Raw: raw, Err: err}
		m.logger.Warn("dropping malformed frame", "error", err)
		m.events.emit(Event{Type: EventError, Err: merr})
		return
	}

	switch f.Type {
	case domain.FrameChatMessage:
		if f.ID == "" {
			f.ID = m.newID()
		}
		if f.Channel() != "" {
			m.history.Append(domain.MessageFromFrame(f))
		}
	case domain.FrameError:
		m.events.emit(Event{Type: EventError, Frame: f, Err: &RemoteError{Message: f.Error}})
		return
	}

	m.events.emit(Event{Type: f.Type, Frame: f})
}

// JoinRoom asks the relay to add this session to a channel.
func (m *Manager) JoinRoom(channelID string) error {
	_, err := m.Send(domain.Frame{Type: domain.FrameJoinRoom, ChannelID: channelID})
	return err
}

// LeaveRoom leaves a channel. The channel's history is kept.
func (m *Manager) LeaveRoom(channelID string) error {
	_, err := m.Send(domain.Frame{Type: domain.FrameLeaveRoom, ChannelID: channelID})
	return err
}

// SendChatMessage transmits msg to the given recipients. An empty recipient
// list addresses the whole channel.
func (m *Manager) SendChatMessage(msg domain.Message, recipients []string) (domain.Frame, error) {
	return m.Send(domain.Frame{
		Type:       domain.FrameChatMessage,
		ID:         msg.ID,
		ChannelID:  msg.ChannelID,
		UserID:     msg.SenderID,
		Username:   msg.SenderName,
		Role:       msg.SenderRole,
		Message:    msg.Body,
		Recipients: recipients,
	})
}

func (m *Manager) SendTypingIndicator(channelID string, isTyping bool, recipients []string) error {
	_, err := m.Send(domain.Frame{
		Type:       domain.FrameTypingIndicator,
		ChannelID:  channelID,
		IsTyping:   domain.Bool(isTyping),
		Recipients: recipients,
	})
	return err
}

// MessageHistory returns a copy of the channel's history.
func (m *Manager) MessageHistory(channelID string) []domain.Message {
	return m.history.Messages(channelID)
}

func (m *Manager) ClearMessageHistory(channelID string) {
	m.history.Clear(channelID)
}

func (m *Manager) MarkRead(channelID, messageID string) bool {
	return m.history.MarkRead(channelID, messageID)
}

// On subscribes h to an event type.
func (m *Manager) On(event string, h Handler) *Subscription {
	return m.events.on(event, h)
}

// Off is equivalent to sub.Unsubscribe().
func (m *Manager) Off(sub *Subscription) {
	sub.Unsubscribe()
}

func (m *Manager) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// ReconnectAttempts returns the number of consecutive reconnects scheduled
// since the last successful open.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
