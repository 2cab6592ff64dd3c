// Package chatview holds the per-channel state behind a chat panel:
// messages with read flags, typing indicators, presence and the
// connection banner. It drives a shared chat.Manager and never owns the
// connection itself.
package chatview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"dashtracer-chat/internal/chat"
	"dashtracer-chat/internal/clock"
	"dashtracer-chat/internal/domain"

	"github.com/google/uuid"
)

const (
	DefaultTypingTimeout  = 3 * time.Second
	DefaultTypingDebounce = time.Second
	DefaultSwitchDelay    = 500 * time.Millisecond
)

var (
	ErrIdentitySwitchDisabled = errors.New("chatview: identity switching is disabled")
	ErrAlreadyMounted         = errors.New("chatview: already mounted")
	ErrTornDown               = errors.New("chatview: controller torn down")
)

// Manager is the part of chat.Manager a controller uses.
type Manager interface {
	Connect(ctx context.Context, userID string, role domain.Role) error
	Disconnect()
	JoinRoom(channelID string) error
	LeaveRoom(channelID string) error
	SendChatMessage(msg domain.Message, recipients []string) (domain.Frame, error)
	SendTypingIndicator(channelID string, isTyping bool, recipients []string) error
	MessageHistory(channelID string) []domain.Message
	MarkRead(channelID, messageID string) bool
	On(event string, h chat.Handler) *chat.Subscription
	State() domain.ConnState
}

// Config describes one chat panel.
type Config struct {
	ChannelID    string
	User         domain.Participant
	Participants []domain.Participant

	// AllowIdentitySwitch enables SwitchIdentity, a single-tab harness for
	// simulating several participants. Leave it off in production.
	AllowIdentitySwitch bool

	TypingTimeout  time.Duration
	TypingDebounce time.Duration
	SwitchDelay    time.Duration
	MessageLimit   int

	Clock  clock.Clock
	Logger *slog.Logger
}

// typingEntry is the safety timer for one remote typist. gen tells a
// stale expiry from the current one.
type typingEntry struct {
	timer clock.Timer
	gen   uint64
}

// Controller is the state of one mounted chat panel.
type Controller struct {
	mgr    Manager
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	newID  func() string

	mu            sync.Mutex
	state         domain.ViewState
	user          domain.Participant
	messages      []domain.Message
	typing        map[string]bool
	typingTimers  map[string]typingEntry
	typingSeq     uint64
	online        map[string]struct{}
	presenceKnown bool
	localTyping   bool
	debounceTimer clock.Timer
	switchTimer   clock.Timer
	joined        bool
	lastErr       error
	subs          []*chat.Subscription
	listeners     []func()
}

// New returns an unmounted controller.
func New(mgr Manager, cfg Config) *Controller {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = DefaultTypingDebounce
	}
	if cfg.SwitchDelay <= 0 {
		cfg.SwitchDelay = DefaultSwitchDelay
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = chat.DefaultHistoryLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		mgr:          mgr,
		cfg:          cfg,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("component", "chatview", "channel_id", cfg.ChannelID),
		newID:        uuid.NewString,
		state:        domain.ViewUninitialized,
		user:         cfg.User,
		typing:       make(map[string]bool),
		typingTimers: make(map[string]typingEntry),
		online:       make(map[string]struct{}),
	}
}

// Mount loads history, subscribes to the manager and joins the channel.
// Connection failures do not fail Mount; they show up in State and the
// banner while the manager retries.
func (c *Controller) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.ViewUninitialized {
		c.mu.Unlock()
		return ErrAlreadyMounted
	}
	c.state = domain.ViewLoadingHistory
	c.mu.Unlock()

	history := c.mgr.MessageHistory(c.cfg.ChannelID)
	for i := range history {
		history[i].Read = true
		c.mgr.MarkRead(c.cfg.ChannelID, history[i].ID)
	}

	c.mu.Lock()
	c.messages = c.trimLocked(history)
	c.state = domain.ViewConnecting
	c.subs = []*chat.Subscription{
		c.mgr.On(chat.EventConnected, c.onConnected),
		c.mgr.On(chat.EventDisconnected, c.onDisconnected),
		c.mgr.On(chat.EventError, c.onError),
		c.mgr.On(domain.FrameChatMessage, c.onChatMessage),
		c.mgr.On(domain.FrameTypingIndicator, c.onTyping),
		c.mgr.On(domain.FrameOnlineUsers, c.onOnlineUsers),
	}
	user := c.user
	c.mu.Unlock()
	c.notify()

	if err := c.mgr.Connect(ctx, user.ID, user.Role); err != nil {
		c.logger.Warn("connect failed on mount", "error", err)
		c.setError(err)
	}
	// Connect is a no-op when another panel already opened the socket, so
	// no connected event arrives for this controller.
	if c.mgr.State() == domain.StateConnected {
		c.markConnected()
	}
	return nil
}

// Unmount unsubscribes, stops timers and leaves the channel. The shared
// connection stays open.
func (c *Controller) Unmount() {
	c.mu.Lock()
	if c.state == domain.ViewTornDown || c.state == domain.ViewUninitialized {
		c.state = domain.ViewTornDown
		c.mu.Unlock()
		return
	}
	subs := c.subs
	c.subs = nil
	c.stopTimersLocked()
	wasTyping := c.localTyping
	c.localTyping = false
	recipients := c.recipientsLocked()
	c.state = domain.ViewTornDown
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if c.mgr.State() == domain.StateConnected {
		if wasTyping {
			_ = c.mgr.SendTypingIndicator(c.cfg.ChannelID, false, recipients)
		}
		if err := c.mgr.LeaveRoom(c.cfg.ChannelID); err != nil {
			c.logger.Debug("leave on unmount failed", "error", err)
		}
	}
	c.notify()
}

func (c *Controller) stopTimersLocked() {
	for id, entry := range c.typingTimers {
		entry.timer.Stop()
		delete(c.typingTimers, id)
	}
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	if c.switchTimer != nil {
		c.switchTimer.Stop()
		c.switchTimer = nil
	}
}

func (c *Controller) onConnected(chat.Event) {
	c.markConnected()
}

// markConnected moves to CONNECTED and joins the channel once per session.
func (c *Controller) markConnected() {
	c.mu.Lock()
	if c.state == domain.ViewTornDown {
		c.mu.Unlock()
		return
	}
	c.state = domain.ViewConnected
	c.lastErr = nil
	needJoin := !c.joined
	c.joined = true
	c.mu.Unlock()

	if needJoin {
		if err := c.mgr.JoinRoom(c.cfg.ChannelID); err != nil {
			c.logger.Warn("join failed", "error", err)
			c.mu.Lock()
			c.joined = false
			c.mu.Unlock()
			c.setError(err)
		}
	}
	c.notify()
}

func (c *Controller) onDisconnected(chat.Event) {
	c.mu.Lock()
	if c.state == domain.ViewTornDown {
		c.mu.Unlock()
		return
	}
	c.state = domain.ViewReconnecting
	c.joined = false
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onError(ev chat.Event) {
	c.setError(ev.Err)
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	if c.state == domain.ViewTornDown {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onChatMessage(ev chat.Event) {
	f := ev.Frame
	c.mu.Lock()
	if !c.state.Live() || f.Channel() != c.cfg.ChannelID || f.UserID == c.user.ID {
		c.mu.Unlock()
		return
	}
	for _, existing := range c.messages {
		if existing.ID == f.ID {
			c.mu.Unlock()
			return
		}
	}
	msg := domain.MessageFromFrame(f)
	msg.Read = false
	c.messages = c.trimLocked(append(c.messages, msg))
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onTyping(ev chat.Event) {
	f := ev.Frame
	c.mu.Lock()
	if c.state == domain.ViewTornDown || f.Channel() != c.cfg.ChannelID || f.UserID == c.user.ID || f.UserID == "" {
		c.mu.Unlock()
		return
	}
	sender := f.UserID
	if entry, ok := c.typingTimers[sender]; ok {
		entry.timer.Stop()
		delete(c.typingTimers, sender)
	}
	if f.Typing() {
		c.typing[sender] = true
		// Stop signals can be lost; clear the flag regardless.
		c.typingSeq++
		gen := c.typingSeq
		timer := c.clock.AfterFunc(c.cfg.TypingTimeout, func() {
			c.expireTyping(sender, gen)
		})
		c.typingTimers[sender] = typingEntry{timer: timer, gen: gen}
	} else {
		delete(c.typing, sender)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) expireTyping(userID string, gen uint64) {
	c.mu.Lock()
	if entry, ok := c.typingTimers[userID]; !ok || entry.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.typingTimers, userID)
	delete(c.typing, userID)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) onOnlineUsers(ev chat.Event) {
	f := ev.Frame
	c.mu.Lock()
	if c.state == domain.ViewTornDown || f.Channel() != c.cfg.ChannelID {
		c.mu.Unlock()
		return
	}
	online := make(map[string]struct{}, len(f.UserIDs))
	for _, id := range f.UserIDs {
		online[id] = struct{}{}
	}
	c.online = online
	c.presenceKnown = true
	c.mu.Unlock()
	c.notify()
}

// InputChanged reports the composer's current text after a keystroke.
// Typing starts on the first non-empty input and stops after the debounce
// interval without keystrokes, or at once when the input is cleared.
func (c *Controller) InputChanged(text string) {
	c.mu.Lock()
	if c.state == domain.ViewTornDown {
		c.mu.Unlock()
		return
	}
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	recipients := c.recipientsLocked()

	if strings.TrimSpace(text) == "" {
		wasTyping := c.localTyping
		c.localTyping = false
		c.mu.Unlock()
		if wasTyping {
			c.sendTyping(false, recipients)
		}
		return
	}

	start := !c.localTyping
	c.localTyping = true
	c.debounceTimer = c.clock.AfterFunc(c.cfg.TypingDebounce, c.stopLocalTyping)
	c.mu.Unlock()

	if start {
		c.sendTyping(true, recipients)
	}
}

func (c *Controller) stopLocalTyping() {
	c.mu.Lock()
	if !c.localTyping || c.state == domain.ViewTornDown {
		c.mu.Unlock()
		return
	}
	c.localTyping = false
	c.debounceTimer = nil
	recipients := c.recipientsLocked()
	c.mu.Unlock()
	c.sendTyping(false, recipients)
}

func (c *Controller) sendTyping(isTyping bool, recipients []string) {
	if err := c.mgr.SendTypingIndicator(c.cfg.ChannelID, isTyping, recipients); err != nil {
		c.logger.Debug("typing indicator not sent", "is_typing", isTyping, "error", err)
	}
}

// Send posts body to the channel. It reports false without error when the
// body is blank, no identity is set or the connection is down, matching a
// disabled send button.
func (c *Controller) Send(body string) (bool, error) {
	body = strings.TrimSpace(body)

	c.mu.Lock()
	if body == "" || c.user.ID == "" || !c.state.Live() || c.mgr.State() != domain.StateConnected {
		c.mu.Unlock()
		return false, nil
	}
	msg := domain.Message{
		ID:         c.newID(),
		ChannelID:  c.cfg.ChannelID,
		SenderID:   c.user.ID,
		SenderName: c.user.Name,
		SenderRole: c.user.Role,
		Body:       body,
		Timestamp:  c.clock.Now().UTC(),
		Read:       true,
	}
	c.messages = c.trimLocked(append(c.messages, msg))
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	c.localTyping = false
	recipients := c.recipientsLocked()
	c.mu.Unlock()
	c.notify()

	if _, err := c.mgr.SendChatMessage(msg, recipients); err != nil {
		c.logger.Warn("send failed", "message_id", msg.ID, "error", err)
		c.setError(err)
		return true, fmt.Errorf("chatview: send: %w", err)
	}
	c.sendTyping(false, recipients)
	return true, nil
}

// SwitchIdentity disconnects, replaces the local user, clears the panel
// and reconnects as the new user after a short delay.
func (c *Controller) SwitchIdentity(ctx context.Context, user domain.Participant) error {
	if !c.cfg.AllowIdentitySwitch {
		return ErrIdentitySwitchDisabled
	}
	if user.ID == "" {
		return errors.New("chatview: switch identity: empty user id")
	}
	role, err := domain.ParseRole(string(user.Role))
	if err != nil {
		return fmt.Errorf("chatview: switch identity: %w", err)
	}
	user.Role = role

	c.mu.Lock()
	if c.state == domain.ViewTornDown || c.state == domain.ViewUninitialized {
		c.mu.Unlock()
		return ErrTornDown
	}
	c.stopTimersLocked()
	c.mu.Unlock()

	c.mgr.Disconnect()

	c.mu.Lock()
	c.user = user
	c.messages = nil
	c.typing = make(map[string]bool)
	c.localTyping = false
	c.joined = false
	c.state = domain.ViewReconnecting
	dialCtx := context.WithoutCancel(ctx)
	c.switchTimer = c.clock.AfterFunc(c.cfg.SwitchDelay, func() { c.reconnectAs(dialCtx, user) })
	c.mu.Unlock()

	c.logger.Info("switched identity", "user_id", user.ID, "role", user.Role)
	c.notify()
	return nil
}

func (c *Controller) reconnectAs(parent context.Context, user domain.Participant) {
	c.mu.Lock()
	if c.state == domain.ViewTornDown {
		c.mu.Unlock()
		return
	}
	c.switchTimer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	if err := c.mgr.Connect(ctx, user.ID, user.Role); err != nil {
		c.logger.Warn("reconnect after identity switch failed", "error", err)
		c.setError(err)
		return
	}
	if c.mgr.State() == domain.StateConnected {
		c.markConnected()
	}
}

// MarkAllRead clears the unread state of every message in the panel.
func (c *Controller) MarkAllRead() {
	c.mu.Lock()
	var ids []string
	for i := range c.messages {
		if !c.messages[i].Read {
			c.messages[i].Read = true
			ids = append(ids, c.messages[i].ID)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.mgr.MarkRead(c.cfg.ChannelID, id)
	}
	if len(ids) > 0 {
		c.notify()
	}
}

// OnChange registers a render hook called after every state change.
func (c *Controller) OnChange(fn func()) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Controller) notify() {
	c.mu.Lock()
	listeners := append([]func(){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (c *Controller) State() domain.ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) User() domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Messages returns a copy of the panel's messages in display order.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Controller) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.messages {
		if !m.Read {
			n++
		}
	}
	return n
}

func (c *Controller) IsTyping(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing[userID]
}

// TypingUsers returns the sorted ids of remote users currently typing.
func (c *Controller) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.typing))
	for id, typing := range c.typing {
		if typing {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// IsOnline reports presence for a participant. Until the first presence
// update arrives every known participant counts as online.
func (c *Controller) IsOnline(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.presenceKnown {
		for _, p := range c.cfg.Participants {
			if p.ID == userID {
				return true
			}
		}
		return userID == c.user.ID
	}
	_, ok := c.online[userID]
	return ok
}

func (c *Controller) Participants() []domain.Participant {
	return append([]domain.Participant(nil), c.cfg.Participants...)
}

// LastError returns the most recent connection or send error, cleared on
// reconnect.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConnectionBanner is the status line shown above the panel.
func (c *Controller) ConnectionBanner() string {
	switch c.mgr.State() {
	case domain.StateConnected:
		return "Connected"
	case domain.StateConnecting:
		return "Connecting..."
	}
	if c.State() == domain.ViewReconnecting {
		return "Disconnected, reconnecting..."
	}
	return "Disconnected"
}

func (c *Controller) recipientsLocked() []string {
	out := make([]string, 0, len(c.cfg.Participants))
	for _, p := range c.cfg.Participants {
		if p.ID != c.user.ID {
			out = append(out, p.ID)
		}
	}
	return out
}

func (c *Controller) trimLocked(msgs []domain.Message) []domain.Message {
	if over := len(msgs) - c.cfg.MessageLimit; over > 0 {
		msgs = append([]domain.Message(nil), msgs[over:]...)
	}
	return msgs
}
