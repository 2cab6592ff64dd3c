// Package relay is the server half of the chat protocol. A Hub tracks which
// sockets are in which channel, relays chat and typing frames between them
// and broadcasts presence. It knows nothing about the socket library; the
// delivery package adapts fiber connections to Peer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"dashtracer-chat/internal/domain"
	"dashtracer-chat/internal/observability"

	"github.com/google/uuid"
)

// Peer is one connected client socket.
type Peer interface {
	// ID is unique per connection; a user may hold several.
	ID() string
	UserID() string
	Role() domain.Role
	Send(f domain.Frame) error
}

var (
	ErrMissingChannel = errors.New("frame has no channel")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNotInRoom      = errors.New("not a member of the channel")
)

// Option configures a Hub.
type Option func(*Hub)

func WithPresenceStore(s PresenceStore) Option { return func(h *Hub) { h.presence = s } }

func WithPublisher(p Publisher) Option { return func(h *Hub) { h.publisher = p } }

func WithMetrics(m *observability.Metrics) Option { return func(h *Hub) { h.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

func WithInstanceID(id string) Option { return func(h *Hub) { h.instanceID = id } }

func WithNow(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// Hub is the relay's routing table.
type Hub struct {
	instanceID string
	presence   PresenceStore
	publisher  Publisher
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.RWMutex
	peers map[string]*member
	rooms map[string]map[string]*member
}

type member struct {
	peer  Peer
	rooms map[string]struct{}
}

// NewHub returns a Hub with in-memory presence and no fan-out unless
// options say otherwise.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		instanceID: uuid.NewString(),
		presence:   NewMemoryStore(30 * time.Second),
		publisher:  NopPublisher{},
		logger:     slog.Default(),
		now:        time.Now,
		peers:      make(map[string]*member),
		rooms:      make(map[string]map[string]*member),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "relay", "instance_id", h.instanceID)
	return h
}

func (h *Hub) InstanceID() string { return h.instanceID }

// Register adds a connected peer. It joins no channels yet.
func (h *Hub) Register(p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = &member{peer: p, rooms: make(map[string]struct{})}
	total := len(h.peers)
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	h.logger.Info("peer connected", "peer_id", p.ID(), "user_id", p.UserID(), "role", p.Role(), "peers", total)
}

// Unregister removes a peer from every channel it joined and broadcasts
// the updated presence.
func (h *Hub) Unregister(ctx context.Context, p Peer) {
	h.mu.Lock()
	m, ok := h.peers[p.ID()]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p.ID())
	rooms := make([]string, 0, len(m.rooms))
	for ch := range m.rooms {
		rooms = append(rooms, ch)
	}
	h.mu.Unlock()

	for _, ch := range rooms {
		h.leave(ctx, p, ch)
	}
	h.metrics.ConnectionClosed()
	h.logger.Info("peer disconnected", "peer_id", p.ID(), "user_id", p.UserID())
}

// HandleFrame processes one frame read from p.
func (h *Hub) HandleFrame(ctx context.Context, p Peer, f domain.Frame) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovered from panic handling frame", "type", f.Type, "panic", r)
		}
	}()

	var err error
	switch f.Type {
	case domain.FrameJoinRoom:
		err = h.join(ctx, p, f.Channel())
	case domain.FrameLeaveRoom:
		if f.Channel() == "" {
			err = ErrMissingChannel
			break
		}
		h.leave(ctx, p, f.Channel())
	case domain.FrameChatMessage:
		err = h.relayChat(ctx, p, f)
	case domain.FrameTypingIndicator:
		err = h.relayTyping(ctx, p, f)
	default:
		err = fmt.Errorf("unknown frame type %q", f.Type)
	}
	h.metrics.FrameReceived(metricType(f.Type))

	if err != nil {
		h.logger.Debug("rejecting frame", "type", f.Type, "user_id", p.UserID(), "error", err)
		h.send(p, domain.Frame{
			Type:      domain.FrameError,
			ChannelID: f.Channel(),
			Error:     err.Error(),
			Timestamp: h.now().UTC(),
		})
	}
}

func (h *Hub) join(ctx context.Context, p Peer, channelID string) error {
	if channelID == "" {
		return ErrMissingChannel
	}

	h.mu.Lock()
	m, ok := h.peers[p.ID()]
	if !ok {
		h.mu.Unlock()
		return errors.New("peer not registered")
	}
	m.rooms[channelID] = struct{}{}
	room, ok := h.rooms[channelID]
	if !ok {
		room = make(map[string]*member)
		h.rooms[channelID] = room
	}
	room[p.ID()] = m
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(rooms)
	if err := h.presence.AddOnline(ctx, channelID, p.UserID()); err != nil {
		h.logger.Warn("failed to record presence", "channel_id", channelID, "error", err)
	}
	h.logger.Debug("peer joined channel", "channel_id", channelID, "user_id", p.UserID())
	h.broadcastPresence(ctx, channelID)
	return nil
}

func (h *Hub) leave(ctx context.Context, p Peer, channelID string) {
	h.mu.Lock()
	if m, ok := h.peers[p.ID()]; ok {
		delete(m.rooms, channelID)
	}
	room := h.rooms[channelID]
	delete(room, p.ID())
	stillPresent := false
	for _, other := range room {
		if other.peer.UserID() == p.UserID() {
			stillPresent = true
			break
		}
	}
	if len(room) == 0 {
		delete(h.rooms, channelID)
	}
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(rooms)
	if !stillPresent {
		if err := h.presence.RemoveOnline(ctx, channelID, p.UserID()); err != nil {
			h.logger.Warn("failed to clear presence", "channel_id", channelID, "error", err)
		}
		if err := h.presence.SetTyping(ctx, channelID, p.UserID(), false); err != nil {
			h.logger.Warn("failed to clear typing", "channel_id", channelID, "error", err)
		}
	}
	h.broadcastPresence(ctx, channelID)
}

func (h *Hub) relayChat(ctx context.Context, p Peer, f domain.Frame) error {
	if f.Channel() == "" {
		return ErrMissingChannel
	}
	if strings.TrimSpace(f.Message) == "" {
		return ErrEmptyMessage
	}
	if !h.isMember(p, f.Channel()) {
		return ErrNotInRoom
	}

	// Identity comes from the socket, not the frame.
	f.UserID = p.UserID()
	f.Role = p.Role()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = h.now().UTC()
	}
	f.InstanceID = h.instanceID

	h.deliver(f, p.ID())
	h.publish(ctx, f)
	return nil
}

func (h *Hub) relayTyping(ctx context.Context, p Peer, f domain.Frame) error {
	if f.Channel() == "" {
		return ErrMissingChannel
	}
	if !h.isMember(p, f.Channel()) {
		return ErrNotInRoom
	}
	f.UserID = p.UserID()
	f.Role = p.Role()
	f.IsTyping = domain.Bool(f.Typing())
	f.Timestamp = h.now().UTC()
	f.InstanceID = h.instanceID

	if err := h.presence.SetTyping(ctx, f.Channel(), p.UserID(), f.Typing()); err != nil {
		h.logger.Warn("failed to record typing", "channel_id", f.Channel(), "error", err)
	}
	h.deliver(f, p.ID())
	h.publish(ctx, f)
	return nil
}

// Deliver hands a frame received from another instance to local peers.
// Frames this instance published are ignored.
func (h *Hub) Deliver(ctx context.Context, f domain.Frame) {
	if f.InstanceID == h.instanceID {
		return
	}
	h.metrics.FrameFromRemote(metricType(f.Type))

	switch f.Type {
	case domain.FrameChatMessage, domain.FrameTypingIndicator:
		h.deliver(f, "")
	case domain.FrameOnlineUsers:
		// Recompute from the shared store so local peers see a consistent set.
		h.broadcastLocalPresence(ctx, f.Channel())
	default:
		h.logger.Debug("ignoring remote frame", "type", f.Type)
	}
}

// deliver writes f to its local audience: the named recipients, or every
// member of the channel when there are none. The sender's own other
// sessions also receive chat messages. skipPeer is never written to.
func (h *Hub) deliver(f domain.Frame, skipPeer string) {
	targets := h.audience(f, skipPeer)
	for _, p := range targets {
		h.send(p, f)
	}
}

func (h *Hub) audience(f domain.Frame, skipPeer string) []Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Peer
	if len(f.Recipients) == 0 {
		for id, m := range h.rooms[f.Channel()] {
			if id != skipPeer {
				out = append(out, m.peer)
			}
		}
		return out
	}

	// Recipients must be in the channel. The sender's other sessions get
	// chat messages wherever they are.
	wanted := make(map[string]struct{}, len(f.Recipients))
	for _, r := range f.Recipients {
		wanted[r] = struct{}{}
	}
	room := h.rooms[f.Channel()]
	for id, m := range h.peers {
		if id == skipPeer {
			continue
		}
		userID := m.peer.UserID()
		if f.Type == domain.FrameChatMessage && userID == f.UserID {
			out = append(out, m.peer)
			continue
		}
		if _, ok := wanted[userID]; !ok {
			continue
		}
		if _, inRoom := room[id]; inRoom {
			out = append(out, m.peer)
		}
	}
	return out
}

// metricType bounds the frame type label to known values.
func metricType(frameType string) string {
	switch frameType {
	case domain.FrameJoinRoom, domain.FrameLeaveRoom, domain.FrameChatMessage,
		domain.FrameTypingIndicator, domain.FrameOnlineUsers, domain.FrameError:
		return frameType
	}
	return "unknown"
}

func (h *Hub) broadcastPresence(ctx context.Context, channelID string) {
	f := h.broadcastLocalPresence(ctx, channelID)
	h.publish(ctx, f)
}

func (h *Hub) broadcastLocalPresence(ctx context.Context, channelID string) domain.Frame {
	f := domain.Frame{
		Type:       domain.FrameOnlineUsers,
		ChannelID:  channelID,
		UserIDs:    h.OnlineUsers(ctx, channelID),
		InstanceID: h.instanceID,
		Timestamp:  h.now().UTC(),
	}
	h.deliver(f, "")
	return f
}

// OnlineUsers returns the channel's online set from the presence store,
// falling back to local members if the store is unavailable.
func (h *Hub) OnlineUsers(ctx context.Context, channelID string) []string {
	users, err := h.presence.OnlineUsers(ctx, channelID)
	if err == nil {
		return users
	}
	h.logger.Warn("presence store unavailable, using local members", "channel_id", channelID, "error", err)

	h.mu.RLock()
	seen := make(map[string]struct{})
	for _, m := range h.rooms[channelID] {
		seen[m.peer.UserID()] = struct{}{}
	}
	h.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Presence returns the online and typing sets for a channel.
func (h *Hub) Presence(ctx context.Context, channelID string) (domain.PresenceResponse, error) {
	typing, err := h.presence.TypingUsers(ctx, channelID)
	if err != nil {
		return domain.PresenceResponse{}, err
	}
	return domain.PresenceResponse{
		ChannelID: channelID,
		UserIDs:   h.OnlineUsers(ctx, channelID),
		Typing:    typing,
	}, nil
}

// ActiveConnections returns the number of local peers per channel.
func (h *Hub) ActiveConnections() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for ch, room := range h.rooms {
		out[ch] = len(room)
	}
	return out
}

func (h *Hub) isMember(p Peer, channelID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[channelID][p.ID()]
	return ok
}

func (h *Hub) send(p Peer, f domain.Frame) {
	if err := p.Send(f); err != nil {
		h.metrics.DeliveryFailed()
		h.logger.Warn("failed to deliver frame", "type", f.Type, "user_id", p.UserID(), "error", err)
		return
	}
	h.metrics.FrameSent(f.Type)
}

func (h *Hub) publish(ctx context.Context, f domain.Frame) {
	if err := h.publisher.Publish(ctx, f); err != nil {
		h.metrics.PublishFailed(f.Type)
		h.logger.Warn("failed to publish frame", "type", f.Type, "error", err)
	}
}
