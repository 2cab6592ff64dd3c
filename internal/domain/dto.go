package domain

import (
	"time"
)

// Wire frame types.
const (
	FrameChatMessage     = "chat_message"
	FrameTypingIndicator = "typing_indicator"
	FrameOnlineUsers     = "online_users"
	FrameJoinRoom        = "join_room"
	FrameLeaveRoom       = "leave_room"
	FrameError           = "error"
)

// Frame is the JSON object exchanged over the chat socket. Every frame has
// a Type; the remaining fields depend on it.
type Frame struct {
	Type       string    `json:"type"`
	ID         string    `json:"id,omitempty"`
	ChannelID  string    `json:"channelId,omitempty"`
	TicketID   string    `json:"ticketId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Username   string    `json:"username,omitempty"`
	Role       Role      `json:"role,omitempty"`
	Message    string    `json:"message,omitempty"`
	IsTyping   *bool     `json:"isTyping,omitempty"`
	UserIDs    []string  `json:"userIds,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	Error      string    `json:"error,omitempty"`
	InstanceID string    `json:"instanceId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Channel returns the channel the frame is scoped to. Older clients send
// ticketId instead of channelId.
func (f Frame) Channel() string {
	if f.ChannelID != "" {
		return f.ChannelID
	}
	return f.TicketID
}

// Typing reports the isTyping flag, treating a missing flag as false.
func (f Frame) Typing() bool {
	return f.IsTyping != nil && *f.IsTyping
}

func Bool(b bool) *bool { return &b }

// PresenceResponse is returned by the presence REST endpoint.
type PresenceResponse struct {
	ChannelID string   `json:"channelId"`
	UserIDs   []string `json:"userIds"`
	Typing    []string `json:"typing"`
}
