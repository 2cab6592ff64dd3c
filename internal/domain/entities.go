package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownRole = errors.New("unknown role")

// Role is the closed set of participant roles on the platform.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleCreator Role = "creator"
)

// ParseRole validates a role string coming off the wire or the command line.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleManager, RoleCreator:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

func (r Role) String() string { return string(r) }

// Participant is a member of a channel's roster as supplied by the ticket API.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// ParseParticipant reads the "id:name:role" form used by the CLI.
func ParseParticipant(s string) (Participant, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return Participant{}, fmt.Errorf("participant %q: want id:name:role", s)
	}
	role, err := ParseRole(parts[2])
	if err != nil {
		return Participant{}, err
	}
	return Participant{ID: parts[0], Name: parts[1], Role: role}, nil
}

// Message is a single chat event. Only Read changes after creation.
type Message struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SenderRole Role      `json:"senderRole"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
	Read       bool      `json:"read"`
}

// MessageFromFrame converts a chat_message frame. The frame's role must
// already have been validated.
func MessageFromFrame(f Frame) Message {
	return Message{
		ID:         f.ID,
		ChannelID:  f.Channel(),
		SenderID:   f.UserID,
		SenderName: f.Username,
		SenderRole: f.Role,
		Body:       f.Message,
		Timestamp:  f.Timestamp,
	}
}
