package chat

import (
	"sync"

	"dashtracer-chat/internal/domain"
)

// DefaultHistoryLimit is the number of messages kept per channel.
const DefaultHistoryLimit = 100

// History holds a bounded, insertion-ordered message log per channel.
// The oldest entry is evicted first once a channel reaches its limit.
type History struct {
	mu       sync.RWMutex
	limit    int
	channels map[string][]domain.Message
}

// NewHistory returns an empty History. A non-positive limit uses
// DefaultHistoryLimit.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{
		limit:    limit,
		channels: make(map[string][]domain.Message),
	}
}

// Append adds msg to its channel. It reports false when a message with the
// same id is already present.
func (h *History) Append(msg domain.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := h.channels[msg.ChannelID]
	if msg.ID != "" {
		for _, existing := range msgs {
			if existing.ID == msg.ID {
				return false
			}
		}
	}

	msgs = append(msgs, msg)
	if over := len(msgs) - h.limit; over > 0 {
		msgs = append(msgs[:0], msgs[over:]...)
	}
	h.channels[msg.ChannelID] = msgs
	return true
}

// Messages returns a copy of the channel's log, or an empty slice.
func (h *History) Messages(channelID string) []domain.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := h.channels[channelID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Len returns the number of messages held for the channel.
func (h *History) Len(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}

// Clear empties a channel. Unknown channels are ignored.
func (h *History) Clear(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, channelID)
}

// MarkRead sets the read flag on one message.
func (h *History) MarkRead(channelID, messageID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.channels[channelID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Read = true
			return true
		}
	}
	return false
}
