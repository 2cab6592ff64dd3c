package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"dashtracer-chat/internal/domain"
)

// PresenceStore records who is online and typing per channel. The Redis
// implementation shares this state between relay instances.
type PresenceStore interface {
	AddOnline(ctx context.Context, channelID, userID string) error
	RemoveOnline(ctx context.Context, channelID, userID string) error
	OnlineUsers(ctx context.Context, channelID string) ([]string, error)
	SetTyping(ctx context.Context, channelID, userID string, isTyping bool) error
	TypingUsers(ctx context.Context, channelID string) ([]string, error)
}

// Publisher fans frames out to other relay instances.
type Publisher interface {
	Publish(ctx context.Context, f domain.Frame) error
}

// NopPublisher is used when the relay runs as a single instance.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.Frame) error { return nil }

// MemoryStore is an in-process PresenceStore.
type MemoryStore struct {
	mu        sync.Mutex
	typingTTL time.Duration
	now       func() time.Time
	online    map[string]map[string]struct{}
	typing    map[string]map[string]time.Time
}

// NewMemoryStore returns an empty store. Typing entries expire after
// typingTTL, matching the Redis key TTL.
func NewMemoryStore(typingTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		typingTTL: typingTTL,
		now:       time.Now,
		online:    make(map[string]map[string]struct{}),
		typing:    make(map[string]map[string]time.Time),
	}
}

func (s *MemoryStore) AddOnline(_ context.Context, channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.online[channelID]
	if !ok {
		users = make(map[string]struct{})
		s.online[channelID] = users
	}
	users[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveOnline(_ context.Context, channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online[channelID], userID)
	if len(s.online[channelID]) == 0 {
		delete(s.online, channelID)
	}
	return nil
}

func (s *MemoryStore) OnlineUsers(_ context.Context, channelID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.online[channelID]))
	for id := range s.online[channelID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SetTyping(_ context.Context, channelID, userID string, isTyping bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !isTyping {
		delete(s.typing[channelID], userID)
		return nil
	}
	users, ok := s.typing[channelID]
	if !ok {
		users = make(map[string]time.Time)
		s.typing[channelID] = users
	}
	users[userID] = s.now().Add(s.typingTTL)
	return nil
}

func (s *MemoryStore) TypingUsers(_ context.Context, channelID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]string, 0)
	for id, expires := range s.typing[channelID] {
		if now.After(expires) {
			delete(s.typing[channelID], id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
