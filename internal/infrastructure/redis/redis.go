package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// TypingTTL bounds how long a typing flag survives without a refresh.
const TypingTTL = 30 * time.Second

// RedisClient is the shared presence store for relay instances.
type RedisClient struct {
	client    *redis.Client
	typingTTL time.Duration
}

func NewRedisClient(host, port, password string) *RedisClient {
	addr := fmt.Sprintf("%s:%s", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return &RedisClient{client: client, typingTTL: TypingTTL}
}

func onlineKey(channelID string) string {
	return fmt.Sprintf("channel:%s:online", channelID)
}

func typingPrefix(channelID string) string {
	return fmt.Sprintf("channel:%s:typing:", channelID)
}

func typingKey(channelID, userID string) string {
	return typingPrefix(channelID) + userID
}

// usersFromTypingKeys extracts user ids from keys of the form
// channel:{channelID}:typing:{userID}.
func usersFromTypingKeys(channelID string, keys []string) []string {
	prefix := typingPrefix(channelID)
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		if userID := strings.TrimPrefix(key, prefix); userID != key && userID != "" {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

func (r *RedisClient) AddOnline(ctx context.Context, channelID, userID string) error {
	return r.client.SAdd(ctx, onlineKey(channelID), userID).Err()
}

func (r *RedisClient) RemoveOnline(ctx context.Context, channelID, userID string) error {
	return r.client.SRem(ctx, onlineKey(channelID), userID).Err()
}

func (r *RedisClient) OnlineUsers(ctx context.Context, channelID string) ([]string, error) {
	users, err := r.client.SMembers(ctx, onlineKey(channelID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

func (r *RedisClient) SetTyping(ctx context.Context, channelID, userID string, isTyping bool) error {
	key := typingKey(channelID, userID)
	if isTyping {
		return r.client.Set(ctx, key, "true", r.typingTTL).Err()
	}
	return r.client.Del(ctx, key).Err()
}

func (r *RedisClient) TypingUsers(ctx context.Context, channelID string) ([]string, error) {
	keys, err := r.client.Keys(ctx, typingPrefix(channelID)+"*").Result()
	if err != nil {
		return nil, err
	}
	return usersFromTypingKeys(channelID, keys), nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
