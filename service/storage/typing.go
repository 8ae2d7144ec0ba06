package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Typing holds ephemeral typing indicators. Entries auto-expire, so a client
// that drops mid-keystroke never leaves a stuck "is typing" row behind.
type Typing struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewTyping(rdb redis.UniversalClient, ttl time.Duration) *Typing {
	if ttl <= 0 {
		ttl = 6 * time.Second
	}
	return &Typing{rdb: rdb, ttl: ttl}
}

func typingKey(conversationID, userID string) string {
	return "chat:typing:" + conversationID + ":" + userID
}

// Set records or clears the typing state for (conversation, user).
func (t *Typing) Set(ctx context.Context, conversationID, userID string, isTyping bool) error {
	if !isTyping {
		return t.rdb.Del(ctx, typingKey(conversationID, userID)).Err()
	}
	return t.rdb.Set(ctx, typingKey(conversationID, userID), "1", t.ttl).Err()
}
