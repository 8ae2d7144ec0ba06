package cache

import (
	"context"
	"encoding/json"
	"time"

	"chatgate/logger"
	"chatgate/model"
	"chatgate/service/store"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// recentWindow is how many trailing messages are kept per conversation.
// Requests for fewer are served by slicing; requests for more bypass the
// cache and hit the durable store directly.
const recentWindow = 50

// MessageCache is a non-authoritative read accelerator. It is populated
// only from durable reads, so it can never surface a sequence number that
// was not committed. A store outage degrades to direct durable reads.
type MessageCache struct {
	rdb     redis.UniversalClient
	msgs    store.MessageStore
	members store.Membership
	ttl     time.Duration
}

func NewMessageCache(rdb redis.UniversalClient, msgs store.MessageStore, members store.Membership, ttl time.Duration) *MessageCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MessageCache{rdb: rdb, msgs: msgs, members: members, ttl: ttl}
}

func recentKey(conversationID string) string { return "chat:cache:recent:" + conversationID }
func summariesKey(userID string) string      { return "chat:cache:convs:" + userID }

// GetRecent returns up to limit recent messages, oldest first.
func (c *MessageCache) GetRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = recentWindow
	}
	if limit > recentWindow {
		return c.msgs.Recent(ctx, conversationID, limit)
	}

	val, err := c.rdb.Get(ctx, recentKey(conversationID)).Result()
	switch {
	case err == nil:
		var msgs []model.Message
		if uerr := json.Unmarshal([]byte(val), &msgs); uerr == nil {
			return tail(msgs, limit), nil
		}
		// Corrupt entry: drop it and repopulate below.
		c.rdb.Del(ctx, recentKey(conversationID))
	case errors.Is(err, redis.Nil):
		// miss, populate below
	default:
		logger.Warnf("[cache] recent read degraded conv=%s err=%v", conversationID, err)
	}

	msgs, err := c.msgs.Recent(ctx, conversationID, recentWindow)
	if err != nil {
		return nil, err
	}
	if b, merr := json.Marshal(msgs); merr == nil {
		if serr := c.rdb.Set(ctx, recentKey(conversationID), b, c.ttl).Err(); serr != nil {
			logger.Warnf("[cache] recent populate skipped conv=%s err=%v", conversationID, serr)
		}
	}
	return tail(msgs, limit), nil
}

// GetSummaries returns the user's conversation list.
func (c *MessageCache) GetSummaries(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	val, err := c.rdb.Get(ctx, summariesKey(userID)).Result()
	switch {
	case err == nil:
		var sums []model.ConversationSummary
		if uerr := json.Unmarshal([]byte(val), &sums); uerr == nil {
			return sums, nil
		}
		c.rdb.Del(ctx, summariesKey(userID))
	case errors.Is(err, redis.Nil):
	default:
		logger.Warnf("[cache] summaries read degraded user=%s err=%v", userID, err)
	}

	sums, err := c.msgs.Summaries(ctx, userID)
	if err != nil {
		return nil, err
	}
	if b, merr := json.Marshal(sums); merr == nil {
		if serr := c.rdb.Set(ctx, summariesKey(userID), b, c.ttl).Err(); serr != nil {
			logger.Warnf("[cache] summaries populate skipped user=%s err=%v", userID, serr)
		}
	}
	return sums, nil
}

// Invalidate drops the conversation's recent window and every participant's
// summary entry. Called synchronously after the durable write and before
// the fanout publish, so a subscriber reacting to the event cannot read a
// stale window.
func (c *MessageCache) Invalidate(ctx context.Context, conversationID string) {
	keys := []string{recentKey(conversationID)}
	participants, err := c.members.Participants(ctx, conversationID)
	if err != nil {
		logger.Warnf("[cache] participant lookup failed conv=%s err=%v", conversationID, err)
	}
	for _, uid := range participants {
		keys = append(keys, summariesKey(uid))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		logger.Warnf("[cache] invalidate degraded conv=%s err=%v", conversationID, err)
	}
}

func tail(msgs []model.Message, limit int) []model.Message {
	if len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}
