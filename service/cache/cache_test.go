package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chatgate/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeStore counts durable reads so tests can tell a cache hit from a miss.
type fakeStore struct {
	recentCalls    int
	summariesCalls int
	msgs           []model.Message
	sums           []model.ConversationSummary
	participants   []string
}

func (f *fakeStore) Append(context.Context, *model.Message) error { return nil }

func (f *fakeStore) Recent(_ context.Context, _ string, limit int) ([]model.Message, error) {
	f.recentCalls++
	if len(f.msgs) > limit {
		return f.msgs[len(f.msgs)-limit:], nil
	}
	return f.msgs, nil
}

func (f *fakeStore) After(context.Context, string, int64) ([]model.Message, error) {
	return nil, nil
}

func (f *fakeStore) MarkRead(context.Context, string, string) error { return nil }

func (f *fakeStore) Summaries(context.Context, string) ([]model.ConversationSummary, error) {
	f.summariesCalls++
	return f.sums, nil
}

func (f *fakeStore) ConversationExists(context.Context, string) (bool, error) { return true, nil }

func (f *fakeStore) IsParticipant(context.Context, string, string) (bool, error) { return true, nil }

func (f *fakeStore) Participants(context.Context, string) ([]string, error) {
	return f.participants, nil
}

func seedMessages(n int) []model.Message {
	msgs := make([]model.Message, n)
	for i := range msgs {
		msgs[i] = model.Message{
			MessageID:      fmt.Sprintf("m-%d", i+1),
			ConversationID: "conv-1",
			SequenceNumber: int64(i + 1),
			SenderID:       "alice",
			Content:        fmt.Sprintf("message %d", i+1),
			MessageType:    model.MessageTypeText,
			CreatedAt:      time.Unix(1_700_000_000+int64(i), 0),
		}
	}
	return msgs
}

func newTestCache(t *testing.T, fs *fakeStore) (*MessageCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewMessageCache(rdb, fs, fs, time.Minute), mr
}

func TestGetRecentPopulatesOnMissThenHits(t *testing.T) {
	fs := &fakeStore{msgs: seedMessages(10)}
	c, _ := newTestCache(t, fs)
	ctx := context.Background()

	msgs, err := c.GetRecent(ctx, "conv-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 10 || fs.recentCalls != 1 {
		t.Fatalf("miss path: %d messages, %d durable reads", len(msgs), fs.recentCalls)
	}
	if msgs[0].SequenceNumber != 1 || msgs[9].SequenceNumber != 10 {
		t.Fatalf("order wrong: first=%d last=%d", msgs[0].SequenceNumber, msgs[9].SequenceNumber)
	}

	msgs, err = c.GetRecent(ctx, "conv-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if fs.recentCalls != 1 {
		t.Fatalf("hit path still read durably (%d reads)", fs.recentCalls)
	}
	// A smaller limit slices the tail of the cached window.
	if len(msgs) != 5 || msgs[0].SequenceNumber != 6 {
		t.Fatalf("sliced hit: %d messages, first seq %d", len(msgs), msgs[0].SequenceNumber)
	}
}

func TestGetRecentLargeLimitBypassesCache(t *testing.T) {
	fs := &fakeStore{msgs: seedMessages(60)}
	c, _ := newTestCache(t, fs)
	ctx := context.Background()

	if _, err := c.GetRecent(ctx, "conv-1", 60); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetRecent(ctx, "conv-1", 60); err != nil {
		t.Fatal(err)
	}
	if fs.recentCalls != 2 {
		t.Fatalf("over-window reads should bypass the cache, got %d durable reads", fs.recentCalls)
	}
}

func TestGetRecentDegradesToStoreOnOutage(t *testing.T) {
	fs := &fakeStore{msgs: seedMessages(3)}
	c, mr := newTestCache(t, fs)
	mr.Close()

	msgs, err := c.GetRecent(context.Background(), "conv-1", 10)
	if err != nil {
		t.Fatalf("outage must degrade, not fail: %v", err)
	}
	if len(msgs) != 3 || fs.recentCalls != 1 {
		t.Fatalf("degraded read: %d messages, %d durable reads", len(msgs), fs.recentCalls)
	}
}

func TestInvalidateDropsWindowAndSummaries(t *testing.T) {
	fs := &fakeStore{
		msgs:         seedMessages(5),
		sums:         []model.ConversationSummary{{ConversationID: "conv-1"}},
		participants: []string{"alice", "bob"},
	}
	c, _ := newTestCache(t, fs)
	ctx := context.Background()

	c.GetRecent(ctx, "conv-1", 5)
	c.GetSummaries(ctx, "alice")
	c.GetSummaries(ctx, "bob")

	c.Invalidate(ctx, "conv-1")

	c.GetRecent(ctx, "conv-1", 5)
	c.GetSummaries(ctx, "alice")
	c.GetSummaries(ctx, "bob")
	if fs.recentCalls != 2 {
		t.Fatalf("recent window not invalidated (%d durable reads)", fs.recentCalls)
	}
	if fs.summariesCalls != 4 {
		t.Fatalf("participant summaries not invalidated (%d durable reads)", fs.summariesCalls)
	}
}

func TestGetRecentRepopulatesCorruptEntry(t *testing.T) {
	fs := &fakeStore{msgs: seedMessages(2)}
	c, mr := newTestCache(t, fs)
	ctx := context.Background()

	mr.Set("chat:cache:recent:conv-1", "{not json")

	msgs, err := c.GetRecent(ctx, "conv-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || fs.recentCalls != 1 {
		t.Fatalf("corrupt entry: %d messages, %d durable reads", len(msgs), fs.recentCalls)
	}
	// The bad value was replaced, so the next read is a hit.
	c.GetRecent(ctx, "conv-1", 2)
	if fs.recentCalls != 1 {
		t.Fatalf("corrupt entry not repopulated (%d durable reads)", fs.recentCalls)
	}
}
