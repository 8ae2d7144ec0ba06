package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"chatgate/model"
	"chatgate/service/fanout"
	"chatgate/service/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeMembers struct{}

func (fakeMembers) ConversationExists(context.Context, string) (bool, error) { return true, nil }
func (fakeMembers) IsParticipant(context.Context, string, string) (bool, error) {
	return true, nil
}
func (fakeMembers) Participants(context.Context, string) ([]string, error) { return nil, nil }

// replayStore serves catch-up queries and can fire a callback while the
// query is in flight, to interleave a live event with the replay.
type replayStore struct {
	msgs   []model.Message
	during func()
}

func (r *replayStore) Append(context.Context, *model.Message) error { return nil }
func (r *replayStore) Recent(context.Context, string, int) ([]model.Message, error) {
	return r.msgs, nil
}
func (r *replayStore) After(_ context.Context, _ string, afterSeq int64) ([]model.Message, error) {
	if r.during != nil {
		cb := r.during
		r.during = nil
		cb()
	}
	var out []model.Message
	for _, m := range r.msgs {
		if m.SequenceNumber > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}
func (r *replayStore) MarkRead(context.Context, string, string) error { return nil }
func (r *replayStore) Summaries(context.Context, string) ([]model.ConversationSummary, error) {
	return nil, nil
}

type fakeBroker struct {
	mu           sync.Mutex
	subscribes   map[string]int
	unsubscribes map[string]int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subscribes: map[string]int{}, unsubscribes: map[string]int{}}
}

func (b *fakeBroker) Publish(context.Context, *fanout.Event) error { return nil }
func (b *fakeBroker) Subscribe(conversationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribes[conversationID]++
	return nil
}
func (b *fakeBroker) Unsubscribe(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribes[conversationID]++
}
func (b *fakeBroker) Close() {}

func (b *fakeBroker) calls(conversationID string) (subs, unsubs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[conversationID], b.unsubscribes[conversationID]
}

func drainChatSeqs(cl *Client) []int64 {
	var seqs []int64
	for {
		select {
		case p := <-cl.send:
			var f struct {
				Type string `json:"type"`
				Seq  int64  `json:"sequence_number"`
			}
			if json.Unmarshal(p, &f) == nil && f.Type == OutChatMessage {
				seqs = append(seqs, f.Seq)
			}
		default:
			return seqs
		}
	}
}

func TestSubscribeReplayNotOutrunByLiveEvent(t *testing.T) {
	rs := &replayStore{msgs: []model.Message{
		{MessageID: "m6", ConversationID: "conv-1", SequenceNumber: 6, Content: "six", MessageType: model.MessageTypeText},
		{MessageID: "m7", ConversationID: "conv-1", SequenceNumber: 7, Content: "seven", MessageType: model.MessageTypeText},
	}}
	s := NewServer(Conf{GatewayID: "gw-test"}, Deps{Messages: rs, Members: fakeMembers{}})
	t.Cleanup(s.Close)
	cl := addClient(s.mgr, "c1", "alice")

	// The fanout relays seq 7 while the catch-up query is still running.
	// It must not raise the high-water mark past the unreplayed seq 6.
	rs.during = func() {
		s.deliverLocal(&fanout.Event{
			ConversationID: "conv-1",
			Kind:           fanout.KindChatMessage,
			SequenceNumber: 7,
			Payload:        []byte(`{"type":"chat_message","sequence_number":7}`),
		})
	}

	if err := s.subscribe(context.Background(), cl, "conv-1", 5); err != nil {
		t.Fatal(err)
	}

	seqs := drainChatSeqs(cl)
	if len(seqs) != 2 || seqs[0] != 6 || seqs[1] != 7 {
		t.Fatalf("delivered sequences = %v, want [6 7]", seqs)
	}
}

func TestSubscribeReplayBufferedEventAboveReplay(t *testing.T) {
	rs := &replayStore{msgs: []model.Message{
		{MessageID: "m6", ConversationID: "conv-1", SequenceNumber: 6, Content: "six", MessageType: model.MessageTypeText},
	}}
	s := NewServer(Conf{GatewayID: "gw-test"}, Deps{Messages: rs, Members: fakeMembers{}})
	t.Cleanup(s.Close)
	cl := addClient(s.mgr, "c1", "alice")

	// Seq 8 is committed after the catch-up query snapshot; the buffer must
	// hand it over once the replay has drained.
	rs.during = func() {
		s.deliverLocal(&fanout.Event{
			ConversationID: "conv-1",
			Kind:           fanout.KindChatMessage,
			SequenceNumber: 8,
			Payload:        []byte(`{"type":"chat_message","sequence_number":8}`),
		})
	}

	if err := s.subscribe(context.Background(), cl, "conv-1", 5); err != nil {
		t.Fatal(err)
	}

	seqs := drainChatSeqs(cl)
	if len(seqs) != 2 || seqs[0] != 6 || seqs[1] != 8 {
		t.Fatalf("delivered sequences = %v, want [6 8]", seqs)
	}

	// Live delivery resumed with the buffered high-water mark in place.
	s.deliverLocal(&fanout.Event{
		ConversationID: "conv-1",
		Kind:           fanout.KindChatMessage,
		SequenceNumber: 8,
		Payload:        []byte(`{"type":"chat_message","sequence_number":8}`),
	})
	if extra := drainChatSeqs(cl); len(extra) != 0 {
		t.Fatalf("redelivery after replay not suppressed: %v", extra)
	}
}

func TestRepeatSubscribeKeepsBrokerRefcountBalanced(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	b := newFakeBroker()
	s := NewServer(Conf{GatewayID: "gw-test", PresenceGrace: time.Millisecond}, Deps{
		Messages: &replayStore{},
		Members:  fakeMembers{},
		Presence: storage.NewPresence(rdb, time.Minute),
	})
	t.Cleanup(s.Close)
	s.SetBroker(b)

	cl := addClient(s.mgr, "c1", "alice")
	ctx := context.Background()
	if err := s.subscribe(ctx, cl, "conv-1", -1); err != nil {
		t.Fatal(err)
	}
	if err := s.subscribe(ctx, cl, "conv-1", -1); err != nil {
		t.Fatal(err)
	}
	if subs, _ := b.calls("conv-1"); subs != 1 {
		t.Fatalf("broker subscribes = %d, want 1", subs)
	}

	s.disconnect(cl)
	subs, unsubs := b.calls("conv-1")
	if subs != unsubs {
		t.Fatalf("broker refcount unbalanced: %d subscribes, %d unsubscribes", subs, unsubs)
	}
}
