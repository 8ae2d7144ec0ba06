package seq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestSequencer(t *testing.T, window time.Duration) (*Sequencer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewSequencer(rdb, window), mr
}

func TestAssignStrictlyIncreasing(t *testing.T) {
	s, _ := newTestSequencer(t, 5*time.Second)
	ctx := context.Background()

	var last int64
	for i := 0; i < 10; i++ {
		asg, err := s.Assign(ctx, "conv-1", DedupKey("", "alice", "hello", time.Now().Add(time.Duration(i)*3*time.Second)), "msg")
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		if asg.Duplicate {
			t.Fatalf("assign %d flagged duplicate", i)
		}
		if asg.SequenceNumber != last+1 {
			t.Fatalf("assign %d seq = %d, want %d", i, asg.SequenceNumber, last+1)
		}
		last = asg.SequenceNumber
	}
}

func TestAssignDuplicateReturnsOriginalAssignment(t *testing.T) {
	s, _ := newTestSequencer(t, 5*time.Second)
	ctx := context.Background()

	first, err := s.Assign(ctx, "conv-1", "tok:abc", "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	// The racing second submission carries its own candidate id; it must get
	// the first writer's assignment back, not a fresh one.
	second, err := s.Assign(ctx, "conv-1", "tok:abc", "msg-2")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate {
		t.Fatal("second assign not flagged duplicate")
	}
	if second.SequenceNumber != first.SequenceNumber {
		t.Fatalf("duplicate seq = %d, want %d", second.SequenceNumber, first.SequenceNumber)
	}
	if second.MessageID != "msg-1" {
		t.Fatalf("duplicate message id = %q, want the first writer's", second.MessageID)
	}

	// The counter must not have moved.
	next, err := s.Assign(ctx, "conv-1", "tok:other", "msg-3")
	if err != nil {
		t.Fatal(err)
	}
	if next.SequenceNumber != first.SequenceNumber+1 {
		t.Fatalf("next seq = %d, want %d", next.SequenceNumber, first.SequenceNumber+1)
	}
}

func TestAssignDedupExpiresAfterWindow(t *testing.T) {
	s, mr := newTestSequencer(t, 5*time.Second)
	ctx := context.Background()

	first, err := s.Assign(ctx, "conv-1", "tok:abc", "msg-1")
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(6 * time.Second)

	again, err := s.Assign(ctx, "conv-1", "tok:abc", "msg-2")
	if err != nil {
		t.Fatal(err)
	}
	if again.Duplicate {
		t.Fatal("assignment after window still flagged duplicate")
	}
	if again.SequenceNumber != first.SequenceNumber+1 {
		t.Fatalf("seq after window = %d, want %d", again.SequenceNumber, first.SequenceNumber+1)
	}
}

func TestAssignCountersIndependentPerConversation(t *testing.T) {
	s, _ := newTestSequencer(t, 5*time.Second)
	ctx := context.Background()

	a, _ := s.Assign(ctx, "conv-a", "tok:1", "m1")
	b, _ := s.Assign(ctx, "conv-b", "tok:2", "m2")
	if a.SequenceNumber != 1 || b.SequenceNumber != 1 {
		t.Fatalf("fresh conversations start at %d and %d, want 1 and 1", a.SequenceNumber, b.SequenceNumber)
	}
}

func TestLastSequence(t *testing.T) {
	s, _ := newTestSequencer(t, 5*time.Second)
	ctx := context.Background()

	n, err := s.LastSequence(ctx, "conv-1")
	if err != nil || n != 0 {
		t.Fatalf("empty conversation last = %d, err = %v", n, err)
	}
	s.Assign(ctx, "conv-1", "tok:1", "m1")
	s.Assign(ctx, "conv-1", "tok:2", "m2")
	n, err = s.LastSequence(ctx, "conv-1")
	if err != nil || n != 2 {
		t.Fatalf("last = %d, err = %v, want 2", n, err)
	}
}

func TestDedupKeyDerivation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	if got := DedupKey("client-token", "alice", "hi", now); got != "tok:client-token" {
		t.Fatalf("explicit token key = %q", got)
	}

	// Without a token the key is content-derived and stable inside the
	// 2 second bucket.
	a := DedupKey("", "alice", "hi", now)
	b := DedupKey("", "alice", "hi", now.Add(time.Second))
	if a != b {
		t.Fatal("same content in one bucket produced different keys")
	}
	c := DedupKey("", "alice", "hi", now.Add(2*time.Second))
	if a == c {
		t.Fatal("next bucket reused the key")
	}
	if DedupKey("", "bob", "hi", now) == a {
		t.Fatal("different senders collided")
	}
	if DedupKey("", "alice", "yo", now) == a {
		t.Fatal("different content collided")
	}
}
