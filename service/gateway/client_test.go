package gateway

import "testing"

func TestShouldDeliverSequenceContract(t *testing.T) {
	cl := NewClient("c1", nil, 8)
	cl.addSub("conv-1")

	if !cl.ShouldDeliver("conv-1", 1) {
		t.Fatal("first delivery dropped")
	}
	if cl.ShouldDeliver("conv-1", 1) {
		t.Fatal("redelivery accepted")
	}
	if !cl.ShouldDeliver("conv-1", 2) {
		t.Fatal("next sequence dropped")
	}
	// Never a lower number after a higher one.
	if cl.ShouldDeliver("conv-1", 1) {
		t.Fatal("stale sequence accepted after newer one")
	}
	// Gaps are fine, only monotonicity matters.
	if !cl.ShouldDeliver("conv-1", 10) {
		t.Fatal("gapped sequence dropped")
	}
}

func TestShouldDeliverUnsequencedAlwaysPasses(t *testing.T) {
	cl := NewClient("c1", nil, 8)
	cl.addSub("conv-1")

	cl.ShouldDeliver("conv-1", 5)
	if !cl.ShouldDeliver("conv-1", 0) {
		t.Fatal("unsequenced event dropped")
	}
	if !cl.ShouldDeliver("conv-1", 0) {
		t.Fatal("repeated unsequenced event dropped")
	}
}

func TestShouldDeliverRequiresSubscription(t *testing.T) {
	cl := NewClient("c1", nil, 8)
	if cl.ShouldDeliver("conv-1", 1) {
		t.Fatal("delivery to unsubscribed conversation")
	}
	cl.addSub("conv-1")
	if !cl.ShouldDeliver("conv-1", 1) {
		t.Fatal("delivery after subscribe dropped")
	}
	cl.removeSub("conv-1")
	if cl.ShouldDeliver("conv-1", 2) {
		t.Fatal("delivery after unsubscribe")
	}
}

func TestShouldDeliverResetsOnResubscribe(t *testing.T) {
	cl := NewClient("c1", nil, 8)
	cl.addSub("conv-1")
	cl.ShouldDeliver("conv-1", 7)

	// Unsubscribe clears the high-water mark; a fresh subscription may
	// legitimately replay from an earlier point.
	cl.removeSub("conv-1")
	cl.addSub("conv-1")
	if !cl.ShouldDeliver("conv-1", 3) {
		t.Fatal("replay after resubscribe dropped")
	}
}

func TestOfferLiveBuffersDuringReplay(t *testing.T) {
	cl := NewClient("c1", nil, 8)
	cl.addSub("conv-1")
	cl.BeginReplay("conv-1")

	if deliver, dropped := cl.OfferLive("conv-1", 4, []byte("live-4")); deliver || dropped {
		t.Fatalf("live event during replay: deliver=%v dropped=%v, want buffered", deliver, dropped)
	}

	// Replay enqueues seq 3; the buffered seq 4 must follow it, not precede.
	if !cl.ShouldDeliver("conv-1", 3) {
		t.Fatal("replayed message dropped")
	}
	cl.Enqueue([]byte("replay-3"))
	cl.EndReplay("conv-1")

	if got := string(<-cl.send); got != "replay-3" {
		t.Fatalf("first payload = %q", got)
	}
	if got := string(<-cl.send); got != "live-4" {
		t.Fatalf("second payload = %q", got)
	}

	// Delivery is inline again and the high-water mark covers the buffer.
	if deliver, _ := cl.OfferLive("conv-1", 5, []byte("live-5")); !deliver {
		t.Fatal("live event after replay not delivered")
	}
	if _, dropped := cl.OfferLive("conv-1", 4, []byte("live-4")); !dropped {
		t.Fatal("stale event after replay not dropped")
	}
}

func TestEndReplayDropsStaleBufferedEvents(t *testing.T) {
	cl := NewClient("c1", nil, 8)
	cl.addSub("conv-1")
	cl.BeginReplay("conv-1")

	cl.OfferLive("conv-1", 7, []byte("live-7"))
	// Replay already covers seq 7.
	cl.ShouldDeliver("conv-1", 7)
	cl.Enqueue([]byte("replay-7"))
	cl.EndReplay("conv-1")

	if got := string(<-cl.send); got != "replay-7" {
		t.Fatalf("first payload = %q", got)
	}
	select {
	case p := <-cl.send:
		t.Fatalf("buffered duplicate delivered: %q", p)
	default:
	}
}

func TestEnqueueSkipsSlowClient(t *testing.T) {
	cl := NewClient("c1", nil, 2)
	if !cl.Enqueue([]byte("a")) || !cl.Enqueue([]byte("b")) {
		t.Fatal("enqueue into free queue failed")
	}
	// Queue full and no writer draining: the fanout path must not block.
	if cl.Enqueue([]byte("c")) {
		t.Fatal("enqueue into full queue succeeded")
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	cl := NewClient("c1", nil, 2)
	cl.Close()
	cl.Close() // idempotent
	if cl.State() != StateClosed {
		t.Fatalf("state = %d", cl.State())
	}
	if cl.Enqueue([]byte("a")) {
		t.Fatal("enqueue after close succeeded")
	}
}
