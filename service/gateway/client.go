package gateway

import (
	"sync"
	"time"

	"chatgate/service/metrics"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Connection lifecycle states.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateEstablished
	StateClosing
	StateClosed
)

// Client is one websocket connection, owned exclusively by this process.
// Outbound traffic goes through the buffered send channel, drained by a
// single writer goroutine; the read loop never writes to the socket.
type Client struct {
	ConnID   string
	UserID   string
	UserName string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	// inbound read governor: local burst protection ahead of the
	// fleet-wide windows in the shared store.
	governor *rate.Limiter

	mu           sync.Mutex
	state        ConnState
	subs         map[string]struct{}
	delivered    map[string]int64 // conversation -> highest sequence delivered
	pending      map[string][]bufferedEvent
	lastActivity time.Time

	closeOnce sync.Once
}

func NewClient(connID string, ws *websocket.Conn, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 256
	}
	return &Client{
		ConnID:       connID,
		ws:           ws,
		send:         make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
		governor:     rate.NewLimiter(rate.Limit(50), 100),
		state:        StateConnecting,
		subs:         make(map[string]struct{}),
		delivered:    make(map[string]int64),
		pending:      make(map[string][]bufferedEvent),
		lastActivity: time.Now(),
	}
}

// bufferedEvent is a live sequenced event held back while the conversation
// is in catch-up replay.
type bufferedEvent struct {
	seq     int64
	payload []byte
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) IdleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// addSub reports whether the pair was newly added, so the caller can tell a
// fresh subscription from a repeated subscribe frame.
func (c *Client) addSub(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[conversationID]; ok {
		return false
	}
	c.subs[conversationID] = struct{}{}
	return true
}

func (c *Client) removeSub(conversationID string) {
	c.mu.Lock()
	delete(c.subs, conversationID)
	delete(c.delivered, conversationID)
	delete(c.pending, conversationID)
	c.mu.Unlock()
}

func (c *Client) Subscribed(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[conversationID]
	return ok
}

func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// ShouldDeliver enforces the per-socket delivery contract for sequenced
// events: a redelivered or lower sequence number is dropped, so the socket
// never sees a duplicate and never sees a lower number after a higher one.
// Unsequenced events (seq == 0) always pass.
func (c *Client) ShouldDeliver(conversationID string, seq int64) bool {
	if seq == 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[conversationID]; !ok {
		return false
	}
	if seq <= c.delivered[conversationID] {
		return false
	}
	c.delivered[conversationID] = seq
	return true
}

// BeginReplay puts the conversation into catch-up mode: live sequenced
// events are buffered instead of delivered until EndReplay drains them, so
// a live event can never raise the high-water mark past messages the replay
// has not enqueued yet.
func (c *Client) BeginReplay(conversationID string) {
	c.mu.Lock()
	c.pending[conversationID] = []bufferedEvent{}
	c.mu.Unlock()
}

// EndReplay drains the buffered live events through the sequence filter.
// The drain holds the same lock OfferLive takes, so delivery resumes only
// after the high-water mark reflects both the replay and the buffer.
func (c *Client) EndReplay(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.pending[conversationID]
	delete(c.pending, conversationID)
	if _, ok := c.subs[conversationID]; !ok {
		return
	}
	for _, ev := range buf {
		if ev.seq <= c.delivered[conversationID] {
			metrics.RedeliveriesDropped.Inc()
			continue
		}
		c.delivered[conversationID] = ev.seq
		if c.Enqueue(ev.payload) {
			metrics.MessagesOut.Inc()
		}
	}
}

// OfferLive is the fanout-path variant of ShouldDeliver: during catch-up
// replay the event is buffered for EndReplay instead of delivered. dropped
// reports a suppressed redelivery (stale or duplicate sequence).
func (c *Client) OfferLive(conversationID string, seq int64, payload []byte) (deliver, dropped bool) {
	if seq == 0 {
		return true, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[conversationID]; !ok {
		return false, false
	}
	if buf, ok := c.pending[conversationID]; ok {
		c.pending[conversationID] = append(buf, bufferedEvent{seq: seq, payload: payload})
		return false, false
	}
	if seq <= c.delivered[conversationID] {
		return false, true
	}
	c.delivered[conversationID] = seq
	return true, false
}

// Enqueue offers a payload to the writer. Slow clients are skipped rather
// than allowed to block the fanout path.
func (c *Client) Enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close transitions to CLOSED and wakes the writer; the underlying socket
// close makes the read loop exit. Idempotent, safe from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}
