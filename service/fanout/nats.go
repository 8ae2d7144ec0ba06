package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chatgate/logger"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Handler receives every event published to a conversation this process is
// subscribed to, including this process's own publishes.
type Handler func(ev *Event)

// Broker is the cross-process fanout. At-least-once: subscribers must
// tolerate redelivery.
type Broker interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(conversationID string) error
	Unsubscribe(conversationID string)
	Close()
}

type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsBroker maps each conversation to a subject and fans events out to all
// gateway processes holding a subscription. Subscriptions are refcounted so
// one subject subscription serves any number of local sockets.
type NatsBroker struct {
	nc      *nats.Conn
	handler Handler
	idem    IdemStore

	mu   sync.Mutex
	subs map[string]*sub
}

type sub struct {
	s    *nats.Subscription
	refs int
}

func NewNatsBroker(cfg Config, handler Handler) (*NatsBroker, error) {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	return &NatsBroker{
		nc:      nc,
		handler: handler,
		idem:    NewMemIdem(30 * time.Second),
		subs:    make(map[string]*sub),
	}, nil
}

func subject(conversationID string) string { return "chat.conv." + conversationID }

func msgID(ev *Event) string {
	if ev.SequenceNumber == 0 {
		return "" // unsequenced kinds are not deduped at the broker
	}
	return fmt.Sprintf("%s:%d:%s", ev.ConversationID, ev.SequenceNumber, ev.Kind)
}

func (b *NatsBroker) Publish(_ context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := &nats.Msg{Subject: subject(ev.ConversationID), Data: data}
	if id := msgID(ev); id != "" {
		msg.Header = nats.Header{"Nats-Msg-Id": []string{id}}
	}
	if err := b.nc.PublishMsg(msg); err != nil {
		return errors.Wrap(err, "nats publish")
	}
	return nil
}

// Subscribe registers interest in a conversation. Safe to call once per
// local socket; the underlying subject subscription is shared.
func (b *NatsBroker) Subscribe(conversationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[conversationID]; ok {
		s.refs++
		return nil
	}
	ns, err := b.nc.Subscribe(subject(conversationID), b.onMsg)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", conversationID)
	}
	b.subs[conversationID] = &sub{s: ns, refs: 1}
	return nil
}

func (b *NatsBroker) Unsubscribe(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[conversationID]
	if !ok {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	if err := s.s.Unsubscribe(); err != nil {
		logger.Warnf("[fanout] unsubscribe conv=%s err=%v", conversationID, err)
	}
	delete(b.subs, conversationID)
}

func (b *NatsBroker) onMsg(m *nats.Msg) {
	var ev Event
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		logger.Warnf("[fanout] drop malformed event subject=%s err=%v", m.Subject, err)
		return
	}
	if id := m.Header.Get("Nats-Msg-Id"); id != "" && b.idem.SeenOnce(id, 0) {
		return
	}
	b.handler(&ev)
}

func (b *NatsBroker) Close() {
	b.mu.Lock()
	for conv, s := range b.subs {
		_ = s.s.Drain()
		delete(b.subs, conv)
	}
	b.mu.Unlock()
	if c, ok := b.idem.(*memIdem); ok {
		c.Close()
	}
	if err := b.nc.Drain(); err != nil {
		logger.Warnf("[fanout] drain err=%v", err)
	}
}
