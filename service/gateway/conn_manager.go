package gateway

import (
	"sync"
	"time"

	"chatgate/logger"
	"chatgate/service/metrics"
)

type ManagerConf struct {
	IdleTimeout time.Duration    // close connections idle longer than this
	SweepEvery  time.Duration    // sweeper period
	Clock       func() time.Time // injectable for tests; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
}

// Manager indexes the live connections of this process: by connection id,
// by user, and by subscribed conversation. All state here is process-local;
// nothing is shared across the fleet.
type Manager struct {
	mu     sync.RWMutex
	byConn map[string]*Client
	byUser map[string]map[string]*Client
	byConv map[string]map[string]*Client

	conf     ManagerConf
	gwID     string
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewManager(conf ManagerConf, gwID string) *Manager {
	conf.norm()
	m := &Manager{
		byConn: make(map[string]*Client),
		byUser: make(map[string]map[string]*Client),
		byConv: make(map[string]map[string]*Client),
		conf:   conf,
		gwID:   gwID,
		stopCh: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *Manager) GwID() string { return m.gwID }

func (m *Manager) Add(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byConn[c.ConnID] = c
	if m.byUser[c.UserID] == nil {
		m.byUser[c.UserID] = make(map[string]*Client)
	}
	m.byUser[c.UserID][c.ConnID] = c
	metrics.ConnectionsActive.Inc()
}

// Remove drops all indexes for the connection and returns the conversations
// it was subscribed to, so the caller can release broker subscriptions.
func (m *Manager) Remove(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byConn[connID]
	if !ok {
		return nil
	}
	delete(m.byConn, connID)
	if mm := m.byUser[c.UserID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
	convs := c.Subscriptions()
	for _, conv := range convs {
		if mm := m.byConv[conv]; mm != nil {
			delete(mm, connID)
			if len(mm) == 0 {
				delete(m.byConv, conv)
			}
		}
	}
	metrics.ConnectionsActive.Dec()
	return convs
}

// AddSub reports whether the subscription is new for this connection, so
// the caller can keep broker refcounts balanced against Remove.
func (m *Manager) AddSub(c *Client, conversationID string) bool {
	fresh := c.addSub(conversationID)
	m.mu.Lock()
	if m.byConv[conversationID] == nil {
		m.byConv[conversationID] = make(map[string]*Client)
	}
	m.byConv[conversationID][c.ConnID] = c
	m.mu.Unlock()
	return fresh
}

func (m *Manager) RemoveSub(c *Client, conversationID string) {
	c.removeSub(conversationID)
	m.mu.Lock()
	if mm := m.byConv[conversationID]; mm != nil {
		delete(mm, c.ConnID)
		if len(mm) == 0 {
			delete(m.byConv, conversationID)
		}
	}
	m.mu.Unlock()
}

// ClientsByConv snapshots the local subscribers of a conversation.
func (m *Manager) ClientsByConv(conversationID string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byConv[conversationID]
	out := make([]*Client, 0, len(mm))
	for _, c := range mm {
		out = append(out, c)
	}
	return out
}

// UserOnline reports whether the user still holds any connection here.
func (m *Manager) UserOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}

func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	conns := make([]*Client, 0, len(m.byConn))
	for _, c := range m.byConn {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (m *Manager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweepOnce(now)
		}
	}
}

// sweepOnce closes idle connections; closing the socket makes the read loop
// exit, which runs the full disconnect path.
func (m *Manager) sweepOnce(now time.Time) {
	var expired []*Client
	m.mu.RLock()
	for _, c := range m.byConn {
		if c.IdleSince(now) > m.conf.IdleTimeout {
			expired = append(expired, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range expired {
		logger.Infof("[gateway] closing idle connection conn=%s user=%s", c.ConnID, c.UserID)
		c.Close()
	}
}
