package fanout

import (
	"sync"
	"time"
)

// IdemStore drops broker redeliveries before they reach the dispatcher.
// This is only an optimisation; the gateway still dedups by sequence number
// per socket, which is the actual delivery guarantee.
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) bool
}

type memIdem struct {
	mu  sync.Mutex
	m   map[string]int64 // key -> expire unix
	ttl time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewMemIdem(defaultTTL time.Duration) *memIdem {
	mi := &memIdem{m: make(map[string]int64), ttl: defaultTTL, stopCh: make(chan struct{})}
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-mi.stopCh:
				return
			case <-t.C:
				now := time.Now().Unix()
				mi.mu.Lock()
				for k, exp := range mi.m {
					if exp <= now {
						delete(mi.m, k)
					}
				}
				mi.mu.Unlock()
			}
		}
	}()
	return mi
}

func (mi *memIdem) Close() {
	mi.stopOnce.Do(func() { close(mi.stopCh) })
}

func (mi *memIdem) SeenOnce(key string, ttl time.Duration) bool {
	if key == "" {
		return false
	}
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := time.Now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if old, ok := mi.m[key]; ok && old > now.Unix() {
		return true
	}
	mi.m[key] = now.Add(ttl).Unix()
	return false
}
