package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// sendBufferSize is the per-client outbound buffer. At a broadcast rate of
// ~100 msg/sec this gives a client roughly ten seconds to drain through a
// network hiccup before the slow-client policy kicks in.
const sendBufferSize = 1024

// Client is one WebSocket connection. Created on upgrade, destroyed on
// close; owned by the server. The negotiated dialect is fixed for the
// connection's lifetime by the endpoint path it arrived on.
type Client struct {
	id        int64
	conn      net.Conn
	server    *Server
	send      chan []byte
	closeOnce sync.Once
	cleanedUp int32 // CAS guard: teardown runs exactly once

	dialect       Dialect
	authenticated int32 // atomic: 1 after a valid auth message
	subject       string

	// Per-connection sequence for directed messages (snapshots, acks).
	seq int64

	// Slow-client detection: consecutive failed sends, warn-once flag.
	sendAttempts     int32
	slowClientWarned int32

	connectedAt time.Time

	subscriptions *SubscriptionSet
}

func (c *Client) nextSeq() int64 {
	return atomic.AddInt64(&c.seq, 1)
}

func (c *Client) isAuthenticated() bool {
	return atomic.LoadInt32(&c.authenticated) == 1
}

func (c *Client) setAuthenticated(subject string) {
	c.subject = subject
	atomic.StoreInt32(&c.authenticated, 1)
}

// ConnectionPool recycles Client objects across connections to keep the
// accept path allocation-free under churn.
type ConnectionPool struct {
	pool sync.Pool
}

func NewConnectionPool() *ConnectionPool {
	cp := &ConnectionPool{}
	cp.pool = sync.Pool{
		New: func() interface{} {
			return &Client{
				send: make(chan []byte, sendBufferSize),
			}
		},
	}
	return cp
}

func (p *ConnectionPool) Get() *Client {
	client, ok := p.pool.Get().(*Client)
	if !ok {
		return nil
	}

	// Drain anything left over from a previous connection.
	for {
		select {
		case <-client.send:
		default:
			goto drained
		}
	}
drained:

	client.closeOnce = sync.Once{}
	atomic.StoreInt32(&client.cleanedUp, 0)
	atomic.StoreInt64(&client.seq, 0)
	atomic.StoreInt32(&client.sendAttempts, 0)
	atomic.StoreInt32(&client.slowClientWarned, 0)
	atomic.StoreInt32(&client.authenticated, 0)
	client.subject = ""
	client.connectedAt = time.Now()

	if client.subscriptions == nil {
		client.subscriptions = NewSubscriptionSet()
	} else {
		client.subscriptions.Clear()
	}

	return client
}

func (p *ConnectionPool) Put(c *Client) {
	if c == nil {
		return
	}
	c.conn = nil
	c.server = nil
	c.id = 0
	if c.subscriptions != nil {
		c.subscriptions.Clear()
	}
	p.pool.Put(c)
}

// SubscriptionSet is a connection's own view of its subscribed channels.
// Only messages from that same connection mutate it; the read pump is the
// single writer, but acks and teardown read concurrently, hence the lock.
type SubscriptionSet struct {
	channels map[string]struct{}
	mu       sync.RWMutex
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{channels: make(map[string]struct{})}
}

// Add subscribes to a channel. Duplicate adds are no-op successes.
func (s *SubscriptionSet) Add(channel string) {
	s.mu.Lock()
	s.channels[channel] = struct{}{}
	s.mu.Unlock()
}

// Remove unsubscribes from a channel, no-op if absent.
func (s *SubscriptionSet) Remove(channel string) {
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
}

func (s *SubscriptionSet) Has(channel string) bool {
	s.mu.RLock()
	_, ok := s.channels[channel]
	s.mu.RUnlock()
	return ok
}

func (s *SubscriptionSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// List returns a copy, safe for the caller to keep.
func (s *SubscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *SubscriptionSet) Clear() {
	s.mu.Lock()
	s.channels = make(map[string]struct{})
	s.mu.Unlock()
}

// SubscriptionIndex is the registry's reverse index: channel to subscriber
// snapshot. Broadcasts only touch subscribed clients instead of filtering
// the full connection set.
//
// Writes copy-on-write a new immutable slice and atomically swap it in;
// the broadcast hot path does a lock-free load and iterates the snapshot
// without copying. Mutations always reflect the latest state at swap time,
// so a Get after an Add/Remove returns sees the new membership.
type SubscriptionIndex struct {
	subscribers map[string]*atomic.Value // channel -> []*Client snapshot
	mu          sync.RWMutex             // protects the map shape, not snapshots
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{subscribers: make(map[string]*atomic.Value)}
}

// Add registers a client as a subscriber. Idempotent: a client already in
// the snapshot is left alone.
func (idx *SubscriptionIndex) Add(channel string, client *Client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	slot := idx.subscribers[channel]
	if slot == nil {
		slot = &atomic.Value{}
		idx.subscribers[channel] = slot
	}

	current := loadSnapshot(slot)
	for _, existing := range current {
		if existing == client {
			return
		}
	}

	next := make([]*Client, len(current)+1)
	copy(next, current)
	next[len(current)] = client
	slot.Store(next)
}

// Remove unregisters a client from one channel, no-op if absent.
func (idx *SubscriptionIndex) Remove(channel string, client *Client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(channel, client)
}

// RemoveClient purges a client from every channel. Called exactly once per
// connection, on close.
func (idx *SubscriptionIndex) RemoveClient(client *Client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for channel := range idx.subscribers {
		idx.removeLocked(channel, client)
	}
}

func (idx *SubscriptionIndex) removeLocked(channel string, client *Client) {
	slot, ok := idx.subscribers[channel]
	if !ok {
		return
	}

	current := loadSnapshot(slot)
	for i, existing := range current {
		if existing != client {
			continue
		}
		next := make([]*Client, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		if len(next) == 0 {
			delete(idx.subscribers, channel)
		} else {
			slot.Store(next)
		}
		return
	}
}

// Get returns the current subscriber snapshot for a channel. The slice is
// immutable; iterate it, never mutate it.
func (idx *SubscriptionIndex) Get(channel string) []*Client {
	idx.mu.RLock()
	slot, ok := idx.subscribers[channel]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	return loadSnapshot(slot)
}

// Count returns the number of subscribers on a channel.
func (idx *SubscriptionIndex) Count(channel string) int {
	return len(idx.Get(channel))
}

func loadSnapshot(slot *atomic.Value) []*Client {
	if v := slot.Load(); v != nil {
		return v.([]*Client)
	}
	return nil
}
