package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// MessageRateLimiter enforces a per-client token bucket over inbound
// WebSocket messages. One bucket per connection, removed on disconnect.
//
// The bucket shape (burst plus a sustained rate) lets legitimate clients
// fire a flurry of subscribes right after connecting while keeping a
// misbehaving client from flooding the read path.
type MessageRateLimiter struct {
	limiters map[int64]*rate.Limiter
	mu       sync.Mutex

	ratePerSec float64
	burst      int
}

// NewMessageRateLimiter creates a limiter with the given sustained rate
// (messages/sec) and burst capacity.
func NewMessageRateLimiter(ratePerSec float64, burst int) *MessageRateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	if burst <= 0 {
		burst = 100
	}
	return &MessageRateLimiter{
		limiters:   make(map[int64]*rate.Limiter),
		ratePerSec: ratePerSec,
		burst:      burst,
	}
}

// Allow reports whether a message from the given client may be processed.
// A bucket is created on first use.
func (m *MessageRateLimiter) Allow(clientID int64) bool {
	m.mu.Lock()
	limiter, ok := m.limiters[clientID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(m.ratePerSec), m.burst)
		m.limiters[clientID] = limiter
	}
	m.mu.Unlock()

	return limiter.Allow()
}

// RemoveClient drops the bucket for a disconnected client.
func (m *MessageRateLimiter) RemoveClient(clientID int64) {
	m.mu.Lock()
	delete(m.limiters, clientID)
	m.mu.Unlock()
}

// Tracked returns the number of clients with active buckets.
func (m *MessageRateLimiter) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}
