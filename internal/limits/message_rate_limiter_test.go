package limits

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestMessageRateLimiterBurst(t *testing.T) {
	m := NewMessageRateLimiter(1, 5)

	for i := 0; i < 5; i++ {
		if !m.Allow(1) {
			t.Fatalf("Allow() = false on message %d, want burst of 5 allowed", i+1)
		}
	}
	if m.Allow(1) {
		t.Error("Allow() = true after burst exhausted, want false")
	}
}

func TestMessageRateLimiterPerClient(t *testing.T) {
	m := NewMessageRateLimiter(1, 1)

	if !m.Allow(1) {
		t.Fatal("client 1 first message denied")
	}
	if m.Allow(1) {
		t.Error("client 1 second message allowed, want denied")
	}
	// An exhausted bucket for one client must not affect another.
	if !m.Allow(2) {
		t.Error("client 2 first message denied, want allowed")
	}
}

func TestMessageRateLimiterRemoveClient(t *testing.T) {
	m := NewMessageRateLimiter(1, 1)

	m.Allow(1)
	m.Allow(2)
	if got := m.Tracked(); got != 2 {
		t.Errorf("Tracked() = %d, want 2", got)
	}

	m.RemoveClient(1)
	if got := m.Tracked(); got != 1 {
		t.Errorf("Tracked() after remove = %d, want 1", got)
	}

	// A fresh bucket after removal means a full burst again.
	if !m.Allow(1) {
		t.Error("Allow() = false for readded client, want fresh bucket")
	}
}

func TestConnectionRateLimiterPerIP(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst: 2,
		IPRate:  0.001,
		Logger:  zerolog.Nop(),
	})
	defer crl.Stop()

	if !crl.Allow("10.0.0.1") || !crl.Allow("10.0.0.1") {
		t.Fatal("first two connections from one IP denied, want allowed")
	}
	if crl.Allow("10.0.0.1") {
		t.Error("third connection from one IP allowed, want denied")
	}
	// Another IP has its own bucket.
	if !crl.Allow("10.0.0.2") {
		t.Error("connection from fresh IP denied, want allowed")
	}
}

func TestConnectionRateLimiterGlobal(t *testing.T) {
	crl := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 3,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer crl.Stop()

	allowed := 0
	for i := 0; i < 10; i++ {
		if crl.Allow("10.0.0.1") {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed = %d, want 3 (global burst)", allowed)
	}
}
