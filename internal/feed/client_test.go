package feed

import (
	"testing"

	"market-stream/internal/market"
)

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"symbol":"SOL","price":104.23,"volume24h":1250000}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Symbol != "SOL" {
		t.Errorf("Symbol = %q, want SOL", ev.Symbol)
	}
	if ev.Price == nil || *ev.Price != 104.23 {
		t.Errorf("Price = %v, want 104.23", ev.Price)
	}
	if ev.Volume24h == nil || *ev.Volume24h != 1250000 {
		t.Errorf("Volume24h = %v, want 1250000", ev.Volume24h)
	}
	// Absent fields must stay nil so the cache knows they were not sent.
	if ev.Sentiment != nil {
		t.Errorf("Sentiment = %v, want nil", ev.Sentiment)
	}
}

func TestDecodeEventMissingSymbol(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"price":1.0}`)); err == nil {
		t.Error("DecodeEvent(no symbol) returned nil error, want error")
	}
}

func TestDecodeEventMalformed(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{broken`)); err == nil {
		t.Error("DecodeEvent(malformed) returned nil error, want error")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateFailed, "failed"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{URL: "nats://localhost:4222", Subject: "market.>"}, nil); err == nil {
		t.Error("NewClient(nil handler) returned nil error, want error")
	}
	if _, err := NewClient(Config{Subject: "market.>"}, func(market.FeedEvent) {}); err == nil {
		t.Error("NewClient(no URL) returned nil error, want error")
	}
	if _, err := NewClient(Config{URL: "nats://localhost:4222"}, func(market.FeedEvent) {}); err == nil {
		t.Error("NewClient(no subject) returned nil error, want error")
	}
}
