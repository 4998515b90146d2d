package ws

import (
	"encoding/json"
	"testing"
	"time"

	"market-stream/internal/market"
)

func TestDialectForPath(t *testing.T) {
	tests := []struct {
		path string
		want Dialect
		ok   bool
	}{
		{"/ws", DialectConsolidated, true},
		{"/ws/market", DialectLegacyMarket, true},
		{"/ws/token-data", DialectLegacyToken, true},
		{"/ws/other", 0, false},
		{"/", 0, false},
	}

	for _, tt := range tests {
		got, ok := dialectForPath(tt.path)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("dialectForPath(%q) = (%v, %v), want (%v, %v)", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func solUpdate() market.Update {
	return market.Update{
		Record: market.Record{
			Symbol:    "SOL",
			Price:     104.23,
			Volume24h: 1250000,
			Change24h: 2.4,
			Sentiment: 0.72,
			UpdatedAt: time.Unix(1700000000, 0),
		},
		Changed: market.FieldPrice,
	}
}

// The same cache change must yield each dialect's own schema.
func TestEncodeUpdateConsolidated(t *testing.T) {
	payload, err := encodeUpdate(DialectConsolidated, solUpdate(), 7)
	if err != nil {
		t.Fatalf("encodeUpdate: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Type != "price:update" {
		t.Errorf("Type = %q, want %q", env.Type, "price:update")
	}
	if env.Sequence != 7 {
		t.Errorf("Sequence = %d, want 7", env.Sequence)
	}
	if env.Timestamp == "" {
		t.Error("Timestamp is empty")
	}

	var rec market.Record
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		t.Fatalf("Unmarshal data: %v", err)
	}
	if rec.Symbol != "SOL" || rec.Price != 104.23 {
		t.Errorf("data = %+v, want SOL at 104.23", rec)
	}
}

func TestEncodeUpdateLegacyMarket(t *testing.T) {
	payload, err := encodeUpdate(DialectLegacyMarket, solUpdate(), 0)
	if err != nil {
		t.Fatalf("encodeUpdate: %v", err)
	}

	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg["type"] != "priceUpdate" {
		t.Errorf("type = %v, want priceUpdate", msg["type"])
	}
	if msg["tokenId"] != "SOL" {
		t.Errorf("tokenId = %v, want SOL", msg["tokenId"])
	}
	if msg["price"] != 104.23 {
		t.Errorf("price = %v, want 104.23", msg["price"])
	}
	// Legacy market shape is flat; no envelope keys allowed.
	if _, ok := msg["data"]; ok {
		t.Error("legacy market message has a data key, want flat shape")
	}
	if _, ok := msg["sequence"]; ok {
		t.Error("legacy market message has a sequence key, want flat shape")
	}
}

func TestEncodeUpdateLegacyToken(t *testing.T) {
	payload, err := encodeUpdate(DialectLegacyToken, solUpdate(), 0)
	if err != nil {
		t.Fatalf("encodeUpdate: %v", err)
	}

	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg["type"] != "token_update" {
		t.Errorf("type = %v, want token_update", msg["type"])
	}
	if msg["token"] != "SOL" {
		t.Errorf("token = %v, want SOL", msg["token"])
	}
	if msg["usd_price"] != 104.23 {
		t.Errorf("usd_price = %v, want 104.23", msg["usd_price"])
	}
	if msg["vol_24h_usd"] != 1250000.0 {
		t.Errorf("vol_24h_usd = %v, want 1250000", msg["vol_24h_usd"])
	}
}

func TestEncodeUpdateTypeByChangedFields(t *testing.T) {
	u := solUpdate()

	tests := []struct {
		changed    market.Field
		wantType   string
		wantLegacy string
	}{
		{market.FieldPrice, "price:update", "priceUpdate"},
		{market.FieldPrice | market.FieldVolume24h, "price:update", "priceUpdate"},
		{market.FieldVolume24h, "volume:update", "volumeUpdate"},
		{market.FieldVolume1h, "volume:update", "volumeUpdate"},
		{market.FieldSentiment, "sentiment:update", "sentimentUpdate"},
		{market.FieldChange24h, "sentiment:update", "sentimentUpdate"},
	}

	for _, tt := range tests {
		u.Changed = tt.changed

		payload, err := encodeUpdate(DialectConsolidated, u, 0)
		if err != nil {
			t.Fatalf("encodeUpdate: %v", err)
		}
		var env Envelope
		json.Unmarshal(payload, &env)
		if env.Type != tt.wantType {
			t.Errorf("changed %v: consolidated type = %q, want %q", tt.changed, env.Type, tt.wantType)
		}

		payload, err = encodeUpdate(DialectLegacyMarket, u, 0)
		if err != nil {
			t.Fatalf("encodeUpdate: %v", err)
		}
		var msg map[string]any
		json.Unmarshal(payload, &msg)
		if msg["type"] != tt.wantLegacy {
			t.Errorf("changed %v: legacy type = %v, want %q", tt.changed, msg["type"], tt.wantLegacy)
		}
	}
}

func TestEncodeSnapshot(t *testing.T) {
	rec := solUpdate().Record

	payload, err := encodeSnapshot(DialectConsolidated, rec, 3)
	if err != nil {
		t.Fatalf("encodeSnapshot: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Type != "snapshot" {
		t.Errorf("Type = %q, want snapshot", env.Type)
	}
	if env.Sequence != 3 {
		t.Errorf("Sequence = %d, want 3", env.Sequence)
	}

	// Legacy dialects have no snapshot concept; they get their usual shape.
	payload, err = encodeSnapshot(DialectLegacyToken, rec, 0)
	if err != nil {
		t.Fatalf("encodeSnapshot legacy: %v", err)
	}
	var msg map[string]any
	json.Unmarshal(payload, &msg)
	if msg["type"] != "token_update" {
		t.Errorf("legacy snapshot type = %v, want token_update", msg["type"])
	}
}
