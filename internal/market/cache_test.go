package market

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fp(v float64) *float64 { return &v }

func newTestCache(cfg CacheConfig) *Cache {
	return NewCache(cfg, zerolog.Nop())
}

func TestApplyUpdateMergesPerField(t *testing.T) {
	c := newTestCache(CacheConfig{})

	c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(104.23), Volume24h: fp(1000)})

	// A later event touching only volume must not disturb the price.
	changed, _ := c.ApplyUpdate(FeedEvent{Symbol: "SOL", Volume24h: fp(2000)})
	if changed != FieldVolume24h {
		t.Errorf("changed = %v, want %v", changed, FieldVolume24h)
	}

	rec, ok := c.Snapshot("SOL")
	if !ok {
		t.Fatal("Snapshot(SOL) returned ok = false, want true")
	}
	if rec.Price != 104.23 {
		t.Errorf("Price = %v, want 104.23", rec.Price)
	}
	if rec.Volume24h != 2000 {
		t.Errorf("Volume24h = %v, want 2000", rec.Volume24h)
	}
}

func TestApplyUpdateEmptySymbol(t *testing.T) {
	c := newTestCache(CacheConfig{})

	changed, significant := c.ApplyUpdate(FeedEvent{Price: fp(1)})
	if changed != 0 || significant {
		t.Errorf("ApplyUpdate(no symbol) = (%v, %v), want (0, false)", changed, significant)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestApplyUpdateDropsMalformedFieldsIndividually(t *testing.T) {
	c := newTestCache(CacheConfig{})

	// NaN price is dropped, but the valid volume in the same event applies.
	changed, _ := c.ApplyUpdate(FeedEvent{
		Symbol:    "BTC",
		Price:     fp(math.NaN()),
		Volume24h: fp(500),
	})
	if changed != FieldVolume24h {
		t.Errorf("changed = %v, want %v", changed, FieldVolume24h)
	}

	rec, _ := c.Snapshot("BTC")
	if rec.Price != 0 {
		t.Errorf("Price = %v, want 0 (NaN dropped)", rec.Price)
	}
	if rec.Volume24h != 500 {
		t.Errorf("Volume24h = %v, want 500", rec.Volume24h)
	}
}

func TestApplyUpdateRejectsNegativePriceAndVolume(t *testing.T) {
	c := newTestCache(CacheConfig{})

	changed, _ := c.ApplyUpdate(FeedEvent{
		Symbol:    "ETH",
		Price:     fp(-10),
		Volume24h: fp(-1),
		Change24h: fp(-5.5), // negative change is legitimate
	})
	if changed != FieldChange24h {
		t.Errorf("changed = %v, want %v", changed, FieldChange24h)
	}

	rec, _ := c.Snapshot("ETH")
	if rec.Change24h != -5.5 {
		t.Errorf("Change24h = %v, want -5.5", rec.Change24h)
	}
}

func TestApplyUpdateInfDropped(t *testing.T) {
	c := newTestCache(CacheConfig{})

	changed, significant := c.ApplyUpdate(FeedEvent{Symbol: "DOGE", Price: fp(math.Inf(1))})
	if changed != 0 || significant {
		t.Errorf("ApplyUpdate(Inf price) = (%v, %v), want (0, false)", changed, significant)
	}
}

func TestApplyUpdateUnchangedValueNotSignificant(t *testing.T) {
	c := newTestCache(CacheConfig{})

	c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(100)})

	changed, significant := c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(100)})
	if changed != 0 || significant {
		t.Errorf("repeat identical price = (%v, %v), want (0, false)", changed, significant)
	}
}

func TestJitterFilterSuppressesSmallPriceMoves(t *testing.T) {
	c := newTestCache(CacheConfig{PriceDeltaBps: 1.0})

	// First price always broadcasts (no previous price to compare).
	_, significant := c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(100)})
	if !significant {
		t.Error("first price update: significant = false, want true")
	}

	// 0.5 bps move: below threshold, applied but not broadcast.
	changed, significant := c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(100.005)})
	if changed != FieldPrice {
		t.Errorf("changed = %v, want %v", changed, FieldPrice)
	}
	if significant {
		t.Error("0.5 bps move: significant = true, want false")
	}

	// The suppressed value must still be visible to snapshots.
	rec, _ := c.Snapshot("SOL")
	if rec.Price != 100.005 {
		t.Errorf("Price = %v, want 100.005", rec.Price)
	}

	// 10 bps move clears the threshold.
	_, significant = c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(100.105)})
	if !significant {
		t.Error("10 bps move: significant = false, want true")
	}
}

func TestJitterFilterNonPriceChangesAlwaysSignificant(t *testing.T) {
	c := newTestCache(CacheConfig{PriceDeltaBps: 100})

	c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(100)})

	_, significant := c.ApplyUpdate(FeedEvent{Symbol: "SOL", Sentiment: fp(0.8)})
	if !significant {
		t.Error("sentiment change: significant = false, want true")
	}
}

func TestQuietIntervalForcesBroadcast(t *testing.T) {
	c := newTestCache(CacheConfig{PriceDeltaBps: 1.0, MaxQuietInterval: 30 * time.Second})

	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(100)})

	// Sub-threshold move shortly after: suppressed.
	now = now.Add(time.Second)
	_, significant := c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(100.005)})
	if significant {
		t.Error("sub-threshold move after 1s: significant = true, want false")
	}

	// Same sized move after the quiet interval: forced through.
	now = now.Add(31 * time.Second)
	_, significant = c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(100.01)})
	if !significant {
		t.Error("sub-threshold move after quiet interval: significant = false, want true")
	}
}

func TestOnChangeFiresInApplyOrder(t *testing.T) {
	c := newTestCache(CacheConfig{})

	var got []float64
	c.OnChange(func(u Update) {
		got = append(got, u.Record.Price)
	})

	c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(100)})
	c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(101)})
	c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(102)})

	want := []float64{100, 101, 102}
	if len(got) != len(want) {
		t.Fatalf("callback count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("callback[%d] price = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSnapshotUnknownSymbol(t *testing.T) {
	c := newTestCache(CacheConfig{})

	if _, ok := c.Snapshot("NOPE"); ok {
		t.Error("Snapshot(unknown) returned ok = true, want false")
	}
}

func TestSnapshotAll(t *testing.T) {
	c := newTestCache(CacheConfig{})

	c.ApplyUpdate(FeedEvent{Symbol: "SOL", Price: fp(100)})
	c.ApplyUpdate(FeedEvent{Symbol: "BTC", Price: fp(60000)})

	all := c.SnapshotAll()
	if len(all) != 2 {
		t.Errorf("SnapshotAll() returned %d records, want 2", len(all))
	}
}
