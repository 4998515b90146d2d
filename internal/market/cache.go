package market

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CacheConfig controls broadcast significance.
type CacheConfig struct {
	// PriceDeltaBps: price moves smaller than this many basis points
	// (relative to the previous price) are jitter and not worth a broadcast.
	PriceDeltaBps float64
	// MaxQuietInterval: a record quiet for longer than this broadcasts its
	// next update regardless of delta, so subscribers see it is still alive.
	MaxQuietInterval time.Duration
}

// Cache is the single source of truth for current market values. Records
// are mutated only by ApplyUpdate; readers get defensive copies.
//
// Significant updates invoke the change callback synchronously inside
// ApplyUpdate, so the dispatcher sees changes in exactly the order they
// were applied with no queuing delay introduced by the cache itself.
type Cache struct {
	mu      sync.RWMutex
	records map[string]*Record

	cfg      CacheConfig
	onChange func(Update)
	logger   zerolog.Logger

	now func() time.Time // swapped in tests
}

// NewCache creates an empty cache.
func NewCache(cfg CacheConfig, logger zerolog.Logger) *Cache {
	return &Cache{
		records: make(map[string]*Record),
		cfg:     cfg,
		logger:  logger.With().Str("component", "cache").Logger(),
		now:     time.Now,
	}
}

// OnChange registers the change callback. Set once, before updates flow.
func (c *Cache) OnChange(fn func(Update)) {
	c.onChange = fn
}

// ApplyUpdate merges an event's present fields into the record for its
// symbol, creating the record if absent. Malformed fields (NaN, Inf,
// negative price or volume) are dropped individually; the rest of the
// event still applies. Returns the mask of fields that changed value and
// whether the change is significant enough to broadcast.
func (c *Cache) ApplyUpdate(ev FeedEvent) (Field, bool) {
	if ev.Symbol == "" {
		return 0, false
	}

	c.mu.Lock()

	rec, exists := c.records[ev.Symbol]
	if !exists {
		rec = &Record{Symbol: ev.Symbol}
		c.records[ev.Symbol] = rec
	}

	var changed Field
	changed |= c.applyField(rec, ev.Symbol, "price", ev.Price, &rec.Price, FieldPrice, false)
	changed |= c.applyField(rec, ev.Symbol, "volume24h", ev.Volume24h, &rec.Volume24h, FieldVolume24h, false)
	changed |= c.applyField(rec, ev.Symbol, "volume1h", ev.Volume1h, &rec.Volume1h, FieldVolume1h, false)
	changed |= c.applyField(rec, ev.Symbol, "volume5m", ev.Volume5m, &rec.Volume5m, FieldVolume5m, false)
	changed |= c.applyField(rec, ev.Symbol, "change24h", ev.Change24h, &rec.Change24h, FieldChange24h, true)
	changed |= c.applyField(rec, ev.Symbol, "sentiment", ev.Sentiment, &rec.Sentiment, FieldSentiment, true)

	if changed == 0 {
		c.mu.Unlock()
		return 0, false
	}

	rec.UpdatedAt = c.now()

	significant := c.isSignificant(changed, rec)
	if significant {
		rec.lastBroadcast = rec.UpdatedAt
	}

	// Copy under the lock; the callback runs outside it so subscribers can
	// call Snapshot from within the notification path without deadlocking.
	snapshot := *rec
	c.mu.Unlock()

	if significant && c.onChange != nil {
		c.onChange(Update{Record: snapshot, Changed: changed})
	}

	return changed, significant
}

// applyField validates and merges one field. prevPrice bookkeeping happens
// in isSignificant via the delta stored here.
func (c *Cache) applyField(rec *Record, symbol, name string, src *float64, dst *float64, bit Field, allowNegative bool) Field {
	if src == nil {
		return 0
	}

	v := *src
	if math.IsNaN(v) || math.IsInf(v, 0) || (!allowNegative && v < 0) {
		c.logger.Warn().
			Str("symbol", symbol).
			Str("field", name).
			Float64("value", v).
			Msg("Dropped malformed field from upstream event")
		return 0
	}

	if bit == FieldPrice {
		rec.prevPrice = rec.Price
	}

	if *dst == v {
		return 0
	}
	*dst = v
	return bit
}

// isSignificant applies the jitter filter. Non-price changes always count;
// price changes count when they clear PriceDeltaBps, when there was no
// previous price, or when nothing has been broadcast for this record in
// MaxQuietInterval (so a slow drift of sub-threshold moves still surfaces).
func (c *Cache) isSignificant(changed Field, rec *Record) bool {
	if changed&^FieldPrice != 0 {
		return true
	}

	prev := rec.prevPrice
	if prev == 0 {
		return true
	}

	if c.cfg.MaxQuietInterval > 0 && !rec.lastBroadcast.IsZero() &&
		c.now().Sub(rec.lastBroadcast) >= c.cfg.MaxQuietInterval {
		return true
	}

	deltaBps := math.Abs(rec.Price-prev) / prev * 10000
	return deltaBps >= c.cfg.PriceDeltaBps
}

// Snapshot returns a copy of the record for a symbol. The second return is
// false when the symbol has never been seen; callers must not treat a zero
// record as data.
func (c *Cache) Snapshot(symbol string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[symbol]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// SnapshotAll returns copies of every record, for aggregate-channel
// initial sync.
func (c *Cache) SnapshotAll() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec)
	}
	return out
}

// Len returns the number of symbols held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
