package market

import "time"

// Field is a bitmask of record fields touched by an update.
type Field uint8

const (
	FieldPrice Field = 1 << iota
	FieldVolume24h
	FieldVolume1h
	FieldVolume5m
	FieldChange24h
	FieldSentiment
)

// Has reports whether the mask includes the given field.
func (f Field) Has(x Field) bool {
	return f&x != 0
}

// Record is the cached market state for one symbol. The cache owns these
// exclusively; everything handed out is a copy.
type Record struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume24h float64   `json:"volume24h"`
	Volume1h  float64   `json:"volume1h"`
	Volume5m  float64   `json:"volume5m"`
	Change24h float64   `json:"change24h"`
	Sentiment float64   `json:"sentiment"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Jitter-filter bookkeeping, not serialized.
	prevPrice     float64
	lastBroadcast time.Time
}

// FeedEvent is a partial update from the upstream feed. Nil pointer fields
// were absent from the event; present fields overwrite the record
// individually (last-write-wins per field, not per record).
type FeedEvent struct {
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price,omitempty"`
	Volume24h *float64 `json:"volume24h,omitempty"`
	Volume1h  *float64 `json:"volume1h,omitempty"`
	Volume5m  *float64 `json:"volume5m,omitempty"`
	Change24h *float64 `json:"change24h,omitempty"`
	Sentiment *float64 `json:"sentiment,omitempty"`
}

// Update is a change notification published to the dispatcher. Record is a
// copy taken at notification time; Changed says which fields moved.
type Update struct {
	Record  Record
	Changed Field
}
