package ws

import (
	"encoding/json"
	"time"

	"market-stream/internal/market"
)

// Dialect identifies which wire schema a connection negotiated by the
// endpoint path it connected on. The legacy dialects predate the
// consolidated endpoint and are kept for backward compatibility; the same
// cache change is translated into each dialect's expected shape.
type Dialect int

const (
	DialectConsolidated Dialect = iota // /ws
	DialectLegacyMarket                // /ws/market
	DialectLegacyToken                 // /ws/token-data
)

const dialectCount = 3

func (d Dialect) String() string {
	switch d {
	case DialectLegacyMarket:
		return "legacy_market"
	case DialectLegacyToken:
		return "legacy_token"
	default:
		return "consolidated"
	}
}

// dialectForPath maps an endpoint path to its dialect.
func dialectForPath(path string) (Dialect, bool) {
	switch path {
	case "/ws":
		return DialectConsolidated, true
	case "/ws/market":
		return DialectLegacyMarket, true
	case "/ws/token-data":
		return DialectLegacyToken, true
	default:
		return 0, false
	}
}

// Envelope is the consolidated message shape, both directions:
// {type, sequence?, timestamp?, data?}. Inbound messages on the legacy
// endpoints use the same envelope; only outbound shapes differ per dialect.
type Envelope struct {
	Type      string          `json:"type"`
	Sequence  int64           `json:"sequence,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ErrorMessage is the error envelope sent to the originating connection.
// The connection survives; errors never cascade to other clients.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrorMessage.
const (
	CodeInvalidJSON    = 4000
	CodeUnknownType    = 4001
	CodeInvalidPayload = 4002
	CodeUnauthorized   = 4003
	CodeRateLimited    = 4029
)

const errorType = "ERROR"

// Outbound message types, consolidated dialect.
const (
	typePriceUpdate     = "price:update"
	typeVolumeUpdate    = "volume:update"
	typeSentimentUpdate = "sentiment:update"
	typeSnapshot        = "snapshot"
	typeConnEstablished = "connection:established"
	typeSubscribeAck    = "subscription_ack"
	typeUnsubscribeAck  = "unsubscription_ack"
	typeAuthAck         = "auth_ack"
	typePong            = "pong"
)

// legacyMarketUpdate is the flat shape the original market endpoint spoke.
type legacyMarketUpdate struct {
	Type        string  `json:"type"`
	Timestamp   int64   `json:"timestamp"`
	TokenID     string  `json:"tokenId"`
	Price       float64 `json:"price"`
	Change24h   float64 `json:"change24h"`
	Volume24h   float64 `json:"volume24h"`
	Sentiment   float64 `json:"sentiment"`
	LastUpdated int64   `json:"lastUpdated"`
}

// Legacy market dialect type values.
const (
	legacyTypePriceUpdate     = "priceUpdate"
	legacyTypeVolumeUpdate    = "volumeUpdate"
	legacyTypeSentimentUpdate = "sentimentUpdate"
)

// legacyTokenUpdate is the shape the original token-data endpoint spoke.
type legacyTokenUpdate struct {
	Type      string  `json:"type"`
	Token     string  `json:"token"`
	USDPrice  float64 `json:"usd_price"`
	Vol24h    float64 `json:"vol_24h_usd"`
	Vol1h     float64 `json:"vol_1h_usd"`
	Change24h float64 `json:"change_24h"`
	Sentiment float64 `json:"sentiment"`
	UpdatedAt string  `json:"updated_at"`
}

const legacyTypeTokenUpdate = "token_update"

// updateKind picks the primary message type for an update: price wins over
// volume, volume over sentiment. The payload always carries the full record
// so clients never need to stitch partial messages together.
func updateKind(changed market.Field) int {
	switch {
	case changed.Has(market.FieldPrice):
		return 0
	case changed.Has(market.FieldVolume24h) || changed.Has(market.FieldVolume1h) || changed.Has(market.FieldVolume5m):
		return 1
	default:
		return 2
	}
}

// encodeUpdate translates a cache change into the given dialect's wire
// shape. Broadcast encoding happens once per dialect per flush, not once
// per client, so the sequence field carries 0 there; per-connection
// sequences are reserved for directed messages like snapshots.
func encodeUpdate(d Dialect, u market.Update, seq int64) ([]byte, error) {
	switch d {
	case DialectLegacyMarket:
		msgType := legacyTypePriceUpdate
		switch updateKind(u.Changed) {
		case 1:
			msgType = legacyTypeVolumeUpdate
		case 2:
			msgType = legacyTypeSentimentUpdate
		}
		return json.Marshal(legacyMarketUpdate{
			Type:        msgType,
			Timestamp:   time.Now().UnixMilli(),
			TokenID:     u.Record.Symbol,
			Price:       u.Record.Price,
			Change24h:   u.Record.Change24h,
			Volume24h:   u.Record.Volume24h,
			Sentiment:   u.Record.Sentiment,
			LastUpdated: u.Record.UpdatedAt.UnixMilli(),
		})

	case DialectLegacyToken:
		return json.Marshal(legacyTokenUpdate{
			Type:      legacyTypeTokenUpdate,
			Token:     u.Record.Symbol,
			USDPrice:  u.Record.Price,
			Vol24h:    u.Record.Volume24h,
			Vol1h:     u.Record.Volume1h,
			Change24h: u.Record.Change24h,
			Sentiment: u.Record.Sentiment,
			UpdatedAt: u.Record.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})

	default:
		msgType := typePriceUpdate
		switch updateKind(u.Changed) {
		case 1:
			msgType = typeVolumeUpdate
		case 2:
			msgType = typeSentimentUpdate
		}
		data, err := json.Marshal(u.Record)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Envelope{
			Type:      msgType,
			Sequence:  seq,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Data:      data,
		})
	}
}

// encodeSnapshot translates a cache snapshot for initial sync after a
// subscribe. The legacy dialects have no snapshot concept; they receive
// their regular update shape, which legacy clients already handle.
func encodeSnapshot(d Dialect, rec market.Record, seq int64) ([]byte, error) {
	switch d {
	case DialectLegacyMarket, DialectLegacyToken:
		return encodeUpdate(d, market.Update{Record: rec, Changed: market.FieldPrice}, seq)
	default:
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Envelope{
			Type:      typeSnapshot,
			Sequence:  seq,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Data:      data,
		})
	}
}
