package types

import (
	"sync"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// ServerConfig contains the configuration for the market-data WebSocket server
type ServerConfig struct {
	Addr           string
	MaxConnections int

	// Upstream feed
	FeedURL     string
	FeedSubject string

	// Cache significance thresholds
	PriceDeltaBps    float64       // Price moves below this (basis points) are jitter
	MaxQuietInterval time.Duration // Force a broadcast if a record has been quiet this long

	// Dispatcher
	CoalesceWindow time.Duration // Updates to the same symbol within this window merge

	// Per-client inbound message limits
	MessageRatePerSec float64
	MessageBurst      int

	// Connection admission limits
	ConnectionRateLimitEnabled bool
	ConnRateLimitIPBurst       int
	ConnRateLimitIPRate        float64
	ConnRateLimitGlobalBurst   int
	ConnRateLimitGlobalRate    float64

	// Auth (empty secret disables auth; all channels become public)
	AuthSecret string

	// Shutdown
	DrainGrace time.Duration

	// HTTP server
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Monitoring
	MetricsInterval time.Duration

	// Logging
	LogLevel  LogLevel
	LogFormat LogFormat
}

// Stats tracks server statistics
type Stats struct {
	TotalConnections   int64
	CurrentConnections int64
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	StartTime          time.Time

	// Delivery reliability counters
	SlowClientsDisconnected int64 // Clients disconnected for not draining their buffer
	RateLimitedMessages     int64 // Inbound messages dropped by the per-client limiter
	DroppedBroadcasts       int64 // Outbound messages dropped on full client buffers
	CoalescedUpdates        int64 // Cache updates merged inside a coalescing window
	BroadcastsSent          int64 // Flush cycles that reached at least one subscriber

	// Upstream feed counters
	FeedEvents        int64 // Events accepted from the upstream feed
	FeedEventsDropped int64 // Events that failed to decode

	// System resources (written by the system monitor)
	Mu         sync.RWMutex
	CPUPercent float64
	MemoryMB   float64

	// Disconnect accounting by reason
	DisconnectsByReason map[string]int64
	DisconnectsMu       sync.RWMutex
}

// RecordDisconnect bumps the per-reason disconnect counter.
func (s *Stats) RecordDisconnect(reason string) {
	s.DisconnectsMu.Lock()
	s.DisconnectsByReason[reason]++
	s.DisconnectsMu.Unlock()
}
