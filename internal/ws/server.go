package ws

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"market-stream/internal/auth"
	"market-stream/internal/feed"
	"market-stream/internal/limits"
	"market-stream/internal/market"
	"market-stream/internal/monitoring"
	"market-stream/internal/types"

	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next message from the peer. Client traffic
	// (including heartbeats) resets the deadline; a silent connection is
	// dead after this long.
	pongWait = 30 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

type Server struct {
	config types.ServerConfig
	logger zerolog.Logger

	listener net.Listener

	// Domain state
	cache      *market.Cache
	feed       *feed.Client
	dispatcher *Dispatcher

	// Connection management
	connections       *ConnectionPool
	clients           sync.Map // map[*Client]bool
	clientCount       int64
	connectionsSem    chan struct{}
	subscriptionIndex *SubscriptionIndex

	// Rate limiting
	messageLimiter *limits.MessageRateLimiter
	connLimiter    *limits.ConnectionRateLimiter

	// Auth
	verifier *auth.Verifier

	// Monitoring
	sysMonitor *monitoring.SystemMonitor

	// Lifecycle
	wg           sync.WaitGroup
	shuttingDown int32

	stats *types.Stats
}

func NewServer(config types.ServerConfig) (*Server, error) {
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  config.LogLevel,
		Format: config.LogFormat,
	})

	if config.MaxConnections <= 0 {
		return nil, fmt.Errorf("max connections must be positive, got %d", config.MaxConnections)
	}

	s := &Server{
		config:            config,
		logger:            logger,
		connections:       NewConnectionPool(),
		connectionsSem:    make(chan struct{}, config.MaxConnections),
		subscriptionIndex: NewSubscriptionIndex(),
		messageLimiter:    limits.NewMessageRateLimiter(config.MessageRatePerSec, config.MessageBurst),
		verifier:          auth.NewVerifier(config.AuthSecret),
		stats: &types.Stats{
			StartTime:           time.Now(),
			DisconnectsByReason: make(map[string]int64),
		},
	}

	s.connLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPBurst:     config.ConnRateLimitIPBurst,
		IPRate:      config.ConnRateLimitIPRate,
		GlobalBurst: config.ConnRateLimitGlobalBurst,
		GlobalRate:  config.ConnRateLimitGlobalRate,
		Logger:      logger,
	})

	s.cache = market.NewCache(market.CacheConfig{
		PriceDeltaBps:    config.PriceDeltaBps,
		MaxQuietInterval: config.MaxQuietInterval,
	}, logger)

	s.dispatcher = NewDispatcher(s.subscriptionIndex, s.stats, logger, config.CoalesceWindow)
	s.dispatcher.onSlowClient = func(c *Client) {
		s.disconnectClient(c, monitoring.DisconnectReasonTooSlow, monitoring.DisconnectInitiatedByServer)
	}

	// Significant cache changes feed the dispatcher; everything else dies
	// at the cache.
	s.cache.OnChange(func(u market.Update) {
		s.dispatcher.Enqueue(u)
	})

	feedClient, err := feed.NewClient(feed.Config{
		URL:     config.FeedURL,
		Subject: config.FeedSubject,
		Logger:  logger,
	}, func(ev market.FeedEvent) {
		atomic.AddInt64(&s.stats.FeedEvents, 1)
		if _, applied := s.cache.ApplyUpdate(ev); !applied {
			atomic.AddInt64(&s.stats.FeedEventsDropped, 1)
		}
		monitoring.SetCacheSymbols(s.cache.Len())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create feed client: %w", err)
	}
	s.feed = feedClient

	sysMonitor, err := monitoring.NewSystemMonitor(logger, s.stats)
	if err != nil {
		return nil, fmt.Errorf("failed to create system monitor: %w", err)
	}
	s.sysMonitor = sysMonitor

	logger.Info().
		Str("addr", config.Addr).
		Int("max_connections", config.MaxConnections).
		Float64("price_delta_bps", config.PriceDeltaBps).
		Dur("coalesce_window", config.CoalesceWindow).
		Bool("auth_enabled", s.verifier.Enabled()).
		Msg("Server initialized")

	return s, nil
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", s.config.Addr).
		Msg("Server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run()
	}()

	if err := s.feed.Start(); err != nil {
		return fmt.Errorf("failed to start feed client: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleDialect(DialectConsolidated))
	mux.HandleFunc("/ws/market", s.handleDialect(DialectLegacyMarket))
	mux.HandleFunc("/ws/token-data", s.handleDialect(DialectLegacyToken))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	server := &http.Server{
		Handler:        mux,
		ReadTimeout:    s.config.HTTPReadTimeout,
		WriteTimeout:   s.config.HTTPWriteTimeout,
		IdleTimeout:    s.config.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().
				Err(err).
				Msg("Server accept loop error")
		}
	}()

	s.sysMonitor.Start(s.config.MetricsInterval)

	return nil
}

// disconnectClient tears one client down exactly once. Safe to call from
// the read pump, the dispatcher's slow-client path, and shutdown
// concurrently; only the first caller does the work.
func (s *Server) disconnectClient(c *Client, reason, initiatedBy string) {
	if !atomic.CompareAndSwapInt32(&c.cleanedUp, 0, 1) {
		return
	}

	duration := time.Since(c.connectedAt)
	dialect := c.dialect

	s.stats.RecordDisconnect(reason)
	monitoring.RecordDisconnect(dialect.String(), reason, initiatedBy)

	s.logger.Info().
		Int64("client_id", c.id).
		Str("dialect", dialect.String()).
		Str("reason", reason).
		Str("initiated_by", initiatedBy).
		Dur("connection_duration", duration).
		Int("subscriptions_count", c.subscriptions.Count()).
		Int("send_buffer_len", len(c.send)).
		Time("connected_at", c.connectedAt).
		Msg("Client disconnected")

	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})

	s.clients.Delete(c)
	atomic.AddInt64(&s.stats.CurrentConnections, -1)

	s.subscriptionIndex.RemoveClient(c)
	s.messageLimiter.RemoveClient(c.id)

	s.connections.Put(c)
	<-s.connectionsSem
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.stats.Mu.RLock()
	cpuPercent := s.stats.CPUPercent
	memoryMB := s.stats.MemoryMB
	s.stats.Mu.RUnlock()

	currentConns := atomic.LoadInt64(&s.stats.CurrentConnections)
	maxConns := int64(s.config.MaxConnections)

	feedState := s.feed.State()

	isHealthy := true
	warnings := []string{}
	errors := []string{}

	// The upstream feed is the one critical dependency. Reconnecting is
	// degraded (stale data still served from cache); failed is unhealthy.
	switch feedState {
	case feed.StateFailed:
		isHealthy = false
		errors = append(errors, "upstream feed connection failed")
	case feed.StateReconnecting, feed.StateDisconnected:
		warnings = append(warnings, fmt.Sprintf("upstream feed %s", feedState))
	}

	capacityPercent := float64(currentConns) / float64(maxConns) * 100
	if capacityPercent >= 100 {
		warnings = append(warnings, fmt.Sprintf("server at full capacity (%d/%d)", currentConns, maxConns))
	} else if capacityPercent > 90 {
		warnings = append(warnings, fmt.Sprintf("server near capacity (%.1f%%)", capacityPercent))
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !isHealthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"healthy": isHealthy,
		"checks": map[string]any{
			"feed": map[string]any{
				"state":   feedState.String(),
				"healthy": feedState == feed.StateConnected,
			},
			"capacity": map[string]any{
				"current":    currentConns,
				"max":        maxConns,
				"percentage": capacityPercent,
				"healthy":    capacityPercent < 100,
			},
			"cache": map[string]any{
				"symbols": s.cache.Len(),
			},
			"memory": map[string]any{
				"used_mb": memoryMB,
			},
			"cpu": map[string]any{
				"percentage": cpuPercent,
			},
		},
		"observability": s.observabilityStats(),
		"warnings":      warnings,
		"errors":        errors,
		"uptime":        time.Since(s.stats.StartTime).Seconds(),
	})
}

func (s *Server) observabilityStats() map[string]any {
	s.stats.DisconnectsMu.RLock()
	disconnects := make(map[string]int64, len(s.stats.DisconnectsByReason))
	totalDisconnects := int64(0)
	for reason, count := range s.stats.DisconnectsByReason {
		disconnects[reason] = count
		totalDisconnects += count
	}
	s.stats.DisconnectsMu.RUnlock()

	return map[string]any{
		"disconnects": map[string]any{
			"total":     totalDisconnects,
			"by_reason": disconnects,
		},
		"broadcasts": map[string]any{
			"sent":      atomic.LoadInt64(&s.stats.BroadcastsSent),
			"coalesced": atomic.LoadInt64(&s.stats.CoalescedUpdates),
			"dropped":   atomic.LoadInt64(&s.stats.DroppedBroadcasts),
		},
		"feed": map[string]any{
			"events":  atomic.LoadInt64(&s.stats.FeedEvents),
			"dropped": atomic.LoadInt64(&s.stats.FeedEventsDropped),
		},
		"slow_clients_disconnected": atomic.LoadInt64(&s.stats.SlowClientsDisconnected),
		"rate_limited_messages":     atomic.LoadInt64(&s.stats.RateLimitedMessages),
	}
}

func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")

	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.logger.Info().Msg("Closing listener (no new connections accepted)")
		s.listener.Close()
	}

	// Stop consuming upstream events. Connected clients keep their last
	// known state until they drain.
	s.feed.Stop()
	s.dispatcher.Stop()

	currentConns := atomic.LoadInt64(&s.stats.CurrentConnections)
	s.logger.Info().
		Int64("active_connections", currentConns).
		Dur("grace_period", s.config.DrainGrace).
		Msg("Draining active connections")

	drainTimer := time.NewTimer(s.config.DrainGrace)
	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()
	defer drainTimer.Stop()

	for {
		select {
		case <-drainTimer.C:
			remaining := atomic.LoadInt64(&s.stats.CurrentConnections)
			if remaining > 0 {
				s.logger.Warn().
					Int64("remaining_connections", remaining).
					Msg("Grace period expired, force closing remaining connections")
			}
			goto forceClose

		case <-checkTicker.C:
			remaining := atomic.LoadInt64(&s.stats.CurrentConnections)
			if remaining == 0 {
				s.logger.Info().Msg("All connections drained gracefully")
				goto cleanup
			}
			s.logger.Info().
				Int64("remaining_connections", remaining).
				Msg("Waiting for connections to drain")
		}
	}

forceClose:
	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := key.(*Client); ok {
			s.disconnectClient(client, monitoring.DisconnectReasonServerShutdown, monitoring.DisconnectInitiatedByServer)
		}
		return true
	})

cleanup:
	s.sysMonitor.Stop()
	s.connLimiter.Stop()

	s.logger.Info().Msg("Waiting for all goroutines to finish")
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
