package ws

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"market-stream/internal/monitoring"

	"github.com/gobwas/ws"
)

// handleDialect builds the upgrade handler for one endpoint. All three
// endpoints share the same connection lifecycle; only the wire dialect
// differs.
func (s *Server) handleDialect(dialect Dialect) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Reject new connections during graceful shutdown
		if atomic.LoadInt32(&s.shuttingDown) == 1 {
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}

		if s.config.ConnectionRateLimitEnabled {
			ip := clientIP(r)
			if !s.connLimiter.Allow(ip) {
				s.logger.Debug().
					Str("ip", ip).
					Str("dialect", dialect.String()).
					Msg("Connection rejected by rate limiter")
				monitoring.IncrementConnectionsFailed()
				http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
				return
			}
		}

		// Try to acquire a connection slot
		select {
		case s.connectionsSem <- struct{}{}:
		case <-time.After(5 * time.Second):
			s.logger.Warn().
				Int64("current_connections", atomic.LoadInt64(&s.stats.CurrentConnections)).
				Int("max_connections", s.config.MaxConnections).
				Msg("Connection rejected, server at maximum capacity")
			monitoring.IncrementConnectionsFailed()
			http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
			return
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			<-s.connectionsSem
			monitoring.IncrementConnectionsFailed()
			s.logger.Error().
				Err(err).
				Str("remote_addr", r.RemoteAddr).
				Msg("Failed to upgrade connection")
			return
		}

		client := s.connections.Get()
		client.conn = conn
		client.server = s
		client.dialect = dialect
		client.connectedAt = time.Now()
		client.id = atomic.AddInt64(&s.clientCount, 1)

		s.clients.Store(client, true)
		atomic.AddInt64(&s.stats.TotalConnections, 1)
		atomic.AddInt64(&s.stats.CurrentConnections, 1)
		monitoring.RecordConnect(dialect.String())

		s.logger.Info().
			Int64("client_id", client.id).
			Str("dialect", dialect.String()).
			Str("remote_addr", r.RemoteAddr).
			Msg("Client connected")

		go s.writePump(client)
		go s.readPump(client)

		if dialect == DialectConsolidated {
			s.sendWelcome(client)
		}
	}
}

// clientIP pulls the originating address, preferring proxy headers since
// deployments sit behind a load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the originating client
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
