package ws

import (
	"sync/atomic"
	"time"

	"market-stream/internal/monitoring"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func (s *Server) readPump(c *Client) {
	var disconnectReason string
	var initiatedBy string

	defer func() {
		if disconnectReason == "" {
			disconnectReason = monitoring.DisconnectReasonReadError
			initiatedBy = monitoring.DisconnectInitiatedByClient
		}
		s.disconnectClient(c, disconnectReason, initiatedBy)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			// All read errors treated as client-initiated disconnect
			disconnectReason = monitoring.DisconnectReasonReadError
			initiatedBy = monitoring.DisconnectInitiatedByClient
			break
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		atomic.AddInt64(&s.stats.MessagesReceived, 1)
		atomic.AddInt64(&s.stats.BytesReceived, int64(len(msg)))
		monitoring.UpdateMessageMetrics(0, 1)
		monitoring.UpdateBytesMetrics(0, int64(len(msg)))

		switch op {
		case ws.OpText:
			// Inbound rate limit. The message is dropped, not the
			// connection: a spike from a buggy client gets error feedback
			// and a chance to recover.
			if !s.messageLimiter.Allow(c.id) {
				s.logger.Warn().
					Int64("client_id", c.id).
					Float64("rate_per_sec", s.config.MessageRatePerSec).
					Int("burst", s.config.MessageBurst).
					Msg("Client rate limited")

				atomic.AddInt64(&s.stats.RateLimitedMessages, 1)
				monitoring.IncrementRateLimitedMessages()

				s.sendError(c, CodeRateLimited, "Too many messages, please slow down")
				continue
			}

			s.handleClientMessage(c, msg)

		case ws.OpPing:
			// gobwas answers pings automatically

		case ws.OpClose:
			return
		}
	}
}

func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Both pumps may race to close; sync.Once keeps it single-shot.
		c.closeOnce.Do(func() {
			if c.conn != nil {
				c.conn.Close()
			}
		})
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				if c.conn != nil {
					wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				}
				return
			}

			if c.conn == nil {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, message); err != nil {
				s.logger.Debug().
					Int64("client_id", c.id).
					Err(err).
					Int("message_size", len(message)).
					Msg("Failed to write message to client")
				return
			}
			atomic.AddInt64(&s.stats.MessagesSent, 1)
			atomic.AddInt64(&s.stats.BytesSent, int64(len(message)))
			monitoring.UpdateMessageMetrics(1, 0)
			monitoring.UpdateBytesMetrics(int64(len(message)), 0)

		case <-ticker.C:
			if c.conn == nil {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().
					Int64("client_id", c.id).
					Err(err).
					Msg("Failed to send ping to client")
				return
			}
		}
	}
}
