package ws

import (
	"encoding/json"
	"time"

	"market-stream/internal/market"
)

// handleClientMessage dispatches one inbound text frame. Malformed or
// unknown messages get an error reply on this connection only; the
// connection itself always survives.
func (s *Server) handleClientMessage(c *Client, data []byte) {
	var req Envelope
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn().
			Int64("client_id", c.id).
			Err(err).
			Msg("Client sent invalid JSON")
		s.sendError(c, CodeInvalidJSON, "Invalid JSON")
		return
	}

	switch req.Type {
	case "subscribe":
		s.handleSubscribe(c, req.Data)

	case "unsubscribe":
		s.handleUnsubscribe(c, req.Data)

	case "auth":
		s.handleAuth(c, req.Data)

	case "heartbeat":
		// Application-level keep-alive for clients without ping/pong
		// support. Echo server time so clients can detect clock skew.
		s.sendJSON(c, Envelope{
			Type:      typePong,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})

	default:
		s.logger.Warn().
			Int64("client_id", c.id).
			Str("message_type", req.Type).
			Msg("Client sent unknown message type")
		s.sendError(c, CodeUnknownType, "Unknown message type: "+req.Type)
	}
}

// subscribePayload accepts the current key, the legacy one the old market
// endpoint used, and the singular form some clients send. Any may appear;
// the union wins.
type subscribePayload struct {
	Channels []string `json:"channels"`
	Symbols  []string `json:"symbols"`
	Channel  string   `json:"channel"`
}

func (p subscribePayload) all() []string {
	channels := make([]string, 0, len(p.Channels)+len(p.Symbols)+1)
	channels = append(channels, p.Channels...)
	channels = append(channels, p.Symbols...)
	if p.Channel != "" {
		channels = append(channels, p.Channel)
	}
	return channels
}

func (s *Server) handleSubscribe(c *Client, data json.RawMessage) {
	var req subscribePayload
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn().
			Int64("client_id", c.id).
			Err(err).
			Msg("Client sent invalid subscribe request")
		s.sendError(c, CodeInvalidPayload, "Invalid subscribe payload")
		return
	}

	channels := req.all()
	if len(channels) == 0 {
		s.sendError(c, CodeInvalidPayload, "Subscribe requires at least one channel")
		return
	}

	// Channels are opaque names. An unknown channel simply never receives
	// a broadcast; only private channels are gated.
	accepted := make([]string, 0, len(channels))
	for _, channel := range channels {
		if channelIsPrivate(channel) && s.verifier.Enabled() && !c.isAuthenticated() {
			s.sendError(c, CodeUnauthorized, "Channel requires authentication: "+channel)
			continue
		}
		c.subscriptions.Add(channel)
		s.subscriptionIndex.Add(channel, c)
		accepted = append(accepted, channel)
	}

	if len(accepted) == 0 {
		return
	}

	s.logger.Info().
		Int64("client_id", c.id).
		Strs("channels", accepted).
		Msg("Client subscribed")

	ack, _ := json.Marshal(map[string]any{
		"subscribed": accepted,
		"count":      c.subscriptions.Count(),
	})
	s.sendJSON(c, Envelope{
		Type:     typeSubscribeAck,
		Sequence: c.nextSeq(),
		Data:     ack,
	})

	s.sendInitialSnapshots(c, accepted)
}

// sendInitialSnapshots pushes current cache state for freshly subscribed
// channels so clients render immediately instead of waiting for the next
// significant update. Channels with no cached data send nothing.
func (s *Server) sendInitialSnapshots(c *Client, channels []string) {
	sent := make(map[string]struct{})

	push := func(rec market.Record) {
		if _, dup := sent[rec.Symbol]; dup {
			return
		}
		sent[rec.Symbol] = struct{}{}

		payload, err := encodeSnapshot(c.dialect, rec, c.nextSeq())
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("symbol", rec.Symbol).
				Msg("Failed to encode snapshot")
			return
		}
		select {
		case c.send <- payload:
		default:
		}
	}

	for _, channel := range channels {
		if channel == ChannelAllMarket || channel == ChannelSentiment {
			for _, rec := range s.cache.SnapshotAll() {
				push(rec)
			}
			continue
		}
		if rec, ok := s.cache.Snapshot(channel); ok {
			push(rec)
		}
	}
}

func (s *Server) handleUnsubscribe(c *Client, data json.RawMessage) {
	var req subscribePayload
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn().
			Int64("client_id", c.id).
			Err(err).
			Msg("Client sent invalid unsubscribe request")
		s.sendError(c, CodeInvalidPayload, "Invalid unsubscribe payload")
		return
	}

	channels := req.all()
	for _, channel := range channels {
		c.subscriptions.Remove(channel)
		s.subscriptionIndex.Remove(channel, c)
	}

	s.logger.Info().
		Int64("client_id", c.id).
		Strs("channels", channels).
		Msg("Client unsubscribed")

	ack, _ := json.Marshal(map[string]any{
		"unsubscribed": channels,
		"count":        c.subscriptions.Count(),
	})
	s.sendJSON(c, Envelope{
		Type:     typeUnsubscribeAck,
		Sequence: c.nextSeq(),
		Data:     ack,
	})
}

func (s *Server) handleAuth(c *Client, data json.RawMessage) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Token == "" {
		s.sendError(c, CodeInvalidPayload, "Invalid auth payload")
		return
	}

	subject, err := s.verifier.Verify(req.Token)
	if err != nil {
		s.logger.Warn().
			Int64("client_id", c.id).
			Err(err).
			Msg("Client auth failed")
		s.sendError(c, CodeUnauthorized, "Authentication failed")
		return
	}

	c.setAuthenticated(subject)

	s.logger.Info().
		Int64("client_id", c.id).
		Str("subject", subject).
		Msg("Client authenticated")

	ack, _ := json.Marshal(map[string]any{"subject": subject})
	s.sendJSON(c, Envelope{
		Type:     typeAuthAck,
		Sequence: c.nextSeq(),
		Data:     ack,
	})
}

// sendWelcome greets a new consolidated-dialect connection. Legacy
// endpoints never sent one, so they still don't.
func (s *Server) sendWelcome(c *Client) {
	data, _ := json.Marshal(map[string]any{"client_id": c.id})
	s.sendJSON(c, Envelope{
		Type:      typeConnEstablished,
		Sequence:  c.nextSeq(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
}

// sendJSON queues a direct (non-broadcast) message, best effort. A full
// buffer drops it; broadcast strikes will catch a persistently slow
// client.
func (s *Server) sendJSON(c *Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) sendError(c *Client, code int, message string) {
	s.sendJSON(c, ErrorMessage{
		Type:    errorType,
		Code:    code,
		Message: message,
	})
}
