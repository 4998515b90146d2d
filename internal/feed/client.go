package feed

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"market-stream/internal/market"
	"market-stream/internal/monitoring"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// State is the feed connection state machine: Connected while the
// subscription is live, Reconnecting while the client retries with backoff,
// Failed once retries are exhausted.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Handler receives each decoded upstream event.
type Handler func(market.FeedEvent)

// Config holds feed client configuration.
type Config struct {
	URL     string
	Subject string

	// Reconnect backoff. MaxReconnects < 0 retries forever.
	ReconnectWait time.Duration
	MaxReconnects int

	Logger zerolog.Logger
}

// Client subscribes to the upstream market-data feed over NATS and pushes
// decoded events to a single handler. Reconnection with backoff is driven
// by the NATS client; this wrapper tracks the state machine explicitly so
// /health and metrics can report it.
type Client struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger

	conn  *nats.Conn
	sub   *nats.Subscription
	state int32
}

// NewClient creates a feed client. No connection is made until Start.
func NewClient(cfg Config, handler Handler) (*Client, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("feed subject is required")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.With().Str("component", "feed").Logger(),
	}, nil
}

// Start connects and subscribes. RetryOnFailedConnect means a feed that is
// down at boot does not prevent the server from starting; the cache simply
// stays empty until the feed comes up.
func (c *Client) Start() error {
	opts := []nats.Option{
		nats.Name("market-stream"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.ReconnectJitter(c.cfg.ReconnectWait/4, c.cfg.ReconnectWait/4),
		nats.ConnectHandler(func(conn *nats.Conn) {
			c.setState(StateConnected)
			monitoring.SetFeedConnected(true)
			c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to upstream feed")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setState(StateReconnecting)
			monitoring.SetFeedConnected(false)
			c.logger.Warn().Err(err).Msg("Upstream feed disconnected, reconnecting")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.setState(StateConnected)
			monitoring.SetFeedConnected(true)
			monitoring.IncrementFeedReconnects()
			c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to upstream feed")
		}),
		nats.ClosedHandler(func(conn *nats.Conn) {
			// Closed fires both on Stop and on exhausted retries; only the
			// latter is a failure.
			if c.State() != StateDisconnected {
				c.setState(StateFailed)
				c.logger.Error().Msg("Upstream feed connection closed permanently")
			}
			monitoring.SetFeedConnected(false)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error().Err(err).Msg("Upstream feed error")
		}),
	}

	conn, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to feed: %w", err)
	}
	c.conn = conn
	if !conn.IsConnected() {
		c.setState(StateReconnecting)
	}

	sub, err := conn.Subscribe(c.cfg.Subject, c.onMessage)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", c.cfg.Subject, err)
	}
	c.sub = sub

	c.logger.Info().
		Str("url", c.cfg.URL).
		Str("subject", c.cfg.Subject).
		Msg("Feed subscription established")

	return nil
}

// onMessage decodes one upstream event and hands it to the handler.
// Undecodable events are dropped and counted; per-field validation of
// decoded events belongs to the cache.
func (c *Client) onMessage(msg *nats.Msg) {
	ev, err := DecodeEvent(msg.Data)
	if err != nil {
		monitoring.IncrementFeedEventsDropped()
		c.logger.Warn().
			Err(err).
			Str("subject", msg.Subject).
			Int("bytes", len(msg.Data)).
			Msg("Dropped undecodable feed event")
		return
	}

	monitoring.IncrementFeedEvents()
	c.handler(ev)
}

// DecodeEvent parses the upstream JSON event shape
// {symbol, price?, volume24h?, volume1h?, volume5m?, change24h?, sentiment?}.
func DecodeEvent(data []byte) (market.FeedEvent, error) {
	var ev market.FeedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return market.FeedEvent{}, fmt.Errorf("malformed feed event: %w", err)
	}
	if ev.Symbol == "" {
		return market.FeedEvent{}, fmt.Errorf("feed event missing symbol")
	}
	return ev, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Client) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// Stop unsubscribes and closes the connection.
func (c *Client) Stop() {
	c.setState(StateDisconnected)

	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Msg("Error unsubscribing from feed")
		}
		c.sub = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	monitoring.SetFeedConnected(false)
	c.logger.Info().Msg("Feed client stopped")
}
