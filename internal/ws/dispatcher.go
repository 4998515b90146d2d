package ws

import (
	"sync/atomic"
	"time"

	"market-stream/internal/market"
	"market-stream/internal/monitoring"
	"market-stream/internal/types"

	"github.com/rs/zerolog"
)

// slowClientStrikes is how many consecutive full-buffer sends a client
// gets before it is disconnected. One failure can be a network blip; three
// in a row is a client that cannot keep up.
const slowClientStrikes = 3

// Dispatcher turns significant cache changes into per-dialect outbound
// messages. A single goroutine owns the pending set, so flushes are
// strictly ordered: per connection, messages leave in the order their
// underlying cache changes were applied.
//
// Coalescing: updates to the same symbol arriving within one window merge
// into a single pending entry (latest record wins, changed masks union),
// bounding the outbound message rate under bursty upstream feeds.
type Dispatcher struct {
	index  *SubscriptionIndex
	stats  *types.Stats
	logger zerolog.Logger

	window  time.Duration
	updates chan market.Update

	// Owned by the run goroutine.
	pending map[string]market.Update
	order   []string

	// onSlowClient is invoked when a client exhausts its strikes. The server
	// wires this to disconnectClient; tests wire their own.
	onSlowClient func(*Client)

	stop chan struct{}
	done chan struct{}

	dropLogCounter int64
}

// NewDispatcher creates a dispatcher; Run must be called to start it.
func NewDispatcher(index *SubscriptionIndex, stats *types.Stats, logger zerolog.Logger, window time.Duration) *Dispatcher {
	if window <= 0 {
		window = 50 * time.Millisecond
	}
	return &Dispatcher{
		index:   index,
		stats:   stats,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		window:  window,
		updates: make(chan market.Update, 4096),
		pending: make(map[string]market.Update),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue hands a cache change to the dispatcher. Called synchronously
// from the cache's change callback on the feed goroutine; never blocks.
// If the queue is full the update is dropped; the next upstream event for
// that symbol will carry fresher state anyway.
func (d *Dispatcher) Enqueue(u market.Update) {
	select {
	case d.updates <- u:
	default:
		d.logger.Warn().
			Str("symbol", u.Record.Symbol).
			Msg("Dispatcher queue full, dropping update")
	}
}

// Run is the dispatch loop. Blocks until Stop.
func (d *Dispatcher) Run() {
	defer close(d.done)
	defer monitoring.RecoverPanic(d.logger, "dispatcher", nil)

	ticker := time.NewTicker(d.window)
	defer ticker.Stop()

	for {
		select {
		case u := <-d.updates:
			d.merge(u)
		case <-ticker.C:
			d.flush()
		case <-d.stop:
			// Drain whatever is queued so shutdown doesn't eat updates.
			for {
				select {
				case u := <-d.updates:
					d.merge(u)
				default:
					d.flush()
					return
				}
			}
		}
	}
}

// Stop halts the loop after a final flush.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

// merge folds an update into the pending set. First sight of a symbol in
// this window records arrival order; repeats union the changed mask and
// keep the latest record.
func (d *Dispatcher) merge(u market.Update) {
	if existing, ok := d.pending[u.Record.Symbol]; ok {
		u.Changed |= existing.Changed
		d.pending[u.Record.Symbol] = u
		atomic.AddInt64(&d.stats.CoalescedUpdates, 1)
		monitoring.IncrementCoalescedUpdates()
		return
	}
	d.pending[u.Record.Symbol] = u
	d.order = append(d.order, u.Record.Symbol)
}

// flush broadcasts every pending update in arrival order, then resets the
// window.
func (d *Dispatcher) flush() {
	if len(d.order) == 0 {
		return
	}

	for _, symbol := range d.order {
		d.broadcast(d.pending[symbol])
	}

	d.pending = make(map[string]market.Update)
	d.order = d.order[:0]
}

// broadcast fans one update out to every subscriber of its channels.
//
// Each dialect's payload is encoded at most once per flush regardless of
// subscriber count. Sends are non-blocking: a full client buffer counts a
// strike against that client and never delays anyone else. That isolation
// is the core partial-failure property of the whole subsystem.
func (d *Dispatcher) broadcast(u market.Update) {
	// Dedupe clients subscribed through multiple affected channels so each
	// connection sees one message per update.
	seen := make(map[*Client]struct{})
	var targets []*Client
	for _, channel := range channelsFor(u) {
		for _, client := range d.index.Get(channel) {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			targets = append(targets, client)
		}
	}
	if len(targets) == 0 {
		return
	}

	// Lazily encoded per dialect: only dialects with subscribers pay.
	var encoded [dialectCount][]byte
	for _, client := range targets {
		payload := encoded[client.dialect]
		if payload == nil {
			var err error
			payload, err = encodeUpdate(client.dialect, u, 0)
			if err != nil {
				d.logger.Error().
					Err(err).
					Str("symbol", u.Record.Symbol).
					Str("dialect", client.dialect.String()).
					Msg("Failed to encode broadcast message")
				continue
			}
			encoded[client.dialect] = payload
		}

		d.send(client, u.Record.Symbol, payload)
	}

	atomic.AddInt64(&d.stats.BroadcastsSent, 1)
	monitoring.IncrementBroadcasts()
}

// send queues one payload for one client without blocking.
func (d *Dispatcher) send(client *Client, symbol string, payload []byte) {
	select {
	case client.send <- payload:
		atomic.StoreInt32(&client.sendAttempts, 0)

	default:
		attempts := atomic.AddInt32(&client.sendAttempts, 1)

		atomic.AddInt64(&d.stats.DroppedBroadcasts, 1)
		monitoring.RecordDroppedBroadcast(symbol, monitoring.DropReasonBufferFull)

		// Sampled logging: full buffers tend to arrive in storms.
		if n := atomic.AddInt64(&d.dropLogCounter, 1); n%100 == 0 {
			d.logger.Warn().
				Int64("client_id", client.id).
				Str("symbol", symbol).
				Int32("attempts", attempts).
				Int64("total_drops", n).
				Msg("Broadcast dropped (sampled: every 100th)")
		}

		if attempts == 1 && atomic.CompareAndSwapInt32(&client.slowClientWarned, 0, 1) {
			d.logger.Warn().
				Int64("client_id", client.id).
				Str("reason", "send_buffer_full").
				Msg("Client is slow")
		}

		if attempts >= slowClientStrikes && d.onSlowClient != nil {
			d.logger.Warn().
				Int64("client_id", client.id).
				Int32("consecutive_failures", attempts).
				Msg("Disconnecting slow client")

			atomic.AddInt64(&d.stats.SlowClientsDisconnected, 1)
			monitoring.IncrementSlowClientDisconnects()
			d.onSlowClient(client)
		}
	}
}
