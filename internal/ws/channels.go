package ws

import "market-stream/internal/market"

// Channel names. A plain symbol ("SOL") is that symbol's own channel.
// Aggregate channels group interest across symbols.
const (
	// ChannelAllMarket receives every significant market update.
	ChannelAllMarket = "market:all"
	// ChannelSentiment receives updates whose sentiment changed. Private:
	// only authenticated connections may subscribe.
	ChannelSentiment = "sentiment:all"
)

// channelIsPrivate reports whether a channel requires authentication.
func channelIsPrivate(channel string) bool {
	return channel == ChannelSentiment
}

// channelsFor resolves which channels an update fans out to: the symbol's
// own channel, the all-market aggregate, and the sentiment aggregate when
// sentiment moved.
func channelsFor(u market.Update) []string {
	channels := []string{u.Record.Symbol, ChannelAllMarket}
	if u.Changed.Has(market.FieldSentiment) {
		channels = append(channels, ChannelSentiment)
	}
	return channels
}
