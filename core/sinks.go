package core

// ShardSink is the outbound half of a shard connection, implemented by the
// transport layer. The loop calls Mute when admission is refused so the
// shard can stop forwarding updates for that node.
type ShardSink interface {
	Mute(reason MuteReason)
}

// FeedSink is the outbound half of a feed connection. The loop only ever
// pushes bytes; framing, write timeouts and connection teardown are the
// transport's concern.
type FeedSink interface {
	Send(chunk []byte) error
}

// Locator resolves a freshly admitted node to a geographic location. The
// lookup is expected to be asynchronous: implementations call report from
// whatever goroutine the resolution completes on, and the result rides the
// aggregator's inbound queue back to the event loop like any other input.
type Locator interface {
	Locate(details NodeDetails, report func(Location))
}
