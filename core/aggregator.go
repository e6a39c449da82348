package core

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Options configures a freshly spawned Aggregator.
type Options struct {
	Denylist           []string
	MaxQueueLen        int
	MaxThirdPartyNodes int
	UpdateEvery        time.Duration
	SendNodeData       bool
	MetadataPath       string

	// Locator, when set, is asked to resolve a location for every admitted
	// node; results flow back through the inbound queue.
	Locator Locator
}

// Aggregator is a clonable handle onto the running event loop: it owns
// nothing but two atomic connection-id counters and a sender into the
// single inbound queue the event loop reads from. Every exported method is
// safe to call concurrently from any number of goroutines.
type Aggregator struct {
	queue *unboundedQueue

	nextShardConnId atomic.Uint64
	nextFeedConnId  atomic.Uint64

	log *logrus.Entry
}

// Spawn constructs the model/batching/identity/metadata stack, starts the
// event loop on its own goroutine plus an external tick generator, and
// returns the handle and a MetricsCollector the caller can expose over
// /metrics, pairing a Prometheus registry with the same logrus instance
// used for bootstrap logging.
func Spawn(opts Options, log *logrus.Logger) (*Aggregator, *MetricsCollector, error) {
	entry := log.WithField("component", "aggregator")

	batched, err := NewBatchedState(opts.Denylist, opts.MaxThirdPartyNodes, opts.SendNodeData, opts.MetadataPath, entry)
	if err != nil {
		return nil, nil, err
	}

	metrics := NewMetricsCollector(log)
	queue := newUnboundedQueue()

	loop := newInnerLoop(queue, batched, opts.MaxQueueLen, opts.Locator, metrics, entry)
	go loop.run()

	agg := &Aggregator{queue: queue, log: entry}

	updateEvery := opts.UpdateEvery
	if updateEvery <= 0 {
		updateEvery = time.Second
	}
	go agg.runTicker(updateEvery)

	return agg, metrics, nil
}

// runTicker enqueues SendUpdates on a fixed cadence. Generating ticks
// outside the loop and feeding them back through the same inbound queue
// keeps the single-writer property intact.
func (a *Aggregator) runTicker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if !a.queue.Push(SendUpdates{}) {
			return
		}
	}
}

// ShardChannel is the sink adapter SubscribeShard returns: it tags every
// message the shard transport hands it with the ConnId allocated at
// subscription time before pushing it onto the loop's single inbound queue.
type ShardChannel struct {
	conn  ConnId
	queue *unboundedQueue
}

// Conn returns the ConnId this channel was allocated.
func (c ShardChannel) Conn() ConnId { return c.conn }

// Send enqueues one ShardMessage, returning false if the loop has shut down.
func (c ShardChannel) Send(msg ShardMessage) bool {
	return c.queue.Push(FromShardWebsocket{Conn: c.conn, Msg: msg})
}

// FeedChannel is the feed-side equivalent of ShardChannel.
type FeedChannel struct {
	conn  ConnId
	queue *unboundedQueue
}

// Conn returns the ConnId this channel was allocated.
func (c FeedChannel) Conn() ConnId { return c.conn }

// Send enqueues one FeedMessage, returning false if the loop has shut down.
func (c FeedChannel) Send(msg FeedMessage) bool {
	return c.queue.Push(FromFeedWebsocket{Conn: c.conn, Msg: msg})
}

// SubscribeShard allocates a ConnId for a new shard connection, registers
// its outbound sink with the loop, and returns a channel the transport
// should forward every ShardMessage for this connection through.
func (a *Aggregator) SubscribeShard(sink ShardSink) ShardChannel {
	conn := ConnId(a.nextShardConnId.Add(1))
	a.queue.Push(shardConnected{Conn: conn, Sink: sink})
	return ShardChannel{conn: conn, queue: a.queue}
}

// SubscribeFeed allocates a ConnId for a new feed connection, registers its
// outbound sink, and returns a channel the transport should forward every
// FeedMessage for this connection through.
func (a *Aggregator) SubscribeFeed(sink FeedSink) FeedChannel {
	conn := ConnId(a.nextFeedConnId.Add(1))
	a.queue.Push(feedConnected{Conn: conn, Sink: sink})
	return FeedChannel{conn: conn, queue: a.queue}
}

// GatherMetrics sends a one-shot reply request into the loop and blocks
// until it answers.
func (a *Aggregator) GatherMetrics() Metrics {
	reply := make(chan Metrics, 1)
	if !a.queue.Push(GatherMetricsRequest{Reply: reply}) {
		return Metrics{}
	}
	return <-reply
}

// Close shuts down the inbound queue, which the event loop observes as
// end-of-stream and exits on.
func (a *Aggregator) Close() {
	a.queue.Close()
}
